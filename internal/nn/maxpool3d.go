package nn

import (
	"fmt"

	"github.com/born-ml/deep3d/internal/parallel"
	"github.com/born-ml/deep3d/internal/tensor"
)

// MaxPool3D is non-overlapping 3D max pooling with a cubic window.
//
// Window and stride both equal the pooling factor. Trailing voxels that do
// not fill a whole window are dropped.
//
// Input shape:  [batch, channels, depth, height, width]
// Output shape: [batch, channels, depth/p, height/p, width/p]
type MaxPool3D struct {
	factor int

	inShape tensor.Shape
	argmax  []int32 // flat input index of each output's maximum
	par     parallel.Config
}

// NewMaxPool3D creates a max pooling layer with pooling factor p.
func NewMaxPool3D(factor int, par parallel.Config) *MaxPool3D {
	if factor <= 0 {
		panic(fmt.Sprintf("maxpool3d: invalid pooling factor %d", factor))
	}
	return &MaxPool3D{factor: factor, par: par}
}

// OutputShape implements Layer.
func (m *MaxPool3D) OutputShape(in tensor.Shape) tensor.Shape {
	mustRank5("maxpool3d", in)
	p := m.factor
	return tensor.Shape{in[0], in[1], in[2] / p, in[3] / p, in[4] / p}
}

// Forward implements Layer.
func (m *MaxPool3D) Forward(input *tensor.Tensor[float32], _ bool) *tensor.Tensor[float32] {
	in := input.Shape()
	outShape := m.OutputShape(in)
	if outShape.NumElements() == 0 {
		panic(fmt.Sprintf("maxpool3d: input %v smaller than pooling factor %d", []int(in), m.factor))
	}
	m.inShape = in

	out := tensor.Zeros[float32](outShape)
	m.argmax = make([]int32, out.NumElements())
	poolPlane(input.Data(), out.Data(), m.argmax, in, outShape, m.factor, [3]int{}, 0, m.par)
	return out
}

// Backward implements Layer.
func (m *MaxPool3D) Backward(grad *tensor.Tensor[float32]) *tensor.Tensor[float32] {
	if m.inShape == nil {
		panic("maxpool3d: Backward called before Forward")
	}
	inGrad := tensor.Zeros[float32](m.inShape)
	scatterArgmax(inGrad.Data(), grad.Data(), m.argmax)
	return inGrad
}

// Parameters implements Layer.
func (m *MaxPool3D) Parameters() []*Parameter {
	return nil
}

// Factor returns the pooling factor.
func (m *MaxPool3D) Factor() int {
	return m.factor
}

// String returns a string representation of the layer.
func (m *MaxPool3D) String() string {
	return fmt.Sprintf("MaxPool3D(factor=%d)", m.factor)
}

// poolPlane max-pools every (n, c) plane of src into dst. Windows start at
// offset + p*i along each axis. dst holds batchOffset*C planes before the
// ones written here; argmax receives flat indices into src.
func poolPlane(src, dst []float32, argmax []int32, in, out tensor.Shape, p int, offset [3]int, batchOffset int, par parallel.Config) {
	N, C, D, H, W := in[0], in[1], in[2], in[3], in[4]
	Do, Ho, Wo := out[2], out[3], out[4]
	inVol, outVol := D*H*W, Do*Ho*Wo

	parallel.ForBatch(N, C, func(n, c int) {
		srcBase := (n*C + c) * inVol
		dstBase := ((batchOffset+n)*C + c) * outVol
		for z := 0; z < Do; z++ {
			z0 := offset[0] + z*p
			for y := 0; y < Ho; y++ {
				y0 := offset[1] + y*p
				for x := 0; x < Wo; x++ {
					x0 := offset[2] + x*p
					best := srcBase + (z0*H+y0)*W + x0
					bestVal := src[best]
					for dz := 0; dz < p; dz++ {
						for dy := 0; dy < p; dy++ {
							row := srcBase + ((z0+dz)*H+y0+dy)*W + x0
							for dx := 0; dx < p; dx++ {
								if v := src[row+dx]; v > bestVal {
									bestVal, best = v, row+dx
								}
							}
						}
					}
					o := dstBase + (z*Ho+y)*Wo + x
					dst[o] = bestVal
					argmax[o] = int32(best) //nolint:gosec // G115: activations stay far below 2^31 elements
				}
			}
		}
	}, par)
}

func scatterArgmax(dst, grad []float32, argmax []int32) {
	for i, g := range grad {
		dst[argmax[i]] += g
	}
}
