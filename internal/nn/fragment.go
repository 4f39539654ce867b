package nn

import (
	"fmt"

	"github.com/born-ml/deep3d/internal/parallel"
	"github.com/born-ml/deep3d/internal/tensor"
)

// FragmentPool3D is max fragment pooling.
//
// Instead of keeping one of the p³ possible window alignments, every offset
// (a, b, c) ∈ [0, p)³ is pooled and the resulting fragments are stacked on the
// batch axis, fragment-major: output sample f*N + n holds fragment
// f = (a*p + b)*p + c of input sample n. No spatial position is discarded, so
// a Densify layer after the last convolution recovers a dense prediction.
//
// Input shape:  [batch, channels, depth, height, width]
// Output shape: [p³*batch, channels, (depth-p+1)/p, (height-p+1)/p, (width-p+1)/p]
type FragmentPool3D struct {
	factor int

	inShape tensor.Shape
	argmax  []int32
	par     parallel.Config
}

// NewFragmentPool3D creates a fragment pooling layer with factor p.
func NewFragmentPool3D(factor int, par parallel.Config) *FragmentPool3D {
	if factor <= 0 {
		panic(fmt.Sprintf("fragmentpool3d: invalid pooling factor %d", factor))
	}
	return &FragmentPool3D{factor: factor, par: par}
}

// Fragments returns the number of fragments produced per input sample.
func (f *FragmentPool3D) Fragments() int {
	return f.factor * f.factor * f.factor
}

// OutputShape implements Layer.
func (f *FragmentPool3D) OutputShape(in tensor.Shape) tensor.Shape {
	mustRank5("fragmentpool3d", in)
	p := f.factor
	return tensor.Shape{in[0] * f.Fragments(), in[1], (in[2] - p + 1) / p, (in[3] - p + 1) / p, (in[4] - p + 1) / p}
}

// Forward implements Layer.
func (f *FragmentPool3D) Forward(input *tensor.Tensor[float32], _ bool) *tensor.Tensor[float32] {
	in := input.Shape()
	outShape := f.OutputShape(in)
	if outShape.NumElements() == 0 {
		panic(fmt.Sprintf("fragmentpool3d: input %v too small for pooling factor %d", []int(in), f.factor))
	}
	f.inShape = in

	out := tensor.Zeros[float32](outShape)
	f.argmax = make([]int32, out.NumElements())
	plane := outShape.Clone()
	plane[0] = in[0]
	p := f.factor
	for a := 0; a < p; a++ {
		for b := 0; b < p; b++ {
			for c := 0; c < p; c++ {
				frag := (a*p+b)*p + c
				poolPlane(input.Data(), out.Data(), f.argmax, in, plane, p, [3]int{a, b, c}, frag*in[0], f.par)
			}
		}
	}
	return out
}

// Backward implements Layer.
func (f *FragmentPool3D) Backward(grad *tensor.Tensor[float32]) *tensor.Tensor[float32] {
	if f.inShape == nil {
		panic("fragmentpool3d: Backward called before Forward")
	}
	inGrad := tensor.Zeros[float32](f.inShape)
	scatterArgmax(inGrad.Data(), grad.Data(), f.argmax)
	return inGrad
}

// Parameters implements Layer.
func (f *FragmentPool3D) Parameters() []*Parameter {
	return nil
}

// Factor returns the pooling factor.
func (f *FragmentPool3D) Factor() int {
	return f.factor
}

// String returns a string representation of the layer.
func (f *FragmentPool3D) String() string {
	return fmt.Sprintf("FragmentPool3D(factor=%d)", f.factor)
}

// Densify reassembles the fragments of one or more FragmentPool3D layers into
// a dense prediction.
//
// factors lists the pooling factors in the order the fragment layers were
// applied. For a single level with factor p, output voxel (i, j, l) of
// fragment (a, b, c) lands at dense position (p*i+a, p*j+b, p*l+c); levels
// compose from the innermost (last) pooling outwards.
//
// Input shape:  [F*batch, channels, d, h, w] with F = Π p³
// Output shape: [batch, channels, P*d, P*h, P*w] with P = Π p
type Densify struct {
	factors []int
}

// NewDensify creates a Densify layer for the given fragment pooling factors.
func NewDensify(factors []int) *Densify {
	fs := make([]int, len(factors))
	copy(fs, factors)
	return &Densify{factors: fs}
}

// OutputShape implements Layer.
func (d *Densify) OutputShape(in tensor.Shape) tensor.Shape {
	mustRank5("densify", in)
	out := in.Clone()
	for _, p := range d.factors {
		out[0] /= p * p * p
		out[2] *= p
		out[3] *= p
		out[4] *= p
	}
	return out
}

// Forward implements Layer.
func (d *Densify) Forward(input *tensor.Tensor[float32], _ bool) *tensor.Tensor[float32] {
	out := input
	for i := len(d.factors) - 1; i >= 0; i-- {
		out = densifyLevel(out, d.factors[i], false)
	}
	return out
}

// Backward implements Layer.
func (d *Densify) Backward(grad *tensor.Tensor[float32]) *tensor.Tensor[float32] {
	out := grad
	for _, p := range d.factors {
		out = densifyLevel(out, p, true)
	}
	return out
}

// Parameters implements Layer.
func (d *Densify) Parameters() []*Parameter {
	return nil
}

// String returns a string representation of the layer.
func (d *Densify) String() string {
	return fmt.Sprintf("Densify(factors=%v)", d.factors)
}

// densifyLevel undoes one fragment level. With inverse set it maps a dense
// tensor back to its fragment layout instead.
func densifyLevel(t *tensor.Tensor[float32], p int, inverse bool) *tensor.Tensor[float32] {
	s := t.Shape()
	var frag, dense tensor.Shape
	if inverse {
		dense = s
		frag = tensor.Shape{s[0] * p * p * p, s[1], s[2] / p, s[3] / p, s[4] / p}
	} else {
		frag = s
		dense = tensor.Shape{s[0] / (p * p * p), s[1], s[2] * p, s[3] * p, s[4] * p}
	}
	if frag[0] != dense[0]*p*p*p {
		panic(fmt.Sprintf("densify: batch %d is not a multiple of %d fragments", frag[0], p*p*p))
	}

	var out *tensor.Tensor[float32]
	if inverse {
		out = tensor.Zeros[float32](frag)
	} else {
		out = tensor.Zeros[float32](dense)
	}
	src, dst := t.Data(), out.Data()

	M, K := dense[0], dense[1]
	fd, fh, fw := frag[2], frag[3], frag[4]
	dd, dh, dw := dense[2], dense[3], dense[4]
	for a := 0; a < p; a++ {
		for b := 0; b < p; b++ {
			for c := 0; c < p; c++ {
				f := (a*p+b)*p + c
				for m := 0; m < M; m++ {
					for k := 0; k < K; k++ {
						fBase := ((f*M+m)*K + k) * fd * fh * fw
						dBase := (m*K + k) * dd * dh * dw
						for i := 0; i < fd; i++ {
							for j := 0; j < fh; j++ {
								for l := 0; l < fw; l++ {
									fi := fBase + (i*fh+j)*fw + l
									di := dBase + ((p*i+a)*dh+p*j+b)*dw + p*l + c
									if inverse {
										dst[fi] = src[di]
									} else {
										dst[di] = src[fi]
									}
								}
							}
						}
					}
				}
			}
		}
	}
	return out
}
