package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/born-ml/deep3d/internal/parallel"
	"github.com/born-ml/deep3d/internal/tensor"
)

// Conv3D is a 3D convolutional layer with cubic filters.
//
// Convolution is "valid" (no padding) with stride 1:
//
// Input shape:  [batch, in_channels, depth, height, width]
// Weight shape: [out_channels, in_channels, k, k, k]
// Bias shape:   [out_channels]
// Output shape: [batch, out_channels, depth-k+1, height-k+1, width-k+1]
type Conv3D struct {
	inChannels  int
	outChannels int
	kernel      int

	weight *Parameter
	bias   *Parameter

	input *tensor.Tensor[float32] // cached for Backward
	par   parallel.Config
}

// NewConv3D creates a 3D convolution with zero bias and weights drawn
// uniformly from [-sqrt(3/fan_in), sqrt(3/fan_in)].
func NewConv3D(name string, inChannels, outChannels, kernel int, rng *rand.Rand, par parallel.Config) *Conv3D {
	if inChannels <= 0 || outChannels <= 0 {
		panic(fmt.Sprintf("conv3d: invalid channels in=%d, out=%d", inChannels, outChannels))
	}
	if kernel <= 0 {
		panic(fmt.Sprintf("conv3d: invalid kernel size %d", kernel))
	}

	weight := tensor.Zeros[float32](tensor.Shape{outChannels, inChannels, kernel, kernel, kernel})
	bias := tensor.Zeros[float32](tensor.Shape{outChannels})

	c := &Conv3D{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernel:      kernel,
		weight:      NewParameter(name+".weight", weight),
		bias:        NewParameter(name+".bias", bias),
		par:         par,
	}
	c.Randomize(3, rng)
	return c
}

// Randomize re-draws the weights uniformly from [-sqrt(scale/fan_in),
// sqrt(scale/fan_in)] and zeroes the bias. scale=3 gives unit-variance
// pre-activations for unit-variance inputs.
func (c *Conv3D) Randomize(scale float64, rng *rand.Rand) {
	fanIn := c.inChannels * c.kernel * c.kernel * c.kernel
	bound := math.Sqrt(scale / float64(fanIn))
	data := c.weight.value.Data()
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	c.bias.value.Fill(0)
}

// OutputShape implements Layer.
func (c *Conv3D) OutputShape(in tensor.Shape) tensor.Shape {
	mustRank5("conv3d", in)
	k := c.kernel - 1
	return tensor.Shape{in[0], c.outChannels, in[2] - k, in[3] - k, in[4] - k}
}

// Forward implements Layer.
func (c *Conv3D) Forward(input *tensor.Tensor[float32], _ bool) *tensor.Tensor[float32] {
	in := input.Shape()
	mustRank5("conv3d", in)
	if in[1] != c.inChannels {
		panic(fmt.Sprintf("conv3d: input channels %d != expected %d", in[1], c.inChannels))
	}
	outShape := c.OutputShape(in)
	if outShape[2] <= 0 || outShape[3] <= 0 || outShape[4] <= 0 {
		panic(fmt.Sprintf("conv3d: input %v smaller than kernel %d", []int(in), c.kernel))
	}
	c.input = input

	out := tensor.Zeros[float32](outShape)
	N, C, D, H, W := in[0], in[1], in[2], in[3], in[4]
	Do, Ho, Wo := outShape[2], outShape[3], outShape[4]
	K := c.kernel
	inData, outData := input.Data(), out.Data()
	wData, bData := c.weight.value.Data(), c.bias.value.Data()
	inVol, outVol := D*H*W, Do*Ho*Wo
	k3 := K * K * K

	parallel.ForBatch(N, c.outChannels, func(n, o int) {
		dst := outData[(n*c.outChannels+o)*outVol : (n*c.outChannels+o+1)*outVol]
		b := bData[o]
		for i := range dst {
			dst[i] = b
		}
		for ch := 0; ch < C; ch++ {
			src := inData[(n*C+ch)*inVol : (n*C+ch+1)*inVol]
			w := wData[(o*C+ch)*k3 : (o*C+ch+1)*k3]
			for kz := 0; kz < K; kz++ {
				for ky := 0; ky < K; ky++ {
					for kx := 0; kx < K; kx++ {
						wv := w[(kz*K+ky)*K+kx]
						for z := 0; z < Do; z++ {
							for y := 0; y < Ho; y++ {
								row := dst[(z*Ho+y)*Wo : (z*Ho+y+1)*Wo]
								srow := src[((z+kz)*H+y+ky)*W+kx:]
								for x := range row {
									row[x] += wv * srow[x]
								}
							}
						}
					}
				}
			}
		}
	}, c.par)

	return out
}

// Backward implements Layer.
func (c *Conv3D) Backward(grad *tensor.Tensor[float32]) *tensor.Tensor[float32] {
	if c.input == nil {
		panic("conv3d: Backward called before Forward")
	}
	in := c.input.Shape()
	gs := grad.Shape()
	N, C, D, H, W := in[0], in[1], in[2], in[3], in[4]
	O, Do, Ho, Wo := c.outChannels, gs[2], gs[3], gs[4]
	K := c.kernel
	k3 := K * K * K
	inVol, outVol := D*H*W, Do*Ho*Wo

	inData, gData := c.input.Data(), grad.Data()
	wData := c.weight.value.Data()
	wGrad, bGrad := c.weight.grad.Data(), c.bias.grad.Data()

	// Bias and kernel gradients; each out channel owns its slice.
	parallel.For(O, func(o int) {
		for n := 0; n < N; n++ {
			g := gData[(n*O+o)*outVol : (n*O+o+1)*outVol]
			var sum float32
			for _, v := range g {
				sum += v
			}
			bGrad[o] += sum

			for ch := 0; ch < C; ch++ {
				src := inData[(n*C+ch)*inVol : (n*C+ch+1)*inVol]
				wg := wGrad[(o*C+ch)*k3 : (o*C+ch+1)*k3]
				for kz := 0; kz < K; kz++ {
					for ky := 0; ky < K; ky++ {
						for kx := 0; kx < K; kx++ {
							var acc float32
							for z := 0; z < Do; z++ {
								for y := 0; y < Ho; y++ {
									grow := g[(z*Ho+y)*Wo : (z*Ho+y+1)*Wo]
									srow := src[((z+kz)*H+y+ky)*W+kx:]
									for x, gv := range grow {
										acc += gv * srow[x]
									}
								}
							}
							wg[(kz*K+ky)*K+kx] += acc
						}
					}
				}
			}
		}
	}, c.par)

	// Input gradient: transposed convolution; each (n, ch) plane is independent.
	inGrad := tensor.Zeros[float32](in)
	igData := inGrad.Data()
	parallel.ForBatch(N, C, func(n, ch int) {
		dst := igData[(n*C+ch)*inVol : (n*C+ch+1)*inVol]
		for o := 0; o < O; o++ {
			g := gData[(n*O+o)*outVol : (n*O+o+1)*outVol]
			w := wData[(o*C+ch)*k3 : (o*C+ch+1)*k3]
			for kz := 0; kz < K; kz++ {
				for ky := 0; ky < K; ky++ {
					for kx := 0; kx < K; kx++ {
						wv := w[(kz*K+ky)*K+kx]
						for z := 0; z < Do; z++ {
							for y := 0; y < Ho; y++ {
								grow := g[(z*Ho+y)*Wo : (z*Ho+y+1)*Wo]
								drow := dst[((z+kz)*H+y+ky)*W+kx:]
								for x, gv := range grow {
									drow[x] += wv * gv
								}
							}
						}
					}
				}
			}
		}
	}, c.par)

	return inGrad
}

// Parameters implements Layer.
func (c *Conv3D) Parameters() []*Parameter {
	return []*Parameter{c.weight, c.bias}
}

// Weight returns the weight parameter.
func (c *Conv3D) Weight() *Parameter {
	return c.weight
}

// Bias returns the bias parameter.
func (c *Conv3D) Bias() *Parameter {
	return c.bias
}

// OutChannels returns the number of filters.
func (c *Conv3D) OutChannels() int {
	return c.outChannels
}

// KernelSize returns the filter edge length.
func (c *Conv3D) KernelSize() int {
	return c.kernel
}

// String returns a string representation of the layer.
func (c *Conv3D) String() string {
	return fmt.Sprintf("Conv3D(in_channels=%d, out_channels=%d, kernel_size=%d)",
		c.inChannels, c.outChannels, c.kernel)
}
