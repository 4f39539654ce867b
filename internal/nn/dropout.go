package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/deep3d/internal/tensor"
)

// Dropout zeroes activations with probability rate during training and
// rescales the survivors by 1/(1-rate). At inference it is the identity.
type Dropout struct {
	rate float32
	rng  *rand.Rand
	mask []float32
}

// NewDropout creates a dropout layer.
func NewDropout(rate float32, rng *rand.Rand) *Dropout {
	if rate < 0 || rate >= 1 {
		panic(fmt.Sprintf("dropout: rate %v outside [0, 1)", rate))
	}
	return &Dropout{rate: rate, rng: rng}
}

// OutputShape implements Layer.
func (d *Dropout) OutputShape(in tensor.Shape) tensor.Shape {
	return in.Clone()
}

// Forward implements Layer.
func (d *Dropout) Forward(input *tensor.Tensor[float32], train bool) *tensor.Tensor[float32] {
	if !train || d.rate == 0 {
		d.mask = nil
		return input
	}
	out := input.Clone()
	data := out.Data()
	keep := 1 / (1 - d.rate)
	d.mask = make([]float32, len(data))
	for i := range data {
		if d.rng.Float32() >= d.rate {
			d.mask[i] = keep
		}
		data[i] *= d.mask[i]
	}
	return out
}

// Backward implements Layer.
func (d *Dropout) Backward(grad *tensor.Tensor[float32]) *tensor.Tensor[float32] {
	if d.mask == nil {
		return grad
	}
	out := grad.Clone()
	data := out.Data()
	for i := range data {
		data[i] *= d.mask[i]
	}
	return out
}

// Parameters implements Layer.
func (d *Dropout) Parameters() []*Parameter {
	return nil
}

// String returns a string representation of the layer.
func (d *Dropout) String() string {
	return fmt.Sprintf("Dropout(rate=%.2f)", d.rate)
}
