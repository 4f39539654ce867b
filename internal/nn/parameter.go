package nn

import (
	"github.com/born-ml/deep3d/internal/tensor"
)

// Parameter is a trainable tensor together with its gradient buffer.
//
// The gradient has the parameter's shape and is accumulated by Backward
// calls; the owner zeroes it before each training step.
type Parameter struct {
	name  string
	value *tensor.Tensor[float32]
	grad  *tensor.Tensor[float32]
}

// NewParameter creates a parameter named name around value.
func NewParameter(name string, value *tensor.Tensor[float32]) *Parameter {
	return &Parameter{
		name:  name,
		value: value,
		grad:  tensor.Zeros[float32](value.Shape()),
	}
}

// Name returns the parameter name (e.g. "conv3.weight").
func (p *Parameter) Name() string {
	return p.name
}

// Value returns the parameter tensor.
func (p *Parameter) Value() *tensor.Tensor[float32] {
	return p.value
}

// Grad returns the gradient tensor.
func (p *Parameter) Grad() *tensor.Tensor[float32] {
	return p.grad
}

// Shape returns the parameter shape.
func (p *Parameter) Shape() tensor.Shape {
	return p.value.Shape()
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.grad.Fill(0)
}
