package nn

import (
	"fmt"
	"math"
	"strings"

	"github.com/born-ml/deep3d/internal/tensor"
)

// Activation identifies an element-wise nonlinearity.
type Activation int

// Supported activations.
const (
	ReLU Activation = iota
	Tanh
	Sigmoid
	Abs
	Linear
)

var activationNames = map[Activation]string{
	ReLU:    "relu",
	Tanh:    "tanh",
	Sigmoid: "sigmoid",
	Abs:     "abs",
	Linear:  "linear",
}

// ParseActivation resolves an activation by its lower-case name.
func ParseActivation(name string) (Activation, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for act, n := range activationNames {
		if n == key {
			return act, nil
		}
	}
	return 0, fmt.Errorf("unknown activation %q", name)
}

// String returns the activation name.
func (a Activation) String() string {
	if n, ok := activationNames[a]; ok {
		return n
	}
	return fmt.Sprintf("activation(%d)", int(a))
}

// ActivationLayer applies an Activation element-wise.
type ActivationLayer struct {
	kind   Activation
	input  *tensor.Tensor[float32]
	output *tensor.Tensor[float32]
}

// NewActivationLayer creates an activation layer.
func NewActivationLayer(kind Activation) *ActivationLayer {
	return &ActivationLayer{kind: kind}
}

// Kind returns the activation applied by the layer.
func (a *ActivationLayer) Kind() Activation {
	return a.kind
}

// OutputShape implements Layer.
func (a *ActivationLayer) OutputShape(in tensor.Shape) tensor.Shape {
	return in.Clone()
}

// Forward implements Layer.
func (a *ActivationLayer) Forward(input *tensor.Tensor[float32], _ bool) *tensor.Tensor[float32] {
	a.input = input
	out := input.Clone()
	data := out.Data()
	switch a.kind {
	case ReLU:
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			}
		}
	case Tanh:
		for i, v := range data {
			data[i] = float32(math.Tanh(float64(v)))
		}
	case Sigmoid:
		for i, v := range data {
			data[i] = float32(1 / (1 + math.Exp(-float64(v))))
		}
	case Abs:
		for i, v := range data {
			if v < 0 {
				data[i] = -v
			}
		}
	case Linear:
	}
	a.output = out
	return out
}

// Backward implements Layer.
func (a *ActivationLayer) Backward(grad *tensor.Tensor[float32]) *tensor.Tensor[float32] {
	if a.output == nil {
		panic("activation: Backward called before Forward")
	}
	out := grad.Clone()
	g := out.Data()
	x, y := a.input.Data(), a.output.Data()
	switch a.kind {
	case ReLU:
		for i := range g {
			if x[i] <= 0 {
				g[i] = 0
			}
		}
	case Tanh:
		for i := range g {
			g[i] *= 1 - y[i]*y[i]
		}
	case Sigmoid:
		for i := range g {
			g[i] *= y[i] * (1 - y[i])
		}
	case Abs:
		for i := range g {
			if x[i] < 0 {
				g[i] = -g[i]
			}
		}
	case Linear:
	}
	return out
}

// Parameters implements Layer.
func (a *ActivationLayer) Parameters() []*Parameter {
	return nil
}

// String returns a string representation of the layer.
func (a *ActivationLayer) String() string {
	return fmt.Sprintf("Activation(%s)", a.kind)
}
