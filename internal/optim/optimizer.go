// Package optim implements the parameter update rules used by the compiled
// training step.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation
//
// Optimizers read the gradients accumulated in each nn.Parameter and update
// the parameter values in place.
package optim

import (
	"fmt"

	"github.com/born-ml/deep3d/internal/nn"
	"github.com/born-ml/deep3d/internal/tensor"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies one update to every parameter from its gradient.
	Step()

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// LR returns the current learning rate.
	LR() float32

	// SetLR updates the learning rate.
	SetLR(lr float32)
}

// Mode selects the update rule of a training step.
type Mode int

// Update rules.
const (
	ModeSGD      Mode = iota // plain gradient descent
	ModeMomentum             // SGD with momentum
	ModeAdam                 // Adam
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeSGD:
		return "sgd"
	case ModeMomentum:
		return "momentum"
	case ModeAdam:
		return "adam"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode resolves a mode by name.
func ParseMode(name string) (Mode, error) {
	for _, m := range []Mode{ModeSGD, ModeMomentum, ModeAdam} {
		if m.String() == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown training mode %q", name)
}

// zeroGrad clears the gradients of params.
func zeroGrad(params []*nn.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// buffers allocates one zero tensor per parameter.
func buffers(params []*nn.Parameter) []*tensor.Tensor[float32] {
	out := make([]*tensor.Tensor[float32], len(params))
	for i, p := range params {
		out[i] = tensor.Zeros[float32](p.Shape())
	}
	return out
}
