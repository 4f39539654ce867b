package optim

import (
	"fmt"

	"github.com/born-ml/deep3d/internal/nn"
	"github.com/born-ml/deep3d/internal/tensor"
)

// SGD implements Stochastic Gradient Descent optimizer with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
type SGD struct {
	params     []*nn.Parameter
	lr         float32
	momentum   float32
	velocities []*tensor.Tensor[float32]
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float32 // Learning rate (default: 0.01)
	Momentum float32 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer.
func NewSGD(params []*nn.Parameter, config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}

	return &SGD{
		params:     params,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: buffers(params),
	}
}

// Step performs a single optimization step.
func (s *SGD) Step() {
	for i, param := range s.params {
		values := param.Value().Data()
		grad := param.Grad().Data()

		if s.momentum == 0 {
			for j, g := range grad {
				values[j] -= s.lr * g
			}
			continue
		}

		velocity := s.velocities[i].Data()
		for j, g := range grad {
			velocity[j] = s.momentum*velocity[j] + g
			values[j] -= s.lr * velocity[j]
		}
	}
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD) ZeroGrad() {
	zeroGrad(s.params)
}

// LR returns the current learning rate.
func (s *SGD) LR() float32 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD) SetLR(lr float32) {
	s.lr = lr
}

// Momentum returns the momentum factor.
func (s *SGD) Momentum() float32 {
	return s.momentum
}

// SetMomentum updates the momentum factor. Existing velocities are kept.
func (s *SGD) SetMomentum(momentum float32) {
	s.momentum = momentum
}

// StateDict returns the velocity buffers keyed "velocity.{param_index}".
func (s *SGD) StateDict() map[string]*tensor.Tensor[float32] {
	state := make(map[string]*tensor.Tensor[float32], len(s.velocities))
	for i, v := range s.velocities {
		state[fmt.Sprintf("velocity.%d", i)] = v
	}
	return state
}

// LoadStateDict restores velocity buffers saved by StateDict.
//
// Missing entries leave the velocity at zero. Returns an error if a velocity
// shape does not match its parameter.
func (s *SGD) LoadStateDict(state map[string]*tensor.Tensor[float32]) error {
	for i, param := range s.params {
		v, ok := state[fmt.Sprintf("velocity.%d", i)]
		if !ok {
			s.velocities[i].Fill(0)
			continue
		}
		if !v.Shape().Equal(param.Shape()) {
			return fmt.Errorf("velocity shape mismatch for parameter %d: expected %v, got %v",
				i, param.Shape(), v.Shape())
		}
		copy(s.velocities[i].Data(), v.Data())
	}
	return nil
}
