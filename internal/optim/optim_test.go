package optim

import (
	"testing"

	"github.com/born-ml/deep3d/internal/nn"
	"github.com/born-ml/deep3d/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scalarParam(value, grad float32) *nn.Parameter {
	p := nn.NewParameter("w", tensor.Full[float32](tensor.Shape{1}, value))
	p.Grad().Fill(grad)
	return p
}

func TestSGD_BasicStep(t *testing.T) {
	p := scalarParam(2.0, 1.0)
	opt := NewSGD([]*nn.Parameter{p}, SGDConfig{LR: 0.1})

	opt.Step()

	assert.InDelta(t, 1.9, p.Value().Data()[0], 1e-6)
}

func TestSGD_Momentum(t *testing.T) {
	p := scalarParam(1.0, 1.0)
	opt := NewSGD([]*nn.Parameter{p}, SGDConfig{LR: 0.1, Momentum: 0.9})

	// v = 1, p = 1 - 0.1
	opt.Step()
	assert.InDelta(t, 0.9, p.Value().Data()[0], 1e-6)

	// v = 0.9 + 1 = 1.9, p = 0.9 - 0.19
	opt.Step()
	assert.InDelta(t, 0.71, p.Value().Data()[0], 1e-6)
}

func TestSGD_SetLRAndMomentum(t *testing.T) {
	opt := NewSGD(nil, SGDConfig{})
	assert.Equal(t, float32(0.01), opt.LR())

	opt.SetLR(1e-5)
	opt.SetMomentum(0.9)
	assert.Equal(t, float32(1e-5), opt.LR())
	assert.Equal(t, float32(0.9), opt.Momentum())
}

func TestSGD_ZeroGrad(t *testing.T) {
	p := scalarParam(1.0, 3.0)
	opt := NewSGD([]*nn.Parameter{p}, SGDConfig{LR: 0.1})

	opt.ZeroGrad()

	assert.Equal(t, float32(0), p.Grad().Data()[0])
}

func TestSGD_StateDictRoundTrip(t *testing.T) {
	p := scalarParam(1.0, 1.0)
	opt := NewSGD([]*nn.Parameter{p}, SGDConfig{LR: 0.1, Momentum: 0.9})
	opt.Step()

	state := opt.StateDict()
	require.Contains(t, state, "velocity.0")

	restored := NewSGD([]*nn.Parameter{scalarParam(1.0, 1.0)}, SGDConfig{LR: 0.1, Momentum: 0.9})
	require.NoError(t, restored.LoadStateDict(state))
	assert.Equal(t, state["velocity.0"].Data(), restored.StateDict()["velocity.0"].Data())

	bad := map[string]*tensor.Tensor[float32]{"velocity.0": tensor.Zeros[float32](tensor.Shape{2})}
	assert.Error(t, restored.LoadStateDict(bad))
}

func TestAdam_FirstStepMovesByLR(t *testing.T) {
	// With bias correction the first update is lr * sign(g).
	p := scalarParam(1.0, 0.5)
	opt := NewAdam([]*nn.Parameter{p}, AdamConfig{LR: 0.01})

	opt.Step()

	assert.InDelta(t, 0.99, p.Value().Data()[0], 1e-5)
}

func TestAdam_Defaults(t *testing.T) {
	opt := NewAdam(nil, AdamConfig{})
	assert.Equal(t, float32(0.001), opt.LR())
	assert.Equal(t, float32(0.9), opt.beta1)
	assert.Equal(t, float32(0.999), opt.beta2)

	opt.SetLR(0.5)
	assert.Equal(t, float32(0.5), opt.LR())
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeSGD, ModeMomentum, ModeAdam} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMode("rmsprop")
	assert.Error(t, err)
}
