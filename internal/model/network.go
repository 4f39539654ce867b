package model

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/born-ml/deep3d/internal/nn"
	"github.com/born-ml/deep3d/internal/optim"
	"github.com/born-ml/deep3d/internal/serialization"
	"github.com/born-ml/deep3d/internal/tensor"
)

// ModelType is recorded in checkpoint headers.
const ModelType = "deep3d.ConvNet3D"

// Network errors.
var (
	ErrIncompatible = errors.New("checkpoint does not match network architecture")
	ErrInputShape   = errors.New("input does not match network geometry")
	ErrNoPrediction = errors.New("network compiled without prediction functions")
)

// Network is a compiled network.
//
// It owns its parameters and the optimizer state. A Network is not safe for
// concurrent use; the training loop drives it from a single goroutine.
type Network struct {
	arch       Architecture
	geom       Geometry
	layers     []nn.Layer
	convs      []*nn.Conv3D
	params     []*nn.Parameter
	inputShape tensor.Shape
	predict    bool

	lr       float32
	momentum float32
	steps    int
	loss     nn.SoftmaxNLL

	sgd          *optim.SGD
	withMomentum *optim.SGD
	adam         *optim.Adam
}

func newNetwork(arch Architecture, geom Geometry, layers []nn.Layer, convs []*nn.Conv3D, predict bool) *Network {
	var params []*nn.Parameter
	for _, l := range layers {
		params = append(params, l.Parameters()...)
	}
	size := arch.InputSizeFor(geom.OutputPerDim)
	return &Network{
		arch:       arch,
		geom:       geom,
		layers:     layers,
		convs:      convs,
		params:     params,
		inputShape: tensor.Shape{geom.BatchSize, arch.InputChannels, size, size, size},
		predict:    predict,
		lr:         0.01,
	}
}

// Architecture returns the architecture the network was compiled from.
func (n *Network) Architecture() Architecture {
	return n.arch
}

// Geometry returns the batch geometry the network was compiled for.
func (n *Network) Geometry() Geometry {
	return n.geom
}

// InputShape returns the shape of the data batches the network accepts.
func (n *Network) InputShape() tensor.Shape {
	return n.inputShape.Clone()
}

// OutputShape returns the shape of the logits for one batch.
func (n *Network) OutputShape() tensor.Shape {
	s := n.InputShape()
	for _, l := range n.layers {
		s = l.OutputShape(s)
	}
	return s
}

// Parameters returns the trainable parameters in layer order.
func (n *Network) Parameters() []*nn.Parameter {
	return n.params
}

// Layers returns the compiled layer sequence.
func (n *Network) Layers() []nn.Layer {
	return n.layers
}

// SetLearningRate sets the learning rate of all update rules.
func (n *Network) SetLearningRate(lr float32) {
	n.lr = lr
}

// LearningRate returns the current learning rate.
func (n *Network) LearningRate() float32 {
	return n.lr
}

// SetMomentum sets the momentum used by optim.ModeMomentum.
func (n *Network) SetMomentum(m float32) {
	n.momentum = m
}

// Momentum returns the current momentum.
func (n *Network) Momentum() float32 {
	return n.momentum
}

// Steps returns the number of training steps taken.
func (n *Network) Steps() int {
	return n.steps
}

// TrainingStep runs one forward/backward pass on a batch, updates the
// parameters with the rule selected by mode and returns the batch loss.
func (n *Network) TrainingStep(data *tensor.Tensor[float32], labels *tensor.Tensor[int32], mode optim.Mode) (float32, error) {
	if err := n.checkInput(data); err != nil {
		return 0, err
	}
	opt, err := n.optimizer(mode)
	if err != nil {
		return 0, err
	}

	opt.ZeroGrad()
	logits := n.forward(data, true)
	loss, grad, err := n.loss.Forward(logits, labels)
	if err != nil {
		return 0, err
	}
	for i := len(n.layers) - 1; i >= 0; i-- {
		grad = n.layers[i].Backward(grad)
	}
	opt.SetLR(n.lr)
	opt.Step()
	n.steps++
	return loss, nil
}

// Loss returns the loss of a batch without updating the parameters.
func (n *Network) Loss(data *tensor.Tensor[float32], labels *tensor.Tensor[int32]) (float32, error) {
	if err := n.checkInput(data); err != nil {
		return 0, err
	}
	loss, _, err := n.loss.Forward(n.forward(data, false), labels)
	return loss, err
}

// Predict returns per-voxel class probabilities [N, K, D, H, W] for a batch.
func (n *Network) Predict(data *tensor.Tensor[float32]) (*tensor.Tensor[float32], error) {
	if !n.predict {
		return nil, ErrNoPrediction
	}
	if err := n.checkInput(data); err != nil {
		return nil, err
	}
	return nn.Softmax(n.forward(data, false)), nil
}

// RandomizeWeights re-initializes all convolutions with the given scale.
func (n *Network) RandomizeWeights(scale float64, rng *rand.Rand) {
	for _, c := range n.convs {
		c.Randomize(scale, rng)
	}
}

// SaveParameters writes all parameters to a checkpoint at path.
func (n *Network) SaveParameters(path string) error {
	return n.SaveParametersLabeled(path, "")
}

// SaveParametersLabeled writes all parameters to a checkpoint at path and
// records label with the save.
func (n *Network) SaveParametersLabeled(path, label string) error {
	tensors := make(map[string]*tensor.Tensor[float32], len(n.params))
	for _, p := range n.params {
		tensors[p.Name()] = p.Value()
	}
	header := serialization.Header{
		ModelType: ModelType,
		Metadata:  map[string]string{"activations": n.arch.Activations.String()},
		Checkpoint: &serialization.CheckpointMeta{
			Label:        label,
			Iteration:    n.steps,
			LearningRate: float64(n.lr),
			Architecture: n.arch.Signature(),
		},
	}
	if err := serialization.WriteCheckpoint(path, tensors, header); err != nil {
		return fmt.Errorf("save parameters: %w", err)
	}
	return nil
}

// LoadParameters replaces all parameters with those of the checkpoint at
// path. A checkpoint of a different architecture returns ErrIncompatible
// and leaves the network unchanged.
func (n *Network) LoadParameters(path string) error {
	header, tensors, err := serialization.ReadCheckpoint(path, serialization.ReaderOptions{})
	if err != nil {
		return fmt.Errorf("load parameters: %w", err)
	}
	if header.Checkpoint != nil && header.Checkpoint.Architecture != nil &&
		!header.Checkpoint.Architecture.Equal(n.arch.Signature()) {
		return fmt.Errorf("%w: %s has %d layers %v", ErrIncompatible, path,
			len(header.Checkpoint.Architecture.Channels), header.Checkpoint.Architecture.Channels)
	}
	if len(tensors) != len(n.params) {
		return fmt.Errorf("%w: %s has %d tensors, network has %d parameters", ErrIncompatible, path, len(tensors), len(n.params))
	}
	for _, p := range n.params {
		t, ok := tensors[p.Name()]
		if !ok {
			return fmt.Errorf("%w: %s lacks %s", ErrIncompatible, path, p.Name())
		}
		if !t.Shape().Equal(p.Shape()) {
			return fmt.Errorf("%w: %s has shape %v, expected %v", ErrIncompatible, p.Name(), t.Shape(), p.Shape())
		}
	}
	for _, p := range n.params {
		copy(p.Value().Data(), tensors[p.Name()].Data())
	}
	return nil
}

// String returns a multi-line summary of the layers.
func (n *Network) String() string {
	var sb strings.Builder
	s := n.InputShape()
	fmt.Fprintf(&sb, "input %v\n", []int(s))
	for _, l := range n.layers {
		s = l.OutputShape(s)
		fmt.Fprintf(&sb, "  %-40s -> %v\n", l.String(), []int(s))
	}
	return sb.String()
}

func (n *Network) forward(data *tensor.Tensor[float32], train bool) *tensor.Tensor[float32] {
	out := data
	for _, l := range n.layers {
		out = l.Forward(out, train)
	}
	return out
}

func (n *Network) checkInput(data *tensor.Tensor[float32]) error {
	if !data.Shape().Equal(n.inputShape) {
		return fmt.Errorf("%w: got %v, expected %v", ErrInputShape, data.Shape(), n.inputShape)
	}
	return nil
}

// optimizer returns the update rule for mode, creating it on first use.
func (n *Network) optimizer(mode optim.Mode) (optim.Optimizer, error) {
	switch mode {
	case optim.ModeSGD:
		if n.sgd == nil {
			n.sgd = optim.NewSGD(n.params, optim.SGDConfig{LR: n.lr})
		}
		return n.sgd, nil
	case optim.ModeMomentum:
		if n.withMomentum == nil {
			n.withMomentum = optim.NewSGD(n.params, optim.SGDConfig{LR: n.lr, Momentum: n.momentum})
		}
		n.withMomentum.SetMomentum(n.momentum)
		return n.withMomentum, nil
	case optim.ModeAdam:
		if n.adam == nil {
			n.adam = optim.NewAdam(n.params, optim.AdamConfig{LR: n.lr})
		}
		return n.adam, nil
	default:
		return nil, fmt.Errorf("unsupported training mode %v", mode)
	}
}
