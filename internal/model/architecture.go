// Package model assembles and compiles the layered 3D convolutional network.
//
// An Architecture declares the network layer by layer: filter size, pooling
// factor, channel count and activation. Build turns it into a compiled
// Network with a training step, a loss/introspection function set and,
// optionally, a prediction function. The last layer is the output layer: it
// never has dropout, its channel count is the number of classes and, with
// fragment pooling enabled, it reassembles the fragments into one dense
// prediction.
package model

import (
	"errors"
	"fmt"

	"github.com/born-ml/deep3d/internal/nn"
	"github.com/born-ml/deep3d/internal/serialization"
)

// Architecture errors.
var (
	ErrLayerSpecLength = errors.New("filter sizes, pooling factors and channel counts differ in length")
	ErrActivationCount = errors.New("number of activations does not match number of layers")
	ErrInvalidLayer    = errors.New("invalid layer specification")
)

// Activations selects the nonlinearity of every layer. It is either a single
// name applied to all layers or one name per layer.
type Activations struct {
	names    []string
	perLayer bool
}

// Single applies the same activation to every layer.
func Single(name string) Activations {
	return Activations{names: []string{name}}
}

// PerLayer lists one activation per layer.
func PerLayer(names ...string) Activations {
	ns := make([]string, len(names))
	copy(ns, names)
	return Activations{names: ns, perLayer: true}
}

// Resolve returns the activation of each of n layers.
func (a Activations) Resolve(n int) ([]nn.Activation, error) {
	if len(a.names) == 0 {
		return nil, fmt.Errorf("%w: no activation given", ErrActivationCount)
	}
	if a.perLayer && len(a.names) != n {
		return nil, fmt.Errorf("%w: got %d for %d layers", ErrActivationCount, len(a.names), n)
	}
	out := make([]nn.Activation, n)
	for i := range out {
		name := a.names[0]
		if a.perLayer {
			name = a.names[i]
		}
		act, err := nn.ParseActivation(name)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		out[i] = act
	}
	return out, nil
}

// String returns the activation names.
func (a Activations) String() string {
	if !a.perLayer && len(a.names) == 1 {
		return a.names[0]
	}
	return fmt.Sprint(a.names)
}

// Architecture is the declarative description of a network.
type Architecture struct {
	FilterSizes     []int
	PoolingFactors  []int
	Channels        []int // last entry is the number of classes
	Activations     Activations
	InputChannels   int
	Dropout         float32 // dropout rate of the hidden layers, 0 disables
	FragmentPooling bool    // pool every offset instead of discarding p³-1 of them
}

// NumLayers returns the number of convolutional layers.
func (a Architecture) NumLayers() int {
	return len(a.Channels)
}

// Validate checks the layer specification before anything is built.
func (a Architecture) Validate() error {
	if len(a.FilterSizes) != len(a.Channels) || len(a.PoolingFactors) != len(a.Channels) {
		return fmt.Errorf("%w: %d filter sizes, %d pooling factors, %d channel counts",
			ErrLayerSpecLength, len(a.FilterSizes), len(a.PoolingFactors), len(a.Channels))
	}
	if len(a.Channels) == 0 {
		return fmt.Errorf("%w: no layers", ErrInvalidLayer)
	}
	for i := range a.Channels {
		if a.FilterSizes[i] < 1 || a.PoolingFactors[i] < 1 || a.Channels[i] < 1 {
			return fmt.Errorf("%w: layer %d has filter %d, pooling %d, channels %d",
				ErrInvalidLayer, i, a.FilterSizes[i], a.PoolingFactors[i], a.Channels[i])
		}
	}
	if a.InputChannels < 1 {
		return fmt.Errorf("%w: %d input channels", ErrInvalidLayer, a.InputChannels)
	}
	if a.Dropout < 0 || a.Dropout >= 1 {
		return fmt.Errorf("%w: dropout rate %v outside [0, 1)", ErrInvalidLayer, a.Dropout)
	}
	if _, err := a.Activations.Resolve(a.NumLayers()); err != nil {
		return err
	}
	return nil
}

// Signature returns the parameter layout recorded in checkpoints.
func (a Architecture) Signature() *serialization.Architecture {
	clone := func(s []int) []int { return append([]int(nil), s...) }
	return &serialization.Architecture{
		FilterSizes:     clone(a.FilterSizes),
		PoolingFactors:  clone(a.PoolingFactors),
		Channels:        clone(a.Channels),
		InputChannels:   a.InputChannels,
		FragmentPooling: a.FragmentPooling,
	}
}

// Stride returns the product of all pooling factors: the distance in input
// voxels between neighbouring outputs of one fragment.
func (a Architecture) Stride() int {
	s := 1
	for _, p := range a.PoolingFactors {
		s *= p
	}
	return s
}

// InputSizeFor returns the input edge length for which the last layer
// produces out voxels per axis (per fragment with fragment pooling).
func (a Architecture) InputSizeFor(out int) int {
	size := out
	for i := len(a.Channels) - 1; i >= 0; i-- {
		p := a.PoolingFactors[i]
		if a.FragmentPooling && p > 1 {
			size = size*p + p - 1
		} else {
			size *= p
		}
		size += a.FilterSizes[i] - 1
	}
	return size
}

// OutputSizeFor returns the per-axis output of the last layer for an input
// edge length, or 0 if the input is too small.
func (a Architecture) OutputSizeFor(in int) int {
	size := in
	for i := range a.Channels {
		size -= a.FilterSizes[i] - 1
		p := a.PoolingFactors[i]
		if a.FragmentPooling && p > 1 {
			size -= p - 1
		}
		size /= p
		if size < 1 {
			return 0
		}
	}
	return size
}

// LabelSize returns the per-axis size of the prediction for out voxels of the
// last layer. Fragment pooling yields a dense prediction Stride() times
// larger.
func (a Architecture) LabelSize(out int) int {
	if a.FragmentPooling {
		return out * a.Stride()
	}
	return out
}

// LabelStride returns the distance in input voxels between neighbouring
// predictions.
func (a Architecture) LabelStride() int {
	if a.FragmentPooling {
		return 1
	}
	return a.Stride()
}

// LabelOffset returns the input position of the first prediction's
// receptive field centre for a network producing out voxels per axis.
func (a Architecture) LabelOffset(out int) int {
	in := a.InputSizeFor(out)
	span := (a.LabelSize(out) - 1) * a.LabelStride()
	return (in - span) / 2
}
