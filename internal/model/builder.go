package model

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/deep3d/internal/nn"
	"github.com/born-ml/deep3d/internal/parallel"
)

// ErrCompiled is returned when layers are added to a compiled builder.
var ErrCompiled = errors.New("network already compiled")

// DefaultInitScale is the weight initialization scale used by Build.
const DefaultInitScale = 3.0

// BuildOptions controls compilation.
type BuildOptions struct {
	// SkipPrediction omits the prediction function set (training only).
	SkipPrediction bool
	// RNG drives weight initialization and dropout. Nil uses a fixed seed.
	RNG *rand.Rand
	// Parallel configures the convolution and pooling kernels.
	Parallel parallel.Config
	// InitScale overrides DefaultInitScale when positive.
	InitScale float64
}

// Geometry fixes the batch a compiled network trains on.
type Geometry struct {
	BatchSize    int // patches per batch
	OutputPerDim int // last-layer voxels per axis (per fragment)
}

// LayerSpec describes one convolutional layer.
type LayerSpec struct {
	FilterSize    int
	PoolingFactor int
	Channels      int
	Activation    nn.Activation
}

// Builder adds layers one at a time and compiles them into a Network.
type Builder struct {
	arch       Architecture
	activation []string
	layers     []nn.Layer
	convs      []*nn.Conv3D
	fragments  []int
	channels   int
	opts       BuildOptions
	compiled   bool
}

// NewBuilder starts a network whose input has inputChannels channels.
// Dropout and fragment pooling apply to every layer added afterwards.
func NewBuilder(inputChannels int, dropout float32, fragmentPooling bool, opts BuildOptions) *Builder {
	if opts.RNG == nil {
		opts.RNG = rand.New(rand.NewPCG(0, 0))
	}
	if opts.InitScale <= 0 {
		opts.InitScale = DefaultInitScale
	}
	return &Builder{
		arch: Architecture{
			InputChannels:   inputChannels,
			Dropout:         dropout,
			FragmentPooling: fragmentPooling,
		},
		channels: inputChannels,
		opts:     opts,
	}
}

// AddConvLayer appends a convolution with its activation, dropout and
// pooling. The output layer gets no dropout; with fragment pooling it also
// densifies the fragments of all pooling layers.
func (b *Builder) AddConvLayer(spec LayerSpec, output bool) error {
	if b.compiled {
		return ErrCompiled
	}
	if spec.FilterSize < 1 || spec.PoolingFactor < 1 || spec.Channels < 1 {
		return fmt.Errorf("%w: %+v", ErrInvalidLayer, spec)
	}
	idx := len(b.convs)

	conv := nn.NewConv3D(fmt.Sprintf("conv%d", idx), b.channels, spec.Channels, spec.FilterSize, b.opts.RNG, b.opts.Parallel)
	if b.opts.InitScale != DefaultInitScale {
		conv.Randomize(b.opts.InitScale, b.opts.RNG)
	}
	b.convs = append(b.convs, conv)
	b.layers = append(b.layers, conv, nn.NewActivationLayer(spec.Activation))

	if !output && b.arch.Dropout > 0 {
		b.layers = append(b.layers, nn.NewDropout(b.arch.Dropout, b.opts.RNG))
	}

	if p := spec.PoolingFactor; p > 1 {
		if b.arch.FragmentPooling {
			b.layers = append(b.layers, nn.NewFragmentPool3D(p, b.opts.Parallel))
			b.fragments = append(b.fragments, p)
		} else {
			b.layers = append(b.layers, nn.NewMaxPool3D(p, b.opts.Parallel))
		}
	}

	if output && len(b.fragments) > 0 {
		b.layers = append(b.layers, nn.NewDensify(b.fragments))
	}

	b.channels = spec.Channels
	b.arch.FilterSizes = append(b.arch.FilterSizes, spec.FilterSize)
	b.arch.PoolingFactors = append(b.arch.PoolingFactors, spec.PoolingFactor)
	b.arch.Channels = append(b.arch.Channels, spec.Channels)
	b.activation = append(b.activation, spec.Activation.String())
	return nil
}

// Compile freezes the layers into a Network for the given geometry.
// Subsequent AddConvLayer calls fail with ErrCompiled.
func (b *Builder) Compile(geom Geometry) (*Network, error) {
	if b.compiled {
		return nil, ErrCompiled
	}
	if len(b.convs) == 0 {
		return nil, fmt.Errorf("%w: no layers", ErrInvalidLayer)
	}
	if geom.BatchSize < 1 || geom.OutputPerDim < 1 {
		return nil, fmt.Errorf("%w: geometry %+v", ErrInvalidLayer, geom)
	}
	b.arch.Activations = PerLayer(b.activation...)
	b.compiled = true
	return newNetwork(b.arch, geom, b.layers, b.convs, !b.opts.SkipPrediction), nil
}

// Build validates arch, adds all of its layers and compiles the network.
// It returns the network together with its trainable parameters.
func Build(arch Architecture, geom Geometry, opts BuildOptions) (*Network, []*nn.Parameter, error) {
	if err := arch.Validate(); err != nil {
		return nil, nil, err
	}
	acts, err := arch.Activations.Resolve(arch.NumLayers())
	if err != nil {
		return nil, nil, err
	}

	b := NewBuilder(arch.InputChannels, arch.Dropout, arch.FragmentPooling, opts)
	last := arch.NumLayers() - 1
	for i := range arch.Channels {
		spec := LayerSpec{
			FilterSize:    arch.FilterSizes[i],
			PoolingFactor: arch.PoolingFactors[i],
			Channels:      arch.Channels[i],
			Activation:    acts[i],
		}
		if err := b.AddConvLayer(spec, i == last); err != nil {
			return nil, nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	net, err := b.Compile(geom)
	if err != nil {
		return nil, nil, err
	}
	return net, net.Parameters(), nil
}
