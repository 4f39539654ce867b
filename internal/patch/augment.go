package patch

import (
	"math/rand/v2"

	"github.com/born-ml/deep3d/internal/tensor"
)

// Augmentation bounds a random grey-value transform shift + data*scale.
type Augmentation struct {
	MaxShift float32 // shift is drawn from [-MaxShift, MaxShift]
	MinScale float32
	MaxScale float32 // scale is drawn from [MinScale, MaxScale]
}

// Augmentation presets.
var (
	DefaultAugmentation = Augmentation{MaxShift: 0.05, MinScale: 0.85, MaxScale: 1.3}
	LesserAugmentation  = Augmentation{MaxShift: 0.02, MinScale: 0.91, MaxScale: 1.1}
)

// Augmenter applies an Augmentation with its own random source.
type Augmenter struct {
	params Augmentation
	rng    *rand.Rand
}

// NewAugmenter creates an augmenter drawing from rng.
func NewAugmenter(params Augmentation, rng *rand.Rand) *Augmenter {
	return &Augmenter{params: params, rng: rng}
}

// Params returns the augmentation bounds.
func (a *Augmenter) Params() Augmentation {
	return a.params
}

// Apply returns shift + data*scale with one shift and one scale drawn for
// the whole tensor. data is not modified.
func (a *Augmenter) Apply(data *tensor.Tensor[float32]) *tensor.Tensor[float32] {
	shift := (0.5 - a.rng.Float32()) * a.params.MaxShift * 2
	scale := (a.params.MaxScale-a.params.MinScale)*a.rng.Float32() + a.params.MinScale
	return tensor.Map(data, func(v float32) float32 {
		return shift + v*scale
	})
}
