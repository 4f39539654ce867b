package patch

import (
	"errors"
	"fmt"

	"github.com/born-ml/deep3d/internal/tensor"
)

// MaxMultiplicity bounds the number of patches per batch.
const MaxMultiplicity = 10000

// Assembler errors.
var (
	ErrMultiplicity = errors.New("batch multiplicity must be 1 or in [2, 10000)")
	ErrSampleShape  = errors.New("patch shape differs from the first patch")
)

// Source produces training patches on demand.
type Source interface {
	// MakeTrainingPatch returns batchSize patches: data (batchSize, C, D, H, W)
	// and labels (batchSize, ..., T).
	MakeTrainingPatch(batchSize int) (*tensor.Tensor[float32], *tensor.Tensor[int32], error)
}

// Batch is one assembled training batch.
type Batch struct {
	Data   *tensor.Tensor[float32]
	Labels *tensor.Tensor[int32]
}

// Assembler turns single patches into batches of a fixed multiplicity.
//
// For multiplicities above 1 the data buffer is reused: a Batch's Data is
// valid until the next call to Next.
type Assembler struct {
	source       Source
	multiplicity int
	augmenter    *Augmenter

	data   *tensor.Tensor[float32]
	labels *tensor.Tensor[int32]
}

// NewAssembler creates an assembler stacking multiplicity patches per batch.
// A nil augmenter disables augmentation.
//
// With multiplicity above 1 one patch is drawn immediately to size the batch
// buffers; it is not used for training.
func NewAssembler(source Source, multiplicity int, augmenter *Augmenter) (*Assembler, error) {
	if multiplicity < 1 || multiplicity >= MaxMultiplicity {
		return nil, fmt.Errorf("%w: got %d", ErrMultiplicity, multiplicity)
	}
	a := &Assembler{source: source, multiplicity: multiplicity, augmenter: augmenter}
	if multiplicity == 1 {
		return a, nil
	}

	data, labels, err := source.MakeTrainingPatch(1)
	if err != nil {
		return nil, fmt.Errorf("prefetch patch: %w", err)
	}
	a.data = tensor.Zeros[float32](data.Shape().WithLeading(multiplicity))
	a.labels = tensor.Zeros[int32](labels.Shape().WithLeading(multiplicity))
	return a, nil
}

// Multiplicity returns the number of patches per batch.
func (a *Assembler) Multiplicity() int {
	return a.multiplicity
}

// Next assembles the next batch.
func (a *Assembler) Next() (Batch, error) {
	if a.multiplicity == 1 {
		data, labels, err := a.source.MakeTrainingPatch(1)
		if err != nil {
			return Batch{}, err
		}
		if a.augmenter != nil {
			data = a.augmenter.Apply(data)
		}
		return Batch{Data: data, Labels: ReshapeLabels(labels)}, nil
	}

	for i := 0; i < a.multiplicity; i++ {
		data, labels, err := a.source.MakeTrainingPatch(1)
		if err != nil {
			return Batch{}, err
		}
		if a.augmenter != nil {
			data = a.augmenter.Apply(data)
		}
		if err := a.data.SetRow(i, data); err != nil {
			return Batch{}, fmt.Errorf("%w: data: %w", ErrSampleShape, err)
		}
		if err := a.labels.SetRow(i, labels); err != nil {
			return Batch{}, fmt.Errorf("%w: labels: %w", ErrSampleShape, err)
		}
	}
	return Batch{Data: a.data, Labels: ReshapeLabels(a.labels)}, nil
}
