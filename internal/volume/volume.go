package volume

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/born-ml/deep3d/internal/serialization"
	"github.com/born-ml/deep3d/internal/tensor"
	"gonum.org/v1/gonum/stat"
)

// ErrShape is returned for arrays that are not volumes or whose data and
// labels disagree in size.
var ErrShape = errors.New("invalid volume shape")

// Volume is one loaded training volume.
type Volume struct {
	Name   string
	Data   *tensor.Tensor[float32] // [C, D, H, W]
	Labels *tensor.Tensor[int32]   // [D, H, W]; nil for unlabeled volumes
}

// Channels returns the number of data channels.
func (v *Volume) Channels() int {
	return v.Data.Dim(0)
}

// Size returns the spatial extent [D, H, W].
func (v *Volume) Size() [3]int {
	s := v.Data.Shape()
	return [3]int{s[1], s[2], s[3]}
}

// LoadOptions controls volume loading.
type LoadOptions struct {
	// ConvertLabels maps every label value above 1 to 1.
	ConvertLabels bool
	// PreserveChannelScaling normalizes all channels with one shared mean
	// and deviation instead of per channel.
	PreserveChannelScaling bool
}

// Load reads and normalizes one data/label pair. An empty Labels path loads
// an unlabeled volume.
func Load(p Pair, opts LoadOptions) (*Volume, error) {
	raw, err := readSingle(p.Data, "data")
	if err != nil {
		return nil, err
	}
	data, err := channelsFirst(raw.Float32())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Data, err)
	}
	Normalize(data, opts.PreserveChannelScaling)

	v := &Volume{Name: p.Data, Data: data}
	if p.Labels == "" {
		return v, nil
	}

	rawLabels, err := readSingle(p.Labels, "labels")
	if err != nil {
		return nil, err
	}
	labels := rawLabels.Int32()
	if labels.Rank() == 4 && labels.Dim(3) == 1 {
		labels = labels.Reshape(labels.Dim(0), labels.Dim(1), labels.Dim(2))
	}
	if labels.Rank() != 3 || !labels.Shape().Equal(data.Shape()[1:]) {
		return nil, fmt.Errorf("%w: %s has shape %v, data %s has spatial shape %v",
			ErrShape, p.Labels, labels.Shape(), p.Data, data.Shape()[1:])
	}
	if opts.ConvertLabels {
		BinarizeLabels(labels)
	}
	for i, l := range labels.Data() {
		if l < 0 {
			return nil, fmt.Errorf("%w: %s has negative label %d at %d", ErrShape, p.Labels, l, i)
		}
	}
	v.Labels = labels
	return v, nil
}

// LoadAll loads every pair.
func LoadAll(pairs []Pair, opts LoadOptions) ([]*Volume, error) {
	out := make([]*Volume, 0, len(pairs))
	for _, p := range pairs {
		v, err := Load(p, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// NumClasses returns one more than the largest label in vols, and at least 2.
func NumClasses(vols []*Volume) int {
	n := int32(1)
	for _, v := range vols {
		if v.Labels != nil {
			n = max(n, v.Labels.Max())
		}
	}
	return int(n) + 1
}

// BinarizeLabels maps every value above 1 to 1.
func BinarizeLabels(labels *tensor.Tensor[int32]) {
	data := labels.Data()
	for i, v := range data {
		if v > 1 {
			data[i] = 1
		}
	}
}

// Normalize shifts and scales data [C, D, H, W] to zero mean and unit
// deviation, per channel unless shared is set. Constant channels are only
// shifted.
func Normalize(data *tensor.Tensor[float32], shared bool) {
	channels := data.Dim(0)
	per := data.NumElements() / channels
	values := data.Data()

	apply := func(seg []float32) {
		buf := make([]float64, len(seg))
		for i, v := range seg {
			buf[i] = float64(v)
		}
		mean, std := stat.PopMeanStdDev(buf, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		for i, v := range buf {
			seg[i] = float32((v - mean) / std)
		}
	}

	if shared {
		apply(values)
		return
	}
	for c := 0; c < channels; c++ {
		apply(values[c*per : (c+1)*per])
	}
}

// readSingle returns the only array of a SafeTensors file, or the one named
// preferred when the file holds several.
func readSingle(path, preferred string) (*serialization.SafeTensor, error) {
	arrays, err := serialization.ReadSafeTensors(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if t, ok := arrays[preferred]; ok {
		return t, nil
	}
	names := make([]string, 0, len(arrays))
	for name := range arrays {
		names = append(names, name)
	}
	switch len(names) {
	case 0:
		return nil, fmt.Errorf("%w: %s holds no arrays", ErrShape, path)
	case 1:
		return arrays[names[0]], nil
	}
	sort.Strings(names)
	return nil, fmt.Errorf("%w: %s holds %d arrays %v and none is named %q", ErrShape, path, len(arrays), names, preferred)
}

// channelsFirst turns [D, H, W] or [D, H, W, C] into [C, D, H, W].
func channelsFirst(t *tensor.Tensor[float32]) (*tensor.Tensor[float32], error) {
	s := t.Shape()
	switch len(s) {
	case 3:
		return t.Reshape(1, s[0], s[1], s[2]), nil
	case 4:
		return t.Transpose(3, 0, 1, 2), nil
	default:
		return nil, fmt.Errorf("%w: expected a 3D or 4D array, got %v", ErrShape, []int(s))
	}
}
