package patch

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/born-ml/deep3d/internal/model"
	"github.com/born-ml/deep3d/internal/tensor"
	"github.com/born-ml/deep3d/internal/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeOf(t *testing.T) {
	tests := []struct {
		shape tensor.Shape
		want  EncodingMode
	}{
		{tensor.Shape{1, 3, 3, 3, 2}, VoxelOneHot},
		{tensor.Shape{1, 3, 3, 3, 3}, VoxelOneHot},
		{tensor.Shape{1, 3, 3, 3, 1}, ChannelFirst},
		{tensor.Shape{1, 3, 3, 3}, SparseClass},
		{tensor.Shape{4, 2}, ChannelFirst},
		{tensor.Shape{1, 2, 2, 2}, ChannelFirst},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ModeOf(tt.shape), "shape %v", tt.shape)
		})
	}
}

func TestReshapeLabels(t *testing.T) {
	tests := []struct {
		in   tensor.Shape
		want tensor.Shape
	}{
		{tensor.Shape{2, 3, 3, 3, 2}, tensor.Shape{54, 2}},
		{tensor.Shape{1, 3, 3, 3}, tensor.Shape{27}},
		{tensor.Shape{2, 3, 3, 3, 1}, tensor.Shape{2, 1, 3, 3, 3}},
		{tensor.Shape{4, 2}, tensor.Shape{4, 2}},
	}
	for _, tt := range tests {
		labels := tensor.Zeros[int32](tt.in)
		out := ReshapeLabels(labels)
		assert.Equal(t, tt.want, out.Shape(), "input %v", tt.in)

		// The result never aliases the input.
		out.Data()[0] = 7
		assert.Equal(t, int32(0), labels.Data()[0])
	}
}

func TestReshapeLabels_ChannelFirstMovesTrailingAxis(t *testing.T) {
	labels := tensor.Zeros[int32](tensor.Shape{1, 2, 2, 2})
	for i := range labels.Data() {
		labels.Data()[i] = int32(i)
	}
	out := ReshapeLabels(labels)
	require.Equal(t, tensor.Shape{1, 2, 2, 2}, out.Shape())
	for a := 0; a < 2; a++ {
		for b := 0; b < 2; b++ {
			for c := 0; c < 2; c++ {
				assert.Equal(t, labels.At(0, a, b, c), out.At(0, c, a, b))
			}
		}
	}
}

func TestAugmenter_Bounds(t *testing.T) {
	for name, params := range map[string]Augmentation{"default": DefaultAugmentation, "lesser": LesserAugmentation} {
		t.Run(name, func(t *testing.T) {
			aug := NewAugmenter(params, rand.New(rand.NewPCG(1, 2)))
			data, err := tensor.FromSlice([]float32{0, 1}, tensor.Shape{2})
			require.NoError(t, err)

			const eps = 1e-6
			for i := 0; i < 1000; i++ {
				out := aug.Apply(data)
				shift := out.Data()[0]
				scale := out.Data()[1] - shift
				assert.GreaterOrEqual(t, shift, -params.MaxShift-eps)
				assert.LessOrEqual(t, shift, params.MaxShift+eps)
				assert.GreaterOrEqual(t, scale, params.MinScale-eps)
				assert.LessOrEqual(t, scale, params.MaxScale+eps)
			}
			assert.Equal(t, []float32{0, 1}, data.Data(), "input must not change")
		})
	}
}

// countingSource returns patches filled with the number of the call.
type countingSource struct {
	calls      int
	labelShape tensor.Shape
	failAt     int
	growAt     int
}

func (s *countingSource) MakeTrainingPatch(batchSize int) (*tensor.Tensor[float32], *tensor.Tensor[int32], error) {
	call := s.calls
	s.calls++
	if s.failAt > 0 && call == s.failAt {
		return nil, nil, errors.New("source exhausted")
	}
	edge := 4
	if s.growAt > 0 && call >= s.growAt {
		edge = 5
	}
	data := tensor.Full[float32](tensor.Shape{batchSize, 1, edge, edge, edge}, float32(call))
	labels := tensor.Full[int32](s.labelShape.WithLeading(batchSize), int32(call))
	return data, labels, nil
}

func TestNewAssembler_Multiplicity(t *testing.T) {
	for _, m := range []int{-1, 0, MaxMultiplicity, MaxMultiplicity + 1} {
		_, err := NewAssembler(&countingSource{labelShape: tensor.Shape{1, 2}}, m, nil)
		assert.ErrorIs(t, err, ErrMultiplicity, "multiplicity %d", m)
	}
	for _, m := range []int{1, 2, MaxMultiplicity - 1} {
		a, err := NewAssembler(&countingSource{labelShape: tensor.Shape{1, 2}}, m, nil)
		require.NoError(t, err, "multiplicity %d", m)
		assert.Equal(t, m, a.Multiplicity())
	}
}

func TestAssembler_SinglePatch(t *testing.T) {
	src := &countingSource{labelShape: tensor.Shape{1, 3, 3, 3, 1}}
	aug := NewAugmenter(Augmentation{MaxShift: 0, MinScale: 2, MaxScale: 2}, rand.New(rand.NewPCG(1, 1)))
	a, err := NewAssembler(src, 1, aug)
	require.NoError(t, err)
	assert.Equal(t, 0, src.calls, "no prefetch for single patches")

	_, err = a.Next()
	require.NoError(t, err)
	batch, err := a.Next()
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{1, 1, 4, 4, 4}, batch.Data.Shape())
	assert.Equal(t, float32(2), batch.Data.Data()[0], "augmented: 1*2")
	assert.Equal(t, tensor.Shape{1, 1, 3, 3, 3}, batch.Labels.Shape())
}

func TestAssembler_StacksFourPatches(t *testing.T) {
	src := &countingSource{labelShape: tensor.Shape{1, 3, 3, 3, 1}}
	a, err := NewAssembler(src, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "one patch prefetched to size the buffers")

	batch, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, 5, src.calls)

	require.Equal(t, tensor.Shape{4, 1, 4, 4, 4}, batch.Data.Shape())
	require.Equal(t, tensor.Shape{4, 1, 3, 3, 3}, batch.Labels.Shape())
	for i := 0; i < 4; i++ {
		want := i + 1
		for _, v := range batch.Data.Row(i) {
			assert.Equal(t, float32(want), v)
		}
		for _, v := range batch.Labels.Row(i) {
			assert.Equal(t, int32(want), v)
		}
	}
}

func TestAssembler_OneHotStackedLabels(t *testing.T) {
	src := &countingSource{labelShape: tensor.Shape{1, 3, 3, 3, 2}}
	a, err := NewAssembler(src, 3, nil)
	require.NoError(t, err)

	batch, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3 * 27, 2}, batch.Labels.Shape())
}

func TestAssembler_Errors(t *testing.T) {
	a, err := NewAssembler(&countingSource{labelShape: tensor.Shape{1, 1}, growAt: 3}, 2, nil)
	require.NoError(t, err)
	_, err = a.Next() // calls 1, 2
	require.NoError(t, err)
	_, err = a.Next() // call 3 has a different shape
	assert.ErrorIs(t, err, ErrSampleShape)

	a, err = NewAssembler(&countingSource{labelShape: tensor.Shape{1, 1}, failAt: 2}, 2, nil)
	require.NoError(t, err)
	_, err = a.Next()
	assert.EqualError(t, err, "source exhausted")

	_, err = NewAssembler(&countingSource{labelShape: tensor.Shape{1, 1}, failAt: -1}, 1, nil)
	assert.NoError(t, err)
}

// codedVolume stores 1 + z*10000 + y*100 + x in every voxel and labels each
// voxel with (z+y+x) % classes.
func codedVolume(d, h, w, classes int) *volume.Volume {
	data := tensor.Zeros[float32](tensor.Shape{1, d, h, w})
	labels := tensor.Zeros[int32](tensor.Shape{d, h, w})
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				data.Set(float32(1+z*10000+y*100+x), 0, z, y, x)
				labels.Set(int32((z+y+x)%classes), z, y, x)
			}
		}
	}
	return &volume.Volume{Name: "coded", Data: data, Labels: labels}
}

func TestGeometryFor(t *testing.T) {
	arch := model.Architecture{
		FilterSizes:    []int{4, 5, 5, 5, 5, 5, 5, 1},
		PoolingFactors: []int{2, 1, 1, 1, 1, 1, 1, 1},
		Channels:       []int{16, 24, 28, 34, 42, 50, 50, 2},
		InputChannels:  1,
	}
	assert.Equal(t, Geometry{InputSize: 57, LabelSize: 3, LabelStride: 2, LabelOffset: 26}, GeometryFor(arch, 3))
}

func TestCreator_LabelsMatchDataPositions(t *testing.T) {
	geom := Geometry{InputSize: 7, LabelSize: 2, LabelStride: 2, LabelOffset: 2}
	vol := codedVolume(6, 7, 8, 3)
	c, err := NewCreator([]*volume.Volume{vol}, geom, CreatorOptions{}, rand.New(rand.NewPCG(4, 4)))
	require.NoError(t, err)

	for trial := 0; trial < 50; trial++ {
		data, labels, err := c.MakeTrainingPatch(2)
		require.NoError(t, err)
		require.Equal(t, tensor.Shape{2, 1, 7, 7, 7}, data.Shape())
		require.Equal(t, tensor.Shape{2, 2, 2, 2, 1}, labels.Shape())

		for b := 0; b < 2; b++ {
			// The first label position is always inside the volume.
			code := int(data.At(b, 0, 2, 2, 2)) - 1
			cz, cy, cx := code/10000-2, code/100%100-2, code%100-2

			for i := 0; i < 2; i++ {
				for j := 0; j < 2; j++ {
					for k := 0; k < 2; k++ {
						want := vol.Labels.At(cz+2+2*i, cy+2+2*j, cx+2+2*k)
						assert.Equal(t, want, labels.At(b, i, j, k, 0))
					}
				}
			}
			// Voxels outside the volume are zero.
			for z := 0; z < 7; z++ {
				inside := cz+z >= 0 && cz+z < 6
				if !inside {
					assert.Equal(t, float32(0), data.At(b, 0, z, 2, 2))
				}
			}
		}
	}
}

func TestCreator_OneHot(t *testing.T) {
	geom := Geometry{InputSize: 3, LabelSize: 3, LabelStride: 1, LabelOffset: 0}
	c, err := NewCreator([]*volume.Volume{codedVolume(4, 4, 4, 3)}, geom, CreatorOptions{OneHot: true, NumClasses: 3}, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)

	_, labels, err := c.MakeTrainingPatch(1)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{1, 3, 3, 3, 3}, labels.Shape())
	assert.Equal(t, VoxelOneHot, ModeOf(labels.Shape()))

	rows := ReshapeLabels(labels)
	for v := 0; v < 27; v++ {
		var sum int32
		for k := 0; k < 3; k++ {
			sum += rows.At(v, k)
		}
		assert.Equal(t, int32(1), sum)
	}
}

func TestNewCreator_Errors(t *testing.T) {
	geom := Geometry{InputSize: 5, LabelSize: 3, LabelStride: 2, LabelOffset: 0}
	rng := rand.New(rand.NewPCG(1, 1))

	_, err := NewCreator(nil, geom, CreatorOptions{}, rng)
	assert.ErrorIs(t, err, ErrVolume)

	// The label grid spans 5 voxels.
	_, err = NewCreator([]*volume.Volume{codedVolume(4, 8, 8, 2)}, geom, CreatorOptions{}, rng)
	assert.ErrorIs(t, err, ErrVolume)

	unlabeled := codedVolume(8, 8, 8, 2)
	unlabeled.Labels = nil
	_, err = NewCreator([]*volume.Volume{unlabeled}, geom, CreatorOptions{}, rng)
	assert.ErrorIs(t, err, ErrVolume)

	twoChannel := &volume.Volume{Name: "two", Data: tensor.Zeros[float32](tensor.Shape{2, 8, 8, 8}), Labels: tensor.Zeros[int32](tensor.Shape{8, 8, 8})}
	_, err = NewCreator([]*volume.Volume{codedVolume(8, 8, 8, 2), twoChannel}, geom, CreatorOptions{}, rng)
	assert.ErrorIs(t, err, ErrVolume)

	_, err = NewCreator([]*volume.Volume{codedVolume(8, 8, 8, 3)}, geom, CreatorOptions{OneHot: true, NumClasses: 2}, rng)
	assert.ErrorIs(t, err, ErrVolume)
}
