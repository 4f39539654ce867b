package patch

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/deep3d/internal/model"
	"github.com/born-ml/deep3d/internal/tensor"
	"github.com/born-ml/deep3d/internal/volume"
)

// ErrVolume is returned for volumes a Creator cannot sample from.
var ErrVolume = errors.New("volume cannot be sampled")

// Geometry places a patch's label grid inside its data cube.
type Geometry struct {
	InputSize   int // data edge length
	LabelSize   int // labels per axis
	LabelStride int // input voxels between neighbouring labels
	LabelOffset int // input position of the first label
}

// GeometryFor derives the patch geometry of a network producing out voxels
// per axis in its last layer.
func GeometryFor(arch model.Architecture, out int) Geometry {
	return Geometry{
		InputSize:   arch.InputSizeFor(out),
		LabelSize:   arch.LabelSize(out),
		LabelStride: arch.LabelStride(),
		LabelOffset: arch.LabelOffset(out),
	}
}

// span returns the distance between the first and the last label.
func (g Geometry) span() int {
	return (g.LabelSize - 1) * g.LabelStride
}

// Creator samples random patches from labeled volumes.
//
// Patch corners are drawn so that every label lies inside the volume; data
// voxels outside the volume read as zero, the mean of a normalized volume.
type Creator struct {
	volumes    []*volume.Volume
	geom       Geometry
	oneHot     bool
	numClasses int
	channels   int
	rng        *rand.Rand
}

// CreatorOptions configures label output.
type CreatorOptions struct {
	// OneHot emits labels as (N, L, L, L, K) one-hot scores instead of
	// (N, L, L, L, 1) class indices.
	OneHot bool
	// NumClasses is required with OneHot.
	NumClasses int
}

// NewCreator creates a patch source over vols.
func NewCreator(vols []*volume.Volume, geom Geometry, opts CreatorOptions, rng *rand.Rand) (*Creator, error) {
	if len(vols) == 0 {
		return nil, fmt.Errorf("%w: no volumes", ErrVolume)
	}
	if geom.InputSize < 1 || geom.LabelSize < 1 || geom.LabelStride < 1 {
		return nil, fmt.Errorf("%w: invalid geometry %+v", ErrVolume, geom)
	}
	if opts.OneHot && opts.NumClasses < 2 {
		return nil, fmt.Errorf("%w: one-hot labels need at least 2 classes, got %d", ErrVolume, opts.NumClasses)
	}
	channels := vols[0].Channels()
	for _, v := range vols {
		if v.Labels == nil {
			return nil, fmt.Errorf("%w: %s has no labels", ErrVolume, v.Name)
		}
		if v.Channels() != channels {
			return nil, fmt.Errorf("%w: %s has %d channels, expected %d", ErrVolume, v.Name, v.Channels(), channels)
		}
		for _, d := range v.Size() {
			if d <= geom.span() {
				return nil, fmt.Errorf("%w: %s of size %v cannot hold a label grid spanning %d voxels",
					ErrVolume, v.Name, v.Size(), geom.span()+1)
			}
		}
		if opts.OneHot && int(v.Labels.Max()) >= opts.NumClasses {
			return nil, fmt.Errorf("%w: %s has label %d for %d classes", ErrVolume, v.Name, v.Labels.Max(), opts.NumClasses)
		}
	}
	return &Creator{
		volumes:    vols,
		geom:       geom,
		oneHot:     opts.OneHot,
		numClasses: opts.NumClasses,
		channels:   channels,
		rng:        rng,
	}, nil
}

// Geometry returns the patch geometry.
func (c *Creator) Geometry() Geometry {
	return c.geom
}

// MakeTrainingPatch implements Source.
func (c *Creator) MakeTrainingPatch(batchSize int) (*tensor.Tensor[float32], *tensor.Tensor[int32], error) {
	if batchSize < 1 {
		return nil, nil, fmt.Errorf("invalid batch size %d", batchSize)
	}
	in, l := c.geom.InputSize, c.geom.LabelSize
	data := tensor.Zeros[float32](tensor.Shape{batchSize, c.channels, in, in, in})
	trailing := 1
	if c.oneHot {
		trailing = c.numClasses
	}
	labels := tensor.Zeros[int32](tensor.Shape{batchSize, l, l, l, trailing})

	for b := 0; b < batchSize; b++ {
		v := c.volumes[c.rng.IntN(len(c.volumes))]
		var corner [3]int
		for ax, d := range v.Size() {
			corner[ax] = c.rng.IntN(d-c.geom.span()) - c.geom.LabelOffset
		}
		c.copyData(data.Row(b), v, corner)
		c.copyLabels(labels.Row(b), v, corner)
	}
	return data, labels, nil
}

func (c *Creator) copyData(dst []float32, v *volume.Volume, corner [3]int) {
	in := c.geom.InputSize
	size := v.Size()
	src := v.Data.Data()
	plane := size[0] * size[1] * size[2]
	for ch := 0; ch < c.channels; ch++ {
		for z := 0; z < in; z++ {
			sz := corner[0] + z
			if sz < 0 || sz >= size[0] {
				continue
			}
			for y := 0; y < in; y++ {
				sy := corner[1] + y
				if sy < 0 || sy >= size[1] {
					continue
				}
				for x := 0; x < in; x++ {
					sx := corner[2] + x
					if sx < 0 || sx >= size[2] {
						continue
					}
					dst[((ch*in+z)*in+y)*in+x] = src[ch*plane+(sz*size[1]+sy)*size[2]+sx]
				}
			}
		}
	}
}

func (c *Creator) copyLabels(dst []int32, v *volume.Volume, corner [3]int) {
	l, stride, off := c.geom.LabelSize, c.geom.LabelStride, c.geom.LabelOffset
	size := v.Size()
	src := v.Labels.Data()
	for i := 0; i < l; i++ {
		z := corner[0] + off + i*stride
		for j := 0; j < l; j++ {
			y := corner[1] + off + j*stride
			for k := 0; k < l; k++ {
				x := corner[2] + off + k*stride
				label := src[(z*size[1]+y)*size[2]+x]
				voxel := (i*l+j)*l + k
				if c.oneHot {
					dst[voxel*c.numClasses+int(label)] = 1
				} else {
					dst[voxel] = label
				}
			}
		}
	}
}
