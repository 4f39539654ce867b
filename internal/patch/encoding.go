// Package patch samples training patches from volumes and assembles them
// into batches.
package patch

import (
	"fmt"

	"github.com/born-ml/deep3d/internal/tensor"
)

// EncodingMode is the label layout implied by a label tensor's shape.
type EncodingMode int

// Label encoding modes.
const (
	// ChannelFirst labels move their trailing axis to position 1.
	ChannelFirst EncodingMode = iota
	// VoxelOneHot labels become one row of class scores per voxel, (V, T).
	VoxelOneHot
	// SparseClass labels are flattened to one class index per element.
	SparseClass
)

// String returns the mode name.
func (m EncodingMode) String() string {
	switch m {
	case ChannelFirst:
		return "channel-first"
	case VoxelOneHot:
		return "voxel-one-hot"
	case SparseClass:
		return "sparse-class"
	default:
		return fmt.Sprintf("EncodingMode(%d)", int(m))
	}
}

// ModeOf derives the encoding mode from the rank R and trailing dimension T
// of a label shape:
//
//	R == 5 and T >= 2  -> VoxelOneHot
//	T > 2              -> SparseClass
//	otherwise          -> ChannelFirst
func ModeOf(shape tensor.Shape) EncodingMode {
	t := shape.Last()
	switch {
	case len(shape) == 5 && t >= 2:
		return VoxelOneHot
	case t > 2:
		return SparseClass
	default:
		return ChannelFirst
	}
}

// ReshapeLabels lays labels out as their encoding mode requires. The result
// never shares storage with labels.
func ReshapeLabels(labels *tensor.Tensor[int32]) *tensor.Tensor[int32] {
	shape := labels.Shape()
	switch ModeOf(shape) {
	case VoxelOneHot:
		return labels.Clone().Reshape(-1, shape.Last())
	case SparseClass:
		return labels.Clone().Flatten()
	default:
		return labels.MoveLastAxisToSecond()
	}
}
