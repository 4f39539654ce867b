package serialization

import (
	"errors"
	"time"
)

// Checkpoint and SafeTensors read errors.
var (
	ErrChecksumMismatch   = errors.New("checkpoint checksum does not match its contents")
	ErrHeaderTooLarge     = errors.New("checkpoint header exceeds MaxHeaderSize")
	ErrInvalidMagic       = errors.New("not a checkpoint: bad magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported checkpoint format version")
	ErrUnsupportedDType   = errors.New("unsupported array dtype")
)

// Format constants.
const (
	MagicBytes        = "BORN"
	FormatVersionV2   = 2    // v2: With SHA-256 checksum
	HeaderAlignment   = 64   // Align tensor data to 64 bytes
	FixedHeaderSizeV2 = 64   // v2 fixed header size (0x40 bytes)
	ChecksumSize      = 32   // SHA-256 checksum size (32 bytes)
	ChecksumOffsetV2  = 0x20 // Checksum offset in v2 fixed header
)

// DTypeFloat32 is the only tensor data type stored in checkpoints.
const DTypeFloat32 = "float32"

// Flags for the .born format.
const (
	FlagHasMetadata   uint32 = 1 << 2 // bit 2: custom metadata included
	FlagHasCheckpoint uint32 = 1 << 3 // bit 3: checkpoint metadata included
)

// Header represents the JSON header in a .born file.
type Header struct {
	FormatVersion int               `json:"format_version"`       // Version of the .born format
	Version       string            `json:"version"`              // Version of deep3d that created this file
	ModelType     string            `json:"model_type"`           // Type of model
	CreatedAt     time.Time         `json:"created_at"`           // When the file was created
	Tensors       []TensorMeta      `json:"tensors"`              // Tensor metadata
	Metadata      map[string]string `json:"metadata"`             // Custom metadata
	Checkpoint    *CheckpointMeta   `json:"checkpoint,omitempty"` // Checkpoint metadata (optional)
}

// CheckpointMeta identifies one save of a training run.
type CheckpointMeta struct {
	SaveID       string        `json:"save_id"`      // Unique identifier of this save
	Label        string        `json:"label"`        // Free-form save label (e.g. the trailing loss)
	Iteration    int           `json:"iteration"`    // Training iteration at save time
	LearningRate float64       `json:"lr"`           // Learning rate at save time
	Architecture *Architecture `json:"architecture"` // Signature of the saved network
}

// Architecture is the part of a network layout a checkpoint must match to be
// loadable.
type Architecture struct {
	FilterSizes     []int `json:"filter_sizes"`
	PoolingFactors  []int `json:"pooling_factors"`
	Channels        []int `json:"channels"`
	InputChannels   int   `json:"input_channels"`
	FragmentPooling bool  `json:"fragment_pooling"`
}

// Equal reports whether two signatures describe the same parameter layout.
func (a *Architecture) Equal(b *Architecture) bool {
	if a == nil || b == nil {
		return a == b
	}
	return intsEqual(a.FilterSizes, b.FilterSizes) &&
		intsEqual(a.PoolingFactors, b.PoolingFactors) &&
		intsEqual(a.Channels, b.Channels) &&
		a.InputChannels == b.InputChannels &&
		a.FragmentPooling == b.FragmentPooling
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TensorMeta describes a tensor in the .born file.
type TensorMeta struct {
	Name   string `json:"name"`   // Tensor name (e.g., "conv0.weight")
	DType  string `json:"dtype"`  // Data type (always "float32")
	Shape  []int  `json:"shape"`  // Tensor shape
	Offset int64  `json:"offset"` // Offset in the data section (bytes from start of tensor data)
	Size   int64  `json:"size"`   // Size in bytes
}
