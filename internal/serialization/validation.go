package serialization

import (
	"fmt"
	"sort"
	"strings"
)

// Validation limits for resource protection.
const (
	MaxHeaderSize    = 100 * 1024 * 1024 // 100MB - maximum header size
	MaxTensorCount   = 100_000           // Maximum number of tensors in a file
	MaxTensorNameLen = 4096              // Maximum tensor name length
)

// ValidationError reports a tensor table entry that does not fit the data
// section: Kind is one of too_many_tensors, negative_offset, out_of_bounds,
// invalid_shape, size_mismatch, offset_overlap, invalid_name or
// name_too_long.
type ValidationError struct {
	Kind    string
	Tensor  string
	Overlap string // tensor whose region Tensor runs into
	Details string
}

func (e *ValidationError) Error() string {
	msg := e.Kind
	if e.Tensor != "" {
		msg += fmt.Sprintf(" in %q", e.Tensor)
	}
	if e.Overlap != "" {
		msg += fmt.Sprintf(" and %q", e.Overlap)
	}
	return msg + ": " + e.Details
}

// validateTensors checks names, sizes and offsets of the tensors listed in a
// header against a data section of dataSize bytes.
func validateTensors(tensors []TensorMeta, dataSize int64, elemSize int64) error {
	if len(tensors) > MaxTensorCount {
		return &ValidationError{
			Kind:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
		}
	}

	sorted := make([]TensorMeta, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	for i, t := range sorted {
		if err := validateTensorName(t.Name); err != nil {
			return err
		}
		if t.Offset < 0 || t.Size < 0 {
			return &ValidationError{
				Kind:    "negative_offset",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset=%d, size=%d", t.Offset, t.Size),
			}
		}
		if t.Offset+t.Size > dataSize {
			return &ValidationError{
				Kind:    "out_of_bounds",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", t.Offset, t.Size, dataSize),
			}
		}
		elements := int64(1)
		for _, d := range t.Shape {
			if d < 0 {
				return &ValidationError{Kind: "invalid_shape", Tensor: t.Name, Details: fmt.Sprintf("shape %v", t.Shape)}
			}
			elements *= int64(d)
		}
		if elements*elemSize != t.Size {
			return &ValidationError{
				Kind:    "size_mismatch",
				Tensor:  t.Name,
				Details: fmt.Sprintf("shape %v needs %d bytes, header says %d", t.Shape, elements*elemSize, t.Size),
			}
		}
		if i < len(sorted)-1 {
			next := sorted[i+1]
			if t.Offset+t.Size > next.Offset {
				return &ValidationError{
					Kind:    "offset_overlap",
					Tensor:  t.Name,
					Overlap: next.Name,
					Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
						t.Offset, t.Offset+t.Size, next.Offset, next.Offset+next.Size),
				}
			}
		}
	}
	return nil
}

// validateTensorName rejects empty names and names that look like paths.
func validateTensorName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Kind: "invalid_name", Details: "empty tensor name"}
	case len(name) > MaxTensorNameLen:
		return &ValidationError{
			Kind:    "name_too_long",
			Tensor:  name,
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
		}
	case strings.Contains(name, ".."), strings.ContainsAny(name, "/\\\x00"):
		return &ValidationError{Kind: "invalid_name", Tensor: name, Details: "contains a path element or null byte"}
	}
	return nil
}
