// Package tensor provides the dense, row-major tensors used by deep3d.
//
// Tensors are plain host-memory arrays with a shape. Volumes and patches use
// the channel-first layout [N, C, D, H, W]; label tensors are int32 and may
// carry their class axis last.
package tensor

import (
	"fmt"
)

// DType is the set of element types a Tensor can hold.
type DType interface {
	~float32 | ~int32
}

// Tensor is a dense row-major N-dimensional array.
//
// The zero value is not usable; create tensors with Zeros, Full or FromSlice.
// Reshape returns a tensor that shares storage with its source; every other
// method that returns a tensor allocates new storage.
type Tensor[T DType] struct {
	shape Shape
	data  []T
}

// Zeros creates a tensor filled with zeros.
//
// Panics if the shape is invalid.
func Zeros[T DType](shape Shape) *Tensor[T] {
	if err := shape.Validate(); err != nil {
		panic(fmt.Sprintf("tensor.Zeros: %v", err))
	}
	return &Tensor[T]{
		shape: shape.Clone(),
		data:  make([]T, shape.NumElements()),
	}
}

// Full creates a tensor filled with value.
func Full[T DType](shape Shape, value T) *Tensor[T] {
	t := Zeros[T](shape)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// FromSlice creates a tensor from a copy of data.
func FromSlice[T DType](data []T, shape Shape) (*Tensor[T], error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, shape.NumElements())
	}
	buf := make([]T, len(data))
	copy(buf, data)
	return &Tensor[T]{shape: shape.Clone(), data: buf}, nil
}

// Wrap creates a tensor that takes ownership of data without copying.
func Wrap[T DType](data []T, shape Shape) (*Tensor[T], error) {
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor[T]{shape: shape.Clone(), data: data}, nil
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor[T]) Shape() Shape {
	return t.shape.Clone()
}

// Dim returns the size of axis i. Negative indices count from the end.
func (t *Tensor[T]) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Rank returns the number of dimensions.
func (t *Tensor[T]) Rank() int {
	return len(t.shape)
}

// NumElements returns the total number of elements.
func (t *Tensor[T]) NumElements() int {
	return len(t.data)
}

// Data returns the underlying storage. Writes are visible to the tensor.
func (t *Tensor[T]) Data() []T {
	return t.data
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	buf := make([]T, len(t.data))
	copy(buf, t.data)
	return &Tensor[T]{shape: t.shape.Clone(), data: buf}
}

// Fill sets every element to value.
func (t *Tensor[T]) Fill(value T) {
	for i := range t.data {
		t.data[i] = value
	}
}

// At returns the element at the given multi-index.
func (t *Tensor[T]) At(index ...int) T {
	return t.data[t.offset(index)]
}

// Set stores value at the given multi-index.
func (t *Tensor[T]) Set(value T, index ...int) {
	t.data[t.offset(index)] = value
}

func (t *Tensor[T]) offset(index []int) int {
	if len(index) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index rank %d != tensor rank %d", len(index), len(t.shape)))
	}
	off := 0
	for i, idx := range index {
		if idx < 0 || idx >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", index, t.shape))
		}
		off = off*t.shape[i] + idx
	}
	return off
}

// String returns a short description of the tensor.
func (t *Tensor[T]) String() string {
	var zero T
	return fmt.Sprintf("Tensor[%T]%v", zero, []int(t.shape))
}
