package tensor

import (
	"fmt"
)

// Reshape returns a view of the tensor with a new shape.
//
// At most one dimension may be -1; its size is inferred from the number of
// elements. Panics if the shape is incompatible.
//
// Example:
//
//	labels.Reshape(-1, labels.Dim(-1)) // [N, D, H, W, K] -> [N*D*H*W, K]
func (t *Tensor[T]) Reshape(dims ...int) *Tensor[T] {
	shape, err := Shape(dims).resolve(len(t.data))
	if err != nil {
		panic(fmt.Sprintf("tensor.Reshape: %v", err))
	}
	return &Tensor[T]{shape: shape, data: t.data}
}

// Flatten returns a 1-D view of the tensor.
func (t *Tensor[T]) Flatten() *Tensor[T] {
	return t.Reshape(len(t.data))
}

// Transpose returns a copy of the tensor with its axes permuted.
//
// perm[i] names the source axis that becomes axis i of the result, as in
// numpy.transpose. Panics if perm is not a permutation of the axes.
func (t *Tensor[T]) Transpose(perm ...int) *Tensor[T] {
	rank := len(t.shape)
	if len(perm) != rank {
		panic(fmt.Sprintf("tensor.Transpose: permutation %v does not match rank %d", perm, rank))
	}
	seen := make([]bool, rank)
	outShape := make(Shape, rank)
	for i, p := range perm {
		if p < 0 || p >= rank || seen[p] {
			panic(fmt.Sprintf("tensor.Transpose: invalid permutation %v", perm))
		}
		seen[p] = true
		outShape[i] = t.shape[p]
	}

	out := Zeros[T](outShape)
	if len(t.data) == 0 {
		return out
	}

	srcStrides := t.shape.ComputeStrides()
	// Strides of the source walked in output order.
	walk := make([]int, rank)
	for i, p := range perm {
		walk[i] = srcStrides[p]
	}

	index := make([]int, rank)
	src := 0
	for dst := range out.data {
		out.data[dst] = t.data[src]
		// Odometer increment over the output index.
		for ax := rank - 1; ax >= 0; ax-- {
			index[ax]++
			src += walk[ax]
			if index[ax] < outShape[ax] {
				break
			}
			src -= walk[ax] * outShape[ax]
			index[ax] = 0
		}
	}
	return out
}

// MoveLastAxisToSecond returns a copy with the last axis moved to position 1.
//
// [N, D, H, W, C] becomes [N, C, D, H, W]. Tensors of rank <= 2 are returned
// as a copy with unchanged layout.
func (t *Tensor[T]) MoveLastAxisToSecond() *Tensor[T] {
	rank := len(t.shape)
	if rank <= 2 {
		return t.Clone()
	}
	perm := make([]int, 0, rank)
	perm = append(perm, 0, rank-1)
	for ax := 1; ax < rank-1; ax++ {
		perm = append(perm, ax)
	}
	return t.Transpose(perm...)
}

// RowSize returns the number of elements in one slice along the leading axis.
func (t *Tensor[T]) RowSize() int {
	if len(t.shape) == 0 || t.shape[0] == 0 {
		return 0
	}
	return len(t.data) / t.shape[0]
}

// Row returns the storage of slice i along the leading axis.
func (t *Tensor[T]) Row(i int) []T {
	n := t.RowSize()
	return t.data[i*n : (i+1)*n]
}

// SetRow copies src into slice i along the leading axis.
//
// src must have the shape of one row, optionally with a leading axis of
// size 1 (a single-sample tensor).
func (t *Tensor[T]) SetRow(i int, src *Tensor[T]) error {
	if len(t.shape) == 0 || i < 0 || i >= t.shape[0] {
		return fmt.Errorf("row %d out of range for shape %v", i, t.shape)
	}
	rowShape := t.shape[1:]
	srcShape := src.shape
	if len(srcShape) == len(t.shape) && srcShape[0] == 1 {
		srcShape = srcShape[1:]
	}
	if !Shape(rowShape).Equal(srcShape) {
		return fmt.Errorf("row shape %v does not match %v", rowShape, src.shape)
	}
	copy(t.Row(i), src.data)
	return nil
}

// Min returns the smallest element.
func (t *Tensor[T]) Min() T {
	m := t.data[0]
	for _, v := range t.data[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Max returns the largest element.
func (t *Tensor[T]) Max() T {
	m := t.data[0]
	for _, v := range t.data[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// Map returns a new tensor with f applied to every element.
func Map[T, U DType](t *Tensor[T], f func(T) U) *Tensor[U] {
	out := Zeros[U](t.shape)
	for i, v := range t.data {
		out.data[i] = f(v)
	}
	return out
}
