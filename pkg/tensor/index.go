package tensor

import (
	"github.com/pkg/errors"
)

// Gather copies the entries at the given indices along axis into a new tensor.
// The result has the same rank, with axis resized to len(indices).
func (t *Tensor) Gather(axis int, indices []int) (*Tensor, error) {
	if axis < 0 {
		axis += len(t.Shape)
	}
	if axis < 0 || axis >= len(t.Shape) {
		return nil, errors.Errorf("invalid axis %d for tensor of shape %v", axis, t.Shape)
	}
	outer, dim, inner := splitAxis(t.Shape, axis)
	for _, idx := range indices {
		if idx < 0 || idx >= dim {
			return nil, errors.Errorf("index %d out of range for axis %d of shape %v", idx, axis, t.Shape)
		}
	}

	shape := copyShape(t.Shape)
	shape[axis] = len(indices)
	result := NewTensor(shape)
	n := len(indices)
	for o := 0; o < outer; o++ {
		for j, idx := range indices {
			src := (o*dim + idx) * inner
			dst := (o*n + j) * inner
			copy(result.Data[dst:dst+inner], t.Data[src:src+inner])
		}
	}
	return result, nil
}

// Scatter writes src into t, in place, at the given indices along axis.
// src must match t's shape except along axis, where it has len(indices) entries.
func (t *Tensor) Scatter(axis int, indices []int, src *Tensor) error {
	if axis < 0 {
		axis += len(t.Shape)
	}
	if axis < 0 || axis >= len(t.Shape) {
		return errors.Errorf("invalid axis %d for tensor of shape %v", axis, t.Shape)
	}
	want := copyShape(t.Shape)
	want[axis] = len(indices)
	if !EqualShapes(want, src.Shape) {
		return errors.Errorf("scatter source has shape %v, expected %v", src.Shape, want)
	}
	outer, dim, inner := splitAxis(t.Shape, axis)
	for _, idx := range indices {
		if idx < 0 || idx >= dim {
			return errors.Errorf("index %d out of range for axis %d of shape %v", idx, axis, t.Shape)
		}
	}

	n := len(indices)
	for o := 0; o < outer; o++ {
		for j, idx := range indices {
			dst := (o*dim + idx) * inner
			s := (o*n + j) * inner
			copy(t.Data[dst:dst+inner], src.Data[s:s+inner])
		}
	}
	return nil
}

// Narrow copies the range [start, end) along axis.
func (t *Tensor) Narrow(axis, start, end int) (*Tensor, error) {
	if start < 0 || end < start {
		return nil, errors.Errorf("invalid range [%d, %d)", start, end)
	}
	return t.Gather(axis, Range(start, end))
}

// Assign writes src into t, in place, starting at offset along axis.
func (t *Tensor) Assign(axis, offset int, src *Tensor) error {
	if axis < 0 {
		axis += len(t.Shape)
	}
	if axis < 0 || axis >= len(src.Shape) {
		return errors.Errorf("invalid axis %d for tensor of shape %v", axis, src.Shape)
	}
	return t.Scatter(axis, Range(offset, offset+src.Shape[axis]), src)
}

// Select copies entry i along axis, dropping that axis from the result.
func (t *Tensor) Select(axis, i int) (*Tensor, error) {
	if axis < 0 {
		axis += len(t.Shape)
	}
	sub, err := t.Gather(axis, []int{i})
	if err != nil {
		return nil, err
	}
	shape := append(copyShape(t.Shape[:axis]), t.Shape[axis+1:]...)
	return sub.View(shape)
}

// Stack joins tensors of identical shape along a new leading axis.
func Stack(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("cannot stack an empty list of tensors")
	}
	inner := tensors[0].Shape
	result := NewTensor(append([]int{len(tensors)}, inner...))
	size := shapeSize(inner)
	for i, t := range tensors {
		if !EqualShapes(t.Shape, inner) {
			return nil, errors.Errorf("tensor %d has shape %v, expected %v", i, t.Shape, inner)
		}
		copy(result.Data[i*size:(i+1)*size], t.Data)
	}
	return result, nil
}

// Concatenate joins tensors along an existing axis.
func Concatenate(tensors []*Tensor, axis int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("cannot concatenate empty list of tensors")
	}
	first := tensors[0]
	if axis < 0 {
		axis += len(first.Shape)
	}
	if axis < 0 || axis >= len(first.Shape) {
		return nil, errors.Errorf("invalid dimension %d for tensor with %d dimensions", axis, len(first.Shape))
	}

	outShape := copyShape(first.Shape)
	outShape[axis] = 0
	for i, t := range tensors {
		if len(t.Shape) != len(outShape) {
			return nil, errors.Errorf("tensor %d has %d dimensions, expected %d", i, len(t.Shape), len(outShape))
		}
		for j := range outShape {
			if j != axis && t.Shape[j] != first.Shape[j] {
				return nil, errors.Errorf("tensor %d has shape %v, incompatible with %v at dimension %d",
					i, t.Shape, first.Shape, j)
			}
		}
		outShape[axis] += t.Shape[axis]
	}

	result := NewTensor(outShape)
	offset := 0
	for _, t := range tensors {
		if err := result.Assign(axis, offset, t); err != nil {
			return nil, err
		}
		offset += t.Shape[axis]
	}
	return result, nil
}

// Range returns the integers [start, end).
func Range(start, end int) []int {
	if end < start {
		return nil
	}
	r := make([]int, end-start)
	for i := range r {
		r[i] = start + i
	}
	return r
}
