// Package tensor provides the dense float32 tensors used by the attention editing code.
//
// Tensors are stored row-major in a flat slice with shape and stride information.
// Most operations return a fresh tensor and leave their inputs untouched; the few
// that write in place (Set, SetFlat, Scatter, Assign) say so in their names.
//
// Programmer errors (out of range indices, impossible reshapes) panic with an error
// value raised through github.com/gomlx/exceptions, so callers that want an error
// back can recover them with exceptions.TryCatch[error].
package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Tensor represents a multi-dimensional array of float32 values.
type Tensor struct {
	Data    []float32 // Flattened data storage
	Shape   []int     // Dimensions (e.g., [batch, heads, tgt, src])
	Strides []int     // Precomputed strides for indexing
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	for _, dim := range shape {
		if dim < 0 {
			exceptions.Panicf("tensor.NewTensor: invalid dimension %d in shape %v", dim, shape)
		}
	}
	return &Tensor{
		Data:    make([]float32, shapeSize(shape)),
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}
}

// Full creates a tensor with every element set to value.
func Full(shape []int, value float32) *Tensor {
	t := NewTensor(shape)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// FromSlice creates a tensor from existing data with the given shape.
// The data is copied. Returns an error if data size doesn't match the shape.
func FromSlice(data []float32, shape []int) (*Tensor, error) {
	for _, dim := range shape {
		if dim < 0 {
			return nil, errors.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
	}
	expectedSize := shapeSize(shape)
	if len(data) != expectedSize {
		return nil, errors.Errorf("data size %d does not match shape %v (expected %d elements)",
			len(data), shape, expectedSize)
	}

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)
	return &Tensor{
		Data:    dataCopy,
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}, nil
}

// View returns a tensor with a different shape sharing the same underlying data.
// At most one dimension may be -1, in which case it is inferred from the others.
func (t *Tensor) View(newShape []int) (*Tensor, error) {
	shape := copyShape(newShape)
	inferred := -1
	known := 1
	for i, dim := range shape {
		switch {
		case dim == -1 && inferred < 0:
			inferred = i
		case dim < 0:
			return nil, errors.Errorf("invalid dimension %d in shape %v", dim, newShape)
		default:
			known *= dim
		}
	}
	if inferred >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, errors.Errorf("cannot view tensor of size %d as shape %v", len(t.Data), newShape)
		}
		shape[inferred] = len(t.Data) / known
		known *= shape[inferred]
	}
	if known != len(t.Data) {
		return nil, errors.Errorf("cannot view tensor of size %d as shape %v (total size %d)",
			len(t.Data), newShape, known)
	}

	return &Tensor{
		Data:    t.Data,
		Shape:   shape,
		Strides: computeStrides(shape),
	}, nil
}

// Reshape is View that panics on failure.
func (t *Tensor) Reshape(newShape []int) *Tensor {
	result, err := t.View(newShape)
	if err != nil {
		exceptions.Panicf("tensor.Reshape: %v", err)
	}
	return result
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	result := NewTensor(t.Shape)
	copy(result.Data, t.Data)
	return result
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return shapeSize(t.Shape)
}

// Rank returns the number of dimensions of the tensor.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Dim returns the size of an axis. Negative axes count from the end.
func (t *Tensor) Dim(axis int) int {
	return t.Shape[t.normalizeAxis(axis)]
}

// normalizeAxis converts a possibly negative axis into [0, rank).
func (t *Tensor) normalizeAxis(axis int) int {
	rank := len(t.Shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		exceptions.Panicf("axis %d out of range for tensor of shape %v", axis, t.Shape)
	}
	return axis
}

// FlatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) FlatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		exceptions.Panicf("indices length %d does not match shape dimensions %d",
			len(indices), len(t.Shape))
	}

	idx := 0
	for i := range t.Shape {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			exceptions.Panicf("index %d out of bounds for dimension %d with size %d",
				indices[i], i, t.Shape[i])
		}
		idx += indices[i] * t.Strides[i]
	}
	return idx
}

// Get retrieves a value at the specified indices.
func (t *Tensor) Get(indices ...int) float32 {
	return t.Data[t.FlatIndex(indices)]
}

// Set sets a value at the specified indices.
func (t *Tensor) Set(value float32, indices ...int) {
	t.Data[t.FlatIndex(indices)] = value
}

// Equals checks if two tensors have the same shape and approximately equal values.
func (t *Tensor) Equals(other *Tensor, tolerance float32) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > float64(tolerance) {
			return false
		}
	}
	return true
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	return EqualShapes(t.Shape, other.Shape)
}

// EqualShapes reports whether two shapes are identical.
func EqualShapes(a, b []int) bool {
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

// Squeeze returns a view with all unit dimensions removed.
func (t *Tensor) Squeeze() *Tensor {
	shape := make([]int, 0, len(t.Shape))
	for _, dim := range t.Shape {
		if dim != 1 {
			shape = append(shape, dim)
		}
	}
	return t.Reshape(shape)
}

// String returns a short representation of the tensor: its shape and leading values.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString("Tensor")
	sb.WriteString(fmt.Sprintf("%v", t.Shape))
	sb.WriteString(": ")
	sb.WriteString(formatData(t.Shape, t.Data, 0))
	return sb.String()
}

// formatData recursively formats tensor data, eliding long axes.
func formatData(shape []int, data []float32, offset int) string {
	if len(shape) == 0 {
		return fmt.Sprintf("%g", data[offset])
	}

	var sb strings.Builder
	sb.WriteString("[")
	limit := 3
	if len(shape) == 1 {
		limit = 6
	}
	subSize := shapeSize(shape[1:])
	for i := 0; i < shape[0] && i < limit; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		if len(shape) == 1 {
			sb.WriteString(fmt.Sprintf("%g", data[offset+i]))
		} else {
			sb.WriteString(formatData(shape[1:], data, offset+i*subSize))
		}
	}
	if shape[0] > limit {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func copyShape(shape []int) []int {
	result := make([]int, len(shape))
	copy(result, shape)
	return result
}

// splitAxis decomposes a shape around axis into (outer, dim, inner) block sizes.
func splitAxis(shape []int, axis int) (outer, dim, inner int) {
	return shapeSize(shape[:axis]), shape[axis], shapeSize(shape[axis+1:])
}
