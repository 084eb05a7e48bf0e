package tensor

import (
	"math"

	"github.com/pkg/errors"
)

// Transpose exchanges two dimensions of the tensor, returning a new contiguous tensor.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if dim1 < 0 || dim1 >= len(t.Shape) || dim2 < 0 || dim2 >= len(t.Shape) {
		return nil, errors.Errorf("invalid transpose dimensions %d and %d for tensor with %d dimensions",
			dim1, dim2, len(t.Shape))
	}
	if dim1 == dim2 {
		return t.Clone(), nil
	}

	newShape := copyShape(t.Shape)
	newShape[dim1], newShape[dim2] = newShape[dim2], newShape[dim1]
	result := NewTensor(newShape)

	// Walk the source in order, writing to the swapped destination position.
	dstStrides := copyShape(result.Strides)
	dstStrides[dim1], dstStrides[dim2] = dstStrides[dim2], dstStrides[dim1]
	counter := make([]int, len(t.Shape))
	for src := range t.Data {
		dst := 0
		for i, c := range counter {
			dst += c * dstStrides[i]
		}
		result.Data[dst] = t.Data[src]
		for i := len(counter) - 1; i >= 0; i-- {
			counter[i]++
			if counter[i] < t.Shape[i] {
				break
			}
			counter[i] = 0
		}
	}
	return result, nil
}

// Matmul performs matrix multiplication on the last two dimensions.
// For tensors of shape (..., m, n) and (..., n, p), returns (..., m, p).
// A 2D right operand is broadcast over the batch dimensions of the left one.
func Matmul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, errors.Errorf("matmul requires at least 2D tensors, got %dD and %dD",
			len(a.Shape), len(b.Shape))
	}

	m := a.Shape[len(a.Shape)-2]
	n := a.Shape[len(a.Shape)-1]
	p := b.Shape[len(b.Shape)-1]
	if b.Shape[len(b.Shape)-2] != n {
		return nil, errors.Errorf("incompatible shapes for matmul: %v and %v (inner dimensions %d and %d don't match)",
			a.Shape, b.Shape, n, b.Shape[len(b.Shape)-2])
	}

	batchDims := a.Shape[:len(a.Shape)-2]
	batch := shapeSize(batchDims)
	broadcastB := len(b.Shape) == 2
	if !broadcastB {
		if !EqualShapes(batchDims, b.Shape[:len(b.Shape)-2]) {
			return nil, errors.Errorf("incompatible batch dimensions for matmul: %v and %v", a.Shape, b.Shape)
		}
	}

	resultShape := append(copyShape(batchDims), m, p)
	result := NewTensor(resultShape)
	for bi := 0; bi < batch; bi++ {
		aOffset := bi * m * n
		bOffset := bi * n * p
		if broadcastB {
			bOffset = 0
		}
		rOffset := bi * m * p
		for i := 0; i < m; i++ {
			row := a.Data[aOffset+i*n : aOffset+(i+1)*n]
			out := result.Data[rOffset+i*p : rOffset+(i+1)*p]
			for j, av := range row {
				if av == 0 {
					continue
				}
				bRow := b.Data[bOffset+j*p : bOffset+(j+1)*p]
				for k, bv := range bRow {
					out[k] += av * bv
				}
			}
		}
	}
	return result, nil
}

// Scale multiplies all elements by a scalar.
func (t *Tensor) Scale(s float32) *Tensor {
	return t.Map(func(x float32) float32 { return x * s })
}

// Map applies fn element-wise, returning a new tensor.
func (t *Tensor) Map(fn func(float32) float32) *Tensor {
	result := NewTensor(t.Shape)
	for i, v := range t.Data {
		result.Data[i] = fn(v)
	}
	return result
}

// Softmax applies softmax along the given axis.
func Softmax(t *Tensor, axis int) (*Tensor, error) {
	if axis < 0 {
		axis += len(t.Shape)
	}
	if axis < 0 || axis >= len(t.Shape) {
		return nil, errors.Errorf("invalid dimension %d for tensor with %d dimensions", axis, len(t.Shape))
	}

	result := NewTensor(t.Shape)
	outer, dim, inner := splitAxis(t.Shape, axis)
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			base := o*dim*inner + i

			maxVal := float32(math.Inf(-1))
			for k := 0; k < dim; k++ {
				if v := t.Data[base+k*inner]; v > maxVal {
					maxVal = v
				}
			}
			if math.IsInf(float64(maxVal), -1) {
				// Fully masked row: leave it at zero.
				continue
			}

			var sum float32
			for k := 0; k < dim; k++ {
				e := float32(math.Exp(float64(t.Data[base+k*inner] - maxVal)))
				result.Data[base+k*inner] = e
				sum += e
			}
			for k := 0; k < dim; k++ {
				result.Data[base+k*inner] /= sum
			}
		}
	}
	return result, nil
}

// Add performs element-wise addition with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp(a, b, func(x, y float32) float32 { return x + y })
}

// Sub performs element-wise subtraction with broadcasting.
func Sub(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp(a, b, func(x, y float32) float32 { return x - y })
}

// Mul performs element-wise multiplication with broadcasting.
func Mul(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp(a, b, func(x, y float32) float32 { return x * y })
}

// Lerp blends a toward b: (1-w)*a + w*b, with broadcasting.
// w=0 returns a and w=1 returns b exactly.
func Lerp(a, b *Tensor, w float32) (*Tensor, error) {
	return elementWiseOp(a, b, func(x, y float32) float32 { return (1-w)*x + w*y })
}

// elementWiseOp performs an element-wise operation with numpy-style broadcasting.
func elementWiseOp(a, b *Tensor, op func(float32, float32) float32) (*Tensor, error) {
	outShape, err := broadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot broadcast shapes %v and %v", a.Shape, b.Shape)
	}

	result := NewTensor(outShape)
	aStrides := broadcastStrides(a.Shape, outShape)
	bStrides := broadcastStrides(b.Shape, outShape)
	counter := make([]int, len(outShape))
	aIdx, bIdx := 0, 0
	for out := range result.Data {
		result.Data[out] = op(a.Data[aIdx], b.Data[bIdx])
		for i := len(counter) - 1; i >= 0; i-- {
			counter[i]++
			aIdx += aStrides[i]
			bIdx += bStrides[i]
			if counter[i] < outShape[i] {
				break
			}
			aIdx -= aStrides[i] * counter[i]
			bIdx -= bStrides[i] * counter[i]
			counter[i] = 0
		}
	}
	return result, nil
}

// broadcastShapes computes the broadcasted shape of two shapes.
func broadcastShapes(a, b []int) ([]int, error) {
	maxLen := max(len(a), len(b))
	result := make([]int, maxLen)
	for i := 0; i < maxLen; i++ {
		dimA, dimB := 1, 1
		if i < len(a) {
			dimA = a[len(a)-1-i]
		}
		if i < len(b) {
			dimB = b[len(b)-1-i]
		}
		if dimA != dimB && dimA != 1 && dimB != 1 {
			return nil, errors.Errorf("incompatible dimensions %d and %d", dimA, dimB)
		}
		result[maxLen-1-i] = max(dimA, dimB)
	}
	return result, nil
}

// broadcastStrides returns the strides to walk inShape as if it had outShape.
// Broadcast axes get a zero stride.
func broadcastStrides(inShape, outShape []int) []int {
	strides := make([]int, len(outShape))
	inStrides := computeStrides(inShape)
	diff := len(outShape) - len(inShape)
	for i := range inShape {
		if inShape[i] != 1 {
			strides[i+diff] = inStrides[i]
		}
	}
	return strides
}

// MeanAxis averages along axis. With keepDim the reduced axis stays with size 1.
func MeanAxis(t *Tensor, axis int, keepDim bool) (*Tensor, error) {
	if axis < 0 {
		axis += len(t.Shape)
	}
	if axis < 0 || axis >= len(t.Shape) {
		return nil, errors.Errorf("invalid dimension %d for tensor with %d dimensions", axis, len(t.Shape))
	}
	outer, dim, inner := splitAxis(t.Shape, axis)
	if dim == 0 {
		return nil, errors.Errorf("cannot average over empty axis %d of shape %v", axis, t.Shape)
	}

	shape := copyShape(t.Shape)
	shape[axis] = 1
	result := NewTensor(shape)
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			var sum float32
			for k := 0; k < dim; k++ {
				sum += t.Data[(o*dim+k)*inner+i]
			}
			result.Data[o*inner+i] = sum / float32(dim)
		}
	}
	if !keepDim {
		shape = append(shape[:axis:axis], shape[axis+1:]...)
		return result.View(shape)
	}
	return result, nil
}

// ApplyMask sets elements to -inf where mask is 0. The mask broadcasts against t.
func ApplyMask(t, mask *Tensor) (*Tensor, error) {
	outShape, err := broadcastShapes(t.Shape, mask.Shape)
	if err != nil || !EqualShapes(outShape, t.Shape) {
		return nil, errors.Errorf("mask of shape %v cannot be applied to scores of shape %v", mask.Shape, t.Shape)
	}
	negInf := float32(math.Inf(-1))
	return elementWiseOp(t, mask, func(x, m float32) float32 {
		if m == 0 {
			return negInf
		}
		return x
	})
}

// CreateCausalMask creates a (tgt, src) mask with 1s where query i may attend key j.
// Queries are aligned to the end of the keys, so with a KV cache of past positions
// the last query sees everything.
func CreateCausalMask(tgtLen, srcLen int) *Tensor {
	mask := NewTensor([]int{tgtLen, srcLen})
	offset := srcLen - tgtLen
	for i := 0; i < tgtLen; i++ {
		for j := 0; j < srcLen; j++ {
			if j <= i+offset {
				mask.Data[i*srcLen+j] = 1
			}
		}
	}
	return mask
}

// GELU applies the tanh approximation of the Gaussian Error Linear Unit:
//
//	GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/π) * (x + 0.044715 * x^3)))
func (t *Tensor) GELU() *Tensor {
	const (
		sqrt2OverPi = 0.7978845608
		coeff       = 0.044715
	)
	return t.Map(func(x float32) float32 {
		inner := x + coeff*x*x*x
		return 0.5 * x * (1 + float32(math.Tanh(float64(sqrt2OverPi*inner))))
	})
}

// Argmax returns, for each row of the last axis, the index of its largest value.
func Argmax(t *Tensor) []int {
	n := t.Shape[len(t.Shape)-1]
	rows := len(t.Data) / max(n, 1)
	result := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := t.Data[r*n : (r+1)*n]
		best := 0
		for i, v := range row {
			if v > row[best] {
				best = i
			}
		}
		result[r] = best
	}
	return result
}
