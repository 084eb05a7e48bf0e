package tensor

import (
	"math/rand"

	"github.com/gomlx/exceptions"
)

// RandN returns a tensor filled with samples from N(0, 1) drawn from rng.
func RandN(shape []int, rng *rand.Rand) *Tensor {
	result := NewTensor(shape)
	for i := range result.Data {
		result.Data[i] = float32(rng.NormFloat64())
	}
	return result
}

// Dropout randomly zeros out elements with probability p during training,
// scaling the survivors by 1/(1-p). Outside training it returns a copy.
func (t *Tensor) Dropout(p float32, training bool, rng *rand.Rand) *Tensor {
	if !training || p == 0 {
		return t.Clone()
	}
	if p < 0 || p >= 1 {
		exceptions.Panicf("dropout probability must be in [0, 1), got %g", p)
	}

	scale := 1 / (1 - p)
	return t.Map(func(x float32) float32 {
		if rng.Float32() < p {
			return 0
		}
		return x * scale
	})
}
