package model

import (
	"math"

	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
)

// LayerNorm implements layer normalization with learnable scale and shift.
//
// Formula:
//
//	mean = mean(x, dim=-1, keepdim=True)
//	var = var(x, dim=-1, keepdim=True)
//	x_norm = (x - mean) / sqrt(var + eps)
//	output = x_norm * scale + shift
type LayerNorm struct {
	Scale *tensor.Tensor // (d_model,) - gamma
	Shift *tensor.Tensor // (d_model,) - beta
	Eps   float32
}

// NewLayerNorm creates a LayerNorm with scale=1 and shift=0.
func NewLayerNorm(dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		Scale: tensor.Full([]int{dim}, 1),
		Shift: tensor.NewTensor([]int{dim}),
		Eps:   eps,
	}
}

// Forward normalizes every position of x over its last dimension.
//
// Input shape: (..., d_model)
// Output shape: same as input
func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() == 0 {
		return nil, errors.New("cannot apply LayerNorm to 0D tensor")
	}
	dim := x.Dim(-1)
	if dim != len(ln.Scale.Data) {
		return nil, errors.Errorf("input last dimension %d doesn't match LayerNorm dimension %d", dim, len(ln.Scale.Data))
	}

	result := tensor.NewTensor(x.Shape)
	for offset := 0; offset < len(x.Data); offset += dim {
		row := x.Data[offset : offset+dim]

		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(dim)

		var variance float32
		for _, v := range row {
			diff := v - mean
			variance += diff * diff
		}
		variance /= float32(dim)

		invStd := float32(1 / math.Sqrt(float64(variance+ln.Eps)))
		out := result.Data[offset : offset+dim]
		for i, v := range row {
			out[i] = (v-mean)*invStd*ln.Scale.Data[i] + ln.Shift.Data[i]
		}
	}
	return result, nil
}
