package model

import (
	"math"
	"math/rand"

	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
)

// FeedForward implements the position-wise feed-forward network.
//
// Architecture:
//  1. Linear projection: x @ FC1 -> (batch, seq, ff_dim)
//  2. GELU activation
//  3. Linear projection: @ FC2 -> (batch, seq, d_model)
type FeedForward struct {
	FC1 *tensor.Tensor // (d_model, ff_dim)
	FC2 *tensor.Tensor // (ff_dim, d_model)
}

// NewFeedForward creates a feed-forward layer with Xavier uniform weights.
func NewFeedForward(dModel, ffDim int, rng *rand.Rand) *FeedForward {
	ff := &FeedForward{
		FC1: tensor.NewTensor([]int{dModel, ffDim}),
		FC2: tensor.NewTensor([]int{ffDim, dModel}),
	}
	xavierUniformInit(ff.FC1, rng)
	xavierUniformInit(ff.FC2, rng)
	return ff
}

// Forward computes the feed-forward transformation.
//
// Input shape: (batch, seq, d_model)
// Output shape: (batch, seq, d_model)
func (ff *FeedForward) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() < 2 {
		return nil, errors.Errorf("expected at least 2D input, got %dD", x.Rank())
	}
	if x.Dim(-1) != ff.FC1.Shape[0] {
		return nil, errors.Errorf("input dimension %d doesn't match FC1 input dimension %d", x.Dim(-1), ff.FC1.Shape[0])
	}

	hidden, err := tensor.Matmul(x, ff.FC1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute FC1 projection")
	}
	output, err := tensor.Matmul(hidden.GELU(), ff.FC2)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute FC2 projection")
	}
	return output, nil
}

// xavierUniformInit fills a (fan_in, fan_out) matrix from U[-limit, limit],
// limit = sqrt(6 / (fan_in + fan_out)).
func xavierUniformInit(t *tensor.Tensor, rng *rand.Rand) {
	fanIn, fanOut := t.Shape[len(t.Shape)-2], t.Shape[len(t.Shape)-1]
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range t.Data {
		t.Data[i] = float32(rng.Float64()*2*limit - limit)
	}
}

// normalInit fills t from N(0, std^2).
func normalInit(t *tensor.Tensor, std float32, rng *rand.Rand) {
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
}
