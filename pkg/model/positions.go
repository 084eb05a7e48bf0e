package model

import (
	"math"

	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
)

// PositionalEmbedding holds a precomputed table of sinusoidal position embeddings.
//
// For position p and i in [0, dim/2):
//
//	inv_freq[i] = exp(-ln(theta) * i / (dim/2 - 1))
//	table[p, i] = cos(p * inv_freq[i])
//	table[p, dim/2 + i] = sin(p * inv_freq[i])
type PositionalEmbedding struct {
	Table *tensor.Tensor // (max_positions, dim)
	Dim   int
}

// NewPositionalEmbedding precomputes the embeddings of positions [0, maxPositions).
// dim must be even.
func NewPositionalEmbedding(dim, maxPositions int, theta float64) (*PositionalEmbedding, error) {
	if dim <= 0 || dim%2 != 0 {
		return nil, errors.Errorf("embedding dimension must be positive and even, got %d", dim)
	}
	if maxPositions <= 0 {
		return nil, errors.Errorf("max positions must be positive, got %d", maxPositions)
	}
	if theta <= 1 {
		return nil, errors.Errorf("theta must be greater than 1, got %g", theta)
	}

	half := dim / 2
	invFreq := make([]float64, half)
	for i := range invFreq {
		if half == 1 {
			invFreq[i] = 1
			continue
		}
		invFreq[i] = math.Exp(-math.Log(theta) * float64(i) / float64(half-1))
	}

	table := tensor.NewTensor([]int{maxPositions, dim})
	for p := 0; p < maxPositions; p++ {
		row := table.Data[p*dim : (p+1)*dim]
		for i, f := range invFreq {
			angle := float64(p) * f
			row[i] = float32(math.Cos(angle))
			row[half+i] = float32(math.Sin(angle))
		}
	}
	return &PositionalEmbedding{Table: table, Dim: dim}, nil
}

// MaxPositions returns the number of precomputed positions.
func (pe *PositionalEmbedding) MaxPositions() int {
	return pe.Table.Shape[0]
}

// Add returns x plus the embeddings of positions [offset, offset+seq).
// The offset is the number of positions already held by a KV cache.
//
// Input shape: (batch, seq, dim)
// Output shape: (batch, seq, dim)
func (pe *PositionalEmbedding) Add(x *tensor.Tensor, offset int) (*tensor.Tensor, error) {
	if x.Rank() != 3 || x.Dim(-1) != pe.Dim {
		return nil, errors.Errorf("expected (batch, seq, %d) input, got %v", pe.Dim, x.Shape)
	}
	seqLen := x.Dim(1)
	if offset < 0 || offset+seqLen > pe.MaxPositions() {
		return nil, errors.Errorf("positions [%d, %d) exceed max positions %d", offset, offset+seqLen, pe.MaxPositions())
	}
	positions, err := pe.Table.Narrow(0, offset, offset+seqLen)
	if err != nil {
		return nil, errors.Wrap(err, "failed to slice position table")
	}
	return tensor.Add(x, positions)
}
