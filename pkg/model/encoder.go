package model

import (
	"math/rand"

	"attnedit/pkg/model/attention"
	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
)

const (
	normEps        = 1e-5
	positionsTheta = 10000
)

// TextEncoder encodes prompt tokens into the states the decoder cross-attends to.
//
// Architecture:
//  1. Token embeddings: lookup table (text_vocab_size, d_model)
//  2. Sinusoidal positional embeddings
//  3. Encoder layers with padding-masked self-attention
//  4. Final layer norm
type TextEncoder struct {
	TokEmb    *tensor.Tensor // (text_vocab_size, d_model)
	Positions *PositionalEmbedding
	Layers    []*attention.EncoderLayer
	FinalNorm *LayerNorm
}

// NewTextEncoder creates an encoder with random weights drawn from rng.
func NewTextEncoder(config Config, rng *rand.Rand) (*TextEncoder, error) {
	positions, err := NewPositionalEmbedding(config.DModel, config.MaxPositions, positionsTheta)
	if err != nil {
		return nil, err
	}
	enc := &TextEncoder{
		TokEmb:    tensor.NewTensor([]int{config.TextVocabSize, config.DModel}),
		Positions: positions,
		Layers:    make([]*attention.EncoderLayer, config.EncoderLayers),
		FinalNorm: NewLayerNorm(config.DModel, normEps),
	}
	normalInit(enc.TokEmb, 0.02, rng)

	for i := range enc.Layers {
		attn, err := attention.New(attention.Config{
			DModel:      config.DModel,
			NumHeads:    config.NumHeads,
			NumKVGroups: config.NumKVGroups,
			Dropout:     config.Dropout,
			Role:        attention.RoleNone,
		}, rng)
		if err != nil {
			return nil, errors.WithMessagef(err, "encoder layer %d", i)
		}
		enc.Layers[i] = &attention.EncoderLayer{
			SelfAttn:     attn,
			FF:           NewFeedForward(config.DModel, config.FFDim, rng),
			SelfAttnNorm: NewLayerNorm(config.DModel, normEps),
			FinalNorm:    NewLayerNorm(config.DModel, normEps),
			Dropout:      config.Dropout,
		}
	}
	return enc, nil
}

// Forward encodes a batch of token rows.
//
// ids and mask have one row per prompt, all of the same length; mask is 1 for
// real tokens and 0 for padding.
//
// Returns the encoder states (batch, seq, d_model) and the padding mask
// (batch, 1, 1, seq) to use for cross-attention.
func (e *TextEncoder) Forward(ids, mask [][]int, training bool, rng *rand.Rand) (states, contextMask *tensor.Tensor, err error) {
	x, err := lookupEmbeddings(e.TokEmb, ids)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "text embeddings")
	}
	if x, err = e.Positions.Add(x, 0); err != nil {
		return nil, nil, errors.WithMessage(err, "text positions")
	}
	if contextMask, err = paddingMask(mask, len(ids), len(ids[0])); err != nil {
		return nil, nil, err
	}

	for i, layer := range e.Layers {
		x, err = layer.Forward(attention.LayerInput{Hidden: x, Mask: contextMask, Training: training, Rng: rng})
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "encoder layer %d", i)
		}
	}
	if x, err = e.FinalNorm.Forward(x); err != nil {
		return nil, nil, errors.Wrap(err, "failed to apply encoder final norm")
	}
	return x, contextMask, nil
}

// lookupEmbeddings performs embedding lookup for token indices.
//
// table: (vocab_size, dim)
// ids: batch rows of seq indices, all of the same length
// output: (batch, seq, dim)
func lookupEmbeddings(table *tensor.Tensor, ids [][]int) (*tensor.Tensor, error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return nil, errors.New("cannot embed an empty batch")
	}
	batchSize, seqLen := len(ids), len(ids[0])
	vocabSize, dim := table.Shape[0], table.Shape[1]

	output := tensor.NewTensor([]int{batchSize, seqLen, dim})
	for b, row := range ids {
		if len(row) != seqLen {
			return nil, errors.Errorf("row %d has %d tokens, expected %d", b, len(row), seqLen)
		}
		for s, id := range row {
			if id < 0 || id >= vocabSize {
				return nil, errors.Errorf("invalid token ID %d at position (%d, %d), vocab size is %d", id, b, s, vocabSize)
			}
			dst := (b*seqLen + s) * dim
			copy(output.Data[dst:dst+dim], table.Data[id*dim:(id+1)*dim])
		}
	}
	return output, nil
}

// paddingMask converts (batch, seq) 0/1 rows to a (batch, 1, 1, seq) attention mask.
// A nil mask attends to every position.
func paddingMask(mask [][]int, batchSize, seqLen int) (*tensor.Tensor, error) {
	result := tensor.Full([]int{batchSize, 1, 1, seqLen}, 1)
	if mask == nil {
		return result, nil
	}
	if len(mask) != batchSize {
		return nil, errors.Errorf("mask has %d rows, expected %d", len(mask), batchSize)
	}
	for b, row := range mask {
		if len(row) != seqLen {
			return nil, errors.Errorf("mask row %d has %d entries, expected %d", b, len(row), seqLen)
		}
		attended := 0
		for s, m := range row {
			if m == 0 {
				result.Data[b*seqLen+s] = 0
			} else {
				attended++
			}
		}
		if attended == 0 {
			return nil, errors.Errorf("prompt %d is all padding", b)
		}
	}
	return result, nil
}
