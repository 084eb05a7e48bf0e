package model

import (
	"math/rand"

	"attnedit/pkg/model/attention"
	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
)

// Decoder predicts the next audio code from the codes so far and the encoder states.
//
// Architecture:
//  1. Code embeddings: lookup table (codebook_size+1, d_model); the extra row is
//     the start token
//  2. Sinusoidal positional embeddings, offset by the cached length
//  3. Decoder layers: causal self-attention, cross-attention, feed-forward
//  4. Final layer norm
//  5. LM head: (d_model, codebook_size)
type Decoder struct {
	CodeEmb   *tensor.Tensor // (codebook_size+1, d_model)
	Positions *PositionalEmbedding
	Layers    []*attention.DecoderLayer
	FinalNorm *LayerNorm
	LMHead    *tensor.Tensor // (d_model, codebook_size)

	numKVGroups int
	headDim     int
}

// NewDecoder creates a decoder with random weights drawn from rng.
func NewDecoder(config Config, rng *rand.Rand) (*Decoder, error) {
	positions, err := NewPositionalEmbedding(config.DModel, config.MaxPositions, positionsTheta)
	if err != nil {
		return nil, err
	}
	groups := config.NumKVGroups
	if groups == 0 {
		groups = config.NumHeads
	}
	dec := &Decoder{
		CodeEmb:     tensor.NewTensor([]int{config.CodebookSize + 1, config.DModel}),
		Positions:   positions,
		Layers:      make([]*attention.DecoderLayer, config.DecoderLayers),
		FinalNorm:   NewLayerNorm(config.DModel, normEps),
		LMHead:      tensor.NewTensor([]int{config.DModel, config.CodebookSize}),
		numKVGroups: groups,
		headDim:     config.HeadDim(),
	}
	normalInit(dec.CodeEmb, 0.02, rng)
	xavierUniformInit(dec.LMHead, rng)

	attnConfig := attention.Config{
		DModel:      config.DModel,
		NumHeads:    config.NumHeads,
		NumKVGroups: config.NumKVGroups,
		Dropout:     config.Dropout,
	}
	for i := range dec.Layers {
		selfConfig, crossConfig := attnConfig, attnConfig
		selfConfig.Role, selfConfig.Causal = attention.RoleSelf, true
		crossConfig.Role = attention.RoleCross

		self, err := attention.New(selfConfig, rng)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoder layer %d", i)
		}
		cross, err := attention.New(crossConfig, rng)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoder layer %d", i)
		}
		dec.Layers[i] = &attention.DecoderLayer{
			SelfAttn:        self,
			EncoderAttn:     cross,
			FF:              NewFeedForward(config.DModel, config.FFDim, rng),
			SelfAttnNorm:    NewLayerNorm(config.DModel, normEps),
			EncoderAttnNorm: NewLayerNorm(config.DModel, normEps),
			FinalNorm:       NewLayerNorm(config.DModel, normEps),
			Dropout:         config.Dropout,
		}
	}
	return dec, nil
}

// NewCaches allocates one self and cross-attention cache per layer, for
// maxLength generated positions and srcLen encoder states.
func (d *Decoder) NewCaches(batchSize, maxLength, srcLen int) []*attention.LayerCache {
	caches := make([]*attention.LayerCache, len(d.Layers))
	for i := range caches {
		caches[i] = &attention.LayerCache{
			Self:  attention.NewKVCache(batchSize, d.numKVGroups, maxLength, d.headDim),
			Cross: attention.NewKVCache(batchSize, d.numKVGroups, srcLen, d.headDim),
		}
	}
	return caches
}

// DecoderInput holds the arguments of one decoder pass.
type DecoderInput struct {
	// Codes are the new codes of each row, all rows of the same length.
	Codes [][]int

	// Offset is the number of positions already in the caches.
	Offset int

	Context     *tensor.Tensor // (batch, src, d_model)
	ContextMask *tensor.Tensor // (batch, 1, 1, src)

	// Caches are optional; without them Codes must hold the whole sequence.
	Caches []*attention.LayerCache

	Training bool
	Rng      *rand.Rand
}

// Forward computes the logits over the codebook for each new position.
//
// Output shape: (batch, len(Codes[0]), codebook_size)
func (d *Decoder) Forward(in DecoderInput) (*tensor.Tensor, error) {
	if in.Caches != nil && len(in.Caches) != len(d.Layers) {
		return nil, errors.Errorf("got %d layer caches for %d decoder layers", len(in.Caches), len(d.Layers))
	}
	x, err := lookupEmbeddings(d.CodeEmb, in.Codes)
	if err != nil {
		return nil, errors.WithMessage(err, "code embeddings")
	}
	if x, err = d.Positions.Add(x, in.Offset); err != nil {
		return nil, errors.WithMessage(err, "code positions")
	}

	for i, layer := range d.Layers {
		var cache *attention.LayerCache
		if in.Caches != nil {
			cache = in.Caches[i]
		}
		x, err = layer.Forward(attention.LayerInput{
			Hidden:      x,
			Context:     in.Context,
			ContextMask: in.ContextMask,
			Cache:       cache,
			Training:    in.Training,
			Rng:         in.Rng,
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "decoder layer %d", i)
		}
	}

	if x, err = d.FinalNorm.Forward(x); err != nil {
		return nil, errors.Wrap(err, "failed to apply decoder final norm")
	}
	logits, err := tensor.Matmul(x, d.LMHead)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute output logits")
	}
	return logits, nil
}
