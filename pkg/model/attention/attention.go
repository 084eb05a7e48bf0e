// Package attention implements the attention computations of the encoder-decoder
// transformer, split into two phases so that the attention weights can be observed
// and replaced between the softmax and the value aggregation:
//
//   - Attention: multi-head scaled dot-product attention (self or cross), with optional
//     grouped key/value heads and a KV cache.
//   - Hooked: decorator that passes the post-softmax weights through a Hook.
//   - DecoderLayer / EncoderLayer: transformer layers exposing their attention
//     sublayers by name, so they can be swapped in place.
package attention

import (
	"math"
	"math/rand"

	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
)

// Role tells where an attention computation sits in the model.
type Role int

const (
	// RoleNone is attention that is never instrumented (e.g. the text encoder).
	RoleNone Role = iota
	// RoleSelf is decoder self-attention.
	RoleSelf
	// RoleCross is decoder attention over the encoder states.
	RoleCross
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleSelf:
		return "self"
	case RoleCross:
		return "cross"
	default:
		return "none"
	}
}

// Hook observes or replaces attention weights.
//
// weights has shape (batch*heads, tgt, src). The returned tensor must have the same
// shape and is used for the value aggregation instead of weights.
type Hook func(weights *tensor.Tensor, isCross bool, role Role) (*tensor.Tensor, error)

// Input holds the arguments of one attention forward pass.
type Input struct {
	// Hidden is the query side, shape (batch, tgt, d_model).
	Hidden *tensor.Tensor

	// Context is the key/value side of cross-attention, shape (batch, src, d_model).
	// It can be nil for cross-attention once the cache is filled.
	Context *tensor.Tensor

	// Mask is optional, broadcast against the scores (batch, heads, tgt, src); 0 masks out.
	Mask *tensor.Tensor

	// HeadMask optionally scales the weights of each head after dropout.
	HeadMask []float32

	// Cache is optional. Self-attention appends to it, cross-attention fills it once.
	Cache *KVCache

	Training bool
	Rng      *rand.Rand
}

// Output of an attention forward pass.
type Output struct {
	// Hidden has shape (batch, tgt, d_model).
	Hidden *tensor.Tensor

	// Weights used for the aggregation, before dropout: (batch, heads, tgt, src).
	Weights *tensor.Tensor
}

// Computation is one attention sublayer.
type Computation interface {
	Role() Role
	Forward(in Input) (*Output, error)
}

// Config holds the configuration of an Attention layer.
type Config struct {
	DModel   int
	NumHeads int

	// NumKVGroups is the number of key/value heads; 0 means NumHeads.
	// Each group is shared by NumHeads/NumKVGroups query heads.
	NumKVGroups int

	Dropout float32
	Role    Role

	// Causal restricts each query to the keys at or before its position.
	Causal bool
}

// Validate checks that the configuration is consistent.
func (c Config) Validate() error {
	if c.DModel <= 0 || c.NumHeads <= 0 {
		return errors.Errorf("d_model (%d) and num_heads (%d) must be positive", c.DModel, c.NumHeads)
	}
	if c.DModel%c.NumHeads != 0 {
		return errors.Errorf("d_model (%d) must be divisible by num_heads (%d)", c.DModel, c.NumHeads)
	}
	if groups := c.kvGroups(); groups <= 0 || c.NumHeads%groups != 0 {
		return errors.Errorf("num_heads (%d) must be divisible by num_kv_groups (%d)", c.NumHeads, groups)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0, 1), got %g", c.Dropout)
	}
	return nil
}

func (c Config) kvGroups() int {
	if c.NumKVGroups == 0 {
		return c.NumHeads
	}
	return c.NumKVGroups
}

// Attention implements multi-head scaled dot-product attention.
//
// Architecture:
//   - Q is projected from the hidden states, K and V from the hidden states (self)
//     or from the encoder states (cross)
//   - K and V have NumKVGroups heads, each shared by GroupSize query heads
//   - Output projection combines all heads
type Attention struct {
	NumHeads    int
	NumKVGroups int
	GroupSize   int
	HeadDim     int
	DModel      int
	Dropout     float32
	Causal      bool

	WQuery  *tensor.Tensor // (d_model, d_model)
	WKey    *tensor.Tensor // (d_model, num_kv_groups * head_dim)
	WValue  *tensor.Tensor // (d_model, num_kv_groups * head_dim)
	OutProj *tensor.Tensor // (d_model, d_model)

	role Role
}

var _ Computation = (*Attention)(nil)

// New creates an attention layer with weights drawn from N(0, 1/d_model).
func New(config Config, rng *rand.Rand) (*Attention, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	groups := config.kvGroups()
	headDim := config.DModel / config.NumHeads
	kvDim := groups * headDim
	std := float32(1 / math.Sqrt(float64(config.DModel)))

	return &Attention{
		NumHeads:    config.NumHeads,
		NumKVGroups: groups,
		GroupSize:   config.NumHeads / groups,
		HeadDim:     headDim,
		DModel:      config.DModel,
		Dropout:     config.Dropout,
		Causal:      config.Causal,
		WQuery:      tensor.RandN([]int{config.DModel, config.DModel}, rng).Scale(std),
		WKey:        tensor.RandN([]int{config.DModel, kvDim}, rng).Scale(std),
		WValue:      tensor.RandN([]int{config.DModel, kvDim}, rng).Scale(std),
		OutProj:     tensor.RandN([]int{config.DModel, config.DModel}, rng).Scale(std),
		role:        config.Role,
	}, nil
}

// Role implements Computation.
func (a *Attention) Role() Role {
	return a.role
}

// Forward computes attention: Scores followed by Aggregate.
//
// Input shapes:
//   - in.Hidden: (batch, tgt, d_model)
//   - in.Context: (batch, src, d_model) for cross-attention
//
// Output shape: (batch, tgt, d_model)
func (a *Attention) Forward(in Input) (*Output, error) {
	weights, values, err := a.Scores(in)
	if err != nil {
		return nil, err
	}
	return a.Aggregate(in, weights, values)
}

// Scores computes the attention weights and the values they aggregate.
//
// Steps:
//  1. Project Q from the hidden states and K, V from the key/value side
//  2. Split heads, appending to or reading from the cache
//  3. Expand the KV groups to one K, V per query head
//  4. scores = Q @ K^T / sqrt(head_dim), masked
//  5. Softmax along the keys
//
// Returns weights (batch, heads, tgt, src) and values (batch, heads, src, head_dim).
func (a *Attention) Scores(in Input) (weights, values *tensor.Tensor, err error) {
	x := in.Hidden
	if x == nil || len(x.Shape) != 3 {
		return nil, nil, errors.Errorf("expected 3D hidden states (batch, tgt, d_model), got %v", shapeOf(x))
	}
	batchSize, tgtLen, dModel := x.Shape[0], x.Shape[1], x.Shape[2]
	if dModel != a.DModel {
		return nil, nil, errors.Errorf("hidden dimension %d doesn't match expected %d", dModel, a.DModel)
	}

	q, err := tensor.Matmul(x, a.WQuery)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to compute Q")
	}
	q, err = a.splitHeads(q, a.NumHeads)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to split Q heads")
	}

	k, v, err := a.keysAndValues(in, batchSize)
	if err != nil {
		return nil, nil, err
	}
	k, err = a.expandGroups(k)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to expand K groups")
	}
	v, err = a.expandGroups(v)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to expand V groups")
	}

	kt, err := k.Transpose(2, 3)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to transpose K")
	}
	scores, err := tensor.Matmul(q, kt)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to compute attention scores")
	}
	scores = scores.Scale(float32(1 / math.Sqrt(float64(a.HeadDim))))

	if a.Causal {
		scores, err = tensor.ApplyMask(scores, tensor.CreateCausalMask(tgtLen, scores.Shape[3]))
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to apply causal mask")
		}
	}
	if in.Mask != nil {
		scores, err = tensor.ApplyMask(scores, in.Mask)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to apply attention mask")
		}
	}

	weights, err = tensor.Softmax(scores, -1)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to apply softmax")
	}
	return weights, v, nil
}

// keysAndValues projects K and V, going through the cache when one is given.
// Returned shapes: (batch, num_kv_groups, src, head_dim).
func (a *Attention) keysAndValues(in Input, batchSize int) (k, v *tensor.Tensor, err error) {
	source := in.Hidden
	if a.role == RoleCross {
		if in.Cache != nil && in.Cache.Len() > 0 {
			k, v, _ = in.Cache.GetKV()
			return k, v, nil
		}
		if in.Context == nil {
			return nil, nil, errors.New("cross-attention requires encoder states")
		}
		source = in.Context
	}
	if len(source.Shape) != 3 || source.Shape[0] != batchSize || source.Shape[2] != a.DModel {
		return nil, nil, errors.Errorf("key/value states of shape %v don't match batch %d and d_model %d",
			source.Shape, batchSize, a.DModel)
	}

	if k, err = tensor.Matmul(source, a.WKey); err != nil {
		return nil, nil, errors.Wrap(err, "failed to compute K")
	}
	if v, err = tensor.Matmul(source, a.WValue); err != nil {
		return nil, nil, errors.Wrap(err, "failed to compute V")
	}
	if k, err = a.splitHeads(k, a.NumKVGroups); err != nil {
		return nil, nil, errors.Wrap(err, "failed to split K heads")
	}
	if v, err = a.splitHeads(v, a.NumKVGroups); err != nil {
		return nil, nil, errors.Wrap(err, "failed to split V heads")
	}
	if in.Cache != nil {
		if k, v, err = in.Cache.Update(k, v); err != nil {
			return nil, nil, errors.Wrap(err, "failed to update KV cache")
		}
	}
	return k, v, nil
}

// splitHeads reshapes (batch, seq, heads*head_dim) to (batch, heads, seq, head_dim).
func (a *Attention) splitHeads(x *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	view, err := x.View([]int{x.Shape[0], x.Shape[1], heads, a.HeadDim})
	if err != nil {
		return nil, err
	}
	return view.Transpose(1, 2)
}

// expandGroups repeats each KV group for the GroupSize query heads that share it.
func (a *Attention) expandGroups(x *tensor.Tensor) (*tensor.Tensor, error) {
	if a.GroupSize == 1 {
		return x, nil
	}
	indices := make([]int, a.NumHeads)
	for h := range indices {
		indices[h] = h / a.GroupSize
	}
	return x.Gather(1, indices)
}

// Aggregate applies the attention weights to the values.
//
// Steps:
//  1. Dropout on the weights (training only)
//  2. Optional per-head scaling
//  3. output = weights @ V, heads merged back to (batch, tgt, d_model)
//  4. Output projection
func (a *Attention) Aggregate(in Input, weights, values *tensor.Tensor) (*Output, error) {
	if len(weights.Shape) != 4 || len(values.Shape) != 4 || weights.Shape[1] != a.NumHeads ||
		weights.Shape[0] != values.Shape[0] || weights.Shape[3] != values.Shape[2] {
		return nil, errors.Errorf("attention weights of shape %v can't aggregate values of shape %v",
			weights.Shape, values.Shape)
	}
	batchSize, tgtLen := weights.Shape[0], weights.Shape[2]

	probs := weights
	if in.Training && a.Dropout > 0 {
		if in.Rng == nil {
			return nil, errors.New("attention dropout during training requires a random source")
		}
		probs = probs.Dropout(a.Dropout, true, in.Rng)
	}
	if in.HeadMask != nil {
		if len(in.HeadMask) != a.NumHeads {
			return nil, errors.Errorf("head mask has %d entries, expected %d", len(in.HeadMask), a.NumHeads)
		}
		headMask, err := tensor.FromSlice(in.HeadMask, []int{1, a.NumHeads, 1, 1})
		if err != nil {
			return nil, err
		}
		if probs, err = tensor.Mul(probs, headMask); err != nil {
			return nil, errors.Wrap(err, "failed to apply head mask")
		}
	}

	out, err := tensor.Matmul(probs, values)
	if err != nil {
		return nil, errors.Wrap(err, "failed to apply attention to V")
	}
	// (batch, heads, tgt, head_dim) -> (batch, tgt, heads, head_dim) -> (batch, tgt, d_model)
	if out, err = out.Transpose(1, 2); err != nil {
		return nil, errors.Wrap(err, "failed to transpose attention output")
	}
	if out, err = out.View([]int{batchSize, tgtLen, a.DModel}); err != nil {
		return nil, errors.Wrap(err, "failed to merge heads")
	}
	hidden, err := tensor.Matmul(out, a.OutProj)
	if err != nil {
		return nil, errors.Wrap(err, "failed to apply output projection")
	}
	return &Output{Hidden: hidden, Weights: weights}, nil
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}
