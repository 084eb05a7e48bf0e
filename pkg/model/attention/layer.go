package attention

import (
	"math/rand"

	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
)

// Sublayer names of a DecoderLayer.
const (
	SelfAttnName    = "self_attn"
	EncoderAttnName = "encoder_attn"
)

// FeedForward is an interface for feed-forward layers.
type FeedForward interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// LayerNorm is an interface for layer normalization.
type LayerNorm interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// LayerInput holds the arguments of one layer forward pass.
type LayerInput struct {
	Hidden *tensor.Tensor // (batch, tgt, d_model)

	// Context are the encoder states (batch, src, d_model), and ContextMask
	// (batch, 1, 1, src) masks out their padding. Decoder layers only.
	Context     *tensor.Tensor
	ContextMask *tensor.Tensor

	// Mask is an optional self-attention mask, used by encoder layers for padding.
	Mask *tensor.Tensor

	Cache    *LayerCache
	Training bool
	Rng      *rand.Rand
}

// NamedComputation is an attention sublayer and its name within the layer.
type NamedComputation struct {
	Name        string
	Computation Computation
}

// DecoderLayer implements a pre-norm transformer decoder layer.
//
// Architecture (per layer):
//  1. x = x + Dropout(SelfAttn(SelfAttnNorm(x)))          # causal, cached
//  2. x = x + Dropout(EncoderAttn(EncoderAttnNorm(x), c)) # over encoder states
//  3. x = x + Dropout(FF(FinalNorm(x)))
type DecoderLayer struct {
	SelfAttn        Computation
	EncoderAttn     Computation
	FF              FeedForward
	SelfAttnNorm    LayerNorm
	EncoderAttnNorm LayerNorm
	FinalNorm       LayerNorm
	Dropout         float32
}

// Sublayers returns the attention sublayers in execution order.
func (l *DecoderLayer) Sublayers() []NamedComputation {
	return []NamedComputation{
		{Name: SelfAttnName, Computation: l.SelfAttn},
		{Name: EncoderAttnName, Computation: l.EncoderAttn},
	}
}

// Replace swaps the attention sublayer called name. The replacement must keep the role.
func (l *DecoderLayer) Replace(name string, c Computation) error {
	var slot *Computation
	switch name {
	case SelfAttnName:
		slot = &l.SelfAttn
	case EncoderAttnName:
		slot = &l.EncoderAttn
	default:
		return errors.Errorf("decoder layer has no attention sublayer %q", name)
	}
	if *slot != nil && (*slot).Role() != c.Role() {
		return errors.Errorf("cannot replace %s sublayer %q with %s attention", (*slot).Role(), name, c.Role())
	}
	*slot = c
	return nil
}

// Forward computes one decoder layer.
//
// Input shapes:
//   - in.Hidden: (batch, tgt, d_model)
//   - in.Context: (batch, src, d_model)
//
// Output shape: (batch, tgt, d_model)
func (l *DecoderLayer) Forward(in LayerInput) (*tensor.Tensor, error) {
	var selfCache, crossCache *KVCache
	if in.Cache != nil {
		selfCache, crossCache = in.Cache.Self, in.Cache.Cross
	}

	x, err := l.residualAttention(in, l.SelfAttn, l.SelfAttnNorm, Input{Cache: selfCache})
	if err != nil {
		return nil, errors.WithMessage(err, SelfAttnName)
	}
	in.Hidden = x
	x, err = l.residualAttention(in, l.EncoderAttn, l.EncoderAttnNorm,
		Input{Context: in.Context, Mask: in.ContextMask, Cache: crossCache})
	if err != nil {
		return nil, errors.WithMessage(err, EncoderAttnName)
	}
	return residualFeedForward(x, l.FF, l.FinalNorm, l.Dropout, in)
}

func (l *DecoderLayer) residualAttention(in LayerInput, attn Computation, norm LayerNorm, attnIn Input) (*tensor.Tensor, error) {
	normed, err := norm.Forward(in.Hidden)
	if err != nil {
		return nil, errors.Wrap(err, "failed to apply norm")
	}
	attnIn.Hidden = normed
	attnIn.Training, attnIn.Rng = in.Training, in.Rng
	out, err := attn.Forward(attnIn)
	if err != nil {
		return nil, err
	}
	h := out.Hidden
	if in.Training && l.Dropout > 0 {
		h = h.Dropout(l.Dropout, true, in.Rng)
	}
	return tensor.Add(h, in.Hidden)
}

func residualFeedForward(x *tensor.Tensor, ff FeedForward, norm LayerNorm, dropout float32, in LayerInput) (*tensor.Tensor, error) {
	normed, err := norm.Forward(x)
	if err != nil {
		return nil, errors.Wrap(err, "failed to apply feed-forward norm")
	}
	h, err := ff.Forward(normed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute feed-forward")
	}
	if in.Training && dropout > 0 {
		h = h.Dropout(dropout, true, in.Rng)
	}
	return tensor.Add(h, x)
}

// EncoderLayer implements a pre-norm transformer encoder layer. Its attention has
// RoleNone and is never instrumented.
type EncoderLayer struct {
	SelfAttn     Computation
	FF           FeedForward
	SelfAttnNorm LayerNorm
	FinalNorm    LayerNorm
	Dropout      float32
}

// Forward computes one encoder layer over (batch, seq, d_model) with in.Mask
// masking out padding.
func (l *EncoderLayer) Forward(in LayerInput) (*tensor.Tensor, error) {
	normed, err := l.SelfAttnNorm.Forward(in.Hidden)
	if err != nil {
		return nil, errors.Wrap(err, "failed to apply norm")
	}
	out, err := l.SelfAttn.Forward(Input{Hidden: normed, Mask: in.Mask, Training: in.Training, Rng: in.Rng})
	if err != nil {
		return nil, err
	}
	h := out.Hidden
	if in.Training && l.Dropout > 0 {
		h = h.Dropout(l.Dropout, true, in.Rng)
	}
	x, err := tensor.Add(h, in.Hidden)
	if err != nil {
		return nil, err
	}
	return residualFeedForward(x, l.FF, l.FinalNorm, l.Dropout, in)
}
