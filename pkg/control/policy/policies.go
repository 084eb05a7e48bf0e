package policy

import (
	"math"
	"math/rand"
	"slices"

	"attnedit/pkg/align"
	"attnedit/pkg/control"
	"attnedit/pkg/model/attention"
	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
)

// Random replaces the edited samples' cross-attention with N(0, 1) noise.
type Random struct {
	control.Base
	rng *rand.Rand
}

// NewRandom returns a Random policy drawing from a source seeded with seed.
func NewRandom(seed int64) *Random {
	return &Random{Base: control.NewBase(), rng: rand.New(rand.NewSource(seed))}
}

// EditSelf implements control.Controller.
func (r *Random) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	return editSelf(attn)
}

// EditCross implements control.Controller.
func (r *Random) EditCross(attn *tensor.Tensor, _ attention.Role) (*tensor.Tensor, error) {
	return editSamples(attn, func(_, edited *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.RandN(edited.Shape, r.rng), nil
	})
}

// IgnoreWord zeroes the edited samples' cross-attention to some tokens.
type IgnoreWord struct {
	control.Base
	indices []int
}

// NewIgnoreWord returns an IgnoreWord policy dropping attention to the tokens at indices.
func NewIgnoreWord(indices []int) (*IgnoreWord, error) {
	if err := checkIndexSet("ignored", indices); err != nil {
		return nil, err
	}
	return &IgnoreWord{Base: control.NewBase(), indices: slices.Clone(indices)}, nil
}

// IgnoreWordFromPrompts builds an IgnoreWord policy from a prompt pair where the
// second prompt marks the ignored word with align.IgnoreMarker. It returns the
// prompts to generate with.
func IgnoreWordFromPrompts(enc align.Encoder, prompts [2]string) ([2]string, *IgnoreWord, error) {
	generated, indices, err := align.IgnoreIndices(enc, prompts)
	if err != nil {
		return [2]string{}, nil, err
	}
	policy, err := NewIgnoreWord(indices)
	if err != nil {
		return [2]string{}, nil, err
	}
	return generated, policy, nil
}

// EditSelf implements control.Controller.
func (p *IgnoreWord) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	return editSelf(attn)
}

// EditCross implements control.Controller.
func (p *IgnoreWord) EditCross(attn *tensor.Tensor, _ attention.Role) (*tensor.Tensor, error) {
	return editSamples(attn, func(_, edited *tensor.Tensor) (*tensor.Tensor, error) {
		if err := checkInRange(p.indices, edited.Dim(-1)); err != nil {
			return nil, err
		}
		shape := append(slices.Clone(edited.Shape[:3]), len(p.indices))
		result := edited.Clone()
		if err := result.Scatter(3, p.indices, tensor.NewTensor(shape)); err != nil {
			return nil, err
		}
		return result, nil
	})
}

// ReplaceWord blends the edited samples' attention to the target word toward the
// source's mean attention to the source word.
type ReplaceWord struct {
	control.Base
	pair  align.IndexPair
	blend float32
}

// NewReplaceWord returns a ReplaceWord policy. The source and target words may
// have different token counts.
func NewReplaceWord(pair align.IndexPair, blend float32) (*ReplaceWord, error) {
	if err := checkBlend(blend); err != nil {
		return nil, err
	}
	if err := checkIndexSet("source", pair.Source); err != nil {
		return nil, err
	}
	if err := checkIndexSet("target", pair.Target); err != nil {
		return nil, err
	}
	return &ReplaceWord{Base: control.NewBase(), pair: clonePair(pair), blend: blend}, nil
}

// EditSelf implements control.Controller.
func (p *ReplaceWord) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	return editSelf(attn)
}

// EditCross implements control.Controller.
func (p *ReplaceWord) EditCross(attn *tensor.Tensor, _ attention.Role) (*tensor.Tensor, error) {
	return editSamples(attn, func(source, edited *tensor.Tensor) (*tensor.Tensor, error) {
		if err := checkPairInRange(p.pair, edited.Dim(-1)); err != nil {
			return nil, err
		}
		columns, err := source.Gather(3, p.pair.Source)
		if err != nil {
			return nil, err
		}
		mean, err := tensor.MeanAxis(columns, 3, true)
		if err != nil {
			return nil, err
		}
		return blendColumns(edited, p.pair.Target, mean, p.blend)
	})
}

// Refine blends each target token's attention toward the attention of the
// matching source token.
type Refine struct {
	control.Base
	pair  align.IndexPair
	blend float32
}

// NewRefine returns a Refine policy. Source and target index sets must have the same length.
func NewRefine(pair align.IndexPair, blend float32) (*Refine, error) {
	if err := checkBlend(blend); err != nil {
		return nil, err
	}
	if err := checkIndexSet("source", pair.Source); err != nil {
		return nil, err
	}
	if err := checkIndexSet("target", pair.Target); err != nil {
		return nil, err
	}
	if len(pair.Source) != len(pair.Target) {
		return nil, errors.Wrapf(ErrIndexMismatch, "%d source and %d target indices", len(pair.Source), len(pair.Target))
	}
	return &Refine{Base: control.NewBase(), pair: clonePair(pair), blend: blend}, nil
}

// EditSelf implements control.Controller.
func (p *Refine) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	return editSelf(attn)
}

// EditCross implements control.Controller.
func (p *Refine) EditCross(attn *tensor.Tensor, _ attention.Role) (*tensor.Tensor, error) {
	return editSamples(attn, func(source, edited *tensor.Tensor) (*tensor.Tensor, error) {
		if err := checkPairInRange(p.pair, edited.Dim(-1)); err != nil {
			return nil, err
		}
		columns, err := source.Gather(3, p.pair.Source)
		if err != nil {
			return nil, err
		}
		return blendColumns(edited, p.pair.Target, columns, p.blend)
	})
}

// ReweightWord gives the edited samples the source's cross-attention with every
// token but the target ones divided by weight.
type ReweightWord struct {
	control.Base
	indices []int
	weight  float32
}

// NewReweightWord returns a ReweightWord policy. weight must be non-zero; values
// above 1 emphasize the target tokens.
func NewReweightWord(indices []int, weight float32) (*ReweightWord, error) {
	if weight == 0 || math.IsNaN(float64(weight)) {
		return nil, errors.Wrapf(ErrInvalidParameter, "weight must be non-zero, got %g", weight)
	}
	if err := checkIndexSet("reweighted", indices); err != nil {
		return nil, err
	}
	return &ReweightWord{Base: control.NewBase(), indices: slices.Clone(indices), weight: weight}, nil
}

// EditSelf implements control.Controller.
func (p *ReweightWord) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	return editSelf(attn)
}

// EditCross implements control.Controller.
func (p *ReweightWord) EditCross(attn *tensor.Tensor, _ attention.Role) (*tensor.Tensor, error) {
	return editSamples(attn, func(source, edited *tensor.Tensor) (*tensor.Tensor, error) {
		srcLen := edited.Dim(-1)
		if err := checkInRange(p.indices, srcLen); err != nil {
			return nil, err
		}
		result, err := source.Gather(0, make([]int, edited.Shape[0]))
		if err != nil {
			return nil, err
		}
		others := make([]int, 0, srcLen)
		for i := 0; i < srcLen; i++ {
			if !slices.Contains(p.indices, i) {
				others = append(others, i)
			}
		}
		if len(others) == 0 {
			return result, nil
		}
		columns, err := result.Gather(3, others)
		if err != nil {
			return nil, err
		}
		weight := p.weight
		scaled := columns.Map(func(x float32) float32 { return x / weight })
		if err := result.Scatter(3, others, scaled); err != nil {
			return nil, err
		}
		return result, nil
	})
}

// Replace blends the edited samples' whole cross-attention toward the source's.
type Replace struct {
	control.Base
	blend float32
}

// NewReplace returns a Replace policy.
func NewReplace(blend float32) (*Replace, error) {
	if err := checkBlend(blend); err != nil {
		return nil, err
	}
	return &Replace{Base: control.NewBase(), blend: blend}, nil
}

// EditSelf implements control.Controller.
func (p *Replace) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	return editSelf(attn)
}

// EditCross implements control.Controller.
func (p *Replace) EditCross(attn *tensor.Tensor, _ attention.Role) (*tensor.Tensor, error) {
	return editSamples(attn, func(source, edited *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.Lerp(edited, source, p.blend)
	})
}

func checkPairInRange(pair align.IndexPair, srcLen int) error {
	if err := checkInRange(pair.Source, srcLen); err != nil {
		return errors.WithMessage(err, "source")
	}
	if err := checkInRange(pair.Target, srcLen); err != nil {
		return errors.WithMessage(err, "target")
	}
	return nil
}

func clonePair(pair align.IndexPair) align.IndexPair {
	return align.IndexPair{Source: slices.Clone(pair.Source), Target: slices.Clone(pair.Target)}
}
