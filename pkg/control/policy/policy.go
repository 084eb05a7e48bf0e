// Package policy implements the attention editing policies.
//
// Every policy sees the conditional attention weights (batch_size, heads, tgt, src)
// where sample 0 is the source and samples 1..N are edited. Except for Empty, all
// policies make the edited samples' self-attention a copy of the source's, and
// differ in how they edit cross-attention.
package policy

import (
	"attnedit/pkg/control"
	"attnedit/pkg/model/attention"
	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
)

var (
	// ErrIndexMismatch is returned when source and target index sets differ in length.
	ErrIndexMismatch = errors.New("source and target index sets differ in length")

	// ErrIndexOutOfRange is returned when an index exceeds the source length.
	ErrIndexOutOfRange = errors.New("token index out of range")

	// ErrInvalidParameter is returned for out-of-range policy parameters.
	ErrInvalidParameter = errors.New("invalid policy parameter")
)

// editSelf copies the source sample's weights to every sample.
func editSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	if attn.Rank() != 4 {
		return nil, errors.Wrapf(control.ErrShape, "expected (batch, heads, tgt, src) weights, got %v", attn.Shape)
	}
	return attn.Gather(0, make([]int, attn.Shape[0]))
}

// editSamples applies edit to the edited samples, given the source sample, and
// reassembles the batch. edit must return a tensor shaped like edited.
func editSamples(attn *tensor.Tensor, edit func(source, edited *tensor.Tensor) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	if attn.Rank() != 4 {
		return nil, errors.Wrapf(control.ErrShape, "expected (batch, heads, tgt, src) weights, got %v", attn.Shape)
	}
	if attn.Shape[0] < 2 {
		return attn.Clone(), nil
	}
	source, err := attn.Narrow(0, 0, 1)
	if err != nil {
		return nil, err
	}
	edited, err := attn.Narrow(0, 1, attn.Shape[0])
	if err != nil {
		return nil, err
	}
	result, err := edit(source, edited)
	if err != nil {
		return nil, err
	}
	if !result.ShapeEquals(edited) {
		return nil, errors.Wrapf(control.ErrShape, "edited samples have shape %v, expected %v", result.Shape, edited.Shape)
	}
	return tensor.Concatenate([]*tensor.Tensor{source, result}, 0)
}

// blendColumns replaces columns target of edited by lerp(edited[target], with, blend).
// with broadcasts against the gathered columns.
func blendColumns(edited *tensor.Tensor, target []int, with *tensor.Tensor, blend float32) (*tensor.Tensor, error) {
	columns, err := edited.Gather(3, target)
	if err != nil {
		return nil, err
	}
	blended, err := tensor.Lerp(columns, with, blend)
	if err != nil {
		return nil, err
	}
	result := edited.Clone()
	if err := result.Scatter(3, target, blended); err != nil {
		return nil, err
	}
	return result, nil
}

func checkBlend(blend float32) error {
	if !(blend >= 0 && blend <= 1) {
		return errors.Wrapf(ErrInvalidParameter, "blend must be in [0, 1], got %g", blend)
	}
	return nil
}

func checkIndexSet(name string, indices []int) error {
	if len(indices) == 0 {
		return errors.Wrapf(ErrInvalidParameter, "%s index set is empty", name)
	}
	for _, i := range indices {
		if i < 0 {
			return errors.Wrapf(ErrInvalidParameter, "%s index set has negative index %d", name, i)
		}
	}
	return nil
}

func checkInRange(indices []int, srcLen int) error {
	for _, i := range indices {
		if i >= srcLen {
			return errors.Wrapf(ErrIndexOutOfRange, "index %d for source length %d", i, srcLen)
		}
	}
	return nil
}

// Empty leaves attention untouched.
type Empty struct {
	control.Base
}

// NewEmpty returns a controller that edits nothing.
func NewEmpty() *Empty {
	return &Empty{Base: control.NewBase()}
}

// EditSelf implements control.Controller.
func (e *Empty) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	return attn.Clone(), nil
}

// EditCross implements control.Controller.
func (e *Empty) EditCross(attn *tensor.Tensor, _ attention.Role) (*tensor.Tensor, error) {
	return attn.Clone(), nil
}
