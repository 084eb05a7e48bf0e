// Package control implements the controller state machine that edits attention maps
// during generation.
//
// A Controller is invoked once per instrumented attention call through OnAttention,
// which advances the shared Progress, isolates the conditional half of the
// classifier-free-guidance batch and dispatches it to the controller's EditSelf or
// EditCross. Within the conditional half, sample 0 is the source and samples 1..N
// are the edited ones.
package control

import (
	"attnedit/pkg/model/attention"
	"attnedit/pkg/tensor"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

var (
	// ErrShape is returned when attention weights don't fit the batch layout.
	ErrShape = errors.New("attention weights shape mismatch")

	// ErrNotReset is returned when attention is dispatched before the batch size
	// and token budget are set.
	ErrNotReset = errors.New("controller used before reset")

	// ErrNoAttentionLayers is returned when no attention layer was registered.
	ErrNoAttentionLayers = errors.New("no attention layers registered")

	// ErrControllerBusy is returned when a controller is used by two generations at once.
	ErrControllerBusy = errors.New("controller already in use by another generation")
)

// Controller edits the conditional attention weights of one generation.
//
// attn has shape (batch_size, heads, tgt, src). Implementations return a new
// tensor of the same shape and must not modify attn.
type Controller interface {
	// Progress returns the state shared along the controller chain.
	Progress() *Progress

	// EditSelf edits decoder self-attention weights.
	EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error)

	// EditCross edits decoder cross-attention weights.
	EditCross(attn *tensor.Tensor, role attention.Role) (*tensor.Tensor, error)
}

// Base owns the Progress of a controller. Policies embed it.
type Base struct {
	progress *Progress
}

// NewBase returns a Base with a reset Progress.
func NewBase() Base {
	return Base{progress: NewProgress()}
}

// Progress implements Controller.
func (b *Base) Progress() *Progress {
	if b.progress == nil {
		b.progress = NewProgress()
	}
	return b.progress
}

// OnAttention runs c on one attention call.
//
// weights has shape (2*batch_size*heads, tgt, src): the conditional half first,
// then the unconditional half. The conditional half is reshaped to
// (batch_size, heads, tgt, src) and edited; the returned tensor is a copy of
// weights with the edited half written back and the unconditional half unchanged.
func OnAttention(c Controller, weights *tensor.Tensor, isCross bool, role attention.Role) (*tensor.Tensor, error) {
	p := c.Progress()
	if err := p.Advance(); err != nil {
		return nil, err
	}
	if weights.Rank() != 3 {
		return nil, errors.Wrapf(ErrShape, "expected (batch*heads, tgt, src) weights, got shape %v", weights.Shape)
	}
	folded, tgtLen, srcLen := weights.Shape[0], weights.Shape[1], weights.Shape[2]
	if folded%2 != 0 {
		return nil, errors.Wrapf(ErrShape, "batch dimension %d is not split in conditional and unconditional halves", folded)
	}
	half := folded / 2
	if half == 0 || half%p.BatchSize != 0 {
		return nil, errors.Wrapf(ErrShape, "conditional half of %d can't be split over batch size %d", half, p.BatchSize)
	}
	heads := half / p.BatchSize

	conditional, err := weights.Narrow(0, 0, half)
	if err != nil {
		return nil, err
	}
	attn, err := conditional.View([]int{p.BatchSize, heads, tgtLen, srcLen})
	if err != nil {
		return nil, err
	}

	var edited *tensor.Tensor
	panicErr := exceptions.TryCatch[error](func() {
		if isCross {
			edited, err = c.EditCross(attn, role)
		} else {
			edited, err = c.EditSelf(attn)
		}
	})
	if panicErr != nil {
		return nil, errors.WithMessagef(panicErr, "step %d layer %d", p.Step, p.Layer)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "step %d layer %d", p.Step, p.Layer)
	}
	if edited == nil || !edited.ShapeEquals(attn) {
		return nil, errors.Wrapf(ErrShape, "edit returned shape %v, expected %v", shapeOf(edited), attn.Shape)
	}

	flat, err := edited.View([]int{half, tgtLen, srcLen})
	if err != nil {
		return nil, err
	}
	result := weights.Clone()
	if err := result.Assign(0, 0, flat); err != nil {
		return nil, err
	}
	return result, nil
}

// Hook adapts c to an attention hook.
func Hook(c Controller) attention.Hook {
	return func(weights *tensor.Tensor, isCross bool, role attention.Role) (*tensor.Tensor, error) {
		return OnAttention(c, weights, isCross, role)
	}
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}
