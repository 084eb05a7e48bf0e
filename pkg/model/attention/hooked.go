package attention

import (
	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
)

// Hooked wraps an Attention so that its post-softmax weights go through Hook
// before the values are aggregated.
//
// The hook sees the weights folded to (batch*heads, tgt, src), before dropout
// and head masking. Everything else is delegated to Base.
type Hooked struct {
	Base *Attention
	Hook Hook
}

var _ Computation = (*Hooked)(nil)

// NewHooked wraps c with hook. An already hooked computation gets its hook
// replaced rather than being wrapped twice.
func NewHooked(c Computation, hook Hook) (*Hooked, error) {
	base, ok := Unwrap(c).(*Attention)
	if !ok {
		return nil, errors.Errorf("cannot hook attention computation of type %T", c)
	}
	return &Hooked{Base: base, Hook: hook}, nil
}

// Unwrap returns the computation under any Hooked decorator.
func Unwrap(c Computation) Computation {
	for {
		h, ok := c.(*Hooked)
		if !ok {
			return c
		}
		c = h.Base
	}
}

// Role implements Computation.
func (h *Hooked) Role() Role {
	return h.Base.Role()
}

// Forward implements Computation.
func (h *Hooked) Forward(in Input) (*Output, error) {
	weights, values, err := h.Base.Scores(in)
	if err != nil {
		return nil, err
	}
	if h.Hook != nil {
		if weights, err = h.apply(weights); err != nil {
			return nil, err
		}
	}
	return h.Base.Aggregate(in, weights, values)
}

func (h *Hooked) apply(weights *tensor.Tensor) (*tensor.Tensor, error) {
	shape := weights.Shape
	folded, err := weights.View([]int{shape[0] * shape[1], shape[2], shape[3]})
	if err != nil {
		return nil, err
	}
	role := h.Base.Role()
	edited, err := h.Hook(folded, role == RoleCross, role)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s-attention hook", role)
	}
	if edited == nil || !tensor.EqualShapes(edited.Shape, folded.Shape) {
		return nil, errors.Errorf("%s-attention hook returned shape %v, expected %v", role, shapeOf(edited), folded.Shape)
	}
	return edited.View(shape)
}
