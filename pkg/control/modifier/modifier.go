// Package modifier implements controller decorators that gate or blend the edits
// of the controller they wrap, depending on the generation progress.
//
// A modifier holds exactly one inner controller and shares its Progress, so a
// chain of modifiers around a policy reads and advances a single record. Outer
// modifiers gate first; the innermost policy edits last.
package modifier

import (
	"math"
	"slices"

	"attnedit/pkg/control"
	"attnedit/pkg/model/attention"
	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidParameter is returned for out-of-range modifier parameters.
	ErrInvalidParameter = errors.New("invalid modifier parameter")

	// ErrHeadOutOfRange is returned when a head index exceeds the number of heads.
	ErrHeadOutOfRange = errors.New("attention head index out of range")
)

var (
	_ control.Controller = (*Offset)(nil)
	_ control.Controller = (*AttentionHead)(nil)
	_ control.Controller = (*SelfAttentionLerp)(nil)
	_ control.Controller = (*SelfAttentionCutoff)(nil)
	_ control.Controller = (*AttentionLerp)(nil)
	_ control.Controller = (*AttentionCutoff)(nil)
	_ control.Controller = (*DecoderLayer)(nil)
)

// wrapper is embedded by every modifier.
type wrapper struct {
	inner control.Controller
}

func newWrapper(inner control.Controller) (wrapper, error) {
	if inner == nil {
		return wrapper{}, errors.New("modifier needs an inner controller")
	}
	return wrapper{inner: inner}, nil
}

// Progress returns the inner controller's Progress.
func (w wrapper) Progress() *control.Progress {
	return w.inner.Progress()
}

// Inner returns the wrapped controller.
func (w wrapper) Inner() control.Controller {
	return w.inner
}

func checkUnit(name string, v float32) error {
	if !(v >= 0 && v <= 1) {
		return errors.Wrapf(ErrInvalidParameter, "%s must be in [0, 1], got %g", name, v)
	}
	return nil
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}

// belowCutoff reports whether the current layer is at most floor(threshold * NumLayers).
func belowCutoff(p *control.Progress, threshold float32) bool {
	return float64(p.Layer) <= math.Floor(float64(threshold)*float64(p.NumLayers))
}

// Offset suppresses every edit until Step reaches round(offset * MaxNewTokens).
type Offset struct {
	wrapper
	offset float32
}

// NewOffset wraps inner with an Offset modifier; offset must be in [0, 1].
func NewOffset(inner control.Controller, offset float32) (*Offset, error) {
	if err := checkUnit("offset", offset); err != nil {
		return nil, err
	}
	w, err := newWrapper(inner)
	if err != nil {
		return nil, err
	}
	return &Offset{wrapper: w, offset: offset}, nil
}

// Active reports whether edits are let through at the current step.
func (m *Offset) Active() bool {
	p := m.Progress()
	start := int(math.Round(float64(m.offset) * float64(p.MaxNewTokens)))
	return p.Step >= start
}

// EditSelf implements control.Controller.
func (m *Offset) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	if !m.Active() {
		return attn.Clone(), nil
	}
	return m.inner.EditSelf(attn)
}

// EditCross implements control.Controller.
func (m *Offset) EditCross(attn *tensor.Tensor, role attention.Role) (*tensor.Tensor, error) {
	if !m.Active() {
		return attn.Clone(), nil
	}
	return m.inner.EditCross(attn, role)
}

// AttentionHead restricts cross-attention edits to a subset of heads; the other
// heads are left untouched. Self-attention goes to the inner controller as is.
type AttentionHead struct {
	wrapper
	heads []int
}

// NewAttentionHead wraps inner with an AttentionHead modifier editing only heads.
func NewAttentionHead(inner control.Controller, heads []int) (*AttentionHead, error) {
	if len(heads) == 0 {
		return nil, errors.Wrap(ErrInvalidParameter, "head set is empty")
	}
	for _, h := range heads {
		if h < 0 {
			return nil, errors.Wrapf(ErrInvalidParameter, "negative head index %d", h)
		}
	}
	w, err := newWrapper(inner)
	if err != nil {
		return nil, err
	}
	return &AttentionHead{wrapper: w, heads: slices.Clone(heads)}, nil
}

// EditSelf implements control.Controller.
func (m *AttentionHead) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	return m.inner.EditSelf(attn)
}

// EditCross implements control.Controller.
func (m *AttentionHead) EditCross(attn *tensor.Tensor, role attention.Role) (*tensor.Tensor, error) {
	if attn.Rank() != 4 {
		return nil, errors.Wrapf(control.ErrShape, "expected (batch, heads, tgt, src) weights, got %v", attn.Shape)
	}
	numHeads := attn.Shape[1]
	for _, h := range m.heads {
		if h >= numHeads {
			return nil, errors.Wrapf(ErrHeadOutOfRange, "head %d of %d", h, numHeads)
		}
	}
	slice, err := attn.Gather(1, m.heads)
	if err != nil {
		return nil, err
	}
	edited, err := m.inner.EditCross(slice, role)
	if err != nil {
		return nil, err
	}
	if edited == nil || !edited.ShapeEquals(slice) {
		return nil, errors.Wrapf(control.ErrShape, "inner edit of heads %v changed their shape", m.heads)
	}
	result := attn.Clone()
	if err := result.Scatter(1, m.heads, edited); err != nil {
		return nil, err
	}
	return result, nil
}

// SelfAttentionLerp replaces the inner controller's self-attention edit: edited
// samples are blended toward the source by Layer / NumLayers, so later layers of
// a step are edited more strongly. Cross-attention goes to the inner controller.
type SelfAttentionLerp struct {
	wrapper
}

// NewSelfAttentionLerp wraps inner with a SelfAttentionLerp modifier.
func NewSelfAttentionLerp(inner control.Controller) (*SelfAttentionLerp, error) {
	w, err := newWrapper(inner)
	if err != nil {
		return nil, err
	}
	return &SelfAttentionLerp{wrapper: w}, nil
}

// EditSelf implements control.Controller.
func (m *SelfAttentionLerp) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
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
	blended, err := tensor.Lerp(edited, source, m.Progress().Fraction())
	if err != nil {
		return nil, err
	}
	return tensor.Concatenate([]*tensor.Tensor{source, blended}, 0)
}

// EditCross implements control.Controller.
func (m *SelfAttentionLerp) EditCross(attn *tensor.Tensor, role attention.Role) (*tensor.Tensor, error) {
	return m.inner.EditCross(attn, role)
}

// SelfAttentionCutoff lets the inner controller edit self-attention only up to
// layer floor(threshold * NumLayers). Cross-attention is always delegated.
type SelfAttentionCutoff struct {
	wrapper
	threshold float32
}

// NewSelfAttentionCutoff wraps inner with a SelfAttentionCutoff modifier;
// threshold must be in [0, 1].
func NewSelfAttentionCutoff(inner control.Controller, threshold float32) (*SelfAttentionCutoff, error) {
	if err := checkUnit("threshold", threshold); err != nil {
		return nil, err
	}
	w, err := newWrapper(inner)
	if err != nil {
		return nil, err
	}
	return &SelfAttentionCutoff{wrapper: w, threshold: threshold}, nil
}

// EditSelf implements control.Controller.
func (m *SelfAttentionCutoff) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	if !belowCutoff(m.Progress(), m.threshold) {
		return attn.Clone(), nil
	}
	return m.inner.EditSelf(attn)
}

// EditCross implements control.Controller.
func (m *SelfAttentionCutoff) EditCross(attn *tensor.Tensor, role attention.Role) (*tensor.Tensor, error) {
	return m.inner.EditCross(attn, role)
}

// AttentionLerp blends the unedited weights with the inner controller's edit by
// Layer / NumLayers: the edit has no effect at layer 0 and approaches full
// effect at the last layer of a step.
type AttentionLerp struct {
	wrapper
}

// NewAttentionLerp wraps inner with an AttentionLerp modifier.
func NewAttentionLerp(inner control.Controller) (*AttentionLerp, error) {
	w, err := newWrapper(inner)
	if err != nil {
		return nil, err
	}
	return &AttentionLerp{wrapper: w}, nil
}

func (m *AttentionLerp) blend(attn, edited *tensor.Tensor) (*tensor.Tensor, error) {
	if edited == nil || !edited.ShapeEquals(attn) {
		return nil, errors.Wrapf(control.ErrShape, "inner edit returned shape %v, expected %v", shapeOf(edited), attn.Shape)
	}
	// attn + b*(edited-attn) leaves attn bit-for-bit unchanged when the inner edit is a no-op.
	diff, err := tensor.Sub(edited, attn)
	if err != nil {
		return nil, err
	}
	return tensor.Add(attn, diff.Scale(m.Progress().Fraction()))
}

// EditSelf implements control.Controller.
func (m *AttentionLerp) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	edited, err := m.inner.EditSelf(attn)
	if err != nil {
		return nil, err
	}
	return m.blend(attn, edited)
}

// EditCross implements control.Controller.
func (m *AttentionLerp) EditCross(attn *tensor.Tensor, role attention.Role) (*tensor.Tensor, error) {
	edited, err := m.inner.EditCross(attn, role)
	if err != nil {
		return nil, err
	}
	return m.blend(attn, edited)
}

// AttentionCutoff lets the inner controller edit both kinds of attention only up
// to layer floor(threshold * NumLayers).
type AttentionCutoff struct {
	wrapper
	threshold float32
}

// NewAttentionCutoff wraps inner with an AttentionCutoff modifier; threshold
// must be in [0, 1].
func NewAttentionCutoff(inner control.Controller, threshold float32) (*AttentionCutoff, error) {
	if err := checkUnit("threshold", threshold); err != nil {
		return nil, err
	}
	w, err := newWrapper(inner)
	if err != nil {
		return nil, err
	}
	return &AttentionCutoff{wrapper: w, threshold: threshold}, nil
}

// EditSelf implements control.Controller.
func (m *AttentionCutoff) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	if !belowCutoff(m.Progress(), m.threshold) {
		return attn.Clone(), nil
	}
	return m.inner.EditSelf(attn)
}

// EditCross implements control.Controller.
func (m *AttentionCutoff) EditCross(attn *tensor.Tensor, role attention.Role) (*tensor.Tensor, error) {
	if !belowCutoff(m.Progress(), m.threshold) {
		return attn.Clone(), nil
	}
	return m.inner.EditCross(attn, role)
}

// DecoderLayer lets the inner controller edit only at a fixed set of layer positions.
type DecoderLayer struct {
	wrapper
	layers map[int]struct{}
}

// NewDecoderLayer wraps inner with a DecoderLayer modifier firing at the given
// values of Progress.Layer.
func NewDecoderLayer(inner control.Controller, layers ...int) (*DecoderLayer, error) {
	if len(layers) == 0 {
		return nil, errors.Wrap(ErrInvalidParameter, "layer set is empty")
	}
	set := make(map[int]struct{}, len(layers))
	for _, l := range layers {
		if l < 0 {
			return nil, errors.Wrapf(ErrInvalidParameter, "negative layer index %d", l)
		}
		set[l] = struct{}{}
	}
	w, err := newWrapper(inner)
	if err != nil {
		return nil, err
	}
	return &DecoderLayer{wrapper: w, layers: set}, nil
}

func (m *DecoderLayer) active() bool {
	_, ok := m.layers[m.Progress().Layer]
	return ok
}

// EditSelf implements control.Controller.
func (m *DecoderLayer) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	if !m.active() {
		return attn.Clone(), nil
	}
	return m.inner.EditSelf(attn)
}

// EditCross implements control.Controller.
func (m *DecoderLayer) EditCross(attn *tensor.Tensor, role attention.Role) (*tensor.Tensor, error) {
	if !m.active() {
		return attn.Clone(), nil
	}
	return m.inner.EditCross(attn, role)
}
