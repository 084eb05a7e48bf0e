// Package store implements an attention-recording controller and ranks the
// decoder layers by how much attention they pay.
//
// A Store edits nothing: every conditional attention tensor it is handed is
// recorded and returned unchanged. Records are kept in call order, so that after
// a generation of MaxNewTokens steps they can be viewed per step and per layer.
package store

import (
	"attnedit/pkg/control"
	"attnedit/pkg/model/attention"
	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

const (
	kindSelf  = "self"
	kindCross = "cross"
)

var (
	// ErrNoRecords is returned when nothing was recorded for the requested kind.
	ErrNoRecords = errors.New("no attention recorded")

	// ErrIncomplete is returned when the records don't split evenly over the generation steps.
	ErrIncomplete = errors.New("attention records don't cover whole steps")
)

// record is one conditional attention tensor, optionally kept as float16.
type record struct {
	shape []int
	full  []float32
	half  []float16.Float16
}

func (r record) tensor() *tensor.Tensor {
	t := tensor.NewTensor(r.shape)
	if r.half == nil {
		copy(t.Data, r.full)
		return t
	}
	for i, v := range r.half {
		t.Data[i] = v.Float32()
	}
	return t
}

func (r record) sizeBytes() int {
	return 4*len(r.full) + 2*len(r.half)
}

// Store records conditional attention weights, keyed by kind.
type Store struct {
	control.Base

	// Compact keeps records as float16, halving their memory.
	Compact bool

	records map[string][]record
}

var _ control.Controller = (*Store)(nil)

// New returns an empty Store. Its records are cleared every time its Progress
// is started, so a Store only ever holds the latest generation.
func New(compact bool) *Store {
	s := &Store{Base: control.NewBase(), Compact: compact, records: map[string][]record{}}
	s.Progress().OnStart(s.Clear)
	return s
}

func (s *Store) add(kind string, attn *tensor.Tensor) {
	if s.records == nil {
		s.records = map[string][]record{}
	}
	r := record{shape: append([]int(nil), attn.Shape...)}
	if s.Compact {
		r.half = make([]float16.Float16, len(attn.Data))
		for i, v := range attn.Data {
			r.half[i] = float16.Fromfloat32(v)
		}
	} else {
		r.full = append([]float32(nil), attn.Data...)
	}
	s.records[kind] = append(s.records[kind], r)
}

// EditSelf implements control.Controller. It records attn and returns a copy.
func (s *Store) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	s.add(kindSelf, attn)
	return attn.Clone(), nil
}

// EditCross implements control.Controller. It records attn and returns a copy.
func (s *Store) EditCross(attn *tensor.Tensor, _ attention.Role) (*tensor.Tensor, error) {
	s.add(kindCross, attn)
	return attn.Clone(), nil
}

// Clear drops every record.
func (s *Store) Clear() {
	s.records = map[string][]record{}
}

// Len returns the number of self and cross-attention records.
func (s *Store) Len() (self, cross int) {
	return len(s.records[kindSelf]), len(s.records[kindCross])
}

// SizeBytes returns the memory held by the records.
func (s *Store) SizeBytes() int {
	total := 0
	for _, rs := range s.records {
		for _, r := range rs {
			total += r.sizeBytes()
		}
	}
	return total
}

// byStep views stacked records (n, ...) as (steps, n/steps, ...).
func (s *Store) byStep(stacked *tensor.Tensor) (*tensor.Tensor, error) {
	steps := s.Progress().MaxNewTokens
	n := stacked.Shape[0]
	if steps <= 0 || n%steps != 0 {
		return nil, errors.Wrapf(ErrIncomplete, "%d records over %d steps", n, steps)
	}
	return stacked.View(append([]int{steps, n / steps}, stacked.Shape[1:]...))
}

func (s *Store) stack(kind string, fn func(*tensor.Tensor) (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	rs := s.records[kind]
	if len(rs) == 0 {
		return nil, errors.Wrapf(ErrNoRecords, "%s-attention", kind)
	}
	tensors := make([]*tensor.Tensor, len(rs))
	for i, r := range rs {
		t := r.tensor()
		if fn != nil {
			var err error
			if t, err = fn(t); err != nil {
				return nil, err
			}
		}
		tensors[i] = t
	}
	stacked, err := tensor.Stack(tensors)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s-attention records", kind)
	}
	return stacked, nil
}

// SelfAttention returns the self-attention records averaged over the source
// axis, shaped (steps, self layers, batch, heads, tgt).
func (s *Store) SelfAttention() (*tensor.Tensor, error) {
	// Self-attention keys grow with every step; the source axis is reduced first.
	stacked, err := s.stack(kindSelf, func(t *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.MeanAxis(t, -1, false)
	})
	if err != nil {
		return nil, err
	}
	return s.byStep(stacked)
}

// CrossAttention returns the cross-attention records shaped
// (steps, cross layers, batch, heads, tgt, src).
func (s *Store) CrossAttention() (*tensor.Tensor, error) {
	stacked, err := s.stack(kindCross, nil)
	if err != nil {
		return nil, err
	}
	return s.byStep(stacked)
}

// AggregateCrossAttention returns the mean of every cross-attention record,
// shaped (batch, heads, tgt, src).
func (s *Store) AggregateCrossAttention() (*tensor.Tensor, error) {
	stacked, err := s.stack(kindCross, nil)
	if err != nil {
		return nil, err
	}
	return tensor.MeanAxis(stacked, 0, false)
}

// Ranking orders the layers of one edited sample by decreasing attention.
type Ranking struct {
	// Layers holds controller layer positions (Progress.Layer values), most attended first.
	Layers []int

	// Scores holds the min-max normalised mean attention of each entry of Layers.
	Scores []float64
}

// SelfAttentionImportance ranks the self-attention layers for every edited sample.
// Self-attention is the first call of each decoder layer, so the i-th self-attention
// layer is controller layer 2i+1.
func (s *Store) SelfAttentionImportance() ([]Ranking, error) {
	attn, err := s.SelfAttention()
	if err != nil {
		return nil, err
	}
	return rank(attn, func(i int) int { return 2*i + 1 })
}

// CrossAttentionImportance ranks the cross-attention layers for every edited
// sample by their attention to the token at wordPiece. The i-th cross-attention
// layer is controller layer 2(i+1), except the last one: Progress.Layer wraps to 0
// on the last call of a step, so it is reported as layer 0.
func (s *Store) CrossAttentionImportance(wordPiece int) ([]Ranking, error) {
	attn, err := s.CrossAttention()
	if err != nil {
		return nil, err
	}
	if srcLen := attn.Dim(-1); wordPiece < 0 || wordPiece >= srcLen {
		return nil, errors.Errorf("word piece %d out of range for source length %d", wordPiece, srcLen)
	}
	column, err := attn.Select(5, wordPiece)
	if err != nil {
		return nil, err
	}
	numLayers := s.Progress().NumLayers
	return rank(column, func(i int) int {
		position := 2 * (i + 1)
		if numLayers > 0 {
			position %= numLayers
		}
		return position
	})
}

// rank takes attention shaped (steps, layers, batch, heads, tgt), averages it over
// steps, heads and tgt, and sorts the layers of every edited sample.
func rank(attn *tensor.Tensor, position func(int) int) ([]Ranking, error) {
	if attn.Rank() != 5 {
		return nil, errors.Wrapf(control.ErrShape, "expected (steps, layers, batch, heads, tgt) attention, got %v", attn.Shape)
	}
	steps, layers, batch, heads, tgtLen := attn.Shape[0], attn.Shape[1], attn.Shape[2], attn.Shape[3], attn.Shape[4]
	if batch < 2 {
		return nil, errors.Errorf("no edited samples in a batch of %d", batch)
	}

	count := float64(steps * heads * tgtLen)
	rankings := make([]Ranking, 0, batch-1)
	for b := 1; b < batch; b++ {
		scores := make([]float64, layers)
		for l := range scores {
			var sum float64
			for st := 0; st < steps; st++ {
				for h := 0; h < heads; h++ {
					for t := 0; t < tgtLen; t++ {
						sum += float64(attn.Get(st, l, b, h, t))
					}
				}
			}
			scores[l] = sum / count
		}
		normalize(scores)

		// ArgsortStable sorts ascending; negating gives the descending order with
		// ties kept in layer order.
		keys := make([]float64, layers)
		floats.ScaleTo(keys, -1, scores)
		order := make([]int, layers)
		floats.ArgsortStable(keys, order)

		r := Ranking{Layers: make([]int, layers), Scores: make([]float64, layers)}
		for i, l := range order {
			r.Layers[i] = position(l)
			r.Scores[i] = scores[l]
		}
		rankings = append(rankings, r)
	}
	return rankings, nil
}

// normalize min-max scales scores to [0, 1]. Constant scores become 0.
func normalize(scores []float64) {
	lo, hi := floats.Min(scores), floats.Max(scores)
	if hi == lo {
		for i := range scores {
			scores[i] = 0
		}
		return
	}
	for i, v := range scores {
		scores[i] = (v - lo) / (hi - lo)
	}
}
