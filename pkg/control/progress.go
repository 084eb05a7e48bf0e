package control

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// Progress is the generation progress shared by a controller and every modifier
// wrapping it. There is exactly one per controller chain; modifiers hand out the
// pointer of the controller they wrap.
type Progress struct {
	// Layer is the position of the current attention call within a step,
	// in [0, NumLayers). It is advanced before the call is dispatched.
	Layer int

	// Step is the number of completed decoding steps.
	Step int

	// NumLayers is the number of instrumented attention calls per step.
	NumLayers int

	// BatchSize is the number of conditional samples (source + edited); -1 until set.
	BatchSize int

	// MaxNewTokens is the number of decoding steps of the generation; -1 until set.
	MaxNewTokens int

	busy    atomic.Bool
	onStart []func()
}

// NewProgress returns a reset Progress.
func NewProgress() *Progress {
	p := &Progress{}
	p.Reset()
	return p
}

// Reset zeroes the counters and unsets the batch size and token budget.
func (p *Progress) Reset() {
	p.Layer = 0
	p.Step = 0
	p.NumLayers = 0
	p.BatchSize = -1
	p.MaxNewTokens = -1
}

// Start prepares for a generation of maxNewTokens steps over batchSize conditional samples.
func (p *Progress) Start(batchSize, maxNewTokens int) error {
	if batchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if maxNewTokens < 0 {
		return errors.Errorf("max new tokens must be non-negative, got %d", maxNewTokens)
	}
	p.Reset()
	p.BatchSize = batchSize
	p.MaxNewTokens = maxNewTokens
	for _, fn := range p.onStart {
		fn()
	}
	return nil
}

// OnStart registers fn to run at every Start, after the counters are reset.
// Controllers keeping per-generation state use it to drop the previous run's.
func (p *Progress) OnStart(fn func()) {
	p.onStart = append(p.onStart, fn)
}

// Check returns an error if attention calls can't be dispatched yet.
func (p *Progress) Check() error {
	if p.BatchSize <= 0 || p.MaxNewTokens < 0 {
		return errors.Wrapf(ErrNotReset, "batch size %d, max new tokens %d", p.BatchSize, p.MaxNewTokens)
	}
	if p.NumLayers <= 0 {
		return ErrNoAttentionLayers
	}
	return nil
}

// Advance moves to the next attention call, wrapping Layer to 0 and
// incrementing Step after the last call of a step.
func (p *Progress) Advance() error {
	if err := p.Check(); err != nil {
		return err
	}
	p.Layer++
	if p.Layer == p.NumLayers {
		p.Layer = 0
		p.Step++
	}
	return nil
}

// Fraction returns Layer / NumLayers, or 0 when no layers are registered.
func (p *Progress) Fraction() float32 {
	if p.NumLayers <= 0 {
		return 0
	}
	return float32(p.Layer) / float32(p.NumLayers)
}

// Acquire marks a generation as in flight. It fails with ErrControllerBusy if
// one already is.
func (p *Progress) Acquire() error {
	if !p.busy.CompareAndSwap(false, true) {
		return ErrControllerBusy
	}
	return nil
}

// Release ends the generation started by Acquire.
func (p *Progress) Release() {
	p.busy.Store(false)
}
