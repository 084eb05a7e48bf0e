package control

import (
	"sync"
	"testing"

	"attnedit/pkg/model/attention"
	"attnedit/pkg/tensor"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder marks every edited entry with a per-kind value and remembers the
// progress seen at dispatch time.
type recorder struct {
	Base
	calls  []string
	layers []int
	steps  []int
	edit   func(attn *tensor.Tensor) (*tensor.Tensor, error)
}

func (r *recorder) record(kind string, attn *tensor.Tensor, fill float32) (*tensor.Tensor, error) {
	p := r.Progress()
	r.calls = append(r.calls, kind)
	r.layers = append(r.layers, p.Layer)
	r.steps = append(r.steps, p.Step)
	if r.edit != nil {
		return r.edit(attn)
	}
	return tensor.Full(attn.Shape, fill), nil
}

func (r *recorder) EditSelf(attn *tensor.Tensor) (*tensor.Tensor, error) {
	return r.record("self", attn, 1)
}

func (r *recorder) EditCross(attn *tensor.Tensor, _ attention.Role) (*tensor.Tensor, error) {
	return r.record("cross", attn, 2)
}

func started(t *testing.T, c Controller, batchSize, numLayers int) {
	t.Helper()
	p := c.Progress()
	require.NoError(t, p.Start(batchSize, 8))
	p.NumLayers = numLayers
}

func TestProgressAdvance(t *testing.T) {
	p := NewProgress()
	require.NoError(t, p.Start(2, 10))
	p.NumLayers = 3

	var layers []int
	for i := 0; i < 7; i++ {
		require.NoError(t, p.Advance())
		layers = append(layers, p.Layer)
	}
	assert.Equal(t, []int{1, 2, 0, 1, 2, 0, 1}, layers)
	assert.Equal(t, 2, p.Step)
	assert.InDelta(t, 1.0/3, p.Fraction(), 1e-6)

	p.Reset()
	assert.Equal(t, 0, p.Step)
	assert.Equal(t, -1, p.BatchSize)
	assert.Equal(t, float32(0), p.Fraction())
}

func TestProgressCheck(t *testing.T) {
	p := NewProgress()
	require.ErrorIs(t, p.Advance(), ErrNotReset)

	require.Error(t, p.Start(0, 10))
	require.Error(t, p.Start(1, -1))

	require.NoError(t, p.Start(1, 0))
	require.ErrorIs(t, p.Advance(), ErrNoAttentionLayers)

	p.NumLayers = 1
	require.NoError(t, p.Advance())
	assert.Equal(t, 1, p.Step)
}

func TestProgressAcquire(t *testing.T) {
	p := NewProgress()
	require.NoError(t, p.Acquire())
	require.ErrorIs(t, p.Acquire(), ErrControllerBusy)
	p.Release()
	require.NoError(t, p.Acquire())
	p.Release()

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Acquire() == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, acquired)
}

func TestBaseProgress(t *testing.T) {
	var b Base
	p := b.Progress()
	require.NotNil(t, p)
	assert.Same(t, p, b.Progress())
	assert.Equal(t, -1, p.MaxNewTokens)
}

func TestOnAttention(t *testing.T) {
	const batchSize, heads, tgtLen, srcLen = 2, 3, 1, 4
	c := &recorder{Base: NewBase()}
	started(t, c, batchSize, 2)

	weights := tensor.Full([]int{2 * batchSize * heads, tgtLen, srcLen}, 7)
	out, err := OnAttention(c, weights, true, attention.RoleCross)
	require.NoError(t, err)
	require.Equal(t, weights.Shape, out.Shape)

	half := batchSize * heads
	for i := 0; i < 2*half; i++ {
		want := float32(2)
		if i >= half {
			want = 7
		}
		assert.Equal(t, want, out.Get(i, 0, 0), "row %d", i)
	}
	assert.Equal(t, float32(7), weights.Get(0, 0, 0), "input is left untouched")

	_, err = OnAttention(c, weights, false, attention.RoleSelf)
	require.NoError(t, err)
	_, err = OnAttention(c, weights, true, attention.RoleCross)
	require.NoError(t, err)

	assert.Equal(t, []string{"cross", "self", "cross"}, c.calls)
	assert.Equal(t, []int{1, 0, 1}, c.layers)
	assert.Equal(t, []int{0, 1, 1}, c.steps)
}

func TestOnAttentionSourceLayout(t *testing.T) {
	const batchSize, heads = 2, 2
	var seen *tensor.Tensor
	c := &recorder{Base: NewBase(), edit: func(attn *tensor.Tensor) (*tensor.Tensor, error) {
		seen = attn.Clone()
		return attn.Clone(), nil
	}}
	started(t, c, batchSize, 1)

	weights := tensor.NewTensor([]int{2 * batchSize * heads, 1, 1})
	for i := range weights.Data {
		weights.Data[i] = float32(i)
	}
	out, err := OnAttention(c, weights, false, attention.RoleSelf)
	require.NoError(t, err)
	assert.True(t, weights.Equals(out, 0))

	require.Equal(t, []int{batchSize, heads, 1, 1}, seen.Shape)
	// Sample 0 holds the first heads rows of the conditional half.
	assert.Equal(t, float32(0), seen.Get(0, 0, 0, 0))
	assert.Equal(t, float32(1), seen.Get(0, 1, 0, 0))
	assert.Equal(t, float32(2), seen.Get(1, 0, 0, 0))
}

func TestOnAttentionErrors(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		edit    func(attn *tensor.Tensor) (*tensor.Tensor, error)
		wantErr error
	}{
		{name: "rank", shape: []int{4, 2}, wantErr: ErrShape},
		{name: "odd batch", shape: []int{5, 1, 2}, wantErr: ErrShape},
		{name: "half not divisible", shape: []int{6, 1, 2}, wantErr: ErrShape},
		{
			name:  "wrong edit shape",
			shape: []int{8, 1, 2},
			edit: func(*tensor.Tensor) (*tensor.Tensor, error) {
				return tensor.NewTensor([]int{1}), nil
			},
			wantErr: ErrShape,
		},
		{
			name:  "nil edit",
			shape: []int{8, 1, 2},
			edit: func(*tensor.Tensor) (*tensor.Tensor, error) {
				return nil, nil
			},
			wantErr: ErrShape,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &recorder{Base: NewBase(), edit: tc.edit}
			started(t, c, 2, 1)
			_, err := OnAttention(c, tensor.NewTensor(tc.shape), false, attention.RoleSelf)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}

	t.Run("not reset", func(t *testing.T) {
		c := &recorder{Base: NewBase()}
		_, err := OnAttention(c, tensor.NewTensor([]int{2, 1, 1}), false, attention.RoleSelf)
		require.ErrorIs(t, err, ErrNotReset)
		assert.Empty(t, c.calls)
	})

	t.Run("edit error", func(t *testing.T) {
		boom := errors.New("boom")
		c := &recorder{Base: NewBase(), edit: func(*tensor.Tensor) (*tensor.Tensor, error) { return nil, boom }}
		started(t, c, 1, 2)
		_, err := OnAttention(c, tensor.NewTensor([]int{2, 1, 1}), false, attention.RoleSelf)
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "step 0 layer 1")
	})

	t.Run("edit panic", func(t *testing.T) {
		c := &recorder{Base: NewBase(), edit: func(*tensor.Tensor) (*tensor.Tensor, error) {
			exceptions.Panicf("index out of bounds")
			return nil, nil
		}}
		started(t, c, 1, 1)
		_, err := OnAttention(c, tensor.NewTensor([]int{2, 1, 1}), false, attention.RoleSelf)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "index out of bounds")
	})
}

func TestHook(t *testing.T) {
	c := &recorder{Base: NewBase()}
	started(t, c, 1, 1)
	hook := Hook(c)
	out, err := hook(tensor.NewTensor([]int{2, 1, 3}), true, attention.RoleCross)
	require.NoError(t, err)
	assert.Equal(t, float32(2), out.Get(0, 0, 2))
	assert.Equal(t, float32(0), out.Get(1, 0, 2))
	assert.Equal(t, []string{"cross"}, c.calls)
}
