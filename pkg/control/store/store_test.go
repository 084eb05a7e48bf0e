package store

import (
	"testing"

	"attnedit/pkg/model/attention"
	"attnedit/pkg/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	batch = 3
	heads = 2
	steps = 2
)

// uniform returns (batch, heads, 1, srcLen) weights where sample b holds values[b]
// everywhere, except column col which holds colValues[b] when colValues is set.
func uniform(values []float32, srcLen, col int, colValues []float32) *tensor.Tensor {
	attn := tensor.NewTensor([]int{batch, heads, 1, srcLen})
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for s := 0; s < srcLen; s++ {
				v := values[b]
				if colValues != nil && s == col {
					v = colValues[b]
				}
				attn.Set(v, b, h, 0, s)
			}
		}
	}
	return attn
}

// fill records two steps of a two-layer decoder.
func fill(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.Progress().Start(batch, steps))
	s.Progress().NumLayers = 4

	selfValues := [][]float32{
		{0.5, 0.1, 0.8}, // layer 0
		{0.5, 0.9, 0.2}, // layer 1
	}
	crossColumn := [][]float32{
		{0.3, 0.7, 0.1},
		{0.3, 0.2, 0.6},
	}
	for step := 0; step < steps; step++ {
		for layer := 0; layer < 2; layer++ {
			attn := uniform(selfValues[layer], step+1, 0, nil)
			out, err := s.EditSelf(attn)
			require.NoError(t, err)
			require.True(t, attn.Equals(out, 0))

			attn = uniform([]float32{0.1, 0.1, 0.1}, 3, 2, crossColumn[layer])
			out, err = s.EditCross(attn, attention.RoleCross)
			require.NoError(t, err)
			require.True(t, attn.Equals(out, 0))
		}
	}
}

func TestRecords(t *testing.T) {
	s := New(false)
	fill(t, s)
	self, cross := s.Len()
	assert.Equal(t, 4, self)
	assert.Equal(t, 4, cross)

	selfAttn, err := s.SelfAttention()
	require.NoError(t, err)
	assert.Equal(t, []int{steps, 2, batch, heads, 1}, selfAttn.Shape)
	assert.InDelta(t, 0.9, selfAttn.Get(1, 1, 1, 0, 0), 1e-6)

	crossAttn, err := s.CrossAttention()
	require.NoError(t, err)
	assert.Equal(t, []int{steps, 2, batch, heads, 1, 3}, crossAttn.Shape)
	assert.InDelta(t, 0.6, crossAttn.Get(0, 1, 2, 1, 0, 2), 1e-6)

	aggregate, err := s.AggregateCrossAttention()
	require.NoError(t, err)
	assert.Equal(t, []int{batch, heads, 1, 3}, aggregate.Shape)
	// Sample 1, column 2: mean of 0.7 and 0.2 over two steps.
	assert.InDelta(t, 0.45, aggregate.Get(1, 0, 0, 2), 1e-6)
	assert.InDelta(t, 0.1, aggregate.Get(1, 0, 0, 0), 1e-6)

	s.Clear()
	_, err = s.CrossAttention()
	require.ErrorIs(t, err, ErrNoRecords)
	assert.Equal(t, 0, s.SizeBytes())
}

func TestImportance(t *testing.T) {
	for _, compact := range []bool{false, true} {
		s := New(compact)
		fill(t, s)

		rankings, err := s.SelfAttentionImportance()
		require.NoError(t, err)
		require.Len(t, rankings, batch-1)
		assert.Equal(t, []int{3, 1}, rankings[0].Layers)
		assert.Equal(t, []float64{1, 0}, rankings[0].Scores)
		assert.Equal(t, []int{1, 3}, rankings[1].Layers)

		rankings, err = s.CrossAttentionImportance(2)
		require.NoError(t, err)
		require.Len(t, rankings, batch-1)
		// The last cross-attention of a step runs at Progress.Layer 0.
		assert.Equal(t, []int{2, 0}, rankings[0].Layers)
		assert.Equal(t, []int{0, 2}, rankings[1].Layers)

		_, err = s.CrossAttentionImportance(3)
		require.Error(t, err)
	}
}

func TestRestartClearsRecords(t *testing.T) {
	s := New(false)
	fill(t, s)
	fill(t, s)
	self, cross := s.Len()
	assert.Equal(t, 4, self)
	assert.Equal(t, 4, cross)

	selfAttn, err := s.SelfAttention()
	require.NoError(t, err)
	assert.Equal(t, []int{steps, 2, batch, heads, 1}, selfAttn.Shape)
	rankings, err := s.SelfAttentionImportance()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, rankings[0].Layers)
}

func TestImportanceTies(t *testing.T) {
	s := New(false)
	require.NoError(t, s.Progress().Start(batch, 1))
	for layer := 0; layer < 3; layer++ {
		_, err := s.EditSelf(uniform([]float32{0.2, 0.2, 0.2}, 1, 0, nil))
		require.NoError(t, err)
	}
	rankings, err := s.SelfAttentionImportance()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, rankings[0].Layers)
	assert.Equal(t, []float64{0, 0, 0}, rankings[0].Scores)
}

func TestCompact(t *testing.T) {
	full, compact := New(false), New(true)
	fill(t, full)
	fill(t, compact)
	assert.Equal(t, full.SizeBytes(), 2*compact.SizeBytes())

	a, err := full.CrossAttention()
	require.NoError(t, err)
	b, err := compact.CrossAttention()
	require.NoError(t, err)
	assert.True(t, a.Equals(b, 1e-3))
}

func TestIncomplete(t *testing.T) {
	s := New(false)
	require.NoError(t, s.Progress().Start(batch, 2))
	for i := 0; i < 3; i++ {
		_, err := s.EditCross(uniform([]float32{0.1, 0.2, 0.3}, 2, 0, nil), attention.RoleCross)
		require.NoError(t, err)
	}
	_, err := s.CrossAttention()
	require.ErrorIs(t, err, ErrIncomplete)
	_, err = s.SelfAttention()
	require.ErrorIs(t, err, ErrNoRecords)
}
