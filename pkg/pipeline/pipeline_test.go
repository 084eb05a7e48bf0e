package pipeline

import (
	"math/rand"
	"sync"
	"testing"

	"attnedit/pkg/control"
	"attnedit/pkg/control/modifier"
	"attnedit/pkg/control/policy"
	"attnedit/pkg/control/store"
	"attnedit/pkg/model"
	"attnedit/pkg/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frameRate = 50

func newModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.New(model.Config{
		TextVocabSize: 512,
		CodebookSize:  16,
		DModel:        16,
		NumHeads:      2,
		EncoderLayers: 1,
		DecoderLayers: 2,
		FFDim:         32,
		MaxPositions:  64,
		FrameRate:     frameRate,
		SamplingRate:  800,
		Seed:          11,
	}, tokenizer.NewTokenizer())
	require.NoError(t, err)
	return m
}

// newPipeline generates 4 steps of greedy decoding over a fresh model.
func newPipeline(t *testing.T) *Pipeline {
	t.Helper()
	config := DefaultConfig()
	config.AudioLength = 0.08
	config.Sample = false
	p, err := New(newModel(t), config)
	require.NoError(t, err)
	require.Equal(t, 4, p.TokenBudget())
	return p
}

func TestTokenBudget(t *testing.T) {
	tests := []struct {
		duration, frameRate float64
		expected            int
	}{
		{10, 50, 512},
		{1, 50, 64},
		{0.08, 50, 4},
		{3, 32, 128},
		{30, 32, 1024},
		{0.01, 50, 0},
		{0, 50, 0},
		{-1, 50, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, TokenBudget(tt.duration, tt.frameRate), "%gs at %g frames/s", tt.duration, tt.frameRate)
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero length", func(c *Config) { c.AudioLength = 0 }},
		{"negative guidance", func(c *Config) { c.GuidanceScale = -1 }},
		{"zero temperature", func(c *Config) { c.Temperature = 0 }},
		{"negative top-k", func(c *Config) { c.TopK = -2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			require.Error(t, config.Validate())
			_, err := New(newModel(t), config)
			require.Error(t, err)
		})
	}

	greedy := DefaultConfig()
	greedy.Sample, greedy.Temperature = false, 0
	require.NoError(t, greedy.Validate())

	_, err := New(nil, DefaultConfig())
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	p := newPipeline(t)
	samples := 4 * 16

	audio, err := p.Run(nil, "drums", "piano")
	require.NoError(t, err)
	assert.Equal(t, []int{2, samples}, audio.Shape)

	single, err := p.Run(nil, "drums")
	require.NoError(t, err)
	assert.Equal(t, []int{samples}, single.Shape)

	// Without editing, the pipeline is the plain model with the configured seed.
	m := newModel(t)
	ids, err := m.Encode([]string{"drums", "piano"})
	require.NoError(t, err)
	plain, err := m.Generate(ids, model.GenerateOptions{
		MaxNewTokens:  4,
		GuidanceScale: p.Config.GuidanceScale,
		Rng:           rand.New(rand.NewSource(p.Config.Seed)),
	})
	require.NoError(t, err)
	assert.True(t, plain.Squeeze().Equals(audio, 0))
}

func TestRunSeeded(t *testing.T) {
	p := newPipeline(t)
	p.Config.Sample = true
	p.Config.Seed = 5

	first, err := p.Run(policy.NewEmpty(), "drums", "piano")
	require.NoError(t, err)
	second, err := p.Run(policy.NewEmpty(), "drums", "piano")
	require.NoError(t, err)
	assert.True(t, first.Equals(second, 0))
}

func TestRunProgress(t *testing.T) {
	p := newPipeline(t)
	var steps []int
	p.OnStep = func(step, total int) { steps = append(steps, step) }

	c := policy.NewEmpty()
	_, err := p.Run(c, "drums", "piano", "guitar")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, steps)

	progress := c.Progress()
	assert.Equal(t, 4, progress.NumLayers)
	assert.Equal(t, 3, progress.BatchSize)
	assert.Equal(t, 4, progress.MaxNewTokens)
	assert.Equal(t, 0, progress.Layer)
	assert.Equal(t, 4, progress.Step)
}

// Editing the edited samples leaves the source sample alone.
func TestRunEditKeepsSource(t *testing.T) {
	p := newPipeline(t)
	unedited, err := p.Run(nil, "drums", "piano")
	require.NoError(t, err)

	replace, err := policy.NewReplace(1)
	require.NoError(t, err)
	edited, err := p.Run(replace, "drums", "piano")
	require.NoError(t, err)

	source, err := unedited.Narrow(0, 0, 1)
	require.NoError(t, err)
	editedSource, err := edited.Narrow(0, 0, 1)
	require.NoError(t, err)
	assert.True(t, source.Equals(editedSource, 0))
}

func TestRunStore(t *testing.T) {
	p := newPipeline(t)
	s := store.New(true)
	_, err := p.Run(s, "drums", "piano")
	require.NoError(t, err)

	self, cross := s.Len()
	assert.Equal(t, 8, self)
	assert.Equal(t, 8, cross)

	selfAttn, err := s.SelfAttention()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 2, 2, 1}, selfAttn.Shape)

	rankings, err := s.SelfAttentionImportance()
	require.NoError(t, err)
	require.Len(t, rankings, 1)
	assert.ElementsMatch(t, []int{1, 3}, rankings[0].Layers)

	rankings, err = s.CrossAttentionImportance(0)
	require.NoError(t, err)
	require.Len(t, rankings, 1)
	assert.ElementsMatch(t, []int{2, 0}, rankings[0].Layers)
}

func TestRunStoreTwice(t *testing.T) {
	p := newPipeline(t)
	s := store.New(false)
	for range 2 {
		_, err := p.Run(s, "drums", "piano")
		require.NoError(t, err)
	}

	self, cross := s.Len()
	assert.Equal(t, 8, self)
	assert.Equal(t, 8, cross)

	selfAttn, err := s.SelfAttention()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 2, 2, 1}, selfAttn.Shape)
	rankings, err := s.SelfAttentionImportance()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 3}, rankings[0].Layers)
}

func TestRunOffset(t *testing.T) {
	p := newPipeline(t)
	s := store.New(false)
	offset, err := modifier.NewOffset(s, 0.5)
	require.NoError(t, err)

	_, err = p.Run(offset, "drums", "piano")
	require.NoError(t, err)

	// 16 attention calls, the ones from step 2 on are recorded: calls 8 to 16.
	self, cross := s.Len()
	assert.Equal(t, 4, self)
	assert.Equal(t, 5, cross)
	assert.Same(t, s.Progress(), offset.Progress())
}

func TestRunBusy(t *testing.T) {
	p := newPipeline(t)
	c := policy.NewEmpty()
	require.NoError(t, c.Progress().Acquire())
	_, err := p.Run(c, "drums", "piano")
	require.ErrorIs(t, err, control.ErrControllerBusy)
	c.Progress().Release()

	_, err = p.Run(c, "drums", "piano")
	require.NoError(t, err)
}

// Concurrent Runs with one controller: exactly the ones that find it free succeed.
func TestRunConcurrentController(t *testing.T) {
	p := newPipeline(t)
	c := policy.NewEmpty()
	require.NoError(t, c.Progress().Acquire())

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Run(c, "drums", "piano")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.ErrorIs(t, err, control.ErrControllerBusy)
	}
}

func TestRunErrors(t *testing.T) {
	p := newPipeline(t)
	_, err := p.Run(nil)
	require.Error(t, err)

	p.Config.AudioLength = 0.001
	_, err = p.Run(nil, "drums")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shorter than one frame")
	p.Config.AudioLength = 0.08

	// Word indices past the prompt length fail the first cross-attention call.
	ignore, err := policy.NewIgnoreWord([]int{40})
	require.NoError(t, err)
	_, err = p.Run(ignore, "drums", "piano")
	require.Error(t, err)

	// The controller is released after a failed Run.
	_, err = p.Run(ignore, "drums", "piano")
	require.Error(t, err)
	assert.NotErrorIs(t, err, control.ErrControllerBusy)
}
