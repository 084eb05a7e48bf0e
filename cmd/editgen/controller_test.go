package main

import (
	"testing"

	"attnedit/pkg/align"
	"attnedit/pkg/control/modifier"
	"attnedit/pkg/control/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordEncoder gives every distinct word its own token, in order of appearance.
type wordEncoder struct {
	words []string
}

func (e *wordEncoder) id(word string) int {
	for i, w := range e.words {
		if w == word {
			return i
		}
	}
	e.words = append(e.words, word)
	return len(e.words) - 1
}

func (e *wordEncoder) Encode(prompts []string) ([][]int, error) {
	pad := e.id("<pad>")
	rows := make([][]int, len(prompts))
	maxLen := 0
	for i, p := range prompts {
		for _, word := range splitWords(p) {
			rows[i] = append(rows[i], e.id(word))
		}
		maxLen = max(maxLen, len(rows[i]))
	}
	for i := range rows {
		for len(rows[i]) < maxLen {
			rows[i] = append(rows[i], pad)
		}
	}
	return rows, nil
}

func (e *wordEncoder) Decode(id int) string {
	return e.words[id]
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s + " " {
		if r == ' ' {
			if start >= 0 {
				words = append(words, s[start:i])
			}
			start = -1
		} else if start < 0 {
			start = i
		}
	}
	return words
}

func defaultOptions(name string) editOptions {
	return editOptions{Policy: name, Blend: 1, Weight: 1, SelfCutoff: -1, Cutoff: -1, Offset: -1}
}

func TestNewPolicy(t *testing.T) {
	prompts := []string{"a red cat", "a blue cat"}
	tests := []struct {
		name   string
		modify func(*editOptions)
		check  func(t *testing.T, setup *editSetup)
	}{
		{"empty", nil, func(t *testing.T, s *editSetup) { assert.IsType(t, &policy.Empty{}, s.Controller) }},
		{"random", nil, func(t *testing.T, s *editSetup) { assert.IsType(t, &policy.Random{}, s.Controller) }},
		{"replace", nil, func(t *testing.T, s *editSetup) { assert.IsType(t, &policy.Replace{}, s.Controller) }},
		{"refine", nil, func(t *testing.T, s *editSetup) { assert.IsType(t, &policy.Refine{}, s.Controller) }},
		{"replace_word", func(o *editOptions) { o.WordA, o.WordB = "red", "blue" }, func(t *testing.T, s *editSetup) {
			assert.IsType(t, &policy.ReplaceWord{}, s.Controller)
		}},
		{"reweight", func(o *editOptions) { o.WordA, o.Weight = "red", 2 }, func(t *testing.T, s *editSetup) {
			assert.IsType(t, &policy.ReweightWord{}, s.Controller)
		}},
		{"store", func(o *editOptions) { o.Compact = true }, func(t *testing.T, s *editSetup) {
			require.NotNil(t, s.Store)
			assert.True(t, s.Store.Compact)
			assert.Same(t, s.Store, s.Controller)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions(tt.name)
			if tt.modify != nil {
				tt.modify(&opts)
			}
			setup, err := buildController(&wordEncoder{}, prompts, opts)
			require.NoError(t, err)
			assert.Equal(t, prompts, setup.Prompts)
			tt.check(t, setup)
			if tt.name != policyStore {
				assert.Nil(t, setup.Store)
			}
		})
	}
}

func TestIgnorePolicyRewritesPrompts(t *testing.T) {
	setup, err := buildController(&wordEncoder{}, []string{"a red cat", "a <IGNORE> cat"}, defaultOptions(policyIgnore))
	require.NoError(t, err)
	assert.IsType(t, &policy.IgnoreWord{}, setup.Controller)
	assert.Equal(t, []string{"a red cat", "a red cat"}, setup.Prompts)
}

func TestNewPolicyErrors(t *testing.T) {
	tests := []struct {
		name    string
		prompts []string
		opts    editOptions
		target  error
	}{
		{"unknown", []string{"a"}, defaultOptions("bogus"), nil},
		{"pair needed", []string{"a red cat"}, defaultOptions(policyRefine), nil},
		{"word counts", []string{"a red cat", "a cat"}, editOptions{Policy: policyReplaceWord, WordA: "red", WordB: "cat"}, align.ErrWordCount},
		{"missing word", []string{"a red cat", "a blue cat"}, editOptions{Policy: policyReweight, WordA: "dog"}, align.ErrWordNotFound},
		{"no marker", []string{"a red cat", "a blue cat"}, defaultOptions(policyIgnore), align.ErrNoIgnoreMarker},
		{"no shared tokens", []string{"red", "blue"}, defaultOptions(policyRefine), align.ErrNoSharedTokens},
		{"bad blend", []string{"a", "b"}, editOptions{Policy: policyReplace, Blend: 2}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newPolicy(&wordEncoder{}, tt.prompts, tt.opts)
			require.Error(t, err)
			if tt.target != nil {
				require.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestModifierChain(t *testing.T) {
	opts := defaultOptions(policyReplace)
	opts.Heads = "0, 1"
	opts.SelfLerp = true
	opts.SelfCutoff = 0.5
	opts.Lerp = true
	opts.Cutoff = 0.75
	opts.Layers = "1,3"
	opts.Offset = 0.25

	setup, err := buildController(&wordEncoder{}, []string{"a", "b"}, opts)
	require.NoError(t, err)

	offset, ok := setup.Controller.(*modifier.Offset)
	require.True(t, ok, "offset is outermost")
	layers, ok := offset.Inner().(*modifier.DecoderLayer)
	require.True(t, ok)
	cutoff, ok := layers.Inner().(*modifier.AttentionCutoff)
	require.True(t, ok)
	lerp, ok := cutoff.Inner().(*modifier.AttentionLerp)
	require.True(t, ok)
	selfCutoff, ok := lerp.Inner().(*modifier.SelfAttentionCutoff)
	require.True(t, ok)
	selfLerp, ok := selfCutoff.Inner().(*modifier.SelfAttentionLerp)
	require.True(t, ok)
	heads, ok := selfLerp.Inner().(*modifier.AttentionHead)
	require.True(t, ok)
	_, ok = heads.Inner().(*policy.Replace)
	require.True(t, ok, "policy is innermost")

	assert.Same(t, heads.Inner().Progress(), setup.Controller.Progress())
}

func TestModifierErrors(t *testing.T) {
	for name, modify := range map[string]func(*editOptions){
		"bad heads":  func(o *editOptions) { o.Heads = "0,x" },
		"neg head":   func(o *editOptions) { o.Heads = "-1" },
		"bad layers": func(o *editOptions) { o.Layers = "one" },
		"cutoff":     func(o *editOptions) { o.Cutoff = 1.5 },
		"offset":     func(o *editOptions) { o.Offset = 2 },
	} {
		t.Run(name, func(t *testing.T) {
			opts := defaultOptions(policyEmpty)
			modify(&opts)
			_, err := buildController(&wordEncoder{}, []string{"a", "b"}, opts)
			require.Error(t, err)
		})
	}
}

func TestParseInts(t *testing.T) {
	values, err := parseInts("1, 3,,5 ")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, values)

	values, err = parseInts("")
	require.NoError(t, err)
	assert.Empty(t, values)

	_, err = parseInts("1,a")
	require.Error(t, err)
}
