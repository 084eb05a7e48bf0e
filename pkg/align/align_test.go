package align

import (
	"strings"
	"testing"

	"attnedit/pkg/tokenizer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordPieceEncoder splits prompts on whitespace, breaks the words listed in pieces
// into sub-words, appends "</s>" and pads rows with "<pad>".
type wordPieceEncoder struct {
	pieces map[string][]string
	vocab  []string
	ids    map[string]int
}

func newWordPieceEncoder(pieces map[string][]string) *wordPieceEncoder {
	enc := &wordPieceEncoder{pieces: pieces, ids: map[string]int{}}
	enc.id("<pad>")
	enc.id("</s>")
	return enc
}

func (e *wordPieceEncoder) id(token string) int {
	if id, ok := e.ids[token]; ok {
		return id
	}
	e.ids[token] = len(e.vocab)
	e.vocab = append(e.vocab, token)
	return e.ids[token]
}

func (e *wordPieceEncoder) Encode(prompts []string) ([][]int, error) {
	rows := make([][]int, len(prompts))
	maxLen := 0
	for i, prompt := range prompts {
		for _, word := range strings.Fields(prompt) {
			pieces, ok := e.pieces[word]
			if !ok {
				pieces = []string{word}
			}
			for _, p := range pieces {
				rows[i] = append(rows[i], e.id(p))
			}
		}
		rows[i] = append(rows[i], e.id("</s>"))
		maxLen = max(maxLen, len(rows[i]))
	}
	for i := range rows {
		for len(rows[i]) < maxLen {
			rows[i] = append(rows[i], e.id("<pad>"))
		}
	}
	return rows, nil
}

func (e *wordPieceEncoder) Decode(id int) string {
	return e.vocab[id]
}

type failingEncoder struct{}

func (failingEncoder) Encode([]string) ([][]int, error) { return nil, errors.New("boom") }
func (failingEncoder) Decode(int) string                { return "" }

func TestTokens(t *testing.T) {
	enc := newWordPieceEncoder(map[string][]string{"bluegrass": {"blue", "grass"}})
	tokens, err := Tokens(enc, []string{"a bluegrass tune", "a tune"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"a", "blue", "grass", "tune", "</s>"},
		{"a", "tune", "</s>", "<pad>", "<pad>"},
	}, tokens)

	_, err = Tokens(failingEncoder{}, []string{"a"})
	require.Error(t, err)
}

func TestReplacementIndices(t *testing.T) {
	enc := newWordPieceEncoder(map[string][]string{
		"bluegrass": {"blue", "grass"},
		"reddish":   {"red", "d", "ish"},
	})
	tests := []struct {
		name         string
		prompts      [2]string
		wordA, wordB string
		want         IndexPair
		wantErr      error
	}{
		{
			name:    "single token words",
			prompts: [2]string{"a red cat", "a blue cat"},
			wordA:   "red", wordB: "blue",
			want: IndexPair{Source: []int{1}, Target: []int{1}},
		},
		{
			name:    "multi token word",
			prompts: [2]string{"a jazz tune", "a bluegrass tune"},
			wordA:   "jazz", wordB: "bluegrass",
			want: IndexPair{Source: []int{1}, Target: []int{1, 2}},
		},
		{
			name:    "greedy prefix",
			prompts: [2]string{"reddish noise", "bluegrass noise"},
			wordA:   "reddish", wordB: "bluegrass",
			want: IndexPair{Source: []int{0, 1, 2}, Target: []int{0, 1}},
		},
		{
			name:    "different word counts",
			prompts: [2]string{"a red cat", "a cat"},
			wordA:   "red", wordB: "cat",
			wantErr: ErrWordCount,
		},
		{
			name:    "missing word",
			prompts: [2]string{"a red cat", "a blue cat"},
			wordA:   "red", wordB: "green",
			wantErr: ErrWordNotFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReplacementIndices(enc, tc.prompts, tc.wordA, tc.wordB)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestReweightIndices(t *testing.T) {
	enc := newWordPieceEncoder(map[string][]string{"bluegrass": {"blue", "grass"}})
	got, err := ReweightIndices(enc, [2]string{"slow bluegrass tune", "slow bluegrass tune"}, "bluegrass")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
}

func TestRefineIndices(t *testing.T) {
	enc := newWordPieceEncoder(nil)
	got, err := RefineIndices(enc, [2]string{"a cat sat", "a cat ran"})
	require.NoError(t, err)
	assert.Equal(t, IndexPair{Source: []int{0, 1}, Target: []int{0, 1}}, got)

	// Shared words at different positions, special tokens and padding skipped.
	got, err = RefineIndices(enc, [2]string{"drums", "loud punchy drums"})
	require.NoError(t, err)
	assert.Equal(t, IndexPair{Source: []int{0}, Target: []int{2}}, got)

	_, err = RefineIndices(enc, [2]string{"jazz", "metal"})
	require.ErrorIs(t, err, ErrNoSharedTokens)
}

func TestIgnoreIndices(t *testing.T) {
	enc := newWordPieceEncoder(map[string][]string{"bluegrass": {"blue", "grass"}})

	prompts, indices, err := IgnoreIndices(enc, [2]string{"a bluegrass tune", "a <IGNORE> tune"})
	require.NoError(t, err)
	assert.Equal(t, [2]string{"a bluegrass tune", "a bluegrass tune"}, prompts)
	assert.Equal(t, []int{1, 2}, indices)

	_, _, err = IgnoreIndices(enc, [2]string{"a bluegrass tune", "a folk tune"})
	require.ErrorIs(t, err, ErrNoIgnoreMarker)

	_, _, err = IgnoreIndices(enc, [2]string{"a bluegrass tune", "<IGNORE> tune"})
	require.ErrorIs(t, err, ErrWordCount)
}

// bpeEncoder adapts the BPE tokenizer to Encoder.
type bpeEncoder struct {
	tok *tokenizer.Tokenizer
}

func (e bpeEncoder) Encode(prompts []string) ([][]int, error) {
	batch, err := e.tok.EncodeBatch(prompts)
	if err != nil {
		return nil, err
	}
	return batch.IDs, nil
}

func (e bpeEncoder) Decode(id int) string {
	return e.tok.DecodeToken(id)
}

func TestWithBPETokenizer(t *testing.T) {
	tok := tokenizer.NewTokenizer()
	require.NoError(t, tok.Train([]string{
		"a red cat", "a blue cat", "a red dog", "a blue dog", "a cat sat", "a cat ran", "a dog sat", "a dog ran",
	}, 400))
	enc := bpeEncoder{tok: tok}

	pair, err := ReplacementIndices(enc, [2]string{"a red cat", "a blue cat"}, "red", "blue")
	require.NoError(t, err)
	assert.Equal(t, IndexPair{Source: []int{1}, Target: []int{1}}, pair)

	pair, err = RefineIndices(enc, [2]string{"a cat sat", "a cat ran"})
	require.NoError(t, err)
	assert.Equal(t, IndexPair{Source: []int{0, 1}, Target: []int{0, 1}}, pair)
}
