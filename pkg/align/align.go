// Package align maps words of a prompt to the positions of the sub-word tokens that
// encode them, producing the index sets the editing policies operate on.
package align

import (
	"strings"

	"github.com/pkg/errors"
)

// IgnoreMarker stands in the edited prompt for the word whose attention is dropped.
const IgnoreMarker = "<IGNORE>"

var (
	// ErrWordCount is returned when two prompts don't have the same number of words.
	ErrWordCount = errors.New("prompts have different word counts")

	// ErrNoIgnoreMarker is returned when the edited prompt has no IgnoreMarker.
	ErrNoIgnoreMarker = errors.New("edited prompt has no " + IgnoreMarker + " marker")

	// ErrWordNotFound is returned when a word matches no token of its prompt.
	ErrWordNotFound = errors.New("word not found in prompt tokens")

	// ErrNoSharedTokens is returned when two prompts share no token.
	ErrNoSharedTokens = errors.New("prompts share no tokens")
)

// Encoder turns prompts into token ids and single ids back into text.
type Encoder interface {
	// Encode returns one row of token ids per prompt. Rows may be padded.
	Encode(prompts []string) ([][]int, error)

	// Decode returns the text of a single token. Special tokens start with '<'.
	Decode(id int) string
}

// IndexPair holds matching token positions in the source and the edited prompt.
type IndexPair struct {
	Source []int
	Target []int
}

// Tokens returns the decoded tokens of each prompt.
func Tokens(enc Encoder, prompts []string) ([][]string, error) {
	ids, err := enc.Encode(prompts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode prompts")
	}
	if len(ids) != len(prompts) {
		return nil, errors.Errorf("encoder returned %d rows for %d prompts", len(ids), len(prompts))
	}
	tokens := make([][]string, len(ids))
	for i, row := range ids {
		tokens[i] = make([]string, len(row))
		for j, id := range row {
			tokens[i][j] = enc.Decode(id)
		}
	}
	return tokens, nil
}

// ReplacementIndices returns the positions of wordA's tokens in the first prompt
// and of wordB's tokens in the second. Both prompts must have the same number of words.
//
// Tokens are collected greedily: a token is taken when the tokens taken so far
// followed by it still form a prefix of the word.
func ReplacementIndices(enc Encoder, prompts [2]string, wordA, wordB string) (IndexPair, error) {
	if err := checkWordCounts(prompts); err != nil {
		return IndexPair{}, err
	}
	tokens, err := Tokens(enc, prompts[:])
	if err != nil {
		return IndexPair{}, err
	}
	source, err := wordIndices(tokens[0], wordA)
	if err != nil {
		return IndexPair{}, errors.WithMessagef(err, "prompt %q", prompts[0])
	}
	target, err := wordIndices(tokens[1], wordB)
	if err != nil {
		return IndexPair{}, errors.WithMessagef(err, "prompt %q", prompts[1])
	}
	return IndexPair{Source: source, Target: target}, nil
}

func wordIndices(tokens []string, word string) ([]int, error) {
	var indices []int
	var prefix strings.Builder
	for i, token := range tokens {
		if token == "" {
			continue
		}
		if strings.HasPrefix(word, prefix.String()+token) {
			prefix.WriteString(token)
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return nil, errors.Wrapf(ErrWordNotFound, "word %q", word)
	}
	return indices, nil
}

// ReweightIndices returns the positions of word's tokens in the first prompt.
func ReweightIndices(enc Encoder, prompts [2]string, word string) ([]int, error) {
	pair, err := ReplacementIndices(enc, prompts, word, word)
	if err != nil {
		return nil, err
	}
	return pair.Source, nil
}

// RefineIndices pairs every token of the first prompt with every equal token of the
// second, skipping special tokens. Source holds the first prompt's positions and
// Target the second's, in matching order.
func RefineIndices(enc Encoder, prompts [2]string) (IndexPair, error) {
	tokens, err := Tokens(enc, prompts[:])
	if err != nil {
		return IndexPair{}, err
	}
	var pair IndexPair
	for i, a := range tokens[0] {
		if isSpecial(a) {
			continue
		}
		for j, b := range tokens[1] {
			if isSpecial(b) || a != b {
				continue
			}
			pair.Source = append(pair.Source, i)
			pair.Target = append(pair.Target, j)
		}
	}
	if len(pair.Source) == 0 {
		return IndexPair{}, errors.Wrapf(ErrNoSharedTokens, "%q and %q", prompts[0], prompts[1])
	}
	return pair, nil
}

// IgnoreIndices finds the word of the first prompt at the position of IgnoreMarker
// in the second. It returns the prompts to generate with (the first prompt twice)
// and the positions of that word's tokens.
func IgnoreIndices(enc Encoder, prompts [2]string) ([2]string, []int, error) {
	if err := checkWordCounts(prompts); err != nil {
		return [2]string{}, nil, err
	}
	wordsA, wordsB := strings.Fields(prompts[0]), strings.Fields(prompts[1])
	index := -1
	for i, w := range wordsB {
		if w == IgnoreMarker {
			index = i
			break
		}
	}
	if index < 0 {
		return [2]string{}, nil, errors.Wrapf(ErrNoIgnoreMarker, "prompt %q", prompts[1])
	}

	generated := [2]string{prompts[0], prompts[0]}
	indices, err := ReweightIndices(enc, generated, wordsA[index])
	if err != nil {
		return [2]string{}, nil, err
	}
	return generated, indices, nil
}

func checkWordCounts(prompts [2]string) error {
	a, b := len(strings.Fields(prompts[0])), len(strings.Fields(prompts[1]))
	if a != b {
		return errors.Wrapf(ErrWordCount, "%q has %d words, %q has %d", prompts[0], a, prompts[1], b)
	}
	return nil
}

func isSpecial(token string) bool {
	return strings.HasPrefix(token, "<")
}
