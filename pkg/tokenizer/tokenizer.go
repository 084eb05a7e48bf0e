// Package tokenizer implements the byte-level Byte-Pair Encoding (BPE) tokenizer used to
// turn text prompts into the token ids consumed by the text encoder.
//
// Words are split on whitespace and punctuation; every word that follows whitespace is
// prefixed with 'Ġ' (U+0120) so that merges never cross word boundaries and a single
// token can be decoded back to the word piece it covers.
//
// Special tokens follow the T5 convention ("<pad>", "</s>", "<unk>"): they all start
// with '<', which is what the token alignment code uses to skip them.
package tokenizer

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Special tokens.
const (
	SpecialPad = "<pad>"
	SpecialEOS = "</s>"
	SpecialUnk = "<unk>"

	// WordBoundary marks a token that starts a new word.
	WordBoundary = "Ġ"

	// NumBaseTokens is the number of single-byte tokens every vocabulary starts with.
	NumBaseTokens = 256

	// DefaultPattern splits text into words, numbers and punctuation runs.
	DefaultPattern = `[A-Za-z\p{L}]+|[0-9]+|[^\s0-9A-Za-z\p{L}]+`
)

// specialTokens in id order, appended after the learned vocabulary.
var specialTokens = []string{SpecialPad, SpecialEOS, SpecialUnk}

// NumSpecialTokens is the number of special tokens appended after the learned vocabulary.
var NumSpecialTokens = len(specialTokens)

// Pair represents two adjacent token IDs.
type Pair [2]int

// Tokenizer implements BPE tokenization.
type Tokenizer struct {
	// vocab maps token ID to token bytes.
	// 0-255: single bytes; 256+: merged tokens; then the special tokens.
	vocab map[int][]byte

	// inverseVocab maps token string to ID.
	inverseVocab map[string]int

	// merges maps a pair to the ID of the token it merges into.
	// Lower IDs were learned earlier and are applied first.
	merges map[Pair]int

	specials  map[string]int
	vocabSize int
	pattern   *regexp.Regexp
}

// NewTokenizer creates a tokenizer with the 256 byte tokens and the special tokens.
func NewTokenizer() *Tokenizer {
	t := &Tokenizer{pattern: regexp.MustCompile(DefaultPattern)}
	t.initializeVocab()
	t.setSpecialTokens()
	return t
}

// initializeVocab resets the vocabulary to the 256 byte tokens.
func (t *Tokenizer) initializeVocab() {
	t.vocab = make(map[int][]byte)
	t.inverseVocab = make(map[string]int)
	t.merges = make(map[Pair]int)
	t.specials = make(map[string]int)
	for i := 0; i < NumBaseTokens; i++ {
		t.vocab[i] = []byte{byte(i)}
		t.inverseVocab[string([]byte{byte(i)})] = i
	}
	t.vocabSize = NumBaseTokens
}

// setSpecialTokens appends the special tokens right after the learned vocabulary.
func (t *Tokenizer) setSpecialTokens() {
	base := NumBaseTokens + len(t.merges)
	for i, token := range specialTokens {
		id := base + i
		t.specials[token] = id
		t.vocab[id] = []byte(token)
		t.inverseVocab[token] = id
	}
	t.vocabSize = base + len(specialTokens)
}

// VocabSize returns the vocabulary size, special tokens included.
func (t *Tokenizer) VocabSize() int {
	return t.vocabSize
}

// PadID returns the id of the padding token.
func (t *Tokenizer) PadID() int {
	return t.specials[SpecialPad]
}

// EOSID returns the id of the end-of-sequence token.
func (t *Tokenizer) EOSID() int {
	return t.specials[SpecialEOS]
}

// preTokenize splits text into chunks, marking chunks that follow whitespace
// with the WordBoundary prefix.
func (t *Tokenizer) preTokenize(text string) []string {
	var chunks []string
	for _, loc := range t.pattern.FindAllStringIndex(text, -1) {
		chunk := text[loc[0]:loc[1]]
		if loc[0] > 0 && isSpace(text[loc[0]-1]) {
			chunk = WordBoundary + chunk
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// countPairs counts all adjacent pairs in token sequences.
func countPairs(sequences [][]int) map[Pair]int {
	pairs := make(map[Pair]int)
	for _, seq := range sequences {
		for i := 0; i < len(seq)-1; i++ {
			pairs[Pair{seq[i], seq[i+1]}]++
		}
	}
	return pairs
}

// findMostFrequentPair returns the pair with highest count. Ties go to the
// lexicographically smallest pair so training is deterministic.
func findMostFrequentPair(pairs map[Pair]int) (Pair, int) {
	var bestPair Pair
	maxCount := 0
	for pair, count := range pairs {
		if count > maxCount || (count == maxCount && lessPair(pair, bestPair)) {
			maxCount = count
			bestPair = pair
		}
	}
	return bestPair, maxCount
}

func lessPair(a, b Pair) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}

// applyMerge replaces all occurrences of a pair with newID, left to right.
func applyMerge(tokenIDs []int, pair Pair, newID int) []int {
	result := make([]int, 0, len(tokenIDs))
	for i := 0; i < len(tokenIDs); i++ {
		if i < len(tokenIDs)-1 && tokenIDs[i] == pair[0] && tokenIDs[i+1] == pair[1] {
			result = append(result, newID)
			i++
			continue
		}
		result = append(result, tokenIDs[i])
	}
	return result
}

// Train builds a BPE vocabulary from a text corpus.
//
// Algorithm:
//  1. Initialize with 256 byte tokens
//  2. Pre-tokenize the corpus into word chunks
//  3. Iteratively merge the most frequent pair until vocabSize is reached
//  4. Append the special tokens
func (t *Tokenizer) Train(corpus []string, vocabSize int) error {
	if vocabSize < NumBaseTokens+NumSpecialTokens {
		return errors.Errorf("vocabSize must be at least %d, got %d", NumBaseTokens+NumSpecialTokens, vocabSize)
	}
	t.initializeVocab()

	var sequences [][]int
	for _, text := range corpus {
		for _, chunk := range t.preTokenize(text) {
			sequences = append(sequences, bytesToIDs(chunk))
		}
	}

	targetSize := vocabSize - NumSpecialTokens
	for t.vocabSize < targetSize {
		pairs := countPairs(sequences)
		if len(pairs) == 0 {
			break
		}
		bestPair, count := findMostFrequentPair(pairs)
		if count < 2 {
			klog.V(1).Infof("tokenizer: stopping early at %d tokens, no pair occurs twice", t.vocabSize)
			break
		}

		newID := t.vocabSize
		merged := append(append([]byte{}, t.vocab[bestPair[0]]...), t.vocab[bestPair[1]]...)
		t.vocab[newID] = merged
		t.inverseVocab[string(merged)] = newID
		t.merges[bestPair] = newID
		for i, seq := range sequences {
			sequences[i] = applyMerge(seq, bestPair, newID)
		}
		t.vocabSize++
	}

	t.setSpecialTokens()
	klog.V(1).Infof("tokenizer: trained vocabulary of %d tokens (%d merges)", t.vocabSize, len(t.merges))
	return nil
}

func bytesToIDs(chunk string) []int {
	ids := make([]int, len(chunk))
	for i := 0; i < len(chunk); i++ {
		ids[i] = int(chunk[i])
	}
	return ids
}

// encodeChunk applies the learned merges to a single chunk, earliest merge first.
func (t *Tokenizer) encodeChunk(chunk string) []int {
	tokenIDs := bytesToIDs(chunk)
	for len(tokenIDs) > 1 {
		bestPair, bestID := Pair{}, -1
		for i := 0; i < len(tokenIDs)-1; i++ {
			pair := Pair{tokenIDs[i], tokenIDs[i+1]}
			if id, ok := t.merges[pair]; ok && (bestID < 0 || id < bestID) {
				bestPair, bestID = pair, id
			}
		}
		if bestID < 0 {
			break
		}
		tokenIDs = applyMerge(tokenIDs, bestPair, bestID)
	}
	return tokenIDs
}

// EncodeOptions contains options for encoding.
type EncodeOptions struct {
	EOS bool
}

// Encode converts text to token IDs.
func (t *Tokenizer) Encode(text string, opts EncodeOptions) []int {
	var result []int
	for _, chunk := range t.preTokenize(text) {
		result = append(result, t.encodeChunk(chunk)...)
	}
	if opts.EOS {
		result = append(result, t.EOSID())
	}
	return result
}

// Decode converts token IDs to text, dropping special tokens.
func (t *Tokenizer) Decode(tokenIDs []int) string {
	var sb strings.Builder
	for _, id := range tokenIDs {
		if t.isSpecial(id) {
			continue
		}
		if token, ok := t.vocab[id]; ok {
			sb.Write(token)
		}
	}
	return strings.TrimSpace(strings.ReplaceAll(sb.String(), WordBoundary, " "))
}

// DecodeToken returns the text fragment of a single token: word pieces without
// their boundary marker, special tokens verbatim. Unknown ids decode to SpecialUnk.
func (t *Tokenizer) DecodeToken(id int) string {
	token, ok := t.vocab[id]
	if !ok {
		return SpecialUnk
	}
	if t.isSpecial(id) {
		return string(token)
	}
	return strings.TrimSpace(strings.TrimPrefix(string(token), WordBoundary))
}

func (t *Tokenizer) isSpecial(id int) bool {
	return id >= t.vocabSize-NumSpecialTokens && id < t.vocabSize
}

// Stats describes the tokenizer vocabulary.
type Stats struct {
	VocabSize     int
	BaseTokens    int
	MergedTokens  int
	SpecialTokens int
}

// Stats returns tokenizer statistics for debugging.
func (t *Tokenizer) Stats() Stats {
	return Stats{
		VocabSize:     t.vocabSize,
		BaseTokens:    NumBaseTokens,
		MergedTokens:  len(t.merges),
		SpecialTokens: len(t.specials),
	}
}
