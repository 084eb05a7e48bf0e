package tokenizer

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// fileHeader is the first line of a saved tokenizer.
const fileHeader = "bpe-merges v1"

// Save writes the tokenizer merges to a file.
//
// File format:
//
//	bpe-merges v1
//	<base64_encoded_token> <id> <left_id> <right_id>
//
// One line per merged token, in learning order. Base tokens (bytes 0-255) and the
// special tokens are implicit.
func (t *Tokenizer) Save(filepath string) error {
	file, err := os.Create(filepath)
	if err != nil {
		return errors.Wrapf(err, "failed to create tokenizer file %q", filepath)
	}
	defer file.Close()
	if err := t.Write(file); err != nil {
		return errors.Wrapf(err, "failed to save tokenizer to %q", filepath)
	}
	return nil
}

// Write serializes the tokenizer merges to w.
func (t *Tokenizer) Write(w io.Writer) error {
	writer := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(writer, fileHeader); err != nil {
		return errors.Wrap(err, "failed to write header")
	}

	pairs := make([]Pair, len(t.merges))
	for pair, id := range t.merges {
		pairs[id-NumBaseTokens] = pair
	}
	for i, pair := range pairs {
		id := NumBaseTokens + i
		encoded := base64.StdEncoding.EncodeToString(t.vocab[id])
		if _, err := fmt.Fprintf(writer, "%s %d %d %d\n", encoded, id, pair[0], pair[1]); err != nil {
			return errors.Wrapf(err, "failed to write merged token %d", id)
		}
	}
	return errors.Wrap(writer.Flush(), "failed to flush writer")
}

// LoadTokenizer reads a tokenizer saved with Save.
func LoadTokenizer(filepath string) (*Tokenizer, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open tokenizer file %q", filepath)
	}
	defer file.Close()
	tok, err := ReadTokenizer(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load tokenizer from %q", filepath)
	}
	return tok, nil
}

// ReadTokenizer parses a tokenizer in the format written by Write.
// Merges must be listed in id order and refer only to already known tokens.
func ReadTokenizer(r io.Reader) (*Tokenizer, error) {
	tok := NewTokenizer()
	tok.initializeVocab()

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if lineNum == 1 {
			if line != fileHeader {
				return nil, errors.Errorf("invalid header %q, expected %q", line, fileHeader)
			}
			continue
		}
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) != 4 {
			return nil, errors.Errorf("invalid line %d: expected 4 fields, got %d", lineNum, len(parts))
		}
		token, err := base64.StdEncoding.DecodeString(parts[0])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode base64 on line %d", lineNum)
		}
		var ids [3]int
		for i, field := range parts[1:] {
			if ids[i], err = strconv.Atoi(field); err != nil {
				return nil, errors.Wrapf(err, "invalid id on line %d", lineNum)
			}
		}
		id, left, right := ids[0], ids[1], ids[2]
		if id != tok.vocabSize {
			return nil, errors.Errorf("line %d: expected token id %d, got %d", lineNum, tok.vocabSize, id)
		}
		if left < 0 || left >= id || right < 0 || right >= id {
			return nil, errors.Errorf("line %d: merge (%d, %d) refers to unknown tokens", lineNum, left, right)
		}
		if want := string(tok.vocab[left]) + string(tok.vocab[right]); want != string(token) {
			return nil, errors.Errorf("line %d: token %q does not match merge of %q", lineNum, token, want)
		}

		tok.vocab[id] = token
		tok.inverseVocab[string(token)] = id
		tok.merges[Pair{left, right}] = id
		tok.vocabSize++
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "error reading tokenizer")
	}
	if lineNum == 0 {
		return nil, errors.New("empty tokenizer file")
	}

	tok.setSpecialTokens()
	return tok, nil
}

// TokenInfo returns a description of a token ID, for debugging.
func (t *Tokenizer) TokenInfo(id int) (string, error) {
	token, ok := t.vocab[id]
	if !ok {
		return "", errors.Errorf("token ID %d not found", id)
	}

	var kind string
	switch {
	case id < NumBaseTokens:
		kind = "base"
	case t.isSpecial(id):
		kind = "special"
	default:
		kind = "merged"
	}
	return fmt.Sprintf("ID: %d, Bytes: %v, String: %q, Type: %s", id, token, string(token), kind), nil
}
