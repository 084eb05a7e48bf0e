package tokenizer

import (
	"github.com/pkg/errors"
)

// Batch is a padded batch of encoded prompts.
type Batch struct {
	// IDs holds one row per prompt, right-padded with the pad token.
	IDs [][]int

	// Mask is 1 for real tokens and 0 for padding, same shape as IDs.
	Mask [][]int
}

// Len returns the padded sequence length.
func (b *Batch) Len() int {
	if len(b.IDs) == 0 {
		return 0
	}
	return len(b.IDs[0])
}

// EncodeBatch encodes each prompt followed by the end-of-sequence token, and
// right-pads the rows to the longest one.
func (t *Tokenizer) EncodeBatch(prompts []string) (*Batch, error) {
	if len(prompts) == 0 {
		return nil, errors.New("cannot encode an empty batch of prompts")
	}
	rows := make([][]int, len(prompts))
	maxLen := 0
	for i, prompt := range prompts {
		rows[i] = t.Encode(prompt, EncodeOptions{EOS: true})
		maxLen = max(maxLen, len(rows[i]))
	}

	batch := &Batch{IDs: make([][]int, len(rows)), Mask: make([][]int, len(rows))}
	pad := t.PadID()
	for i, row := range rows {
		ids := make([]int, maxLen)
		mask := make([]int, maxLen)
		for j := range ids {
			if j < len(row) {
				ids[j], mask[j] = row[j], 1
			} else {
				ids[j] = pad
			}
		}
		batch.IDs[i], batch.Mask[i] = ids, mask
	}
	return batch, nil
}
