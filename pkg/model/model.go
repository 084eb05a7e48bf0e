package model

import (
	"math/rand"

	"attnedit/pkg/align"
	"attnedit/pkg/model/attention"
	"attnedit/pkg/tokenizer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is a text-conditioned audio generator.
//
// Prompts are tokenized and encoded by the TextEncoder; the Decoder then samples
// one audio code per step with classifier-free guidance, and the Codec renders
// the codes as a waveform.
type Model struct {
	Config    Config
	Tokenizer *tokenizer.Tokenizer
	Encoder   *TextEncoder
	Decoder   *Decoder
	Codec     *Codec
	Training  bool // If false, dropout is disabled
}

var _ align.Encoder = (*Model)(nil)

// New creates a model with random weights seeded by config.Seed.
// The tokenizer vocabulary must fit in config.TextVocabSize.
func New(config Config, tok *tokenizer.Tokenizer) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid model config")
	}
	if tok == nil {
		return nil, errors.New("model requires a tokenizer")
	}
	if tok.VocabSize() > config.TextVocabSize {
		return nil, errors.Errorf("tokenizer vocabulary of %d doesn't fit text_vocab_size %d", tok.VocabSize(), config.TextVocabSize)
	}

	rng := rand.New(rand.NewSource(config.Seed))
	enc, err := NewTextEncoder(config, rng)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(config, rng)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Created model: %d encoder layers, %d decoder layers, d_model=%d, %d heads",
		config.EncoderLayers, config.DecoderLayers, config.DModel, config.NumHeads)
	return &Model{
		Config:    config,
		Tokenizer: tok,
		Encoder:   enc,
		Decoder:   dec,
		Codec:     NewCodec(config),
	}, nil
}

// SetTraining sets the training mode for the model.
// When training=false, dropout is disabled.
func (m *Model) SetTraining(training bool) {
	m.Training = training
}

// Encode tokenizes prompts into rows right-padded with the tokenizer's pad token.
func (m *Model) Encode(prompts []string) ([][]int, error) {
	batch, err := m.Tokenizer.EncodeBatch(prompts)
	if err != nil {
		return nil, err
	}
	if batch.Len() > m.Config.MaxPositions {
		return nil, errors.Errorf("prompt of %d tokens exceeds max positions %d", batch.Len(), m.Config.MaxPositions)
	}
	return batch.IDs, nil
}

// Decode returns the text of a single token.
func (m *Model) Decode(id int) string {
	return m.Tokenizer.DecodeToken(id)
}

// SamplingRate returns the number of waveform samples per second.
func (m *Model) SamplingRate() int {
	return m.Config.SamplingRate
}

// FrameRate returns the number of audio codes per second.
func (m *Model) FrameRate() float64 {
	return m.Config.FrameRate
}

// DecoderLayers returns the decoder layers, the ones controllers are registered on.
func (m *Model) DecoderLayers() []*attention.DecoderLayer {
	return m.Decoder.Layers
}

// mask derives the padding mask of encoded rows from the pad token.
func (m *Model) mask(ids [][]int) [][]int {
	pad := m.Tokenizer.PadID()
	mask := make([][]int, len(ids))
	for b, row := range ids {
		mask[b] = make([]int, len(row))
		for s, id := range row {
			if id != pad {
				mask[b][s] = 1
			}
		}
	}
	return mask
}
