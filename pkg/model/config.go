// Package model provides a small text-conditioned audio model in the style of
// MusicGen, used as the generator whose attention is edited.
//
// Architecture:
//   - Text encoder: token embeddings + sinusoidal positions, pre-norm encoder layers
//   - Decoder: audio code embeddings + sinusoidal positions, pre-norm decoder layers
//     with causal self-attention and cross-attention over the encoder states
//   - LM head over the codebook, sampled with classifier-free guidance
//   - Codec: audio codes to waveform frames
//
// Weights are random: the model exercises the generation loop, not audio quality.
package model

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config holds the model hyperparameters.
type Config struct {
	// TextVocabSize is the size of the text token vocabulary; it must cover the tokenizer's.
	TextVocabSize int `json:"text_vocab_size"`

	// CodebookSize is the number of audio codes. The decoder start token is CodebookSize.
	CodebookSize int `json:"codebook_size"`

	// DModel is the hidden dimension shared by encoder and decoder.
	DModel int `json:"d_model"`

	// NumHeads is the number of attention heads.
	NumHeads int `json:"num_heads"`

	// NumKVGroups is the number of key/value heads; 0 means NumHeads.
	NumKVGroups int `json:"num_kv_groups"`

	// EncoderLayers and DecoderLayers are the number of layers of each stack.
	EncoderLayers int `json:"encoder_layers"`
	DecoderLayers int `json:"decoder_layers"`

	// FFDim is the hidden dimension of the feed-forward layers.
	FFDim int `json:"ff_dim"`

	// Dropout is only applied in training mode.
	Dropout float32 `json:"dropout"`

	// MaxPositions bounds both the prompt length and the number of generated frames.
	MaxPositions int `json:"max_positions"`

	// FrameRate is the number of audio codes per second.
	FrameRate float64 `json:"frame_rate"`

	// SamplingRate is the number of waveform samples per second.
	SamplingRate int `json:"sampling_rate"`

	// Seed initializes the weights.
	Seed int64 `json:"seed"`
}

// DefaultConfig returns a configuration small enough to run on a CPU in seconds.
func DefaultConfig() Config {
	return Config{
		TextVocabSize: 1024,
		CodebookSize:  256,
		DModel:        32,
		NumHeads:      4,
		EncoderLayers: 2,
		DecoderLayers: 4,
		FFDim:         128,
		Dropout:       0.1,
		MaxPositions:  2048,
		FrameRate:     50,
		SamplingRate:  16000,
		Seed:          0,
	}
}

// Validate checks if the configuration is valid and consistent.
func (c Config) Validate() error {
	if c.TextVocabSize <= 0 || c.CodebookSize <= 0 {
		return errors.Errorf("text_vocab_size (%d) and codebook_size (%d) must be positive", c.TextVocabSize, c.CodebookSize)
	}
	if c.DModel <= 0 || c.NumHeads <= 0 || c.DModel%c.NumHeads != 0 {
		return errors.Errorf("d_model (%d) must be a positive multiple of num_heads (%d)", c.DModel, c.NumHeads)
	}
	if c.DModel%2 != 0 {
		return errors.Errorf("d_model must be even for sinusoidal positions, got %d", c.DModel)
	}
	if c.EncoderLayers <= 0 || c.DecoderLayers <= 0 {
		return errors.Errorf("encoder_layers (%d) and decoder_layers (%d) must be positive", c.EncoderLayers, c.DecoderLayers)
	}
	if c.FFDim <= 0 {
		return errors.Errorf("ff_dim must be positive, got %d", c.FFDim)
	}
	if c.MaxPositions <= 0 {
		return errors.Errorf("max_positions must be positive, got %d", c.MaxPositions)
	}
	if c.FrameRate <= 0 || c.SamplingRate <= 0 {
		return errors.Errorf("frame_rate (%g) and sampling_rate (%d) must be positive", c.FrameRate, c.SamplingRate)
	}
	if float64(c.SamplingRate) < c.FrameRate {
		return errors.Errorf("sampling_rate %d is lower than frame_rate %g", c.SamplingRate, c.FrameRate)
	}
	return nil
}

// HeadDim returns the dimension per attention head.
func (c Config) HeadDim() int {
	return c.DModel / c.NumHeads
}

// LoadConfig reads a JSON configuration. Fields missing from the file keep their
// DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrapf(err, "failed to read model config %q", path)
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return config, errors.Wrapf(err, "failed to parse model config %q", path)
	}
	if err := config.Validate(); err != nil {
		return config, errors.WithMessagef(err, "model config %q", path)
	}
	return config, nil
}
