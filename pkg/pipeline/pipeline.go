// Package pipeline wires a controller into a single generation call.
//
// Run resets the controller, computes the token budget from the target audio
// length, instruments the decoder of the model and generates one waveform per
// prompt, the first prompt being the source the others are edited against.
package pipeline

import (
	"math"
	"math/rand"

	"attnedit/pkg/align"
	"attnedit/pkg/control"
	"attnedit/pkg/control/policy"
	"attnedit/pkg/intercept"
	"attnedit/pkg/model"
	"attnedit/pkg/model/attention"
	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AudioModel is the text-to-audio generator the pipeline drives.
type AudioModel interface {
	// Encode and Decode tokenize prompts; Encode pads rows to the same length.
	align.Encoder

	// Generate returns one waveform per row of ids, shape (batch, channels, samples).
	// It is deterministic given opts.Rng.
	Generate(ids [][]int, opts model.GenerateOptions) (*tensor.Tensor, error)

	SamplingRate() int
	FrameRate() float64

	// DecoderLayers are instrumented with the controller before generating.
	DecoderLayers() []*attention.DecoderLayer
}

var _ AudioModel = (*model.Model)(nil)

// Config holds the generation parameters.
type Config struct {
	GuidanceScale float32

	// Seed seeds the sampling of every Run.
	Seed int64

	// AudioLength is the target duration in seconds.
	AudioLength float64

	// Sample draws codes from the top-k distribution; otherwise decoding is greedy.
	Sample      bool
	TopK        int
	Temperature float32
}

// DefaultConfig returns guided top-k sampling of 10 seconds of audio.
func DefaultConfig() Config {
	return Config{
		GuidanceScale: 3,
		Seed:          0,
		AudioLength:   10,
		Sample:        true,
		TopK:          250,
		Temperature:   1,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.AudioLength <= 0 || math.IsInf(c.AudioLength, 0) || math.IsNaN(c.AudioLength) {
		return errors.Errorf("audio length must be a positive number of seconds, got %g", c.AudioLength)
	}
	if c.GuidanceScale < 0 {
		return errors.Errorf("guidance scale must not be negative, got %g", c.GuidanceScale)
	}
	if c.Sample && c.Temperature <= 0 {
		return errors.Errorf("temperature must be positive, got %g", c.Temperature)
	}
	if c.TopK < 0 {
		return errors.Errorf("top-k must not be negative, got %d", c.TopK)
	}
	return nil
}

// TokenBudget converts a duration into a number of decoding steps, rounded to the
// nearest power of two: 2^round(log2(duration * frameRate)).
// It returns 0 when the duration covers less than one frame.
func TokenBudget(duration, frameRate float64) int {
	frames := duration * frameRate
	if !(frames > 0) {
		return 0
	}
	return int(math.Exp2(math.Round(math.Log2(frames))))
}

// Pipeline generates audio with attention editing.
type Pipeline struct {
	Model  AudioModel
	Config Config

	// OnStep is optional, called after each decoding step.
	OnStep func(step, total int)
}

// New creates a pipeline over m.
func New(m AudioModel, config Config) (*Pipeline, error) {
	if m == nil {
		return nil, errors.New("pipeline requires a model")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid pipeline config")
	}
	return &Pipeline{Model: m, Config: config}, nil
}

// TokenBudget returns the number of decoding steps of a Run.
func (p *Pipeline) TokenBudget() int {
	return TokenBudget(p.Config.AudioLength, p.Model.FrameRate())
}

// Run generates one waveform per prompt with c editing the attention of
// prompts[1:] against prompts[0]. A nil c generates without editing.
//
// The controller is reset at the start of the call and left with the final
// progress, so instrumentation such as a store can be read afterwards. It can't
// be shared by two concurrent Runs.
//
// The result has its unit dimensions squeezed: (samples) for a single prompt,
// (prompts, samples) otherwise.
func (p *Pipeline) Run(c control.Controller, prompts ...string) (*tensor.Tensor, error) {
	if len(prompts) == 0 {
		return nil, errors.New("no prompts to generate")
	}
	if c == nil {
		c = policy.NewEmpty()
	}
	progress := c.Progress()
	if err := progress.Acquire(); err != nil {
		return nil, err
	}
	defer progress.Release()

	budget := p.TokenBudget()
	if budget <= 0 {
		return nil, errors.Errorf("audio length %gs is shorter than one frame at %g frames/s",
			p.Config.AudioLength, p.Model.FrameRate())
	}
	if err := progress.Start(len(prompts), budget); err != nil {
		return nil, err
	}
	if _, err := intercept.Register(p.Model.DecoderLayers(), c); err != nil {
		return nil, err
	}

	ids, err := p.Model.Encode(prompts)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to encode prompts")
	}
	klog.V(1).Infof("Generating %d steps (%gs) for %d prompts", budget, p.Config.AudioLength, len(prompts))
	audio, err := p.Model.Generate(ids, model.GenerateOptions{
		MaxNewTokens:  budget,
		GuidanceScale: p.Config.GuidanceScale,
		Sample:        p.Config.Sample,
		TopK:          p.Config.TopK,
		Temperature:   p.Config.Temperature,
		Rng:           rand.New(rand.NewSource(p.Config.Seed)),
		OnStep:        p.OnStep,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "generation failed")
	}
	return audio.Squeeze(), nil
}
