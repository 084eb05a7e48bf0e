package model

import (
	"math"

	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
)

// Codec turns audio codes into waveform frames.
//
// Each code selects a tone: code c of a codebook of size N plays
//
//	freq(c) = BaseFrequency * 2^(Octaves * c / N)
//
// for one frame of SamplingRate/FrameRate samples. The phase carries over between
// frames so that consecutive codes join without clicks.
type Codec struct {
	CodebookSize    int
	SamplingRate    int
	SamplesPerFrame int

	BaseFrequency float64
	Octaves       float64
	Amplitude     float32
}

// NewCodec creates the codec matching config.
func NewCodec(config Config) *Codec {
	return &Codec{
		CodebookSize:    config.CodebookSize,
		SamplingRate:    config.SamplingRate,
		SamplesPerFrame: max(1, int(math.Round(float64(config.SamplingRate)/config.FrameRate))),
		BaseFrequency:   110,
		Octaves:         5,
		Amplitude:       0.5,
	}
}

// Frequency returns the tone of code in Hz.
func (c *Codec) Frequency(code int) float64 {
	return c.BaseFrequency * math.Exp2(c.Octaves*float64(code)/float64(c.CodebookSize))
}

// Decode renders one row of codes per sample.
//
// Output shape: (batch, 1, len(codes[0]) * SamplesPerFrame)
func (c *Codec) Decode(codes [][]int) (*tensor.Tensor, error) {
	if len(codes) == 0 {
		return nil, errors.New("cannot decode an empty batch of codes")
	}
	frames := len(codes[0])
	samples := frames * c.SamplesPerFrame
	audio := tensor.NewTensor([]int{len(codes), 1, samples})

	for b, row := range codes {
		if len(row) != frames {
			return nil, errors.Errorf("row %d has %d codes, expected %d", b, len(row), frames)
		}
		out := audio.Data[b*samples : (b+1)*samples]
		phase := 0.0
		for f, code := range row {
			if code < 0 || code >= c.CodebookSize {
				return nil, errors.Errorf("invalid audio code %d at position (%d, %d), codebook size is %d", code, b, f, c.CodebookSize)
			}
			step := 2 * math.Pi * c.Frequency(code) / float64(c.SamplingRate)
			for s := 0; s < c.SamplesPerFrame; s++ {
				out[f*c.SamplesPerFrame+s] = c.Amplitude * float32(math.Sin(phase))
				phase = math.Mod(phase+step, 2*math.Pi)
			}
		}
	}
	return audio, nil
}
