package model

import (
	"math"
	"math/rand"
	"sort"

	"attnedit/pkg/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GenerateOptions configures Generate.
type GenerateOptions struct {
	// MaxNewTokens is the number of audio codes generated per prompt.
	MaxNewTokens int

	// GuidanceScale weights the conditional logits against the unconditional ones:
	// uncond + GuidanceScale*(cond - uncond). 1 disables guidance.
	GuidanceScale float32

	// Sample draws from the top-k distribution; otherwise decoding is greedy.
	Sample      bool
	TopK        int // 0 keeps the whole codebook
	Temperature float32

	// Rng drives sampling and, in training mode, dropout.
	Rng *rand.Rand

	// OnStep is called after each generated code with the number of codes so far.
	OnStep func(step, total int)
}

// DefaultGenerateOptions returns top-k sampling with guidance scale 3.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		MaxNewTokens:  256,
		GuidanceScale: 3,
		Sample:        true,
		TopK:          250,
		Temperature:   1,
	}
}

func (m *Model) validateOptions(opts GenerateOptions) error {
	if opts.MaxNewTokens <= 0 || opts.MaxNewTokens > m.Config.MaxPositions {
		return errors.Errorf("max new tokens must be in [1, %d], got %d", m.Config.MaxPositions, opts.MaxNewTokens)
	}
	if opts.Sample && opts.Temperature <= 0 {
		return errors.Errorf("temperature must be positive, got %g", opts.Temperature)
	}
	if opts.TopK < 0 {
		return errors.Errorf("top-k must not be negative, got %d", opts.TopK)
	}
	return nil
}

// Generate renders one waveform per row of encoded prompts.
//
// Output shape: (batch, 1, MaxNewTokens * SamplesPerFrame)
func (m *Model) Generate(ids [][]int, opts GenerateOptions) (*tensor.Tensor, error) {
	codes, err := m.GenerateCodes(ids, opts)
	if err != nil {
		return nil, err
	}
	return m.Codec.Decode(codes)
}

// GenerateCodes samples MaxNewTokens audio codes per row of encoded prompts.
//
// The decoder runs on a classifier-free guidance batch of 2*batch rows: the
// prompts first, then the same number of unconditional rows that see zeroed
// encoder states. Each step decodes one position for all rows with KV caches,
// mixes the two halves of the logits with the guidance scale and feeds the
// chosen code back to both halves.
func (m *Model) GenerateCodes(ids [][]int, opts GenerateOptions) ([][]int, error) {
	if len(ids) == 0 {
		return nil, errors.New("cannot generate for an empty batch")
	}
	if err := m.validateOptions(opts); err != nil {
		return nil, err
	}
	rng := opts.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(m.Config.Seed))
	}
	batchSize := len(ids)

	states, contextMask, err := m.Encoder.Forward(ids, m.mask(ids), m.Training, rng)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to encode prompts")
	}
	context, err := tensor.Concatenate([]*tensor.Tensor{states, tensor.NewTensor(states.Shape)}, 0)
	if err != nil {
		return nil, err
	}
	// The unconditional rows attend to every zeroed state: an all-zero mask would
	// leave their softmax with no finite score.
	contextMask, err = tensor.Concatenate([]*tensor.Tensor{contextMask, tensor.Full(contextMask.Shape, 1)}, 0)
	if err != nil {
		return nil, err
	}

	caches := m.Decoder.NewCaches(2*batchSize, opts.MaxNewTokens, states.Dim(1))
	klog.V(1).Infof("Generating %d codes for %d prompts (guidance scale %g)", opts.MaxNewTokens, batchSize, opts.GuidanceScale)

	current := make([][]int, 2*batchSize)
	for i := range current {
		current[i] = []int{m.Config.CodebookSize}
	}
	codes := make([][]int, batchSize)
	for step := 0; step < opts.MaxNewTokens; step++ {
		logits, err := m.Decoder.Forward(DecoderInput{
			Codes:       current,
			Offset:      step,
			Context:     context,
			ContextMask: contextMask,
			Caches:      caches,
			Training:    m.Training,
			Rng:         rng,
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d", step)
		}
		guided, err := guide(logits, batchSize, opts.GuidanceScale)
		if err != nil {
			return nil, errors.WithMessagef(err, "step %d", step)
		}

		var next []int
		if opts.Sample {
			next = sampleTopK(guided, opts.TopK, opts.Temperature, rng)
		} else {
			next = tensor.Argmax(guided)
		}
		for b, code := range next {
			codes[b] = append(codes[b], code)
			current[b][0], current[batchSize+b][0] = code, code
		}
		klog.V(3).Infof("Step %d codes: %v", step, next)
		if opts.OnStep != nil {
			opts.OnStep(step+1, opts.MaxNewTokens)
		}
	}
	return codes, nil
}

// guide mixes the conditional and unconditional halves of (2*batch, 1, vocab)
// logits into (batch, vocab).
func guide(logits *tensor.Tensor, batchSize int, scale float32) (*tensor.Tensor, error) {
	vocab := logits.Dim(-1)
	flat, err := logits.View([]int{2 * batchSize, vocab})
	if err != nil {
		return nil, errors.Wrap(err, "unexpected logits shape")
	}
	cond, err := flat.Narrow(0, 0, batchSize)
	if err != nil {
		return nil, err
	}
	uncond, err := flat.Narrow(0, batchSize, 2*batchSize)
	if err != nil {
		return nil, err
	}
	diff, err := tensor.Sub(cond, uncond)
	if err != nil {
		return nil, err
	}
	return tensor.Add(uncond, diff.Scale(scale))
}

// sampleTopK draws one code per row of (batch, vocab) logits from the softmax of
// the k largest logits divided by temperature.
func sampleTopK(logits *tensor.Tensor, k int, temperature float32, rng *rand.Rand) []int {
	vocab := logits.Dim(-1)
	if k <= 0 || k > vocab {
		k = vocab
	}
	rows := logits.Size() / vocab
	result := make([]int, rows)
	order := make([]int, vocab)
	probs := make([]float64, k)
	for r := 0; r < rows; r++ {
		row := logits.Data[r*vocab : (r+1)*vocab]
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return row[order[a]] > row[order[b]] })

		top := float64(row[order[0]]) / float64(temperature)
		var total float64
		for i := 0; i < k; i++ {
			probs[i] = math.Exp(float64(row[order[i]])/float64(temperature) - top)
			total += probs[i]
		}
		u := rng.Float64() * total
		result[r] = order[k-1]
		for i := 0; i < k; i++ {
			u -= probs[i]
			if u < 0 {
				result[r] = order[i]
				break
			}
		}
	}
	return result
}
