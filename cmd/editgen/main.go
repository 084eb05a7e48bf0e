// editgen generates audio from a source prompt and edited prompts, editing the
// attention maps of the edited ones against the source.
//
// Usage:
//
//	editgen [flags] "source prompt" "edited prompt" ...
//
// One WAV file is written per prompt. With -policy=store, the layer importance
// rankings of the recorded attention maps are printed instead of editing.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"attnedit/pkg/model"
	"attnedit/pkg/pipeline"
	"attnedit/pkg/tokenizer"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagModelConfig   = flag.String("model_config", "", "JSON model configuration. If empty, the default configuration is used.")
	flagTokenizer     = flag.String("tokenizer", "", "Tokenizer file to load. If empty, a tokenizer is trained on --corpus or on the prompts.")
	flagCorpus        = flag.String("corpus", "", "Text file to train the tokenizer on, one document per line.")
	flagVocab         = flag.Int("vocab", 512, "Vocabulary size when training the tokenizer.")
	flagSaveTokenizer = flag.String("save_tokenizer", "", "If set, save the tokenizer to this file.")
	flagOutput        = flag.String("output", ".", "Directory where the WAV files are written.")

	flagLength      = flag.Float64("length", 2, "Target audio length in seconds; rounded to a power of two of frames.")
	flagGuidance    = flag.Float64("guidance", 3, "Classifier-free guidance scale.")
	flagSeed        = flag.Int64("seed", 0, "Random seed of the sampling.")
	flagGreedy      = flag.Bool("greedy", false, "Decode greedily instead of sampling.")
	flagTopK        = flag.Int("top_k", 250, "Number of codes sampled from, 0 for the whole codebook.")
	flagTemperature = flag.Float64("temperature", 1, "Sampling temperature.")

	flagPolicy    = flag.String("policy", policyEmpty, "Editing policy: "+strings.Join(policyNames, ", ")+".")
	flagWordA     = flag.String("word_a", "", "Word of the source prompt (replace_word) or the reweighted word (reweight).")
	flagWordB     = flag.String("word_b", "", "Word of the edited prompt replacing --word_a (replace_word).")
	flagBlend     = flag.Float64("blend", 1, "Blend toward the source attention, in [0, 1] (replace_word, refine, replace).")
	flagWeight    = flag.Float64("weight", 1, "Attention weight of the reweighted word (reweight).")
	flagCompact   = flag.Bool("compact", false, "Store attention maps as float16 (store).")
	flagWordPiece = flag.Int("word_piece", 0, "Prompt token whose cross-attention is ranked (store).")

	flagHeads      = flag.String("heads", "", "Comma-separated attention heads to restrict cross-attention edits to.")
	flagSelfLerp   = flag.Bool("self_lerp", false, "Blend self-attention toward the source with the layer progress.")
	flagSelfCutoff = flag.Float64("self_cutoff", -1, "Only edit self-attention up to this fraction of the layers; negative disables.")
	flagLerp       = flag.Bool("lerp", false, "Blend edits in with the layer progress.")
	flagCutoff     = flag.Float64("cutoff", -1, "Only edit up to this fraction of the layers; negative disables.")
	flagLayers     = flag.String("layers", "", "Comma-separated attention call positions within a step to edit.")
	flagOffset     = flag.Float64("offset", -1, "Start editing at this fraction of the steps; negative disables.")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] \"source prompt\" [\"edited prompt\" ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	prompts := flag.Args()
	if len(prompts) == 0 {
		flag.Usage()
		klog.Exitf("At least one prompt is required")
	}
	if err := run(prompts); err != nil {
		klog.Exitf("Failed with error: %+v", err)
	}
}

func run(prompts []string) error {
	config := model.DefaultConfig()
	if *flagModelConfig != "" {
		config = must.M1(model.LoadConfig(*flagModelConfig))
	}
	config.Seed = *flagSeed

	tok, err := loadTokenizer(prompts)
	if err != nil {
		return err
	}
	m, err := model.New(config, tok)
	if err != nil {
		return err
	}

	setup, err := buildController(m, prompts, editOptions{
		Policy:     *flagPolicy,
		WordA:      *flagWordA,
		WordB:      *flagWordB,
		Blend:      float32(*flagBlend),
		Weight:     float32(*flagWeight),
		Seed:       *flagSeed,
		Compact:    *flagCompact,
		Heads:      *flagHeads,
		SelfLerp:   *flagSelfLerp,
		SelfCutoff: float32(*flagSelfCutoff),
		Lerp:       *flagLerp,
		Cutoff:     float32(*flagCutoff),
		Layers:     *flagLayers,
		Offset:     float32(*flagOffset),
	})
	if err != nil {
		return err
	}

	p, err := pipeline.New(m, pipeline.Config{
		GuidanceScale: float32(*flagGuidance),
		Seed:          *flagSeed,
		AudioLength:   *flagLength,
		Sample:        !*flagGreedy,
		TopK:          *flagTopK,
		Temperature:   float32(*flagTemperature),
	})
	if err != nil {
		return err
	}
	bar := progressbar.NewOptions(p.TokenBudget(),
		progressbar.OptionSetDescription("Generating"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetWriter(os.Stderr),
	)
	p.OnStep = func(int, int) { _ = bar.Add(1) }

	audio, err := p.Run(setup.Controller, setup.Prompts...)
	if err != nil {
		return err
	}
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	must.M(os.MkdirAll(*flagOutput, 0o755))
	runID := uuid.NewString()[:8]
	numSamples := audio.Size() / len(setup.Prompts)
	for i, prompt := range setup.Prompts {
		path := filepath.Join(*flagOutput, fmt.Sprintf("%s-%d.wav", runID, i))
		size, err := saveWAV(path, audio.Data[i*numSamples:(i+1)*numSamples], m.SamplingRate())
		if err != nil {
			return err
		}
		klog.Infof("Wrote %s (%s): %q", path, humanize.Bytes(uint64(size)), prompt)
	}

	if setup.Store != nil {
		report, err := storeReport(setup.Store, setup.Prompts, *flagWordPiece)
		if err != nil {
			return errors.WithMessage(err, "failed to rank layers")
		}
		fmt.Println(report)
	}
	return nil
}

// loadTokenizer loads --tokenizer, or trains a tokenizer on --corpus or on the prompts.
func loadTokenizer(prompts []string) (*tokenizer.Tokenizer, error) {
	if *flagTokenizer != "" {
		return tokenizer.LoadTokenizer(*flagTokenizer)
	}

	corpus := prompts
	if *flagCorpus != "" {
		lines, err := readLines(*flagCorpus)
		if err != nil {
			return nil, err
		}
		corpus = lines
	}
	tok := tokenizer.NewTokenizer()
	if err := tok.Train(corpus, *flagVocab); err != nil {
		return nil, err
	}
	if *flagSaveTokenizer != "" {
		if err := tok.Save(*flagSaveTokenizer); err != nil {
			return nil, err
		}
		klog.Infof("Saved tokenizer to %s", *flagSaveTokenizer)
	}
	return tok, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open corpus %q", path)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read corpus %q", path)
	}
	return lines, nil
}
