package main

import (
	"strconv"
	"strings"

	"attnedit/pkg/align"
	"attnedit/pkg/control"
	"attnedit/pkg/control/modifier"
	"attnedit/pkg/control/policy"
	"attnedit/pkg/control/store"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Policy names accepted by -policy.
const (
	policyEmpty       = "empty"
	policyRandom      = "random"
	policyIgnore      = "ignore"
	policyReplaceWord = "replace_word"
	policyRefine      = "refine"
	policyReweight    = "reweight"
	policyReplace     = "replace"
	policyStore       = "store"
)

var policyNames = []string{
	policyEmpty, policyRandom, policyIgnore, policyReplaceWord,
	policyRefine, policyReweight, policyReplace, policyStore,
}

// editOptions selects the editing policy and the modifiers wrapped around it.
// Negative thresholds and offsets disable the corresponding modifier.
type editOptions struct {
	Policy string
	WordA  string
	WordB  string
	Blend  float32
	Weight float32
	Seed   int64

	// Store keeps float16 snapshots when Compact is set.
	Compact bool

	Heads      string
	SelfLerp   bool
	SelfCutoff float32
	Lerp       bool
	Cutoff     float32
	Layers     string
	Offset     float32
}

// editSetup is the controller chain built from editOptions.
type editSetup struct {
	Controller control.Controller

	// Prompts to generate with; the ignore policy rewrites them.
	Prompts []string

	// Store is set for the store policy.
	Store *store.Store
}

// pair returns the source and the single edited prompt that word-level policies align.
func pair(name string, prompts []string) ([2]string, error) {
	if len(prompts) != 2 {
		return [2]string{}, errors.Errorf("policy %q takes a source and one edited prompt, got %d prompts", name, len(prompts))
	}
	return [2]string{prompts[0], prompts[1]}, nil
}

// newPolicy builds the innermost controller.
func newPolicy(enc align.Encoder, prompts []string, opts editOptions) (*editSetup, error) {
	setup := &editSetup{Prompts: prompts}
	var err error
	switch opts.Policy {
	case policyEmpty:
		setup.Controller = policy.NewEmpty()
	case policyRandom:
		setup.Controller = policy.NewRandom(opts.Seed)
	case policyReplace:
		setup.Controller, err = policy.NewReplace(opts.Blend)
	case policyStore:
		setup.Store = store.New(opts.Compact)
		setup.Controller = setup.Store

	case policyIgnore:
		prompts, err := pair(opts.Policy, prompts)
		if err != nil {
			return nil, err
		}
		generated, p, err := policy.IgnoreWordFromPrompts(enc, prompts)
		if err != nil {
			return nil, err
		}
		setup.Controller, setup.Prompts = p, generated[:]

	case policyReplaceWord:
		prompts, err := pair(opts.Policy, prompts)
		if err != nil {
			return nil, err
		}
		indices, err := align.ReplacementIndices(enc, prompts, opts.WordA, opts.WordB)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("Replacing tokens %v of %q with tokens %v of %q", indices.Source, opts.WordA, indices.Target, opts.WordB)
		setup.Controller, err = policy.NewReplaceWord(indices, opts.Blend)
		if err != nil {
			return nil, err
		}

	case policyRefine:
		prompts, err := pair(opts.Policy, prompts)
		if err != nil {
			return nil, err
		}
		indices, err := align.RefineIndices(enc, prompts)
		if err != nil {
			return nil, err
		}
		setup.Controller, err = policy.NewRefine(indices, opts.Blend)
		if err != nil {
			return nil, err
		}

	case policyReweight:
		prompts, err := pair(opts.Policy, prompts)
		if err != nil {
			return nil, err
		}
		indices, err := align.ReweightIndices(enc, prompts, opts.WordA)
		if err != nil {
			return nil, err
		}
		setup.Controller, err = policy.NewReweightWord(indices, opts.Weight)
		if err != nil {
			return nil, err
		}

	default:
		return nil, errors.Errorf("unknown policy %q, expected one of %s", opts.Policy, strings.Join(policyNames, ", "))
	}
	if err != nil {
		return nil, err
	}
	return setup, nil
}

// buildController builds the policy and wraps it in the requested modifiers,
// innermost first: heads, self-attention lerp and cutoff, attention lerp and
// cutoff, decoder layers, offset.
func buildController(enc align.Encoder, prompts []string, opts editOptions) (*editSetup, error) {
	setup, err := newPolicy(enc, prompts, opts)
	if err != nil {
		return nil, err
	}

	c := setup.Controller
	wrap := func(name string, build func() (control.Controller, error)) {
		if err != nil {
			return
		}
		if c, err = build(); err != nil {
			err = errors.WithMessagef(err, "modifier %s", name)
			return
		}
		klog.V(1).Infof("Wrapped controller with %s", name)
	}

	if opts.Heads != "" {
		heads, parseErr := parseInts(opts.Heads)
		if parseErr != nil {
			return nil, errors.WithMessage(parseErr, "-heads")
		}
		wrap("attention heads", func() (control.Controller, error) { return modifier.NewAttentionHead(c, heads) })
	}
	if opts.SelfLerp {
		wrap("self-attention lerp", func() (control.Controller, error) { return modifier.NewSelfAttentionLerp(c) })
	}
	if opts.SelfCutoff >= 0 {
		wrap("self-attention cutoff", func() (control.Controller, error) { return modifier.NewSelfAttentionCutoff(c, opts.SelfCutoff) })
	}
	if opts.Lerp {
		wrap("attention lerp", func() (control.Controller, error) { return modifier.NewAttentionLerp(c) })
	}
	if opts.Cutoff >= 0 {
		wrap("attention cutoff", func() (control.Controller, error) { return modifier.NewAttentionCutoff(c, opts.Cutoff) })
	}
	if opts.Layers != "" {
		layers, parseErr := parseInts(opts.Layers)
		if parseErr != nil {
			return nil, errors.WithMessage(parseErr, "-layers")
		}
		wrap("decoder layers", func() (control.Controller, error) { return modifier.NewDecoderLayer(c, layers...) })
	}
	if opts.Offset >= 0 {
		wrap("offset", func() (control.Controller, error) { return modifier.NewOffset(c, opts.Offset) })
	}
	if err != nil {
		return nil, err
	}
	setup.Controller = c
	return setup, nil
}

// parseInts parses a comma-separated list of integers.
func parseInts(list string) ([]int, error) {
	var values []int
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.Atoi(field)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid integer %q", field)
		}
		values = append(values, v)
	}
	return values, nil
}
