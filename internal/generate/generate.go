// Package generate runs autoregressive sampling over a predictive-coding
// model.
package generate

import (
	"context"
	"fmt"
	"slices"

	"github.com/samcharles93/pcformer/internal/config"
	"github.com/samcharles93/pcformer/internal/logger"
	"github.com/samcharles93/pcformer/internal/model"
	"github.com/samcharles93/pcformer/internal/pc"
)

// Model is what the generation loop drives. Every forward pass leaves
// transient PC state behind that the loop clears through the registry.
type Model interface {
	Forward(target, input []int) (model.Output, error)
	pc.Registry
}

// Sampler draws the next token from last-position logits.
type Sampler interface {
	Sample(logits []float64, temperature float64) (int, error)
}

type State int

const (
	AwaitingInput State = iota
	Stepping
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingInput:
		return "awaiting_input"
	case Stepping:
		return "stepping"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type StopReason string

const (
	StopEOS    StopReason = "eos"
	StopLength StopReason = "length"
)

type Options struct {
	MaxNewTokens int
	Temperature  float64
}

// Result is the outcome of one Generate call. Tokens keeps the full history,
// prompt first, even when the model only saw a sliding window of it.
type Result struct {
	Tokens     []int
	Generated  int
	StopReason StopReason
}

// Continuation returns the tokens produced after the prompt.
func (r Result) Continuation() []int {
	return r.Tokens[len(r.Tokens)-r.Generated:]
}

type Generator struct {
	Model   Model
	Config  config.Config
	Sampler Sampler

	state State
}

func New(m Model, cfg config.Config, s Sampler) *Generator {
	return &Generator{Model: m, Config: cfg, Sampler: s}
}

// State reports where the last Generate call left the loop.
func (g *Generator) State() State { return g.state }

// Generate extends prompt by up to opts.MaxNewTokens sampled tokens. Each step
// conditions on at most BlockSize trailing tokens, feeds the window as both
// target and input, samples from the final position, and resets PC state
// before the next step. Sampling the configured EOS id ends the loop early.
//
// Temperature is used as given; zero surfaces as a sampling error.
func (g *Generator) Generate(ctx context.Context, prompt []int, opts Options) (Result, error) {
	log := logger.FromContext(ctx)
	seq := slices.Clone(prompt)
	res := Result{StopReason: StopLength}
	g.state = Stepping

	for step := range opts.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			g.state = Terminated
			res.Tokens = seq
			return res, err
		}

		window := seq
		if len(window) > g.Config.BlockSize {
			window = window[len(window)-g.Config.BlockSize:]
		}

		out, err := g.Model.Forward(window, window)
		if err != nil {
			pc.Reset(g.Model)
			g.state = Terminated
			res.Tokens = seq
			return res, fmt.Errorf("generate step %d: %w", step, err)
		}
		next, err := g.Sampler.Sample(out.LastLogits(), opts.Temperature)
		if err != nil {
			pc.Reset(g.Model)
			g.state = Terminated
			res.Tokens = seq
			return res, fmt.Errorf("generate step %d: %w", step, err)
		}

		seq = append(seq, next)
		res.Generated++
		pc.Reset(g.Model)

		if eos := g.Config.EOSTokenID; eos != nil && next == *eos {
			res.StopReason = StopEOS
			break
		}
	}

	g.state = Terminated
	res.Tokens = seq
	log.Debug("generation finished", "prompt_tokens", len(prompt), "generated", res.Generated, "stop", res.StopReason)
	return res, nil
}
