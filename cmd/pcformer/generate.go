package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pcformer/internal/dataset"
	"github.com/samcharles93/pcformer/internal/generate"
	"github.com/samcharles93/pcformer/internal/logger"
	"github.com/samcharles93/pcformer/internal/logits"
	"github.com/samcharles93/pcformer/internal/metrics"
)

func generateCmd() *cli.Command {
	var (
		flash       bool
		maxTokens   int64
		prompt      string
		temperature float64
		topK        int64
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Sample text from a trained checkpoint",
		Flags: append(commonModelFlags(),
			dataFlag(),
			&cli.BoolFlag{
				Name:        "flash",
				Usage:       "use the fused single-pass attention kernel",
				Destination: &flash,
			},
			&cli.Int64Flag{
				Name:        "max_tokens",
				Aliases:     []string{"max-tokens", "n"},
				Usage:       "maximum number of new tokens to generate",
				Value:       50,
				Destination: &maxTokens,
			},
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "text prompt (unset samples prompts from the held-out split of --data)",
				Destination: &prompt,
			},
			&cli.Float64Flag{
				Name:        "temperature",
				Aliases:     []string{"temp", "t"},
				Usage:       "sampling temperature",
				Value:       1.0,
				Destination: &temperature,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "restrict sampling to the k most likely tokens (0 = full vocabulary)",
				Destination: &topK,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			userCfg := LoadConfig()
			applyModelConfig(cmd, userCfg)
			applySamplingConfig(cmd, userCfg, &temperature, &maxTokens, &topK)

			ctx, group, err := processGroup(ctx)
			if err != nil {
				return err
			}
			log := logger.FromContext(ctx)

			tok, err := loadTokenizer(tokenizerJSONPath)
			if err != nil {
				return err
			}
			cfg, err := resolveModelConfig(tok, modelConfigPath, modelPath)
			if err != nil {
				return err
			}
			if cmd.IsSet("flash") {
				cfg.UseFlashAttention = flash
			}
			m, err := loadModel(ctx, modelPath, cfg)
			if err != nil {
				return err
			}

			gen := generate.New(m, cfg, logits.NewSampler(logits.SamplerConfig{
				Seed: seed,
				TopK: int(topK),
			}))
			opts := generate.Options{MaxNewTokens: int(maxTokens), Temperature: temperature}

			if group.IsLeader() {
				var samples []generate.Sample
				if cmd.IsSet("prompt") {
					s, err := gen.FromPrompt(ctx, tok, prompt, opts, os.Stdout)
					if err != nil {
						return err
					}
					samples = append(samples, s)
				} else {
					sp, err := loadSplits(ctx, dataPath, tok, cfg)
					if err != nil {
						return err
					}
					batches := dataset.NewLoader(sp.test, cfg.BatchSize, cfg.PadTokenID, nil).Batches()
					samples, err = gen.FromSplit(ctx, tok, batches, generate.DefaultHeldOut(cfg.PadTokenID), opts, os.Stdout)
					if err != nil {
						return err
					}
				}
				if len(samples) > 0 {
					preds, targets := generate.Split(samples)
					if _, err := metrics.Report(ctx, os.Stdout, preds, targets); err != nil {
						return err
					}
				}
				log.Debug("generation finished", "samples", len(samples), "state", gen.State())
			}

			return shutdown(ctx, group)
		},
	}
}
