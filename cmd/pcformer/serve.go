package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pcformer/internal/api"
	"github.com/samcharles93/pcformer/internal/generate"
	"github.com/samcharles93/pcformer/internal/logger"
	"github.com/samcharles93/pcformer/internal/logits"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		flash       bool
		maxTokens   int64
		temperature float64
		topK        int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve generation over HTTP",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.BoolFlag{
				Name:        "flash",
				Usage:       "use the fused single-pass attention kernel",
				Destination: &flash,
			},
			&cli.Int64Flag{
				Name:        "max_tokens",
				Aliases:     []string{"max-tokens"},
				Usage:       "default max_tokens for requests that omit it",
				Value:       50,
				Destination: &maxTokens,
			},
			&cli.Float64Flag{
				Name:        "temperature",
				Aliases:     []string{"temp"},
				Usage:       "default temperature for requests that omit it",
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
			applyServeConfig(cmd, userCfg, &addr)
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

			gen := generate.New(m, cfg, logits.NewSampler(logits.SamplerConfig{Seed: seed, TopK: int(topK)}))
			service := api.NewGenerationService(gen, tok, api.GenDefaults{
				MaxTokens:   int(maxTokens),
				Temperature: temperature,
			})
			server := api.NewServer(api.NewGenerationStore(), service)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
