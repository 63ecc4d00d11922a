package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pcformer/internal/config"
	"github.com/samcharles93/pcformer/internal/dataset"
	"github.com/samcharles93/pcformer/internal/logger"
	"github.com/samcharles93/pcformer/internal/model"
	"github.com/samcharles93/pcformer/internal/train"
)

func trainCmd() *cli.Command {
	var (
		epochs    int64
		outPath   string
		curvePath string
	)

	return &cli.Command{
		Name:  "train",
		Usage: "Train a model on a text corpus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "tokenizer-json",
				Usage:       "path to tokenizer.json",
				Value:       "tokenizer.json",
				Destination: &tokenizerJSONPath,
			},
			&cli.StringFlag{
				Name:        "model-config",
				Usage:       "YAML hyperparameters",
				Destination: &modelConfigPath,
			},
			&cli.Uint64Flag{
				Name:        "seed",
				Usage:       "seed for weight init and shuffling",
				Value:       42,
				Destination: &seed,
			},
			dataFlag(),
			&cli.Int64Flag{
				Name:        "epochs",
				Usage:       "number of epochs (0 uses num_epochs from the model config)",
				Destination: &epochs,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       fmt.Sprintf("checkpoint path (default %s, or under $%s)", defaultCheckpoint, envCheckpointDir),
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "curve",
				Usage:       "write the per-epoch energy/perplexity curve as JSON",
				Value:       "checkpoints/training_curve.json",
				Destination: &curvePath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, LoadConfig())

			ctx, group, err := processGroup(ctx)
			if err != nil {
				return err
			}
			log := logger.FromContext(ctx)

			tok, err := loadTokenizer(tokenizerJSONPath)
			if err != nil {
				return err
			}
			cfg, err := resolveModelConfig(tok, modelConfigPath, "")
			if err != nil {
				return err
			}
			sp, err := loadSplits(ctx, dataPath, tok, cfg)
			if err != nil {
				return err
			}

			m, err := model.New(cfg, seed)
			if err != nil {
				return err
			}
			shuffle := seed + uint64(group.Rank)
			loader := dataset.NewLoader(dataset.Shard(sp.train, group.Rank, group.WorldSize), cfg.BatchSize, cfg.PadTokenID, &shuffle)
			log.Info("training",
				"batches_per_epoch", loader.Len(),
				"pc_layers", len(m.PCLayers()),
				"T", cfg.T,
				"energy_fn", cfg.EnergyFnName,
			)

			opts := train.FitOptions{Epochs: cfg.NumEpochs}
			if epochs > 0 {
				opts.Epochs = int(epochs)
			}
			if group.IsLeader() {
				if opts.CheckpointPath, err = resolveCheckpointOut(outPath); err != nil {
					return err
				}
				opts.CurvePath = curvePath
				meta, err := checkpointMetadata(cfg)
				if err != nil {
					return err
				}
				opts.Metadata = meta
			}

			tr := train.NewTrainer(train.Layers{PCTransformer: m}, cfg)
			if _, err := tr.Fit(ctx, loader, m, opts); err != nil {
				return err
			}
			if group.IsLeader() {
				path, err := saveRunConfig(opts.CheckpointPath, cfg)
				if err != nil {
					return err
				}
				log.Info("run config saved", "path", path)
			}
			return shutdown(ctx, group)
		},
	}
}

func checkpointMetadata(cfg config.Config) (map[string]string, error) {
	data, err := config.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"format":          "pcformer",
		configMetadataKey: string(data),
	}, nil
}
