package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/pcformer/internal/checkpoint"
	"github.com/samcharles93/pcformer/internal/config"
	"github.com/samcharles93/pcformer/internal/dataset"
	"github.com/samcharles93/pcformer/internal/dist"
	"github.com/samcharles93/pcformer/internal/logger"
	"github.com/samcharles93/pcformer/internal/model"
	"github.com/samcharles93/pcformer/internal/tokenizer"
)

const (
	defaultCheckpoint = "checkpoints/pc_transformer.safetensors"
	defaultBlockSize  = 80

	// configMetadataKey holds the training config inside checkpoint metadata.
	configMetadataKey = "pcformer.config"

	// The split seed is fixed so train and generate agree on the test set.
	splitSeed = 1234
	validFrac = 0.1
	testFrac  = 0.1

	envCheckpointDir = "PCFORMER_CHECKPOINT_DIR"
)

// loadTokenizer reads tokenizer.json and registers the pad and EOS specials.
func loadTokenizer(path string) (*tokenizer.BPETokenizer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("--tokenizer-json is required")
	}
	tok, err := tokenizer.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	tok.AddSpecialTokens(tokenizer.PadToken, tokenizer.EOSToken)
	return tok, nil
}

// resolveModelConfig layers, lowest first: stock defaults for the tokenizer's
// vocabulary, the config embedded in ckpt (if any), then the --model-config
// file. Pad and EOS ids always come from the tokenizer.
func resolveModelConfig(tok tokenizer.Tokenizer, configPath, ckpt string) (config.Config, error) {
	cfg := config.Default(tok.VocabSize(), defaultBlockSize)

	if ckpt != "" {
		if _, err := os.Stat(ckpt); err == nil {
			f, err := checkpoint.Open(ckpt)
			if err != nil {
				return config.Config{}, err
			}
			embedded := f.Metadata[configMetadataKey]
			_ = f.Close()
			if embedded != "" {
				if cfg, err = config.Parse([]byte(embedded), cfg); err != nil {
					return config.Config{}, fmt.Errorf("checkpoint config: %w", err)
				}
			}
		}
	}
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath, cfg); err != nil {
			return config.Config{}, err
		}
	}

	if id, ok := tok.TokenID(tokenizer.PadToken); ok {
		cfg.PadTokenID = id
	}
	if id, ok := tok.TokenID(tokenizer.EOSToken); ok {
		cfg = cfg.WithEOS(id)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// loadModel builds the model for cfg and loads the checkpoint non-strictly.
// Missing and unexpected keys are logged and otherwise tolerated.
func loadModel(ctx context.Context, path string, cfg config.Config) (*model.PCTransformer, error) {
	log := logger.FromContext(ctx)
	m, report, err := model.Load(path, cfg, seed)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	if len(report.Missing) > 0 {
		log.Warn("checkpoint missing parameters", "count", len(report.Missing), "names", report.Missing)
	}
	if len(report.Unexpected) > 0 {
		log.Warn("checkpoint has unexpected parameters", "count", len(report.Unexpected), "names", report.Unexpected)
	}
	log.Info("model loaded", "path", path, "params", len(m.StateDict()))
	return m, nil
}

type splits struct {
	train, valid, test []dataset.Example
}

func loadSplits(ctx context.Context, path string, tok tokenizer.Tokenizer, cfg config.Config) (splits, error) {
	if strings.TrimSpace(path) == "" {
		return splits{}, errors.New("--data is required")
	}
	lines, err := dataset.ReadLines(path)
	if err != nil {
		return splits{}, err
	}
	eos := -1
	if cfg.EOSTokenID != nil {
		eos = *cfg.EOSTokenID
	}
	examples, err := dataset.Build(tok, lines, cfg.BlockSize, eos)
	if err != nil {
		return splits{}, err
	}
	var s splits
	s.train, s.valid, s.test = dataset.Split(examples, splitSeed, validFrac, testFrac)
	logger.FromContext(ctx).Info("dataset loaded",
		"path", path, "lines", len(lines),
		"train", len(s.train), "valid", len(s.valid), "test", len(s.test))
	return s, nil
}

// resolveCheckpointOut picks where training writes its checkpoint: the flag
// when given, else PCFORMER_CHECKPOINT_DIR, else the stock path. The parent
// directory is created.
func resolveCheckpointOut(outFlag string) (string, error) {
	out := strings.TrimSpace(outFlag)
	if out == "" {
		if dir := strings.TrimSpace(os.Getenv(envCheckpointDir)); dir != "" {
			out = filepath.Join(dir, filepath.Base(defaultCheckpoint))
		} else {
			out = defaultCheckpoint
		}
	}
	out = filepath.Clean(out)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", err
	}
	return out, nil
}

// saveRunConfig writes cfg as YAML beside the checkpoint, e.g.
// model.safetensors -> model.yaml, so the run can be reproduced with
// --model-config.
func saveRunConfig(ckpt string, cfg config.Config) (string, error) {
	path := strings.TrimSuffix(ckpt, filepath.Ext(ckpt)) + ".yaml"
	if err := config.Save(path, cfg); err != nil {
		return "", fmt.Errorf("save run config: %w", err)
	}
	return path, nil
}

// processGroup joins the launcher's group and tags the context logger with
// this replica's rank.
func processGroup(ctx context.Context) (context.Context, *dist.Group, error) {
	g, err := dist.FromEnv()
	if err != nil {
		return ctx, nil, err
	}
	log := logger.FromContext(ctx)
	if g.Distributed() {
		log = log.With("rank", g.Rank)
		ctx = logger.WithContext(ctx, log)
	}
	log.Debug("process group", "rank", g.Rank, "world_size", g.WorldSize, "local_rank", g.LocalRank)
	return ctx, g, nil
}

// shutdown waits for every replica. The leader then clears the rendezvous
// directory.
func shutdown(ctx context.Context, g *dist.Group) error {
	if err := g.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	return g.Destroy(ctx)
}
