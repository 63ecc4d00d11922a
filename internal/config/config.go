package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the hyperparameters of a predictive-coding transformer run.
// It is built once, validated, and then passed around by value.
type Config struct {
	VocabSize int     `yaml:"vocab_size"`
	BlockSize int     `yaml:"block_size"`
	La        float64 `yaml:"la"`
	NEmbed    int     `yaml:"n_embed"`
	Dropout   float64 `yaml:"dropout"`

	// T is the number of settling iterations every PC layer runs per forward pass.
	T              int  `yaml:"T"`
	IsHoldingError bool `yaml:"is_holding_error"`
	UpdateBias     bool `yaml:"update_bias"`

	NumHeads   int  `yaml:"num_heads"`
	NBlocks    int  `yaml:"n_blocks"`
	BatchSize  int  `yaml:"batch_size"`
	NumEpochs  int  `yaml:"num_epochs"`
	UseLateral bool `yaml:"use_lateral"`

	EnergyFnName string `yaml:"energy_fn_name"`

	// EOSTokenID disables early stopping when nil.
	EOSTokenID *int `yaml:"eos_token_id"`
	PadTokenID int  `yaml:"pad_token_id"`

	WarmupSteps       int      `yaml:"warmup_steps"`
	LocalLearningRate *float64 `yaml:"local_learning_rate"`
	PeakLearningRate  *float64 `yaml:"peak_learning_rate"`

	UseFlashAttention bool `yaml:"use_flash_attention"`
}

// Default returns a config populated with the stock hyperparameters.
func Default(vocabSize, blockSize int) Config {
	return Config{
		VocabSize:    vocabSize,
		BlockSize:    blockSize,
		La:           0.5,
		NEmbed:       64,
		Dropout:      0.1,
		T:            10,
		UpdateBias:   true,
		NumHeads:     2,
		NBlocks:      4,
		BatchSize:    8,
		NumEpochs:    5,
		UseLateral:   true,
		EnergyFnName: string(EnergyScaledMSE),
		WarmupSteps:  1000,
	}
}

// Validate reports the first structural problem with c.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return invalid("vocab_size must be positive, got %d", c.VocabSize)
	case c.BlockSize <= 0:
		return invalid("block_size must be positive, got %d", c.BlockSize)
	case c.NEmbed <= 0:
		return invalid("n_embed must be positive, got %d", c.NEmbed)
	case c.NumHeads <= 0:
		return invalid("num_heads must be positive, got %d", c.NumHeads)
	case c.NEmbed%c.NumHeads != 0:
		return invalid("n_embed %d not divisible by num_heads %d", c.NEmbed, c.NumHeads)
	case c.Dropout < 0 || c.Dropout >= 1:
		return invalid("dropout must be in [0,1), got %g", c.Dropout)
	case c.T < 1:
		return invalid("T must be >= 1, got %d", c.T)
	case c.NBlocks < 1:
		return invalid("n_blocks must be >= 1, got %d", c.NBlocks)
	case c.PadTokenID < 0 || c.PadTokenID >= c.VocabSize:
		return invalid("pad_token_id %d outside vocab of %d", c.PadTokenID, c.VocabSize)
	}
	if c.EOSTokenID != nil && (*c.EOSTokenID < 0 || *c.EOSTokenID >= c.VocabSize) {
		return invalid("eos_token_id %d outside vocab of %d", *c.EOSTokenID, c.VocabSize)
	}
	if _, err := ParseEnergyFn(c.EnergyFnName); err != nil {
		return err
	}
	if c.WarmupSteps < 0 {
		return invalid("warmup_steps must be >= 0, got %d", c.WarmupSteps)
	}
	return nil
}

// EnergyFn returns the parsed energy function. Call Validate first.
func (c Config) EnergyFn() EnergyFn {
	fn, _ := ParseEnergyFn(c.EnergyFnName)
	return fn
}

// HeadDim is the per-head attention width.
func (c Config) HeadDim() int {
	return c.NEmbed / c.NumHeads
}

// LearningRate returns the local update rate for the given optimisation step.
// A configured peak rate warms up linearly over WarmupSteps and then holds.
func (c Config) LearningRate(step int) float64 {
	if c.PeakLearningRate != nil {
		peak := *c.PeakLearningRate
		if c.WarmupSteps <= 0 || step >= c.WarmupSteps {
			return peak
		}
		return peak * float64(step+1) / float64(c.WarmupSteps)
	}
	if c.LocalLearningRate != nil {
		return *c.LocalLearningRate
	}
	return 1e-3
}

// WithEOS returns a copy of c with the EOS id set.
func (c Config) WithEOS(id int) Config {
	c.EOSTokenID = &id
	return c
}

// Load reads a YAML hyperparameter file on top of base.
// Keys missing from the file keep the values already in base.
func Load(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read model config: %w", err)
	}
	cfg, err := Parse(data, base)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of base.
func Parse(data []byte, base Config) (Config, error) {
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse model config: %w", err)
	}
	return cfg, nil
}

func Marshal(c Config) ([]byte, error) {
	return yaml.Marshal(c)
}

// Save writes c as YAML.
func Save(path string, c Config) error {
	data, err := Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
