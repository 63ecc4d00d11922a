package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the user configuration file
// (~/.config/pcformer/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Tokenizer string `yaml:"tokenizer"`
	Data      string `yaml:"data"`
	Model     string `yaml:"model"`

	// Sampling defaults
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   *int64   `yaml:"max_tokens"`
	TopK        *int64   `yaml:"top_k"`
	Seed        *uint64  `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "pcformer", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't
// exist or cannot be parsed.
func LoadConfig() Config {
	return loadConfigFile(configPath())
}

func loadConfigFile(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig fills the shared model flags from the config file when
// they were not given on the command line.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.Tokenizer != "" && !c.IsSet("tokenizer-json") {
		tokenizerJSONPath = cfg.Tokenizer
	}
	if cfg.Data != "" && !c.IsSet("data") {
		dataPath = cfg.Data
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
}

func applySamplingConfig(c *cli.Command, cfg Config, temp *float64, maxTokens, topK *int64) {
	if cfg.Temperature != nil && !c.IsSet("temperature") {
		*temp = *cfg.Temperature
	}
	if cfg.MaxTokens != nil && !c.IsSet("max_tokens") {
		*maxTokens = *cfg.MaxTokens
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		*topK = *cfg.TopK
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
