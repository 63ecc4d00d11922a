package main

import "github.com/urfave/cli/v3"

var (
	modelPath         string
	tokenizerJSONPath string
	modelConfigPath   string
	dataPath          string
	seed              uint64
	logLevel          string
	logFormat         string
	debug             bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a .safetensors checkpoint",
			Value:       defaultCheckpoint,
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "tokenizer-json",
			Usage:       "path to tokenizer.json",
			Value:       "tokenizer.json",
			Destination: &tokenizerJSONPath,
		},
		&cli.StringFlag{
			Name:        "model-config",
			Usage:       "YAML hyperparameters (defaults to the config embedded in the checkpoint)",
			Destination: &modelConfigPath,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "seed for weight init, shuffling and sampling",
			Value:       42,
			Destination: &seed,
		},
	}
}

func dataFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "data",
		Usage:       "line-per-example text corpus",
		Destination: &dataPath,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
