package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pcformer/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "pcformer",
		Usage: "Train and sample predictive-coding transformer language models",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			applyLoggingConfig(cmd, LoadConfig())
			level := logLevel
			if debug {
				level = "debug"
			}
			return logger.WithContext(ctx, logger.Setup(os.Stderr, level, logFormat)), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			generateCmd(),
			trainCmd(),
			serveCmd(),
			inspectCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
