package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/pcformer/internal/checkpoint"
)

func inspectCmd() *cli.Command {
	var (
		path         string
		showConfig   bool
		tensorFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "List the tensors and metadata of a checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to a .safetensors checkpoint",
				Value:       defaultCheckpoint,
				Destination: &path,
			},
			&cli.BoolFlag{Name: "config", Usage: "print the embedded model config", Destination: &showConfig},
			&cli.StringFlag{Name: "filter", Usage: "only list tensors whose name contains this string", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := checkpoint.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return printCheckpoint(os.Stdout, f, tensorFilter, showConfig)
		},
	}
}

func printCheckpoint(w io.Writer, f *checkpoint.File, filter string, showConfig bool) error {
	fmt.Fprintf(w, "checkpoint: %s\n", f.Path)

	keys := make([]string, 0, len(f.Metadata))
	for k := range f.Metadata {
		if k != configMetadataKey {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "meta %s = %s\n", k, f.Metadata[k])
	}

	total := 0
	for _, name := range f.Names() {
		info, _ := f.Tensor(name)
		n := 1
		for _, d := range info.Shape {
			n *= d
		}
		total += n
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		fmt.Fprintf(w, "%-32s %-4s %v\n", name, info.DType, info.Shape)
	}
	fmt.Fprintf(w, "tensors: %d  parameters: %d\n", len(f.Tensors), total)

	if showConfig {
		cfg, ok := f.Metadata[configMetadataKey]
		if !ok {
			return fmt.Errorf("%s has no embedded config", f.Path)
		}
		fmt.Fprintf(w, "\n%s", cfg)
	}
	return nil
}
