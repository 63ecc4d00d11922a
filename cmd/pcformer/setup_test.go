package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/pcformer/internal/checkpoint"
	"github.com/samcharles93/pcformer/internal/config"
	"github.com/samcharles93/pcformer/internal/model"
	"github.com/samcharles93/pcformer/internal/tokenizer"
)

const testTokenizerJSON = `{
  "model": {
    "type": "BPE",
    "vocab": {"a": 0, "b": 1, "Ġ": 2, "ab": 3},
    "merges": ["a b"]
  }
}`

func writeTokenizer(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	if err := os.WriteFile(path, []byte(testTokenizerJSON), 0o644); err != nil {
		t.Fatalf("write tokenizer: %v", err)
	}
	return path
}

func smallConfig(vocab int) config.Config {
	cfg := config.Default(vocab, 6)
	cfg.NEmbed = 4
	cfg.NumHeads = 2
	cfg.NBlocks = 1
	cfg.T = 2
	return cfg
}

func TestResolveCheckpointOut(t *testing.T) {
	t.Run("explicit output wins", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "nested", "model.safetensors")
		got, err := resolveCheckpointOut(out)
		if err != nil {
			t.Fatalf("resolveCheckpointOut returned error: %v", err)
		}
		if got != filepath.Clean(out) {
			t.Fatalf("unexpected output path: got %q want %q", got, out)
		}
		if _, err := os.Stat(filepath.Dir(got)); err != nil {
			t.Fatalf("expected output directory to exist: %v", err)
		}
	})

	t.Run("env dir overrides default", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "ckpts")
		t.Setenv(envCheckpointDir, dir)
		got, err := resolveCheckpointOut("  ")
		if err != nil {
			t.Fatalf("resolveCheckpointOut returned error: %v", err)
		}
		if want := filepath.Join(dir, "pc_transformer.safetensors"); got != want {
			t.Fatalf("unexpected output path: got %q want %q", got, want)
		}
	})
}

func TestSaveRunConfigBesideCheckpoint(t *testing.T) {
	t.Parallel()
	cfg := smallConfig(6)
	cfg.T = 3
	ckpt := filepath.Join(t.TempDir(), "model.safetensors")
	path, err := saveRunConfig(ckpt, cfg)
	if err != nil {
		t.Fatalf("saveRunConfig: %v", err)
	}
	if filepath.Base(path) != "model.yaml" {
		t.Fatalf("unexpected config path %q", path)
	}
	got, err := config.Load(path, config.Default(6, 6))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.T != 3 || got.NEmbed != 4 || got.NBlocks != 1 {
		t.Fatalf("saved config not reloaded: %+v", got)
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "tokenizer: /data/tok.json\ntemperature: 0.7\nmax_tokens: 12\nseed: 9\nlog_format: json\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := loadConfigFile(path)
	if cfg.Tokenizer != "/data/tok.json" || cfg.LogFormat != "json" {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.7 || *cfg.MaxTokens != 12 || *cfg.Seed != 9 {
		t.Fatalf("pointer fields not parsed: %+v", cfg)
	}
	if cfg.TopK != nil {
		t.Fatalf("unset field should stay nil, got %v", *cfg.TopK)
	}

	if got := loadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); got.Tokenizer != "" {
		t.Fatalf("missing file should give zero config, got %+v", got)
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("temperature: [oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := loadConfigFile(bad); got.Temperature != nil {
		t.Fatalf("malformed file should give zero config, got %+v", got)
	}
}

func TestLoadTokenizerAddsSpecials(t *testing.T) {
	t.Parallel()
	tok, err := loadTokenizer(writeTokenizer(t))
	if err != nil {
		t.Fatalf("loadTokenizer: %v", err)
	}
	if tok.VocabSize() != 6 {
		t.Fatalf("vocab size %d, want 4 base + 2 specials", tok.VocabSize())
	}
	if _, err := loadTokenizer(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestResolveModelConfigUsesCheckpoint(t *testing.T) {
	t.Parallel()
	tok, err := loadTokenizer(writeTokenizer(t))
	if err != nil {
		t.Fatalf("loadTokenizer: %v", err)
	}

	cfg := smallConfig(tok.VocabSize())
	m, err := model.New(cfg, 1)
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	meta, err := checkpointMetadata(cfg)
	if err != nil {
		t.Fatalf("checkpointMetadata: %v", err)
	}
	ckpt := filepath.Join(t.TempDir(), "model.safetensors")
	if err := m.Save(ckpt, meta); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := resolveModelConfig(tok, "", ckpt)
	if err != nil {
		t.Fatalf("resolveModelConfig: %v", err)
	}
	if got.NEmbed != 4 || got.BlockSize != 6 || got.NBlocks != 1 {
		t.Fatalf("embedded config not applied: %+v", got)
	}
	pad, _ := tok.TokenID(tokenizer.PadToken)
	eos, _ := tok.TokenID(tokenizer.EOSToken)
	if got.PadTokenID != pad || got.EOSTokenID == nil || *got.EOSTokenID != eos {
		t.Fatalf("special ids not taken from tokenizer: pad=%d eos=%v", got.PadTokenID, got.EOSTokenID)
	}

	override := filepath.Join(t.TempDir(), "override.yaml")
	if err := os.WriteFile(override, []byte("T: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = resolveModelConfig(tok, override, ckpt)
	if err != nil {
		t.Fatalf("resolveModelConfig: %v", err)
	}
	if got.T != 5 || got.NEmbed != 4 {
		t.Fatalf("override not layered over checkpoint: %+v", got)
	}

	loaded, err := loadModel(context.Background(), ckpt, got)
	if err != nil {
		t.Fatalf("loadModel: %v", err)
	}
	if len(loaded.PCLayers()) != 2 {
		t.Fatalf("loaded %d PC layers", len(loaded.PCLayers()))
	}
}

func TestResolveModelConfigWithoutCheckpoint(t *testing.T) {
	t.Parallel()
	tok, err := loadTokenizer(writeTokenizer(t))
	if err != nil {
		t.Fatalf("loadTokenizer: %v", err)
	}
	cfg, err := resolveModelConfig(tok, "", filepath.Join(t.TempDir(), "absent.safetensors"))
	if err != nil {
		t.Fatalf("resolveModelConfig: %v", err)
	}
	if cfg.BlockSize != defaultBlockSize || cfg.VocabSize != tok.VocabSize() {
		t.Fatalf("defaults not used: %+v", cfg)
	}
}

func TestLoadSplits(t *testing.T) {
	t.Parallel()
	tok, err := loadTokenizer(writeTokenizer(t))
	if err != nil {
		t.Fatalf("loadTokenizer: %v", err)
	}
	cfg := smallConfig(tok.VocabSize())
	cfg.PadTokenID = 4
	cfg = cfg.WithEOS(5)

	corpus := filepath.Join(t.TempDir(), "corpus.txt")
	var lines []string
	for range 20 {
		lines = append(lines, "ab ab")
	}
	if err := os.WriteFile(corpus, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}
	sp, err := loadSplits(context.Background(), corpus, tok, cfg)
	if err != nil {
		t.Fatalf("loadSplits: %v", err)
	}
	if len(sp.train) != 16 || len(sp.valid) != 2 || len(sp.test) != 2 {
		t.Fatalf("split sizes %d/%d/%d", len(sp.train), len(sp.valid), len(sp.test))
	}
	if _, err := loadSplits(context.Background(), "", tok, cfg); err == nil {
		t.Fatal("expected error without --data")
	}
}

func TestPrintCheckpoint(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "x.safetensors")
	tensors := map[string]checkpoint.Tensor{
		"head.weight": {Shape: []int{2, 3}, Data: make([]float64, 6)},
		"head.bias":   {Shape: []int{2}, Data: make([]float64, 2)},
	}
	meta := map[string]string{"format": "pcformer", configMetadataKey: "n_embed: 4\n"}
	if err := checkpoint.Save(path, tensors, meta); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := checkpoint.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := printCheckpoint(&buf, f, "weight", true); err != nil {
		t.Fatalf("printCheckpoint: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"meta format = pcformer", "head.weight", "parameters: 8", "n_embed: 4"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "head.bias ") {
		t.Fatalf("filter not applied:\n%s", out)
	}
}
