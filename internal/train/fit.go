package train

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/pcformer/internal/dataset"
	"github.com/samcharles93/pcformer/internal/logger"
)

// BatchSource yields one pass of batches per call.
type BatchSource interface {
	Batches() []dataset.Batch
}

// Saver persists model parameters.
type Saver interface {
	Save(path string, metadata map[string]string) error
}

type FitOptions struct {
	Epochs int
	// CheckpointPath is skipped when empty.
	CheckpointPath string
	// CurvePath receives the per-epoch trajectory as JSON when set.
	CurvePath string
	Metadata  map[string]string
}

// Curve is the recorded training trajectory.
type Curve struct {
	RunID        string       `json:"run_id"`
	StartedAt    time.Time    `json:"started_at"`
	TotalSeconds float64      `json:"total_seconds"`
	Epochs       []EpochStats `json:"epochs"`
}

// Energies returns the average energy of each epoch in order.
func (c Curve) Energies() []float64 {
	out := make([]float64, len(c.Epochs))
	for i, e := range c.Epochs {
		out[i] = e.AvgEnergy
	}
	return out
}

// Perplexities returns the perplexity of each epoch in order.
func (c Curve) Perplexities() []float64 {
	out := make([]float64, len(c.Epochs))
	for i, e := range c.Epochs {
		out[i] = e.Perplexity
	}
	return out
}

// Fit runs opts.Epochs epochs, then saves the model through saver and writes
// the training curve.
func (t *Trainer) Fit(ctx context.Context, src BatchSource, saver Saver, opts FitOptions) (Curve, error) {
	runID := uuid.NewString()
	log := logger.FromContext(ctx).With("run", runID)
	curve := Curve{RunID: runID, StartedAt: time.Now().UTC()}

	log.Info("========== Training started ==========")
	start := time.Now()
	for epoch := range opts.Epochs {
		log.Info("epoch started", "epoch", epoch+1)
		stats, err := t.RunEpoch(logger.WithContext(ctx, log), src.Batches())
		if err != nil {
			return curve, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		stats.Epoch = epoch + 1
		curve.Epochs = append(curve.Epochs, stats)
		log.Info("epoch finished",
			"epoch", epoch+1,
			"avg_energy", fmt.Sprintf("%.4f", stats.AvgEnergy),
			"perplexity", fmt.Sprintf("%.4f", stats.Perplexity),
		)
	}
	curve.TotalSeconds = time.Since(start).Seconds()
	log.Info("total training time", "seconds", fmt.Sprintf("%.2f", curve.TotalSeconds))
	log.Info("========== Training completed ==========")

	if opts.CheckpointPath != "" && saver != nil {
		if err := os.MkdirAll(filepath.Dir(opts.CheckpointPath), 0o755); err != nil {
			return curve, err
		}
		meta := map[string]string{"run_id": runID}
		for k, v := range opts.Metadata {
			meta[k] = v
		}
		if err := saver.Save(opts.CheckpointPath, meta); err != nil {
			return curve, fmt.Errorf("save checkpoint: %w", err)
		}
		log.Info("model saved", "path", opts.CheckpointPath)
	}

	if opts.CurvePath != "" {
		if err := WriteCurve(opts.CurvePath, curve); err != nil {
			return curve, err
		}
		log.Info("training curve written", "path", opts.CurvePath)
	}
	return curve, nil
}

// WriteCurve writes c as indented JSON.
func WriteCurve(path string, c Curve) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode training curve: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadCurve loads a curve written by WriteCurve.
func ReadCurve(path string) (Curve, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Curve{}, err
	}
	var c Curve
	if err := json.Unmarshal(data, &c); err != nil {
		return Curve{}, fmt.Errorf("decode training curve %s: %w", path, err)
	}
	return c, nil
}
