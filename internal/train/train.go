// Package train drives epochs of predictive-coding training and reduces the
// per-layer energies into run diagnostics.
package train

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/pcformer/internal/config"
	"github.com/samcharles93/pcformer/internal/dataset"
	"github.com/samcharles93/pcformer/internal/logger"
	"github.com/samcharles93/pcformer/internal/model"
	"github.com/samcharles93/pcformer/internal/pc"
	"github.com/samcharles93/pcformer/internal/tensor"
)

const logEvery = 10

// EnergyLayer is a PC layer as the trainer sees it.
type EnergyLayer interface {
	Energy() (float64, bool)
}

// Model is the surface the training loop drives.
type Model interface {
	Forward(target, input []int) (model.Output, error)
	ApplyOutputGradient(out model.Output, dLogits *mat.Dense, lr float64)
	SetTraining(on bool)
	SetLearningRate(lr float64)
	EnergyLayers() []EnergyLayer
	pc.Registry
}

// Layers adapts a PCTransformer to Model.
type Layers struct {
	*model.PCTransformer
}

func (l Layers) EnergyLayers() []EnergyLayer {
	out := make([]EnergyLayer, 0, len(l.PCLayers()))
	for _, layer := range l.PCLayers() {
		out = append(out, layer)
	}
	return out
}

// EpochStats summarises one pass over the data.
type EpochStats struct {
	Epoch      int     `json:"epoch"`
	Batches    int     `json:"batches"`
	AvgEnergy  float64 `json:"avg_energy"`
	AvgCE      float64 `json:"avg_ce"`
	Perplexity float64 `json:"perplexity"`
}

type Trainer struct {
	model Model
	cfg   config.Config
	step  int
}

func NewTrainer(m Model, cfg config.Config) *Trainer {
	return &Trainer{model: m, cfg: cfg}
}

// Step is the number of batches trained so far across epochs.
func (t *Trainer) Step() int { return t.step }

// RunEpoch trains on every batch once. Each batch's energy is the mean of
// the defined layer energies, or its cross entropy when no layer reported
// one. Perplexity is exp of the epoch's mean cross entropy. An empty pass
// yields energy 0 and perplexity 1.
func (t *Trainer) RunEpoch(ctx context.Context, batches []dataset.Batch) (EpochStats, error) {
	log := logger.FromContext(ctx)
	t.model.SetTraining(true)
	defer t.model.SetTraining(false)

	var totalEnergy, totalCE float64
	count := 0
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return EpochStats{}, err
		}
		energy, ce, err := t.runBatch(b)
		if err != nil {
			return EpochStats{}, fmt.Errorf("batch %d: %w", i+1, err)
		}
		totalEnergy += energy
		totalCE += ce
		count++

		if (i+1)%logEvery == 0 {
			log.Info("batch", "batch", i+1, "of", len(batches), "energy", energy)
		}
	}

	stats := EpochStats{Batches: count}
	if count > 0 {
		stats.AvgEnergy = totalEnergy / float64(count)
		stats.AvgCE = totalCE / float64(count)
	}
	stats.Perplexity = math.Exp(stats.AvgCE)
	return stats, nil
}

func (t *Trainer) runBatch(b dataset.Batch) (energy, ce float64, err error) {
	defer pc.Reset(t.model)

	lr := t.cfg.LearningRate(t.step)
	t.step++
	t.model.SetLearningRate(lr)

	pad := t.cfg.PadTokenID
	counted := 0
	for _, row := range b.Target {
		for _, id := range row {
			if id != pad {
				counted++
			}
		}
	}

	var nll float64
	for r := range b.Len() {
		out, err := t.model.Forward(b.Target[r], b.Input[r])
		if err != nil {
			return 0, 0, err
		}
		loss, grad := crossEntropy(out.Logits, b.Target[r], pad, counted)
		nll += loss
		if grad != nil {
			t.model.ApplyOutputGradient(out, grad, lr)
		}
	}
	if counted > 0 {
		ce = nll / float64(counted)
	}

	var sum float64
	n := 0
	for _, l := range t.model.EnergyLayers() {
		if e, ok := l.Energy(); ok {
			sum += e
			n++
		}
	}
	if n == 0 {
		return ce, ce, nil
	}
	return sum / float64(n), ce, nil
}

// crossEntropy returns the summed negative log likelihood of targets under
// logits, skipping positions equal to ignore, together with the gradient of
// the batch mean loss (sum / norm). grad is nil when every position is ignored.
func crossEntropy(logits *mat.Dense, targets []int, ignore, norm int) (float64, *mat.Dense) {
	rows, cols := logits.Dims()
	var nll float64
	var grad *mat.Dense
	for i := range min(rows, len(targets)) {
		tgt := targets[i]
		if tgt == ignore {
			continue
		}
		row := logits.RawRowView(i)
		nll -= tensor.LogSoftmaxAt(row, tgt)
		if grad == nil {
			grad = mat.NewDense(rows, cols, nil)
		}
		g := grad.RawRowView(i)
		copy(g, row)
		tensor.Softmax(g)
		g[tgt]--
		for j := range g {
			g[j] /= float64(norm)
		}
	}
	return nll, grad
}
