package train

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/pcformer/internal/config"
	"github.com/samcharles93/pcformer/internal/dataset"
	"github.com/samcharles93/pcformer/internal/model"
	"github.com/samcharles93/pcformer/internal/pc"
)

const vocab = 6

type fixedEnergy struct {
	e  float64
	ok bool
}

func (f fixedEnergy) Energy() (float64, bool) { return f.e, f.ok }

// fakeModel returns uniform logits, so the cross entropy of every counted
// position is log(vocab).
type fakeModel struct {
	layers   []EnergyLayer
	failAt   int
	forwards int
	resets   int
	grads    int
	lrs      []float64
	training bool
}

func (f *fakeModel) Forward(target, input []int) (model.Output, error) {
	f.forwards++
	if f.failAt > 0 && f.forwards == f.failAt {
		return model.Output{}, errors.New("boom")
	}
	return model.Output{Logits: mat.NewDense(len(input), vocab, nil)}, nil
}

func (f *fakeModel) ApplyOutputGradient(model.Output, *mat.Dense, float64) { f.grads++ }
func (f *fakeModel) SetTraining(on bool)                                 { f.training = on }
func (f *fakeModel) SetLearningRate(lr float64)                          { f.lrs = append(f.lrs, lr) }
func (f *fakeModel) EnergyLayers() []EnergyLayer                         { return f.layers }
func (f *fakeModel) Resettables() []pc.Resettable                        { return []pc.Resettable{f} }
func (f *fakeModel) ClearErrors()                                        {}
func (f *fakeModel) ClearEnergy()                                        { f.resets++ }

func testConfig() config.Config {
	cfg := config.Default(vocab, 8)
	cfg.NEmbed = 8
	cfg.NumHeads = 2
	cfg.NBlocks = 1
	cfg.T = 2
	cfg.Dropout = 0
	return cfg
}

func batch(rows ...[]int) dataset.Batch {
	var ex []dataset.Example
	for _, r := range rows {
		ex = append(ex, dataset.Example{Input: r, Target: r})
	}
	return dataset.Collate(ex, 0)
}

func TestRunEpochEnergyFallsBackToCrossEntropy(t *testing.T) {
	t.Parallel()
	f := &fakeModel{}
	tr := NewTrainer(f, testConfig())
	stats, err := tr.RunEpoch(context.Background(), []dataset.Batch{batch([]int{1, 2, 3}, []int{4, 0})})
	if err != nil {
		t.Fatalf("RunEpoch: %v", err)
	}
	want := math.Log(vocab)
	if math.Abs(stats.AvgCE-want) > 1e-12 {
		t.Fatalf("ce = %v, want %v", stats.AvgCE, want)
	}
	if stats.AvgEnergy != stats.AvgCE {
		t.Fatalf("energy %v must equal ce %v without layer energies", stats.AvgEnergy, stats.AvgCE)
	}
	if math.Abs(stats.Perplexity-vocab) > 1e-9 {
		t.Fatalf("perplexity = %v, want %d", stats.Perplexity, vocab)
	}
	if f.resets != 1 || f.training {
		t.Fatalf("resets=%d training=%v", f.resets, f.training)
	}
}

func TestRunEpochAveragesDefinedEnergies(t *testing.T) {
	t.Parallel()
	f := &fakeModel{layers: []EnergyLayer{
		fixedEnergy{e: 1, ok: true},
		fixedEnergy{ok: false},
		fixedEnergy{e: 3, ok: true},
	}}
	tr := NewTrainer(f, testConfig())
	stats, err := tr.RunEpoch(context.Background(), []dataset.Batch{batch([]int{1, 2}), batch([]int{3})})
	if err != nil {
		t.Fatalf("RunEpoch: %v", err)
	}
	if stats.AvgEnergy != 2 || stats.Batches != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRunEpochAllPadAndEmpty(t *testing.T) {
	t.Parallel()
	f := &fakeModel{}
	tr := NewTrainer(f, testConfig())
	stats, err := tr.RunEpoch(context.Background(), []dataset.Batch{batch([]int{0, 0, 0})})
	if err != nil {
		t.Fatalf("RunEpoch: %v", err)
	}
	if stats.AvgCE != 0 || stats.AvgEnergy != 0 || stats.Perplexity != 1 {
		t.Fatalf("all-pad stats = %+v", stats)
	}
	if f.grads != 0 {
		t.Fatalf("all-pad batch applied %d gradients", f.grads)
	}

	stats, err = tr.RunEpoch(context.Background(), nil)
	if err != nil {
		t.Fatalf("RunEpoch: %v", err)
	}
	if stats.AvgEnergy != 0 || stats.Perplexity != 1 || stats.Batches != 0 {
		t.Fatalf("empty stats = %+v", stats)
	}
}

func TestRunEpochResetsOnFailure(t *testing.T) {
	t.Parallel()
	f := &fakeModel{failAt: 2}
	tr := NewTrainer(f, testConfig())
	_, err := tr.RunEpoch(context.Background(), []dataset.Batch{batch([]int{1}, []int{2})})
	if err == nil {
		t.Fatal("expected forward error")
	}
	if f.resets != 1 {
		t.Fatalf("failed batch reset %d times, want 1", f.resets)
	}
}

func TestRunEpochFollowsSchedule(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	peak := 0.4
	cfg.PeakLearningRate = &peak
	cfg.WarmupSteps = 4
	f := &fakeModel{}
	tr := NewTrainer(f, cfg)
	batches := []dataset.Batch{batch([]int{1}), batch([]int{1}), batch([]int{1}), batch([]int{1}), batch([]int{1})}
	if _, err := tr.RunEpoch(context.Background(), batches); err != nil {
		t.Fatalf("RunEpoch: %v", err)
	}
	want := []float64{0.1, 0.2, 0.3, 0.4, 0.4}
	for i, lr := range f.lrs {
		if math.Abs(lr-want[i]) > 1e-12 {
			t.Fatalf("step %d lr = %v, want %v", i, lr, want[i])
		}
	}
	if tr.Step() != 5 {
		t.Fatalf("step = %d", tr.Step())
	}
}

type sliceSource []dataset.Batch

func (s sliceSource) Batches() []dataset.Batch { return s }

func TestFitTrainsSavesAndWritesCurve(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	m, err := model.New(cfg, 4)
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	dir := t.TempDir()
	ckpt := filepath.Join(dir, "ckpt", "model.safetensors")
	curvePath := filepath.Join(dir, "curve.json")

	src := sliceSource{batch([]int{1, 2, 3, 4}, []int{5, 4, 3}), batch([]int{2, 2, 1})}
	tr := NewTrainer(Layers{m}, cfg)
	curve, err := tr.Fit(context.Background(), src, m, FitOptions{
		Epochs:         3,
		CheckpointPath: ckpt,
		CurvePath:      curvePath,
		Metadata:       map[string]string{"format": "pcformer"},
	})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if len(curve.Epochs) != 3 || curve.RunID == "" {
		t.Fatalf("curve = %+v", curve)
	}
	for _, e := range curve.Epochs {
		if math.IsNaN(e.AvgEnergy) || math.IsInf(e.Perplexity, 0) || e.Perplexity < 1 {
			t.Fatalf("epoch %d stats not finite: %+v", e.Epoch, e)
		}
	}
	for _, l := range m.PCLayers() {
		if _, ok := l.Energy(); ok {
			t.Fatalf("%s kept energy after training", l.Name)
		}
	}

	if _, err := os.Stat(ckpt); err != nil {
		t.Fatalf("checkpoint missing: %v", err)
	}
	loaded, report, err := model.Load(ckpt, cfg, 0)
	if err != nil || len(report.Missing) != 0 {
		t.Fatalf("Load: %v %+v", err, report)
	}
	ids := []int{1, 2, 3}
	a, _ := m.Forward(ids, ids)
	b, _ := loaded.Forward(ids, ids)
	if !mat.Equal(a.Logits, b.Logits) {
		t.Fatal("saved checkpoint does not reproduce trained model")
	}

	got, err := ReadCurve(curvePath)
	if err != nil {
		t.Fatalf("ReadCurve: %v", err)
	}
	if got.RunID != curve.RunID || len(got.Energies()) != 3 || len(got.Perplexities()) != 3 {
		t.Fatalf("curve on disk = %+v", got)
	}
}
