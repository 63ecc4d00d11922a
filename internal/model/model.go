package model

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/samcharles93/pcformer/internal/config"
	"github.com/samcharles93/pcformer/internal/pc"
	"github.com/samcharles93/pcformer/internal/tensor"
)

var (
	ErrEmptyInput      = errors.New("empty input sequence")
	ErrContextTooLong  = errors.New("sequence longer than block size")
	ErrTokenOutOfRange = errors.New("token id out of range")
)

const lnEps = 1e-5

// LayerEnergy is the settled energy one PC layer reported for a forward pass.
type LayerEnergy struct {
	Layer   string
	Energy  float64
	Defined bool
}

// Output is the result of one forward pass over a single sequence.
type Output struct {
	Logits   *mat.Dense // [n x vocab]
	Hidden   *mat.Dense // [n x n_embed], input to the output projection
	Energies []LayerEnergy
}

// LastLogits returns the logits row of the final position.
func (o Output) LastLogits() []float64 {
	r, _ := o.Logits.Dims()
	return o.Logits.RawRowView(r - 1)
}

// PCTransformer is a decoder-only transformer whose sublayer output
// projections are predictive-coding layers.
type PCTransformer struct {
	cfg config.Config

	tokEmb *mat.Dense // [vocab x d]
	posEmb *mat.Dense // [block x d]
	blocks []*block
	lnfG   []float64
	lnfB   []float64
	head   *mat.Dense // [vocab x d]
	headB  []float64

	layers []*pc.Layer

	training bool
	lr       float64
	rng      *rand.Rand
}

// New builds a model with weights drawn deterministically from seed.
func New(cfg config.Config, seed uint64) (*PCTransformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := cfg.NEmbed
	opts := pc.OptionsFromConfig(cfg)
	m := &PCTransformer{
		cfg:    cfg,
		tokEmb: mat.NewDense(cfg.VocabSize, d, nil),
		posEmb: mat.NewDense(cfg.BlockSize, d, nil),
		lnfG:   ones(d),
		lnfB:   make([]float64, d),
		head:   mat.NewDense(cfg.VocabSize, d, nil),
		headB:  make([]float64, cfg.VocabSize),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	for i := range cfg.NBlocks {
		b := newBlock(i, d, opts)
		m.blocks = append(m.blocks, b)
		m.layers = append(m.layers, b.attnOut, b.mlpOut)
	}

	normal := distuv.Normal{Mu: 0, Sigma: 0.02, Src: rand.NewPCG(seed, 1)}
	for _, p := range m.params() {
		if p.init == initNormal {
			for i := range p.data {
				p.data[i] = normal.Rand()
			}
		}
	}
	return m, nil
}

func (m *PCTransformer) Config() config.Config { return m.cfg }

// PCLayers is the registry of every predictive-coding layer, in forward order.
func (m *PCTransformer) PCLayers() []*pc.Layer { return m.layers }

func (m *PCTransformer) Resettables() []pc.Resettable {
	if m == nil {
		return nil
	}
	out := make([]pc.Resettable, len(m.layers))
	for i, l := range m.layers {
		out[i] = l
	}
	return out
}

// SetTraining toggles dropout and local PC updates.
func (m *PCTransformer) SetTraining(on bool) { m.training = on }

// SetLearningRate sets the rate used by local PC updates while training.
func (m *PCTransformer) SetLearningRate(lr float64) { m.lr = lr }

// Forward runs the model over input. target supplies the top-down signal for
// every PC layer and must be the same length as input; generation passes
// the input itself.
func (m *PCTransformer) Forward(target, input []int) (Output, error) {
	n := len(input)
	if n == 0 {
		return Output{}, ErrEmptyInput
	}
	if n > m.cfg.BlockSize {
		return Output{}, fmt.Errorf("%w: %d > %d", ErrContextTooLong, n, m.cfg.BlockSize)
	}
	if target != nil && len(target) != n {
		return Output{}, fmt.Errorf("target length %d does not match input length %d", len(target), n)
	}

	x, err := m.embed(input)
	if err != nil {
		return Output{}, err
	}
	var tgt *mat.Dense
	if target != nil {
		if tgt, err = m.embed(target); err != nil {
			return Output{}, err
		}
	}

	lr := 0.0
	if m.training {
		lr = m.lr
	}
	energies := make([]LayerEnergy, 0, len(m.layers))
	for _, b := range m.blocks {
		reports, err := b.forward(m, x, tgt, lr)
		if err != nil {
			return Output{}, err
		}
		energies = append(energies, reports...)
	}

	d := m.cfg.NEmbed
	hidden := mat.NewDense(n, d, nil)
	tensor.LayerNorm(hidden, x, m.lnfG, m.lnfB, lnEps)
	logits := mat.NewDense(n, m.cfg.VocabSize, nil)
	logits.Mul(hidden, m.head.T())
	tensor.AddRowVector(logits, m.headB)

	return Output{Logits: logits, Hidden: hidden, Energies: energies}, nil
}

// ApplyOutputGradient takes one SGD step on the output projection given the
// gradient of the loss with respect to out.Logits.
func (m *PCTransformer) ApplyOutputGradient(out Output, dLogits *mat.Dense, lr float64) {
	var dW mat.Dense
	dW.Mul(dLogits.T(), out.Hidden)
	dW.Scale(lr, &dW)
	m.head.Sub(m.head, &dW)
	r, _ := dLogits.Dims()
	for i := range r {
		for j, g := range dLogits.RawRowView(i) {
			m.headB[j] -= lr * g
		}
	}
}

func (m *PCTransformer) embed(ids []int) (*mat.Dense, error) {
	x := mat.NewDense(len(ids), m.cfg.NEmbed, nil)
	for i, id := range ids {
		if id < 0 || id >= m.cfg.VocabSize {
			return nil, fmt.Errorf("%w: %d (vocab %d)", ErrTokenOutOfRange, id, m.cfg.VocabSize)
		}
		row := x.RawRowView(i)
		copy(row, m.tokEmb.RawRowView(id))
		for j, v := range m.posEmb.RawRowView(i) {
			row[j] += v
		}
	}
	return x, nil
}

func (m *PCTransformer) dropout(x *mat.Dense) {
	p := m.cfg.Dropout
	if !m.training || p <= 0 {
		return
	}
	keep := 1 / (1 - p)
	data := x.RawMatrix().Data
	for i := range data {
		if m.rng.Float64() < p {
			data[i] = 0
		} else {
			data[i] *= keep
		}
	}
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
