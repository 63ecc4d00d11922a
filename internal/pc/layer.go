package pc

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/pcformer/internal/config"
)

// inferenceRate is the step size of the latent update inside Settle.
const inferenceRate = 0.1

// Options controls how a layer settles.
type Options struct {
	T            int
	EnergyFn     config.EnergyFn
	HoldingError bool
	UpdateBias   bool
	// Lateral weights the pull of the top-down target on the latent state.
	// Zero disables it and the latent stays at the prediction.
	Lateral float64
}

// OptionsFromConfig derives settling options from a run config.
func OptionsFromConfig(c config.Config) Options {
	lateral := 0.0
	if c.UseLateral {
		lateral = c.La
	}
	return Options{
		T:            c.T,
		EnergyFn:     c.EnergyFn(),
		HoldingError: c.IsHoldingError,
		UpdateBias:   c.UpdateBias,
		Lateral:      lateral,
	}
}

// Layer is a linear predictive-coding layer. The forward output is always the
// bottom-up prediction W·x+b; settling only produces the residual error, its
// energy, and (when a learning rate is given) the local weight update.
//
// Layer is not safe for concurrent use.
type Layer struct {
	Name string
	W    *mat.Dense // [out x in]
	B    []float64  // [out]
	opts Options

	errs      *mat.Dense
	energySum float64
	settles   int
}

// NewLayer allocates a zeroed layer.
func NewLayer(name string, in, out int, opts Options) *Layer {
	return &Layer{
		Name: name,
		W:    mat.NewDense(out, in, nil),
		B:    make([]float64, out),
		opts: opts,
	}
}

// In and Out report the layer's input and output widths.
func (l *Layer) In() int  { _, c := l.W.Dims(); return c }
func (l *Layer) Out() int { r, _ := l.W.Dims(); return r }

// Settle runs T settling iterations over a batch of rows.
//
// x is [n x in]. target, when non-nil, is [n x out] and acts as the top-down
// signal the latent is pulled toward. lr > 0 applies the local update after
// settling. The returned prediction is [n x out].
func (l *Layer) Settle(x, target *mat.Dense, lr float64) (*mat.Dense, float64, error) {
	n, in := x.Dims()
	if in != l.In() {
		return nil, 0, fmt.Errorf("%s: input width %d, want %d", l.Name, in, l.In())
	}
	out := l.Out()
	if target != nil {
		if tr, tc := target.Dims(); tr != n || tc != out {
			return nil, 0, fmt.Errorf("%s: target is %dx%d, want %dx%d", l.Name, tr, tc, n, out)
		}
	}

	mu := mat.NewDense(n, out, nil)
	mu.Mul(x, l.W.T())
	for i := range n {
		row := mu.RawRowView(i)
		for j := range row {
			row[j] += l.B[j]
		}
	}

	z := mat.DenseCopyOf(mu)
	e := mat.NewDense(n, out, nil)
	var held *mat.Dense
	if l.opts.HoldingError {
		held = mat.NewDense(n, out, nil)
	}
	step := mat.NewDense(n, out, nil)
	grad := step.RawMatrix().Data

	for t := 0; t < l.opts.T; t++ {
		e.Sub(z, mu)
		if held != nil && t > 0 {
			e.Add(e, held)
			e.Scale(0.5, e)
		}
		l.opts.EnergyFn.Grad(grad, e.RawMatrix().Data)
		if target != nil && l.opts.Lateral > 0 {
			var pull mat.Dense
			pull.Sub(z, target)
			pull.Scale(l.opts.Lateral, &pull)
			step.Add(step, &pull)
		}
		step.Scale(inferenceRate, step)
		z.Sub(z, step)
		if held != nil {
			held.Copy(e)
		}
	}
	e.Sub(z, mu)

	energy := l.opts.EnergyFn.Eval(e.RawMatrix().Data)
	l.errs = e
	l.energySum += energy
	l.settles++

	if lr > 0 {
		l.localUpdate(x, e, lr)
	}
	return mu, energy, nil
}

// localUpdate moves the prediction toward the settled latent:
// W += lr/n * eᵀx and, when enabled, b += lr * mean(e).
func (l *Layer) localUpdate(x, e *mat.Dense, lr float64) {
	n, _ := x.Dims()
	scale := lr / float64(n)
	var dW mat.Dense
	dW.Mul(e.T(), x)
	dW.Scale(scale, &dW)
	l.W.Add(l.W, &dW)
	if !l.opts.UpdateBias {
		return
	}
	for i := range n {
		row := e.RawRowView(i)
		for j, v := range row {
			l.B[j] += scale * v
		}
	}
}

// Energy returns the mean settled energy since the last reset. ok is false
// when the layer has not settled since then.
func (l *Layer) Energy() (energy float64, ok bool) {
	if l.settles == 0 {
		return 0, false
	}
	return l.energySum / float64(l.settles), true
}

// Errors returns the residual error of the most recent settle, or nil.
func (l *Layer) Errors() *mat.Dense {
	return l.errs
}

func (l *Layer) ClearErrors() {
	if l == nil {
		return
	}
	l.errs = nil
}

func (l *Layer) ClearEnergy() {
	if l == nil {
		return
	}
	l.energySum = 0
	l.settles = 0
}
