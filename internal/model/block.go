package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/pcformer/internal/pc"
	"github.com/samcharles93/pcformer/internal/tensor"
)

type block struct {
	idx int

	ln1G, ln1B []float64
	wq, wk, wv *mat.Dense // [d x d]
	attnOut    *pc.Layer  // d -> d

	ln2G, ln2B []float64
	fc         *mat.Dense // [4d x d]
	fcB        []float64
	mlpOut     *pc.Layer // 4d -> d
}

func newBlock(idx, d int, opts pc.Options) *block {
	return &block{
		idx:     idx,
		ln1G:    ones(d),
		ln1B:    make([]float64, d),
		wq:      mat.NewDense(d, d, nil),
		wk:      mat.NewDense(d, d, nil),
		wv:      mat.NewDense(d, d, nil),
		attnOut: pc.NewLayer(fmt.Sprintf("blocks.%d.attn.out", idx), d, d, opts),
		ln2G:    ones(d),
		ln2B:    make([]float64, d),
		fc:      mat.NewDense(4*d, d, nil),
		fcB:     make([]float64, 4*d),
		mlpOut:  pc.NewLayer(fmt.Sprintf("blocks.%d.mlp.out", idx), 4*d, d, opts),
	}
}

// forward updates x in place and returns the energy of both PC layers.
func (b *block) forward(m *PCTransformer, x, tgt *mat.Dense, lr float64) ([]LayerEnergy, error) {
	n, d := x.Dims()

	h := mat.NewDense(n, d, nil)
	tensor.LayerNorm(h, x, b.ln1G, b.ln1B, lnEps)
	a := attend(h, b.wq, b.wk, b.wv, m.cfg.NumHeads, m.cfg.HeadDim(), m.cfg.UseFlashAttention)
	o, e1, err := b.attnOut.Settle(a, residualTarget(tgt, x), lr)
	if err != nil {
		return nil, err
	}
	m.dropout(o)
	x.Add(x, o)

	h2 := mat.NewDense(n, d, nil)
	tensor.LayerNorm(h2, x, b.ln2G, b.ln2B, lnEps)
	f := mat.NewDense(n, 4*d, nil)
	f.Mul(h2, b.fc.T())
	tensor.AddRowVector(f, b.fcB)
	f.Apply(func(_, _ int, v float64) float64 { return tensor.Gelu(v) }, f)
	o2, e2, err := b.mlpOut.Settle(f, residualTarget(tgt, x), lr)
	if err != nil {
		return nil, err
	}
	m.dropout(o2)
	x.Add(x, o2)

	return []LayerEnergy{
		{Layer: b.attnOut.Name, Energy: e1, Defined: true},
		{Layer: b.mlpOut.Name, Energy: e2, Defined: true},
	}, nil
}

// residualTarget is what a sublayer would have to add to x to land on tgt.
func residualTarget(tgt, x *mat.Dense) *mat.Dense {
	if tgt == nil {
		return nil
	}
	var r mat.Dense
	r.Sub(tgt, x)
	return &r
}
