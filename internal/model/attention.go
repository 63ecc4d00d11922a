package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// attend runs causal multi-head self-attention over h and returns the
// concatenated head outputs, [n x d]. The output projection is the caller's
// PC layer.
func attend(h, wq, wk, wv *mat.Dense, heads, hd int, flash bool) *mat.Dense {
	n, d := h.Dims()
	q := mat.NewDense(n, d, nil)
	k := mat.NewDense(n, d, nil)
	v := mat.NewDense(n, d, nil)
	q.Mul(h, wq.T())
	k.Mul(h, wk.T())
	v.Mul(h, wv.T())

	out := mat.NewDense(n, d, nil)
	scale := 1 / math.Sqrt(float64(hd))
	scores := make([]float64, n)
	for hh := range heads {
		lo, hi := hh*hd, (hh+1)*hd
		for i := range n {
			qi := q.RawRowView(i)[lo:hi]
			dst := out.RawRowView(i)[lo:hi]
			if flash {
				attendOnline(dst, qi, k, v, i, lo, hi, scale)
			} else {
				attendTwoPass(dst, qi, k, v, i, lo, hi, scale, scores)
			}
		}
	}
	return out
}

// attendTwoPass materialises the causal score row, normalises it, then mixes V.
func attendTwoPass(dst, qi []float64, k, v *mat.Dense, i, lo, hi int, scale float64, scores []float64) {
	s := scores[:i+1]
	for j := range s {
		s[j] = floats.Dot(qi, k.RawRowView(j)[lo:hi]) * scale
	}
	maxv := floats.Max(s)
	var sum float64
	for j := range s {
		s[j] = math.Exp(s[j] - maxv)
		sum += s[j]
	}
	for j := range s {
		floats.AddScaled(dst, s[j]/sum, v.RawRowView(j)[lo:hi])
	}
}

// attendOnline is the single-pass variant: a running max and normaliser are
// kept so no score row is stored.
func attendOnline(dst, qi []float64, k, v *mat.Dense, i, lo, hi int, scale float64) {
	runMax := math.Inf(-1)
	var norm float64
	for j := 0; j <= i; j++ {
		s := floats.Dot(qi, k.RawRowView(j)[lo:hi]) * scale
		next := math.Max(runMax, s)
		corr := math.Exp(runMax - next)
		w := math.Exp(s - next)
		floats.Scale(corr, dst)
		floats.AddScaled(dst, w, v.RawRowView(j)[lo:hi])
		norm = norm*corr + w
		runMax = next
	}
	floats.Scale(1/norm, dst)
}
