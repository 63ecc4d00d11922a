package tensor

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Softmax applies the softmax function to x in place.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	maxv := floats.Max(x)
	var sum float64
	for i := range x {
		v := math.Exp(x[i] - maxv)
		x[i] = v
		sum += v
	}
	if sum == 0 {
		return
	}
	floats.Scale(1/sum, x)
}

// LogSoftmaxAt returns log(softmax(x)[i]) without materialising the softmax.
func LogSoftmaxAt(x []float64, i int) float64 {
	return x[i] - floats.LogSumExp(x)
}

// LayerNorm normalises every row of src into dst with gain g and bias b.
func LayerNorm(dst, src *mat.Dense, g, b []float64, eps float64) {
	r, c := src.Dims()
	for i := range r {
		in := src.RawRowView(i)
		out := dst.RawRowView(i)
		mean := floats.Sum(in) / float64(c)
		var v float64
		for _, x := range in {
			d := x - mean
			v += d * d
		}
		inv := 1 / math.Sqrt(v/float64(c)+eps)
		for j, x := range in {
			out[j] = (x-mean)*inv*g[j] + b[j]
		}
	}
}

// Gelu is the tanh approximation of the Gaussian error linear unit.
func Gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
}

// AddRowVector adds v to every row of m.
func AddRowVector(m *mat.Dense, v []float64) {
	r, _ := m.Dims()
	for i := range r {
		floats.Add(m.RawRowView(i), v)
	}
}

// Argmax returns the index of the largest element. It panics on an empty slice.
func Argmax(x []float64) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	return floats.MaxIdx(x)
}

// AllFinite reports whether every element is neither NaN nor ±Inf.
func AllFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
