// Package metrics scores generated text against held-out targets.
package metrics

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

var ErrLengthMismatch = errors.New("predictions and targets differ in length")

const maxOrder = 4

// smoothingK is the constant of the length-scaled smoothing applied to
// n-gram orders with no matches.
const smoothingK = 5.0

// CorpusBLEU computes uniform-weight 4-gram corpus BLEU over whitespace
// tokens, one reference per prediction. Orders with zero matches are
// smoothed using the total prediction length. A corpus with no unigram
// matches scores 0.
func CorpusBLEU(preds, targets []string) (float64, error) {
	if len(preds) != len(targets) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(preds), len(targets))
	}
	var num, den [maxOrder]float64
	hypLen, refLen := 0, 0
	for i := range preds {
		hyp := strings.Fields(preds[i])
		ref := strings.Fields(targets[i])
		hypLen += len(hyp)
		refLen += len(ref)
		for n := 1; n <= maxOrder; n++ {
			hc := ngrams(hyp, n)
			rc := ngrams(ref, n)
			total := 0
			for g, c := range hc {
				total += c
				num[n-1] += float64(min(c, rc[g]))
			}
			den[n-1] += float64(max(total, 1))
		}
	}
	if num[0] == 0 {
		return 0, nil
	}

	logs := make([]float64, maxOrder)
	for i := range maxOrder {
		p := num[i] / den[i]
		if num[i] == 0 && hypLen > 1 {
			p = (float64(i) + smoothingK/math.Log(float64(hypLen))) / den[i]
		}
		if p <= 0 {
			return 0, nil
		}
		logs[i] = math.Log(p)
	}
	weights := []float64{0.25, 0.25, 0.25, 0.25}
	return brevityPenalty(refLen, hypLen) * math.Exp(floats.Dot(weights, logs)), nil
}

func brevityPenalty(refLen, hypLen int) float64 {
	switch {
	case hypLen > refLen:
		return 1
	case hypLen == 0:
		return 0
	default:
		return math.Exp(1 - float64(refLen)/float64(hypLen))
	}
}

func ngrams(tokens []string, n int) map[string]int {
	out := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+n], "\x00")]++
	}
	return out
}
