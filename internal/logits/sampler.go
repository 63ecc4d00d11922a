package logits

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/samcharles93/pcformer/internal/tensor"
)

// ErrInvalidDistribution is returned when the scaled logits do not form a
// usable probability distribution, e.g. after dividing by a zero temperature.
var ErrInvalidDistribution = errors.New("invalid probability distribution")

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed uint64
	// TopK restricts the draw to the k most likely tokens. Zero keeps the full
	// vocabulary.
	TopK int
}

// Sampler draws token ids from logits. Two samplers built with the same seed
// produce the same draws for the same inputs.
type Sampler struct {
	src  rand.Source
	cfg  SamplerConfig
	prob []float64
	idx  []int
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	return &Sampler{
		src: rand.NewPCG(cfg.Seed, cfg.Seed^0xda942042e4dd58b5),
		cfg: cfg,
	}
}

// Sample draws a single index from the provided logits vector:
//
//  1. The logits are divided by temperature. Temperature is not guarded; a
//     zero value produces non-finite probabilities.
//  2. A softmax over the vocabulary is computed.
//  3. With TopK set, everything outside the k most likely tokens is zeroed.
//     TopK 1 is greedy and returns the most likely token without a draw.
//  4. One index is drawn from the resulting categorical distribution.
//
// logits is not modified.
func (s *Sampler) Sample(logits []float64, temperature float64) (int, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("%w: empty logits", ErrInvalidDistribution)
	}
	if cap(s.prob) < len(logits) {
		s.prob = make([]float64, len(logits))
	}
	prob := s.prob[:len(logits)]
	floats.ScaleTo(prob, 1/temperature, logits)
	tensor.Softmax(prob)
	if !tensor.AllFinite(prob) || floats.Sum(prob) <= 0 {
		return 0, fmt.Errorf("%w: temperature %g", ErrInvalidDistribution, temperature)
	}

	switch k := s.cfg.TopK; {
	case k == 1:
		return tensor.Argmax(prob), nil
	case k > 0 && k < len(prob):
		s.keepTopK(prob, k)
	}

	return int(distuv.NewCategorical(prob, s.src).Rand()), nil
}

func (s *Sampler) keepTopK(prob []float64, k int) {
	if cap(s.idx) < len(prob) {
		s.idx = make([]int, len(prob))
	}
	idx := s.idx[:len(prob)]
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case prob[a] > prob[b]:
			return -1
		case prob[a] < prob[b]:
			return 1
		}
		return 0
	})
	for _, i := range idx[k:] {
		prob[i] = 0
	}
}
