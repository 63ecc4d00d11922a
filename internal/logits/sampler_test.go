package logits

import (
	"errors"
	"testing"
)

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical sequences when sampling the same logits vector.
func TestSamplerDeterminism(t *testing.T) {
	logs := []float64{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(SamplerConfig{Seed: 42})
	s2 := NewSampler(SamplerConfig{Seed: 42})
	for i := range 20 {
		a, err := s1.Sample(logs, 0.9)
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		b, err := s2.Sample(logs, 0.9)
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		if a != b {
			t.Fatalf("draw %d: expected deterministic sample, got %d vs %d", i, a, b)
		}
	}
}

// TestSamplerSharpTemperature checks that a very small temperature collapses
// the distribution onto the largest logit.
func TestSamplerSharpTemperature(t *testing.T) {
	logs := []float64{-1, 5, 3, 7, 2}
	s := NewSampler(SamplerConfig{Seed: 99})
	for range 10 {
		idx, err := s.Sample(logs, 1e-3)
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		if idx != 3 {
			t.Fatalf("expected index 3, got %d", idx)
		}
	}
}

// TestSamplerTopK ensures that TopK=1 always returns the best index even at a
// high temperature.
func TestSamplerTopK(t *testing.T) {
	logs := []float64{0.1, 0.3, 0.2, 0.25}
	s := NewSampler(SamplerConfig{Seed: 7, TopK: 1})
	for range 10 {
		idx, err := s.Sample(logs, 5)
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		if idx != 1 {
			t.Fatalf("top-k sampling returned unexpected index %d", idx)
		}
	}
}

func TestSamplerZeroTemperature(t *testing.T) {
	for _, k := range []int{0, 1} {
		s := NewSampler(SamplerConfig{Seed: 1, TopK: k})
		_, err := s.Sample([]float64{1, 2, 3}, 0)
		if !errors.Is(err, ErrInvalidDistribution) {
			t.Fatalf("top-k %d: expected ErrInvalidDistribution, got %v", k, err)
		}
	}
}

func TestSamplerDoesNotMutateLogits(t *testing.T) {
	logs := []float64{1, 2, 3}
	s := NewSampler(SamplerConfig{Seed: 3})
	if _, err := s.Sample(logs, 0.5); err != nil {
		t.Fatalf("sample: %v", err)
	}
	if logs[0] != 1 || logs[1] != 2 || logs[2] != 3 {
		t.Fatalf("logits mutated: %v", logs)
	}
}
