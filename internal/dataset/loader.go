package dataset

import "math/rand/v2"

// Loader yields collated batches over a fixed example set.
type Loader struct {
	examples  []Example
	batchSize int
	padID     int
	rng       *rand.Rand
}

// NewLoader returns a loader. A non-nil shuffle seed reorders the examples at
// the start of every pass.
func NewLoader(examples []Example, batchSize, padID int, shuffle *uint64) *Loader {
	l := &Loader{
		examples:  examples,
		batchSize: max(batchSize, 1),
		padID:     padID,
	}
	if shuffle != nil {
		l.rng = rand.New(rand.NewPCG(*shuffle, *shuffle^0x14057b7ef767814f))
	}
	return l
}

// Len is the number of batches in one pass.
func (l *Loader) Len() int {
	return (len(l.examples) + l.batchSize - 1) / l.batchSize
}

// Batches returns one pass over the data.
func (l *Loader) Batches() []Batch {
	order := make([]int, len(l.examples))
	for i := range order {
		order[i] = i
	}
	if l.rng != nil {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	out := make([]Batch, 0, l.Len())
	for start := 0; start < len(order); start += l.batchSize {
		end := min(start+l.batchSize, len(order))
		chunk := make([]Example, 0, end-start)
		for _, i := range order[start:end] {
			chunk = append(chunk, l.examples[i])
		}
		out = append(out, Collate(chunk, l.padID))
	}
	return out
}
