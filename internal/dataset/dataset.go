// Package dataset turns a line-per-example text corpus into padded
// next-token batches.
package dataset

import (
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"slices"
	"strings"

	"golang.org/x/sys/unix"
)

// Encoder is the part of the tokenizer the dataset needs.
type Encoder interface {
	Encode(text string) ([]int, error)
}

// Example is one shifted next-token pair. Input and Target have equal length.
type Example struct {
	Input  []int
	Target []int
}

// Batch holds equal-width rows padded with the pad id.
type Batch struct {
	Input  [][]int
	Target [][]int
}

// Len is the number of rows in b.
func (b Batch) Len() int { return len(b.Input) }

// ReadLines returns the non-empty lines of a corpus file. The file is mapped
// read-only where mmap is available.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := int(st.Size())
	if size == 0 {
		return nil, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		lines := splitLines(data)
		_ = unix.Munmap(data)
		return lines, nil
	}

	data, err = io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", path, err)
	}
	return splitLines(data), nil
}

// splitLines copies every non-blank line out of data so the result outlives
// a mapping.
func splitLines(data []byte) []string {
	var out []string
	for line := range bytes.Lines(data) {
		s := strings.TrimSpace(string(line))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Build encodes lines into shifted examples. eosID, when non-negative, is
// appended to each line before shifting. Sequences are truncated so both
// sides fit in blockSize. Lines shorter than two tokens are dropped.
func Build(enc Encoder, lines []string, blockSize, eosID int) ([]Example, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	out := make([]Example, 0, len(lines))
	for i, line := range lines {
		ids, err := enc.Encode(line)
		if err != nil {
			return nil, fmt.Errorf("encode line %d: %w", i+1, err)
		}
		if eosID >= 0 {
			ids = append(ids, eosID)
		}
		if len(ids) < 2 {
			continue
		}
		ids = ids[:min(len(ids), blockSize+1)]
		out = append(out, Example{
			Input:  slices.Clone(ids[:len(ids)-1]),
			Target: slices.Clone(ids[1:]),
		})
	}
	return out, nil
}

// Split shuffles examples deterministically by seed and carves off
// validation and test fractions. The remainder is the training split.
func Split(examples []Example, seed uint64, validFrac, testFrac float64) (train, valid, test []Example) {
	shuffled := slices.Clone(examples)
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	n := len(shuffled)
	nTest := int(float64(n) * testFrac)
	nValid := int(float64(n) * validFrac)
	nTest = min(nTest, n)
	nValid = min(nValid, n-nTest)
	test = shuffled[n-nTest:]
	valid = shuffled[n-nTest-nValid : n-nTest]
	train = shuffled[:n-nTest-nValid]
	return train, valid, test
}

// Shard keeps every world-th example starting at rank, so each replica of a
// process group sees a disjoint slice.
func Shard(examples []Example, rank, world int) []Example {
	if world <= 1 {
		return examples
	}
	var out []Example
	for i := rank; i < len(examples); i += world {
		out = append(out, examples[i])
	}
	return out
}

// Collate pads examples to the longest row with padID.
func Collate(examples []Example, padID int) Batch {
	width := 0
	for _, ex := range examples {
		width = max(width, len(ex.Input))
	}
	b := Batch{
		Input:  make([][]int, len(examples)),
		Target: make([][]int, len(examples)),
	}
	for i, ex := range examples {
		b.Input[i] = pad(ex.Input, width, padID)
		b.Target[i] = pad(ex.Target, width, padID)
	}
	return b
}

func pad(ids []int, width, padID int) []int {
	row := make([]int, width)
	n := copy(row, ids)
	for j := n; j < width; j++ {
		row[j] = padID
	}
	return row
}
