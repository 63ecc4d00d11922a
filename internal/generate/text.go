package generate

import (
	"context"
	"fmt"
	"io"

	"github.com/samcharles93/pcformer/internal/dataset"
	"github.com/samcharles93/pcformer/internal/tokenizer"
)

// Sample is one decoded generation. Target is empty for free-form prompts.
type Sample struct {
	Prompt     string
	Target     string
	Prediction string
}

// HeldOut configures generation over a held-out split. NumSamples bounds
// the rows considered within one batch; only the first of them is used, so
// every non-empty batch yields one sample while NumSamples > 0.
type HeldOut struct {
	NumSamples int
	PromptLen  int
	PadID      int
}

func DefaultHeldOut(padID int) HeldOut {
	return HeldOut{NumSamples: 5, PromptLen: 5, PadID: padID}
}

// FromPrompt encodes prompt, generates a continuation and decodes it with
// specials removed and the text cut at the first EOS marker.
func (g *Generator) FromPrompt(ctx context.Context, tok tokenizer.Tokenizer, prompt string, opts Options, w io.Writer) (Sample, error) {
	ids, err := tok.Encode(prompt)
	if err != nil {
		return Sample{}, fmt.Errorf("encode prompt: %w", err)
	}
	res, err := g.Generate(ctx, ids, opts)
	if err != nil {
		return Sample{}, err
	}
	pred, err := tokenizer.DecodeText(tok, res.Continuation(), true)
	if err != nil {
		return Sample{}, err
	}
	if w != nil {
		fmt.Fprintf(w, "[PROMPT ]: %s\n", prompt)
		fmt.Fprintf(w, "[PREDICT]: %s\n", pred)
	}
	return Sample{Prompt: prompt, Prediction: pred}, nil
}

// FromSplit takes the first row of each batch, prompts the model with its
// leading PromptLen ids and compares the continuation with the rest of the
// row, pads removed. Every batch is visited. w receives the
// prompt/target/prediction triples and may be nil on non-leader ranks.
func (g *Generator) FromSplit(ctx context.Context, tok tokenizer.Tokenizer, batches []dataset.Batch, h HeldOut, opts Options, w io.Writer) ([]Sample, error) {
	var out []Sample
	for bi, b := range batches {
		if min(h.NumSamples, b.Len()) == 0 {
			continue
		}
		row := b.Input[0]
		n := min(h.PromptLen, len(row))
		promptIDs := row[:n]

		var targetIDs []int
		for _, id := range row[n:] {
			if id != h.PadID {
				targetIDs = append(targetIDs, id)
			}
		}

		res, err := g.Generate(ctx, promptIDs, opts)
		if err != nil {
			return out, fmt.Errorf("batch %d: %w", bi+1, err)
		}

		var s Sample
		if s.Prompt, err = tokenizer.DecodeText(tok, promptIDs, true); err != nil {
			return out, err
		}
		if s.Target, err = tokenizer.DecodeText(tok, targetIDs, true); err != nil {
			return out, err
		}
		if s.Prediction, err = tokenizer.DecodeText(tok, res.Continuation(), true); err != nil {
			return out, err
		}
		out = append(out, s)

		if w != nil {
			fmt.Fprintf(w, "\n[Batch %d, Sample 1]\n", bi+1)
			fmt.Fprintf(w, "[PROMPT ]: %s\n", s.Prompt)
			fmt.Fprintf(w, "[TARGET ]: %s\n", s.Target)
			fmt.Fprintf(w, "[PREDICT]: %s\n", s.Prediction)
		}
	}
	return out, nil
}

// Split returns parallel prediction and target lists for scoring.
func Split(samples []Sample) (preds, targets []string) {
	for _, s := range samples {
		preds = append(preds, s.Prediction)
		targets = append(targets, s.Target)
	}
	return preds, targets
}
