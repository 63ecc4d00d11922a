package metrics

import (
	"context"
	"fmt"
	"io"

	"github.com/samcharles93/pcformer/internal/logger"
)

// Scores holds the text metrics of one generation run.
type Scores struct {
	BLEU float64 `json:"bleu"`
	// BERTScore needs a neural scorer this binary does not ship.
	BERTScoreAvailable bool `json:"bertscore_available"`
}

// Report scores preds against targets, logs the result and, when w is set,
// prints it the way the generation command shows its samples.
func Report(ctx context.Context, w io.Writer, preds, targets []string) (Scores, error) {
	log := logger.FromContext(ctx)
	bleu, err := CorpusBLEU(preds, targets)
	if err != nil {
		return Scores{}, err
	}
	s := Scores{BLEU: bleu}
	log.Info("text metrics", "bleu", fmt.Sprintf("%.4f", bleu), "samples", len(preds))
	log.Warn("BERTScore unavailable", "reason", "no neural scorer configured")
	if w != nil {
		fmt.Fprintf(w, "\nBLEU Score: %.4f\n", bleu)
	}
	return s, nil
}
