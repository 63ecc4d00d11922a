package tokenizer

import "strings"

// Tokenizer is the contract the generation and training loops depend on.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	DecodeSkipSpecial(ids []int) (string, error)
	VocabSize() int
	TokenID(token string) (int, bool)
}

// Special tokens added on top of the base vocabulary.
const (
	PadToken = "[PAD]"
	EOSToken = "[EOS]"
)

// DecodeText decodes ids with special tokens skipped. With stopAtEOS the text
// is cut at the first literal EOS marker.
func DecodeText(tok Tokenizer, ids []int, stopAtEOS bool) (string, error) {
	text, err := tok.DecodeSkipSpecial(ids)
	if err != nil {
		return "", err
	}
	if stopAtEOS {
		if before, _, found := strings.Cut(text, EOSToken); found {
			text = strings.TrimSpace(before)
		}
	}
	return text, nil
}
