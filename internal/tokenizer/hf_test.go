package tokenizer

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

// tinyTokenizerJSON has single-byte tokens for "a", "b", "Ġ" (space) plus the
// merges needed to produce "ab" and "Ġab".
const tinyTokenizerJSON = `{
  "model": {
    "type": "BPE",
    "vocab": {"a": 0, "b": 1, "Ġ": 2, "ab": 3, "Ġab": 4, "<unk>": 5},
    "merges": ["a b", ["Ġ", "ab"]],
    "unk_token": "<unk>"
  },
  "added_tokens": [{"id": 6, "content": "<|endoftext|>", "special": true}]
}`

func mustLoad(t *testing.T) *BPETokenizer {
	t.Helper()
	tok, err := LoadBytes([]byte(tinyTokenizerJSON))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	return tok
}

func TestEncodeAppliesMerges(t *testing.T) {
	t.Parallel()
	tok := mustLoad(t)
	ids, err := tok.Encode("ab ab")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := []int{3, 4}; !slices.Equal(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	text, err := tok.Decode(ids)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "ab ab" {
		t.Fatalf("round trip = %q", text)
	}
}

func TestEncodeUnknownFallsBackToUnk(t *testing.T) {
	t.Parallel()
	tok := mustLoad(t)
	ids, err := tok.Encode("z")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !slices.Equal(ids, []int{5}) {
		t.Fatalf("ids = %v, want unk", ids)
	}
}

func TestAddSpecialTokens(t *testing.T) {
	t.Parallel()
	tok := mustLoad(t)
	base := tok.VocabSize()
	if n := tok.AddSpecialTokens(PadToken, EOSToken); n != 2 {
		t.Fatalf("added %d tokens, want 2", n)
	}
	if n := tok.AddSpecialTokens(PadToken); n != 0 {
		t.Fatalf("re-adding should be a no-op, added %d", n)
	}
	if tok.VocabSize() != base+2 {
		t.Fatalf("vocab size %d, want %d", tok.VocabSize(), base+2)
	}
	pad, ok := tok.TokenID(PadToken)
	if !ok || pad != base {
		t.Fatalf("pad id = %d,%v", pad, ok)
	}
	eos, _ := tok.TokenID(EOSToken)

	ids, err := tok.Encode("ab[EOS]ab")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := []int{3, eos, 3}; !slices.Equal(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}

	full, _ := tok.Decode([]int{3, eos, pad})
	if full != "ab[EOS][PAD]" {
		t.Fatalf("Decode = %q", full)
	}
	skipped, _ := tok.DecodeSkipSpecial([]int{3, eos, pad, 6})
	if skipped != "ab" {
		t.Fatalf("DecodeSkipSpecial = %q", skipped)
	}
}

func TestDecodeOutOfRange(t *testing.T) {
	t.Parallel()
	tok := mustLoad(t)
	if _, err := tok.Decode([]int{99}); err == nil {
		t.Fatal("expected out of range error")
	}
}

// plainDecoder leaves EOS markers in the skipped text, as a tokenizer without
// registered specials would.
type plainDecoder struct{ *BPETokenizer }

func (p plainDecoder) DecodeSkipSpecial(ids []int) (string, error) {
	return p.Decode(ids)
}

func TestDecodeTextStopsAtEOS(t *testing.T) {
	t.Parallel()
	tok := mustLoad(t)
	tok.AddSpecialTokens(EOSToken)
	eos, _ := tok.TokenID(EOSToken)
	ids := []int{3, 4, eos, 3}

	text, err := DecodeText(plainDecoder{tok}, ids, true)
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if text != "ab ab" {
		t.Fatalf("cut text = %q", text)
	}
	text, _ = DecodeText(plainDecoder{tok}, ids, false)
	if text != "ab ab[EOS]ab" {
		t.Fatalf("uncut text = %q", text)
	}
}

func TestLoadRejectsNonBPE(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	if err := os.WriteFile(path, []byte(`{"model":{"type":"WordPiece"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected unsupported model error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected missing file error")
	}
}
