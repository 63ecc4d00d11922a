package tokenizer

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// BPETokenizer is a byte-level BPE tokenizer loaded from a HuggingFace
// tokenizer.json.
type BPETokenizer struct {
	encoder     map[string]int
	decoder     []string
	ranks      map[merge]int
	cache      map[string][]string
	pattern    *regexp.Regexp
	unkID      int
	specialIDs map[int]struct{}
	specials   []string
}

type hfTokenizerJSON struct {
	Model struct {
		Type     string         `json:"type"`
		Vocab    map[string]int `json:"vocab"`
		Merges   []any          `json:"merges"`
		UnkToken string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer hfPreTokenizer `json:"pre_tokenizer"`
	AddedTokens  []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type hfPreTokenizer struct {
	Type          string `json:"type"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pretokenizers"`
}

// Load reads a tokenizer.json from disk.
func Load(path string) (*BPETokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tok, err := LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tok, nil
}

func LoadBytes(tokJSON []byte) (*BPETokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, err
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	encoder := make(map[string]int, len(tj.Model.Vocab))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		encoder[tok] = id
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		encoder[at.Content] = at.ID
		maxID = max(maxID, at.ID)
	}
	if maxID < 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	decoder := make([]string, maxID+1)
	for tok, id := range encoder {
		decoder[id] = tok
	}

	ranks := make(map[merge]int, len(tj.Model.Merges))
	rank := 0
	for _, raw := range tj.Model.Merges {
		line := ""
		switch v := raw.(type) {
		case string:
			line = v
		case []any:
			if len(v) == 2 {
				a, aok := v[0].(string)
				b, bok := v[1].(string)
				if aok && bok {
					line = a + " " + b
				}
			}
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok || strings.Contains(b, " ") {
			continue
		}
		m := merge{a, b}
		if _, ok := ranks[m]; !ok {
			ranks[m] = rank
			rank++
		}
	}

	pat, err := buildPattern(tj.PreTokenizer)
	if err != nil {
		return nil, err
	}

	unkID := -1
	if tj.Model.UnkToken != "" {
		if id, ok := encoder[tj.Model.UnkToken]; ok {
			unkID = id
		}
	}

	t := &BPETokenizer{
		encoder:    encoder,
		decoder:    decoder,
		ranks:      ranks,
		cache:      make(map[string][]string),
		pattern:    pat,
		unkID:      unkID,
		specialIDs: make(map[int]struct{}),
	}
	for _, at := range tj.AddedTokens {
		if at.Special {
			t.markSpecial(at.Content, at.ID)
		}
	}
	return t, nil
}

// AddSpecialTokens appends each token missing from the vocabulary and marks
// every listed token as special. It returns how many ids were added.
func (t *BPETokenizer) AddSpecialTokens(tokens ...string) int {
	added := 0
	for _, tok := range tokens {
		id, ok := t.encoder[tok]
		if !ok {
			id = len(t.decoder)
			t.encoder[tok] = id
			t.decoder = append(t.decoder, tok)
			added++
		}
		t.markSpecial(tok, id)
	}
	return added
}

func (t *BPETokenizer) markSpecial(tok string, id int) {
	if _, ok := t.specialIDs[id]; ok {
		return
	}
	t.specialIDs[id] = struct{}{}
	t.specials = longestFirst(append(t.specials, tok))
}

func (t *BPETokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for _, seg := range segmentText(text, t.specials) {
		if seg.special {
			ids = append(ids, t.encoder[seg.text])
			continue
		}
		for _, piece := range t.pattern.FindAllString(seg.text, -1) {
			for _, bpeTok := range t.bpe(encodeBytes(piece)) {
				id, ok := t.encoder[bpeTok]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("unknown token: %q", bpeTok)
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (t *BPETokenizer) Decode(ids []int) (string, error) {
	return t.decode(ids, false)
}

func (t *BPETokenizer) DecodeSkipSpecial(ids []int) (string, error) {
	return t.decode(ids, true)
}

func (t *BPETokenizer) decode(ids []int, skipSpecial bool) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := t.decoder[id]
		if _, special := t.specialIDs[id]; special {
			if !skipSpecial {
				b = append(b, token...)
			}
			continue
		}
		b = appendDecodedBytes(b, token)
	}
	return string(b), nil
}

func (t *BPETokenizer) VocabSize() int { return len(t.decoder) }

func (t *BPETokenizer) TokenID(token string) (int, bool) {
	id, ok := t.encoder[token]
	return id, ok
}

func (t *BPETokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *BPETokenizer) bpe(token string) []string {
	if v, ok := t.cache[token]; ok {
		return v
	}
	var symbols []string
	for _, r := range token {
		symbols = append(symbols, string(r))
	}
	symbols = applyMerges(symbols, t.ranks)
	t.cache[token] = symbols
	return symbols
}

// gpt2Pattern is the GPT-2 split regex with the lookahead branch collapsed,
// since Go regexp has no lookahead.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

func buildPattern(pre hfPreTokenizer) (*regexp.Regexp, error) {
	pat := gpt2Pattern
	if pre.Type == "Sequence" {
		for _, p := range pre.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	if strings.Contains(pat, "(?!") {
		pat = gpt2Pattern
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("pre-tokenizer regex: %w", err)
	}
	return re, nil
}
