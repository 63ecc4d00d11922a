package tokenizer

import (
	"cmp"
	"slices"
	"strings"
	"sync"
)

// merge is one ranked BPE rule: left and right fuse into left+right.
type merge struct {
	left, right string
}

// segment is a run of input text that is either one special token or
// ordinary text to be pre-tokenized.
type segment struct {
	text    string
	special bool
}

// byteTables returns the GPT-2 byte<->rune mapping that keeps every byte
// printable. Printable Latin-1 bytes map to themselves; the rest are shifted
// into U+0100 and up in byte order.
var byteTables = sync.OnceValues(func() ([256]rune, map[rune]byte) {
	printable := func(b int) bool {
		return ('!' <= b && b <= '~') || ('¡' <= b && b <= '¬') || ('®' <= b && b <= 'ÿ')
	}
	var enc [256]rune
	dec := make(map[rune]byte, 256)
	shifted := 0
	for b := range 256 {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + shifted)
			shifted++
		}
		enc[b] = r
		dec[r] = byte(b)
	}
	return enc, dec
})

func encodeBytes(s string) string {
	enc, _ := byteTables()
	var b strings.Builder
	b.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		b.WriteRune(enc[s[i]])
	}
	return b.String()
}

// appendDecodedBytes reverses encodeBytes for one vocabulary entry. Runes
// outside the table are kept as UTF-8.
func appendDecodedBytes(dst []byte, token string) []byte {
	_, dec := byteTables()
	for _, r := range token {
		if by, ok := dec[r]; ok {
			dst = append(dst, by)
			continue
		}
		dst = append(dst, string(r)...)
	}
	return dst
}

// applyMerges repeatedly fuses the lowest-ranked adjacent pair of symbols
// until no ranked pair remains.
func applyMerges(symbols []string, ranks map[merge]int) []string {
	for len(symbols) > 1 {
		best, at := -1, -1
		for i := 0; i+1 < len(symbols); i++ {
			r, ok := ranks[merge{symbols[i], symbols[i+1]}]
			if ok && (best < 0 || r < best) {
				best, at = r, i
			}
		}
		if at < 0 {
			break
		}
		m := merge{symbols[at], symbols[at+1]}
		out := symbols[:0:0]
		for i := 0; i < len(symbols); i++ {
			if i+1 < len(symbols) && symbols[i] == m.left && symbols[i+1] == m.right {
				out = append(out, m.left+m.right)
				i++
				continue
			}
			out = append(out, symbols[i])
		}
		symbols = out
	}
	return symbols
}

// longestFirst keeps specials sorted so segmentText always prefers the
// longest match at a position.
func longestFirst(specials []string) []string {
	out := slices.Clone(specials)
	slices.SortStableFunc(out, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	return out
}

func segmentText(text string, specials []string) []segment {
	if len(specials) == 0 {
		return []segment{{text: text}}
	}
	var out []segment
	start := 0
	for i := 0; i < len(text); {
		j := slices.IndexFunc(specials, func(sp string) bool {
			return sp != "" && strings.HasPrefix(text[i:], sp)
		})
		if j < 0 {
			i++
			continue
		}
		if start < i {
			out = append(out, segment{text: text[start:i]})
		}
		out = append(out, segment{text: specials[j], special: true})
		i += len(specials[j])
		start = i
	}
	if start < len(text) {
		out = append(out, segment{text: text[start:]})
	}
	return out
}
