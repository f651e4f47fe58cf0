package tokenizer

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

// VocabTokenizer tokenizes by greedy longest match against a vocabulary.
// Special tokens are matched first, then the remaining text is optionally
// split by pretokenizer patterns before matching.
type VocabTokenizer struct {
	vocab   *Vocabulary
	trie    *trie
	regexps []*regexp2.Regexp

	// byteTokens holds the <0xNN> fallback id of each byte, or -1.
	byteTokens [256]int64
}

func NewVocabTokenizer(vocab *Vocabulary, pretokenizers ...string) (*VocabTokenizer, error) {
	t := &VocabTokenizer{vocab: vocab, trie: &trie{}}
	for i := range t.byteTokens {
		t.byteTokens[i] = -1
	}

	for i, value := range vocab.Values {
		id := uint32(i)
		switch vocab.Type(id) {
		case TOKEN_TYPE_BYTE:
			if b, ok := parseByteToken(value); ok {
				t.byteTokens[b] = int64(id)
			}
		case TOKEN_TYPE_UNUSED, TOKEN_TYPE_CONTROL:
		default:
			if value != "" {
				t.trie.Insert(value, id)
			}
		}
	}

	for _, p := range pretokenizers {
		re, err := regexp2.Compile(p, regexp2.RE2)
		if err != nil {
			return nil, fmt.Errorf("pretokenizer %q: %w", p, err)
		}
		t.regexps = append(t.regexps, re)
	}

	return t, nil
}

// parseByteToken reads a <0xNN> token.
func parseByteToken(s string) (byte, bool) {
	if !isByteToken(s) {
		return 0, false
	}

	n, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, false
	}

	return byte(n), true
}

func (t *VocabTokenizer) Vocabulary() *Vocabulary {
	return t.vocab
}

func (t *VocabTokenizer) VocabSize() int {
	return t.vocab.Size()
}

// EOSTokenID returns the first end-of-sequence id.
func (t *VocabTokenizer) EOSTokenID() uint32 {
	if len(t.vocab.EOS) == 0 {
		return 0
	}
	return t.vocab.EOS[0]
}

// RequiresUTF8 is true when pretokenizer patterns run over the input.
func (t *VocabTokenizer) RequiresUTF8() bool {
	return len(t.regexps) > 0
}

func (t *VocabTokenizer) TokenBytes(id uint32) []byte {
	if int(id) >= t.vocab.Size() {
		return nil
	}

	value := t.vocab.Values[id]
	if t.vocab.Type(id) == TOKEN_TYPE_BYTE {
		for b, byteID := range t.byteTokens {
			if byteID == int64(id) {
				return []byte{byte(b)}
			}
		}
	}

	return []byte(value)
}

func (t *VocabTokenizer) IsSpecialToken(id uint32) bool {
	return t.vocab.IsControl(id)
}

func (t *VocabTokenizer) TokenizeBytes(b []byte) []uint32 {
	var ids []uint32
	for _, frag := range splitSpecialTokens(string(b), t.vocab) {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		for piece := range t.split(frag.value) {
			ids = t.match(ids, []byte(piece))
		}
	}

	return ids
}

func (t *VocabTokenizer) match(ids []uint32, b []byte) []uint32 {
	for len(b) > 0 {
		if n, id := t.trie.LongestMatch(b); n > 0 {
			ids = append(ids, id)
			b = b[n:]
			continue
		}

		if id := t.byteTokens[b[0]]; id >= 0 {
			ids = append(ids, uint32(id))
		} else {
			slog.Debug("no token for byte", "byte", b[0])
		}
		b = b[1:]
	}

	return ids
}

func (t *VocabTokenizer) split(s string) iter.Seq[string] {
	if len(t.regexps) == 0 || !utf8.ValidString(s) {
		return slices.Values([]string{s})
	}

	parts := []string{s}
	for _, re := range t.regexps {
		parts = slices.Collect(func(yield func(string) bool) {
			for _, part := range parts {
				r := []rune(part)
				var offset int
				for m, _ := re.FindRunesMatch(r); m != nil; m, _ = re.FindNextMatch(m) {
					if m.Index > offset {
						if !yield(string(r[offset:m.Index])) {
							return
						}
					}

					if !yield(m.String()) {
						return
					}

					offset = m.Index + m.Length
				}

				if offset < len(r) {
					if !yield(string(r[offset:])) {
						return
					}
				}
			}
		})
	}

	return slices.Values(parts)
}
