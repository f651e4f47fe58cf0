package tokenizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// gpt2Pattern is the pretokenizer applied by a ByteLevel pre_tokenizer with
// use_regex enabled.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// eosCandidates are tried in order when no end-of-sequence token is named.
var eosCandidates = []string{
	"<|eos|>",
	"</s>",
	"<|endoftext|>",
	"<|end_of_text|>",
	"<|eot_id|>",
	"<|im_end|>",
	"<eos>",
}

var ErrNoEOS = errors.New("tokenizer has no end-of-sequence token")

// HFOptions adjusts how a tokenizer.json is read.
type HFOptions struct {
	// EOSToken names the end-of-sequence token. When empty a well-known name
	// is looked up.
	EOSToken string `json:"eos_token,omitempty"`
}

type hfTokenizer struct {
	AddedTokens []struct {
		ID      uint32 `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`

	PreTokenizer *hfPreTokenizer `json:"pre_tokenizer"`
	Decoder      *hfPreTokenizer `json:"decoder"`

	Model struct {
		Type         string          `json:"type"`
		Vocab        json.RawMessage `json:"vocab"`
		ByteFallback bool            `json:"byte_fallback"`
	} `json:"model"`
}

type hfPreTokenizer struct {
	Type     string `json:"type"`
	UseRegex *bool  `json:"use_regex"`
	Pattern  struct {
		Regex  string `json:"Regex"`
		String string `json:"String"`
	} `json:"pattern"`
	Replacement   string            `json:"replacement"`
	PreTokenizers []*hfPreTokenizer `json:"pretokenizers"`
	Decoders      []*hfPreTokenizer `json:"decoders"`
}

// walk visits p and every nested step of a Sequence.
func (p *hfPreTokenizer) walk(fn func(*hfPreTokenizer)) {
	if p == nil {
		return
	}

	fn(p)
	for _, child := range p.PreTokenizers {
		child.walk(fn)
	}
	for _, child := range p.Decoders {
		child.walk(fn)
	}
}

// ParseHF builds a VocabTokenizer from the contents of a HuggingFace
// tokenizer.json.
func ParseHF(data []byte, opts HFOptions) (*VocabTokenizer, error) {
	var hf hfTokenizer
	if err := json.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}

	values := map[uint32]string{}
	types := map[uint32]int32{}

	switch {
	case len(hf.Model.Vocab) == 0:
		return nil, errors.New("tokenizer.json has no model vocab")
	case bytes.HasPrefix(bytes.TrimSpace(hf.Model.Vocab), []byte("[")):
		var pieces [][2]any
		if err := json.Unmarshal(hf.Model.Vocab, &pieces); err != nil {
			return nil, fmt.Errorf("parse unigram vocab: %w", err)
		}

		for i, piece := range pieces {
			s, ok := piece[0].(string)
			if !ok {
				return nil, fmt.Errorf("unigram piece %d is not a string", i)
			}
			values[uint32(i)] = s
		}
	default:
		var vocab map[string]uint32
		if err := json.Unmarshal(hf.Model.Vocab, &vocab); err != nil {
			return nil, fmt.Errorf("parse vocab: %w", err)
		}

		for s, id := range vocab {
			values[id] = s
		}
	}

	var byteLevel, metaspace bool
	var pretokenizers []string
	hf.PreTokenizer.walk(func(p *hfPreTokenizer) {
		switch p.Type {
		case "ByteLevel":
			byteLevel = true
			if p.UseRegex == nil || *p.UseRegex {
				pretokenizers = append(pretokenizers, gpt2Pattern)
			}
		case "Split":
			if p.Pattern.Regex != "" {
				pretokenizers = append(pretokenizers, p.Pattern.Regex)
			}
		case "Metaspace":
			metaspace = true
		}
	})
	hf.Decoder.walk(func(p *hfPreTokenizer) {
		switch p.Type {
		case "ByteLevel":
			byteLevel = true
		case "Metaspace":
			metaspace = true
		}
	})

	for id, s := range values {
		switch {
		case hf.Model.ByteFallback && isByteToken(s):
			types[id] = TOKEN_TYPE_BYTE
		case byteLevel:
			values[id] = decodeByteLevel(s)
		case metaspace || hf.Model.Type == "Unigram":
			values[id] = strings.ReplaceAll(s, "▁", " ")
		}
	}

	for _, added := range hf.AddedTokens {
		values[added.ID] = added.Content
		if added.Special {
			types[added.ID] = TOKEN_TYPE_CONTROL
		} else {
			types[added.ID] = TOKEN_TYPE_USER_DEFINED
		}
	}

	// ids index a dense table, so none may exceed the number of declared tokens
	limit := uint64(len(values) + len(hf.AddedTokens))
	var size uint32
	for id := range values {
		if uint64(id) >= limit {
			return nil, fmt.Errorf("token id %d out of range for %d tokens", id, limit)
		}
		size = max(size, id+1)
	}

	vocab := &Vocabulary{
		Values: make([]string, size),
		Types:  make([]int32, size),
	}

	for id := range vocab.Values {
		s, ok := values[uint32(id)]
		switch {
		case !ok:
			vocab.Types[id] = TOKEN_TYPE_UNUSED
		case types[uint32(id)] != 0:
			vocab.Types[id] = types[uint32(id)]
		default:
			vocab.Types[id] = TOKEN_TYPE_NORMAL
		}
		vocab.Values[id] = s
	}

	eos, err := findEOS(vocab, opts.EOSToken)
	if err != nil {
		return nil, err
	}
	vocab.EOS = []uint32{eos}

	slog.Debug("parsed tokenizer.json", "model", hf.Model.Type, "vocab", size, "eos", eos, "byte_level", byteLevel, "pretokenizers", len(pretokenizers))
	return NewVocabTokenizer(vocab, pretokenizers...)
}

func findEOS(vocab *Vocabulary, name string) (uint32, error) {
	if name != "" {
		if id, ok := vocab.Encode(name); ok {
			return id, nil
		}
		return 0, fmt.Errorf("%w: %q not in vocabulary", ErrNoEOS, name)
	}

	for _, candidate := range eosCandidates {
		if id, ok := vocab.Encode(candidate); ok {
			return id, nil
		}
	}

	return 0, ErrNoEOS
}

func isByteToken(s string) bool {
	return len(s) == 6 && strings.HasPrefix(s, "<0x") && strings.HasSuffix(s, ">")
}

var byteLevelDecoder = func() map[rune]byte {
	m := make(map[rune]byte, 256)
	n := 0
	for b := 0; b < 256; b++ {
		switch {
		case b >= '!' && b <= '~', b >= 0xa1 && b <= 0xac, b >= 0xae && b <= 0xff:
			m[rune(b)] = byte(b)
		default:
			m[rune(256+n)] = byte(b)
			n++
		}
	}
	return m
}()

// decodeByteLevel reverses the GPT-2 byte-to-unicode mapping. Runes outside
// the mapping are kept as UTF-8.
func decodeByteLevel(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if b, ok := byteLevelDecoder[r]; ok {
			sb.WriteByte(b)
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
