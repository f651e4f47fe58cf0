package tokenizer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testVocabulary() *Vocabulary {
	return &Vocabulary{
		Values: []string{"<s>", "</s>", "<0x41>", "h", "he", "hello", " ", " world", "w", "<tool>"},
		Types: []int32{
			TOKEN_TYPE_CONTROL, TOKEN_TYPE_CONTROL, TOKEN_TYPE_BYTE,
			TOKEN_TYPE_NORMAL, TOKEN_TYPE_NORMAL, TOKEN_TYPE_NORMAL,
			TOKEN_TYPE_NORMAL, TOKEN_TYPE_NORMAL, TOKEN_TYPE_NORMAL,
			TOKEN_TYPE_USER_DEFINED,
		},
		EOS: []uint32{1},
	}
}

func TestVocabTokenizer(t *testing.T) {
	tok, err := NewVocabTokenizer(testVocabulary())
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		input string
		want  []uint32
	}{
		{name: "empty", input: "", want: nil},
		{name: "longest match", input: "hello world", want: []uint32{5, 7}},
		{name: "shorter prefixes", input: "heh", want: []uint32{4, 3}},
		{name: "control tokens", input: "<s>hello</s>", want: []uint32{0, 5, 1}},
		{name: "user defined tokens", input: "he<tool>w", want: []uint32{4, 9, 8}},
		{name: "byte fallback", input: "hAh", want: []uint32{3, 2, 3}},
		{name: "unknown bytes are dropped", input: "hzh", want: []uint32{3, 3}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got := tok.TokenizeBytes([]byte(tt.input))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestVocabTokenizerTokenBytes(t *testing.T) {
	tok, err := NewVocabTokenizer(testVocabulary())
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		id   uint32
		want []byte
	}{
		{id: 0, want: []byte("<s>")},
		{id: 2, want: []byte("A")},
		{id: 7, want: []byte(" world")},
		{id: 10, want: nil},
	}

	for _, tt := range cases {
		if diff := cmp.Diff(tt.want, tok.TokenBytes(tt.id)); diff != "" {
			t.Errorf("token %d mismatch (-want +got):\n%s", tt.id, diff)
		}
	}

	if !tok.IsSpecialToken(1) {
		t.Error("expected </s> to be special")
	}

	if tok.IsSpecialToken(9) {
		t.Error("expected user defined token not to be special")
	}

	if tok.EOSTokenID() != 1 {
		t.Errorf("expected eos 1, got %d", tok.EOSTokenID())
	}

	if tok.RequiresUTF8() {
		t.Error("expected no UTF-8 requirement without pretokenizers")
	}
}

func TestVocabTokenizerPretokenizer(t *testing.T) {
	vocab := &Vocabulary{
		Values: []string{"a", "b", "ab", " "},
		Types:  []int32{TOKEN_TYPE_NORMAL, TOKEN_TYPE_NORMAL, TOKEN_TYPE_NORMAL, TOKEN_TYPE_NORMAL},
	}

	plain, err := NewVocabTokenizer(vocab)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]uint32{2, 3, 2}, plain.TokenizeBytes([]byte("ab ab"))); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	// splitting every letter keeps "ab" from matching as one token
	split, err := NewVocabTokenizer(vocab, `\p{L}`)
	if err != nil {
		t.Fatal(err)
	}

	if !split.RequiresUTF8() {
		t.Error("expected UTF-8 requirement with pretokenizers")
	}

	if diff := cmp.Diff([]uint32{0, 1, 3, 0, 1}, split.TokenizeBytes([]byte("ab ab"))); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if _, err := NewVocabTokenizer(vocab, `(`); err == nil {
		t.Error("expected invalid pattern to fail")
	}
}

func TestTrieLongestMatch(t *testing.T) {
	root := &trie{}
	root.Insert("a", 1)
	root.Insert("abc", 3)

	cases := []struct {
		input  string
		length int
		value  uint32
	}{
		{input: "abcd", length: 3, value: 3},
		{input: "abd", length: 1, value: 1},
		{input: "b", length: 0, value: 0},
		{input: "", length: 0, value: 0},
	}

	for _, tt := range cases {
		length, value := root.LongestMatch([]byte(tt.input))
		if length != tt.length || value != tt.value {
			t.Errorf("%q: expected (%d, %d), got (%d, %d)", tt.input, tt.length, tt.value, length, value)
		}
	}
}

func TestByteTokenizer(t *testing.T) {
	var tok ByteTokenizer

	if diff := cmp.Diff([]uint32{'{', '}', 0xff}, tok.TokenizeBytes([]byte{'{', '}', 0xff})); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]byte(ByteEOSValue), tok.TokenBytes(ByteEOS)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if tok.TokenBytes(ByteEOS+1) != nil {
		t.Error("expected nil bytes past the vocabulary")
	}

	if !tok.IsSpecialToken(ByteEOS) || tok.IsSpecialToken('a') {
		t.Error("expected only eos to be special")
	}

	if tok.VocabSize() != 257 {
		t.Errorf("expected 257 tokens, got %d", tok.VocabSize())
	}
}
