package tokenizer

import (
	"slices"
	"sync"
)

const (
	TOKEN_TYPE_NORMAL = iota + 1
	TOKEN_TYPE_UNKNOWN
	TOKEN_TYPE_CONTROL
	TOKEN_TYPE_USER_DEFINED
	TOKEN_TYPE_UNUSED
	TOKEN_TYPE_BYTE
)

// Vocabulary maps token ids to their raw byte strings. Values hold bytes,
// not display text, so byte-level vocabularies must be decoded first.
type Vocabulary struct {
	Values []string
	Types  []int32
	EOS    []uint32

	specialOnce sync.Once
	special     []string

	valuesOnce sync.Once
	values     map[string]uint32
}

func (v *Vocabulary) Size() int {
	return len(v.Values)
}

// IsEOS reports whether id ends a sequence.
func (v *Vocabulary) IsEOS(id uint32) bool {
	return slices.Contains(v.EOS, id)
}

// Encode returns the id of the token whose bytes are exactly s.
func (v *Vocabulary) Encode(s string) (uint32, bool) {
	v.valuesOnce.Do(func() {
		v.values = make(map[string]uint32, len(v.Values))
		for i, value := range v.Values {
			if _, ok := v.values[value]; !ok {
				v.values[value] = uint32(i)
			}
		}
	})

	id, ok := v.values[s]
	return id, ok
}

func (v *Vocabulary) Type(id uint32) int32 {
	if int(id) >= len(v.Types) {
		return TOKEN_TYPE_NORMAL
	}
	return v.Types[id]
}

// IsControl reports whether id is a control token. Control tokens are the
// ones reported to engines as special.
func (v *Vocabulary) IsControl(id uint32) bool {
	return v.Type(id) == TOKEN_TYPE_CONTROL
}

// SpecialVocabulary lists tokens matched whole before regular tokenization.
func (v *Vocabulary) SpecialVocabulary() []string {
	v.specialOnce.Do(func() {
		for i := range v.Values {
			if t := v.Type(uint32(i)); (t == TOKEN_TYPE_CONTROL || t == TOKEN_TYPE_USER_DEFINED) && v.Values[i] != "" {
				v.special = append(v.special, v.Values[i])
			}
		}
	})

	return v.special
}
