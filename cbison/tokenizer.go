package cbison

/*
#include "bridge.h"
*/
import "C"

import (
	"log/slog"
	"runtime"
	"runtime/cgo"
	"unsafe"
)

// tokenProbeLen is the optimistic buffer size for TokenBytes. Longer tokens
// cost a second engine call.
const tokenProbeLen = 32

// Tokenizer shares ownership of an engine tokenizer. Each Tokenizer holds one
// reference, released by Close. Pass the pointer to move it; use Clone for a
// second owner.
type Tokenizer struct {
	t C.cbison_tokenizer_t
}

// NewTokenizer takes a new reference on h. The caller's own reference is
// unaffected and must still be released.
func NewTokenizer(h TokenizerHandle) *Tokenizer {
	t := &Tokenizer{t: C.cbison_tokenizer_t(unsafe.Pointer(h))}
	if t.t != nil {
		C._cbison_incr_ref(t.t)
	}

	runtime.SetFinalizer(t, (*Tokenizer).Close)
	return t
}

// Clone returns a second owner of the same engine tokenizer.
func (t *Tokenizer) Clone() *Tokenizer {
	return NewTokenizer(t.Handle())
}

// Handle returns the raw tokenizer without transferring ownership.
func (t *Tokenizer) Handle() TokenizerHandle {
	return TokenizerHandle(unsafe.Pointer(t.t))
}

// Close releases this reference. Calling Close more than once is a no-op.
func (t *Tokenizer) Close() {
	if t.t != nil {
		C._cbison_decr_ref(t.t)
		t.t = nil
	}
	runtime.SetFinalizer(t, nil)
}

func (t *Tokenizer) VocabSize() int {
	if t.t == nil {
		return 0
	}
	return int(t.t.n_vocab)
}

func (t *Tokenizer) EOSTokenID() uint32 {
	if t.t == nil {
		return 0
	}
	return uint32(t.t.eos_token_id)
}

// RequiresUTF8 reports whether TokenizeBytes input must be valid UTF-8.
func (t *Tokenizer) RequiresUTF8() bool {
	if t.t == nil {
		return false
	}
	return bool(t.t.tokenize_bytes_requires_utf8)
}

// TokenBytes returns the raw bytes of token id, or nil if the engine reports
// it as invalid.
func (t *Tokenizer) TokenBytes(id uint32) []byte {
	if t.t == nil {
		return nil
	}

	buf := make([]byte, tokenProbeLen)
	n := int(C._cbison_get_token(t.t, C.uint32_t(id), (*C.uint8_t)(unsafe.Pointer(&buf[0])), C.size_t(len(buf))))
	if n < 0 {
		return nil
	}

	if n > len(buf) {
		buf = make([]byte, n)
		n = int(C._cbison_get_token(t.t, C.uint32_t(id), (*C.uint8_t)(unsafe.Pointer(&buf[0])), C.size_t(len(buf))))
		if n < 0 {
			return nil
		}
	}

	return buf[:min(n, len(buf))]
}

// IsSpecialToken returns 1 for special tokens, 0 for plain tokens and -1 for
// ids outside the vocabulary.
func (t *Tokenizer) IsSpecialToken(id uint32) int {
	if t.t == nil || t.t.is_special_token == nil {
		return -1
	}
	return int(C._cbison_is_special_token(t.t, C.uint32_t(id)))
}

// TokenizeBytes tokenizes b. Engines without tokenization return nil.
//
// The output buffer holds len(b)+1 tokens. This is a heuristic, not a bound
// the engine guarantees: if the engine reports more tokens than fit, the
// result is cut to the buffer and a warning is logged.
func (t *Tokenizer) TokenizeBytes(b []byte) []uint32 {
	if t.t == nil || t.t.tokenize_bytes == nil {
		return nil
	}

	out := make([]uint32, len(b)+1)
	n := int(C._cbison_tokenize_bytes(t.t,
		(*C.char)(unsafe.Pointer(unsafe.SliceData(b))), C.size_t(len(b)),
		(*C.uint32_t)(unsafe.Pointer(&out[0])), C.size_t(len(out))))
	if n > len(out) {
		slog.Warn("tokenization truncated", "tokens", n, "capacity", len(out), "bytes", len(b))
		n = len(out)
	}

	return out[:n]
}

func (t *Tokenizer) TokenizeString(s string) []uint32 {
	return t.TokenizeBytes([]byte(s))
}

func setTokenizerImpl(t C.cbison_tokenizer_t, h cgo.Handle) {
	C._cbison_set_tokenizer_impl(t, C.uintptr_t(h))
}

func tokenizerImpl(t C.cbison_tokenizer_t) cgo.Handle {
	return cgo.Handle(C._cbison_tokenizer_impl(t))
}
