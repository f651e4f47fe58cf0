package cbison

/*
#include <stdlib.h>
#include "cbison_api.h"

int cbisonAdapterGetToken(cbison_tokenizer_t, uint32_t, uint8_t*, size_t);
int cbisonAdapterIsSpecialToken(cbison_tokenizer_t, uint32_t);
size_t cbisonAdapterTokenizeBytes(cbison_tokenizer_t, char*, size_t, uint32_t*, size_t);
void cbisonAdapterIncrRef(cbison_tokenizer_t);
void cbisonAdapterDecrRef(cbison_tokenizer_t);
*/
import "C"

import (
	"io"
	"log/slog"
	"runtime/cgo"
	"sync/atomic"
	"unsafe"
)

// AdapterImplMagic tags tokenizer records built by NewAdapter.
const AdapterImplMagic = 0xc9f0b1a2

// TokenizerImpl is a Go tokenizer that can be handed to an engine. If it also
// implements io.Closer, Close is called when the engine drops the last
// reference.
type TokenizerImpl interface {
	// TokenBytes returns the raw bytes of token id.
	TokenBytes(id uint32) []byte
	IsSpecialToken(id uint32) bool
	TokenizeBytes(b []byte) []uint32
}

type TokenizerInfo struct {
	NVocab       int
	EOSTokenID   uint32
	RequiresUTF8 bool
}

// Adapter presents a TokenizerImpl through the tokenizer ABI. It starts with
// one reference, owned by the caller of NewAdapter.
type Adapter struct {
	impl   TokenizerImpl
	info   TokenizerInfo
	refs   atomic.Int32
	handle cgo.Handle
	t      C.cbison_tokenizer_t

	destroyed atomic.Bool
}

func NewAdapter(impl TokenizerImpl, info TokenizerInfo) *Adapter {
	a := &Adapter{impl: impl, info: info}
	a.refs.Store(1)
	a.handle = cgo.NewHandle(a)

	t := (C.cbison_tokenizer_t)(C.calloc(1, C.sizeof_struct_cbison_tokenizer))
	t.magic = C.CBISON_TOKENIZER_MAGIC
	t.impl_magic = AdapterImplMagic
	setTokenizerImpl(t, a.handle)
	t.version_major = C.CBISON_TOKENIZER_VERSION_MAJOR
	t.version_minor = C.CBISON_TOKENIZER_VERSION_MINOR
	t.n_vocab = C.size_t(info.NVocab)
	t.eos_token_id = C.uint32_t(info.EOSTokenID)
	t.tokenize_bytes_requires_utf8 = C.bool(info.RequiresUTF8)
	t.get_token = (*[0]byte)(C.cbisonAdapterGetToken)
	t.is_special_token = (*[0]byte)(C.cbisonAdapterIsSpecialToken)
	t.tokenize_bytes = (*[0]byte)(C.cbisonAdapterTokenizeBytes)
	t.incr_ref_count = (*[0]byte)(C.cbisonAdapterIncrRef)
	t.decr_ref_count = (*[0]byte)(C.cbisonAdapterDecrRef)
	a.t = t

	return a
}

// Handle returns the ABI record. It does not add a reference.
func (a *Adapter) Handle() TokenizerHandle {
	return TokenizerHandle(unsafe.Pointer(a.t))
}

func (a *Adapter) IncRef() {
	a.refs.Add(1)
}

// DecRef drops a reference and destroys the adapter when none remain.
func (a *Adapter) DecRef() {
	n := a.refs.Add(-1)
	switch {
	case n == 0:
		a.destroy()
	case n < 0:
		slog.Error("tokenizer adapter released too many times", "refs", n)
	}
}

func (a *Adapter) RefCount() int {
	return int(a.refs.Load())
}

// Destroyed reports whether the last reference has been dropped.
func (a *Adapter) Destroyed() bool {
	return a.destroyed.Load()
}

func (a *Adapter) destroy() {
	if !a.destroyed.CompareAndSwap(false, true) {
		return
	}

	a.handle.Delete()
	a.t.magic = 0
	C.free(unsafe.Pointer(a.t))
	a.t = nil

	if c, ok := a.impl.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("closing tokenizer", "error", err)
		}
	}

	slog.Debug("tokenizer adapter destroyed")
}

func adapterFrom(api C.cbison_tokenizer_t) *Adapter {
	if api == nil {
		slog.Error("tokenizer adapter called with nil record")
		return nil
	}

	if api.magic != C.CBISON_TOKENIZER_MAGIC || api.impl_magic != AdapterImplMagic {
		slog.Error("tokenizer adapter magic mismatch", "magic", uint32(api.magic), "impl_magic", uint32(api.impl_magic))
		return nil
	}

	a, ok := tokenizerImpl(api).Value().(*Adapter)
	if !ok {
		slog.Error("tokenizer adapter has foreign payload")
		return nil
	}

	return a
}

//export cbisonAdapterGetToken
func cbisonAdapterGetToken(api C.cbison_tokenizer_t, id C.uint32_t, bytes *C.uint8_t, n C.size_t) C.int {
	a := adapterFrom(api)
	if a == nil || int(id) >= a.info.NVocab {
		return -1
	}

	b := a.impl.TokenBytes(uint32(id))
	if n > 0 && bytes != nil {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(bytes)), int(n)), b)
	}

	return C.int(len(b))
}

//export cbisonAdapterIsSpecialToken
func cbisonAdapterIsSpecialToken(api C.cbison_tokenizer_t, id C.uint32_t) C.int {
	a := adapterFrom(api)
	if a == nil || int(id) >= a.info.NVocab {
		return -1
	}

	if a.impl.IsSpecialToken(uint32(id)) {
		return 1
	}

	return 0
}

//export cbisonAdapterTokenizeBytes
func cbisonAdapterTokenizeBytes(api C.cbison_tokenizer_t, bytes *C.char, n C.size_t, out *C.uint32_t, outLen C.size_t) C.size_t {
	a := adapterFrom(api)
	if a == nil {
		return 0
	}

	var input []byte
	if n > 0 {
		input = C.GoBytes(unsafe.Pointer(bytes), C.int(n))
	}

	ids := a.impl.TokenizeBytes(input)
	if outLen > 0 && out != nil {
		copy(unsafe.Slice((*uint32)(unsafe.Pointer(out)), int(outLen)), ids)
	}

	return C.size_t(len(ids))
}

//export cbisonAdapterIncrRef
func cbisonAdapterIncrRef(api C.cbison_tokenizer_t) {
	if a := adapterFrom(api); a != nil {
		a.IncRef()
	}
}

//export cbisonAdapterDecrRef
func cbisonAdapterDecrRef(api C.cbison_tokenizer_t) {
	if a := adapterFrom(api); a != nil {
		a.DecRef()
	}
}
