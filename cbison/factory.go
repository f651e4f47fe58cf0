package cbison

/*
#include <stdlib.h>
#include "bridge.h"
*/
import "C"

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"
)

// ErrABIMismatch reports a record whose magic or major version this package
// does not understand.
var ErrABIMismatch = errors.New("cbison: ABI mismatch")

// Factory owns an engine factory. It is not safe for concurrent use, except
// that its matchers may be closed from any goroutine.
type Factory struct {
	f C.cbison_factory_t

	mu       sync.Mutex
	matchers int
	closing  bool
}

// NewFactory takes ownership of h.
func NewFactory(h FactoryHandle) *Factory {
	f := &Factory{f: C.cbison_factory_t(unsafe.Pointer(h))}
	runtime.SetFinalizer(f, (*Factory).Close)
	return f
}

// Close frees the factory. While matchers are still open the engine factory
// stays alive and is freed when the last of them is closed; no new matchers
// can be created in the meantime.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.matchers > 0 {
		if !f.closing {
			slog.Debug("factory close deferred until its matchers are closed", "matchers", f.matchers)
		}
		f.closing = true
		return
	}

	f.free()
}

// free releases the engine factory. f.mu must be held.
func (f *Factory) free() {
	if f.f != nil {
		C._cbison_free_factory(f.f)
		f.f = nil
	}
	f.closing = false
	runtime.SetFinalizer(f, nil)
}

// LiveMatchers returns the number of matchers not yet closed.
func (f *Factory) LiveMatchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.matchers
}

func (f *Factory) open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f != nil && !f.closing
}

func (f *Factory) addMatcher() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matchers++
}

func (f *Factory) releaseMatcher() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.matchers--
	if f.matchers == 0 && f.closing {
		slog.Debug("last matcher closed, freeing factory")
		f.free()
	}
}

// Check validates the record header.
func (f *Factory) Check() error {
	if f.f == nil {
		return fmt.Errorf("%w: nil factory", ErrABIMismatch)
	}

	if f.f.magic != C.CBISON_FACTORY_MAGIC {
		return fmt.Errorf("%w: factory magic %#x", ErrABIMismatch, uint32(f.f.magic))
	}

	if f.f.version_major != C.CBISON_FACTORY_VERSION_MAJOR {
		major, minor := f.Version()
		return fmt.Errorf("%w: factory version %d.%d", ErrABIMismatch, major, minor)
	}

	return nil
}

func (f *Factory) Version() (major, minor int) {
	if f.f == nil {
		return 0, 0
	}
	return int(f.f.version_major), int(f.f.version_minor)
}

func (f *Factory) NVocab() int {
	if f.f == nil {
		return 0
	}
	return int(f.f.n_vocab)
}

// MaskByteLen is the size of one mask, ceil(NVocab/32)*4 bytes.
func (f *Factory) MaskByteLen() int {
	if f.f == nil {
		return 0
	}
	return int(f.f.mask_byte_len)
}

func (f *Factory) maskWords() int {
	return f.MaskByteLen() / 4
}

// Supports reports whether the engine implements the optional matcher
// operation op: "reset", "rollback" or "compute_masks".
func (f *Factory) Supports(op string) bool {
	if f.f == nil {
		return false
	}

	switch op {
	case "reset":
		return f.f.reset != nil
	case "rollback":
		return f.f.rollback != nil
	case "compute_masks":
		return f.f.compute_masks != nil
	default:
		return false
	}
}

// NewMatcher never returns nil. An invalid grammar yields a matcher whose Err
// is set; check it before use.
func (f *Factory) NewMatcher(grammarType, grammar string) *Matcher {
	if !f.open() {
		return newMatcher(f, nil)
	}

	ctype := C.CString(grammarType)
	defer C.free(unsafe.Pointer(ctype))

	cgrammar := C.CString(grammar)
	defer C.free(unsafe.Pointer(cgrammar))

	return newMatcher(f, C._cbison_new_matcher(f.f, ctype, cgrammar))
}

// ValidateGrammar checks a grammar without building a matcher. A valid grammar
// may still carry a warning in msg.
func (f *Factory) ValidateGrammar(grammarType, grammar string) (ok bool, msg string) {
	if f.f == nil {
		return false, "nil factory"
	}

	ctype := C.CString(grammarType)
	defer C.free(unsafe.Pointer(ctype))

	cgrammar := C.CString(grammar)
	defer C.free(unsafe.Pointer(cgrammar))

	buf := make([]byte, validateBufferLen)
	rc := C._cbison_validate_grammar(f.f, ctype, cgrammar, (*C.char)(unsafe.Pointer(&buf[0])), C.size_t(len(buf)))
	switch {
	case rc == 0:
		return true, ""
	case rc < 0:
		return false, cstring(buf)
	default:
		return true, cstring(buf)
	}
}

// MaskRequest pairs a matcher with the destination of its mask for one
// ComputeMasks call. Dest must hold at least MaskByteLen()/4 words.
type MaskRequest struct {
	Matcher *Matcher
	Dest    []uint32
}

// ComputeMasks fills every request's destination in a single engine call.
// It returns -1 when the engine has no batch support, a request is malformed,
// or the engine fails; callers fall back to ComputeMask per matcher.
func (f *Factory) ComputeMasks(reqs []MaskRequest) int {
	if f.f == nil || f.f.compute_masks == nil {
		return -1
	}

	if len(reqs) == 0 {
		return 0
	}

	words := f.maskWords()
	creqs := make([]C.cbison_mask_req_t, len(reqs))

	var pinner runtime.Pinner
	defer pinner.Unpin()

	for i, r := range reqs {
		if r.Matcher == nil || r.Matcher.m == nil || len(r.Dest) < words || words == 0 {
			slog.Debug("invalid mask request", "index", i)
			return -1
		}

		pinner.Pin(&r.Dest[0])
		creqs[i].matcher = r.Matcher.m
		creqs[i].mask_dest = (*C.uint32_t)(unsafe.Pointer(&r.Dest[0]))
	}

	rc := C._cbison_compute_masks(f.f, &creqs[0], C.size_t(len(creqs)))
	runtime.KeepAlive(reqs)
	if rc < 0 {
		return -1
	}

	return 0
}

// ComputeMasksOrFallback uses the batch call when available and otherwise
// computes each mask on its own.
func (f *Factory) ComputeMasksOrFallback(reqs []MaskRequest) int {
	if f.Supports("compute_masks") {
		if rc := f.ComputeMasks(reqs); rc == 0 {
			return 0
		}
		slog.Debug("batch mask computation failed, computing per matcher", "requests", len(reqs))
	}

	for _, r := range reqs {
		if r.Matcher == nil {
			return -1
		}

		if rc := r.Matcher.ComputeMaskInto(r.Dest); rc < 0 {
			return rc
		}
	}

	return 0
}
