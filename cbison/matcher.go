package cbison

/*
#include "bridge.h"
*/
import "C"

import (
	"errors"
	"runtime"
	"unsafe"
)

// DefaultMaxFFTokens bounds ComputeFFTokens when no limit is given.
const DefaultMaxFFTokens = 100

// ErrNoMatcher is returned by Err when the engine could not create a matcher.
var ErrNoMatcher = errors.New("cbison: engine returned no matcher")

// Matcher owns one engine matcher. It keeps its Factory alive, even past
// Factory.Close, and is not safe for concurrent use; Clone gives another
// goroutine independent state.
type Matcher struct {
	f *Factory
	m C.cbison_matcher_t
}

func newMatcher(f *Factory, m C.cbison_matcher_t) *Matcher {
	if m != nil {
		f.addMatcher()
	}

	mm := &Matcher{f: f, m: m}
	runtime.SetFinalizer(mm, (*Matcher).Close)
	return mm
}

func (m *Matcher) live() bool {
	return m.m != nil && m.f != nil && m.f.f != nil
}

// Close frees the matcher. Calling Close more than once is a no-op.
func (m *Matcher) Close() {
	if m.live() {
		C._cbison_free_matcher(m.f.f, m.m)
		m.m = nil
		m.f.releaseMatcher()
	}
	m.m = nil
	runtime.SetFinalizer(m, nil)
}

// Err returns the engine's diagnostic for this matcher, or nil. The message
// is copied, so it stays valid after later calls.
func (m *Matcher) Err() error {
	if !m.live() {
		return ErrNoMatcher
	}

	msg := C._cbison_get_error(m.f.f, m.m)
	if msg == nil {
		return nil
	}

	return &EngineError{Op: "matcher", Msg: C.GoString(msg)}
}

// ComputeMask returns the mask of tokens allowed next, or nil on failure.
func (m *Matcher) ComputeMask() []uint32 {
	if !m.live() {
		return nil
	}

	mask := make([]uint32, m.f.maskWords())
	if m.ComputeMaskInto(mask) < 0 {
		return nil
	}

	return mask
}

// ComputeMaskInto writes the mask into dst, which must hold at least
// MaskByteLen()/4 words.
func (m *Matcher) ComputeMaskInto(dst []uint32) int {
	if !m.live() {
		return -1
	}

	words := m.f.maskWords()
	if words == 0 || len(dst) < words {
		return -1
	}

	return int(C._cbison_compute_mask(m.f.f, m.m, (*C.uint32_t)(unsafe.Pointer(&dst[0])), C.size_t(words*4)))
}

// ComputeFFTokens returns up to maxTokens tokens the grammar forces next. An engine
// error and the absence of forced tokens both yield an empty result; use Err
// to tell them apart.
func (m *Matcher) ComputeFFTokens(maxTokens int) []uint32 {
	if !m.live() {
		return nil
	}

	if maxTokens <= 0 {
		maxTokens = DefaultMaxFFTokens
	}

	out := make([]uint32, maxTokens)
	n := int(C._cbison_compute_ff_tokens(m.f.f, m.m, (*C.uint32_t)(unsafe.Pointer(&out[0])), C.size_t(len(out))))
	if n < 0 {
		return nil
	}

	return out[:min(n, len(out))]
}

// ValidateTokens returns how many leading tokens could be consumed, without
// consuming them, or a negative value on error.
func (m *Matcher) ValidateTokens(tokens []uint32) int {
	if !m.live() {
		return -1
	}

	return int(C._cbison_validate_tokens(m.f.f, m.m, (*C.uint32_t)(unsafe.Pointer(unsafe.SliceData(tokens))), C.size_t(len(tokens))))
}

// ConsumeTokens advances the matcher. It returns 0 on success and -1 if any
// token was rejected, in which case Err describes the failure.
func (m *Matcher) ConsumeTokens(tokens []uint32) int {
	if !m.live() {
		return -1
	}

	if rc := C._cbison_consume_tokens(m.f.f, m.m, (*C.uint32_t)(unsafe.Pointer(unsafe.SliceData(tokens))), C.size_t(len(tokens))); rc < 0 {
		return -1
	}

	return 0
}

// Rollback undoes the last n consumed tokens. Engines without rollback
// return -1.
func (m *Matcher) Rollback(n int) int {
	if !m.live() || m.f.f.rollback == nil || n < 0 {
		return -1
	}

	return int(C._cbison_rollback(m.f.f, m.m, C.size_t(n)))
}

// Reset returns the matcher to its initial state. Engines without reset
// return -1.
func (m *Matcher) Reset() int {
	if !m.live() || m.f.f.reset == nil {
		return -1
	}

	return int(C._cbison_reset(m.f.f, m.m))
}

// Clone returns a matcher with a copy of the current state.
func (m *Matcher) Clone() *Matcher {
	if !m.live() {
		return newMatcher(m.f, nil)
	}

	return newMatcher(m.f, C._cbison_clone_matcher(m.f.f, m.m))
}

func (m *Matcher) IsAccepting() bool {
	if !m.live() {
		return false
	}
	return bool(C._cbison_is_accepting(m.f.f, m.m))
}

// IsStopped reports whether no further token can be consumed. A matcher the
// engine never created is stopped.
func (m *Matcher) IsStopped() bool {
	if !m.live() {
		return true
	}
	return bool(C._cbison_is_stopped(m.f.f, m.m))
}
