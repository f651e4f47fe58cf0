// Package cbisontest provides an in-process grammar engine that implements
// the cbison factory ABI, for testing code built on package cbison.
//
// The engine matches JSON documents restricted by a small JSON schema subset.
// Its records are built and dispatched exactly like those of a shared-library
// engine, so code under test goes through the same C calls.
package cbisontest

/*
#cgo CFLAGS: -I${SRCDIR}/..
#include <stdlib.h>
#include "cbison_api.h"

struct cbison_matcher {
  uintptr_t handle;
};

cbison_tokenizer_t cbtNewHFTokenizer(char*, char*, char*, size_t);
cbison_factory_t cbtNewFactory(cbison_tokenizer_t, char*, char*, size_t);
cbison_tokenizer_t cbtNewByteTokenizer(void);
void cbtFreeFactory(cbison_factory_t);
int32_t cbtValidateGrammar(cbison_factory_t, char*, char*, char*, size_t);
cbison_matcher_t cbtNewMatcher(cbison_factory_t, char*, char*);
char *cbtGetError(cbison_matcher_t);
int32_t cbtComputeMask(cbison_matcher_t, uint32_t*, size_t);
int32_t cbtComputeFFTokens(cbison_matcher_t, uint32_t*, size_t);
bool cbtIsAccepting(cbison_matcher_t);
bool cbtIsStopped(cbison_matcher_t);
int32_t cbtValidateTokens(cbison_matcher_t, uint32_t*, size_t);
int32_t cbtConsumeTokens(cbison_matcher_t, uint32_t*, size_t);
int32_t cbtReset(cbison_matcher_t);
int32_t cbtRollback(cbison_matcher_t, size_t);
void cbtFreeMatcher(cbison_matcher_t);
cbison_matcher_t cbtCloneMatcher(cbison_matcher_t);
int32_t cbtComputeMasks(cbison_factory_t, cbison_mask_req_t*, size_t);
*/
import "C"

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/cgo"
	"sync/atomic"
	"unsafe"

	"github.com/ollama/cbison/cbison"
	"github.com/ollama/cbison/tokenizer"
)

// ImplMagic tags factory records built by this engine.
const ImplMagic = 0x7e57e61e

var liveFactories, liveMatchers atomic.Int64

// Live reports how many factories and matchers have not been freed.
func Live() (factories, matchers int) {
	return int(liveFactories.Load()), int(liveMatchers.Load())
}

// Symbols returns the engine's entry points under prefix.
func Symbols(prefix string) cbison.SymbolTable {
	return cbison.SymbolTable{
		prefix + "_cbison_new_hf_tokenizer":   unsafe.Pointer(C.cbtNewHFTokenizer),
		prefix + "_cbison_new_factory":        unsafe.Pointer(C.cbtNewFactory),
		prefix + "_cbison_new_byte_tokenizer": unsafe.Pointer(C.cbtNewByteTokenizer),
	}
}

// NewEngine binds the test engine under prefix.
func NewEngine(prefix string) *cbison.Engine {
	return cbison.NewEngine(Symbols(prefix), prefix)
}

// Options are the engine options accepted by new_factory.
type Options struct {
	DisableBatch    bool `json:"disable_batch,omitempty"`
	DisableRollback bool `json:"disable_rollback,omitempty"`
	DisableReset    bool `json:"disable_reset,omitempty"`

	// Diagnostic is reported alongside a successfully created factory.
	Diagnostic string `json:"diagnostic,omitempty"`
}

func (o Options) String() string {
	b, _ := json.Marshal(o)
	return string(b)
}

func parseOptions(s string) (Options, error) {
	var opts Options
	if len(bytes.TrimSpace([]byte(s))) == 0 {
		return opts, nil
	}

	d := json.NewDecoder(bytes.NewReader([]byte(s)))
	d.DisallowUnknownFields()
	if err := d.Decode(&opts); err != nil {
		return opts, fmt.Errorf("invalid options: %w", err)
	}

	return opts, nil
}

type factory struct {
	tok    *cbison.Tokenizer
	vocab  *vocab
	opts   Options
	rec    C.cbison_factory_t
	handle cgo.Handle
}

type matcher struct {
	*grammarMatcher

	f      *factory
	cerr   *C.char
	shown  string
	rec    C.cbison_matcher_t
	handle cgo.Handle
}

// writeMessage copies msg into a caller buffer of n bytes, always leaving it
// NUL terminated.
func writeMessage(dst *C.char, n C.size_t, msg string) {
	if dst == nil || n == 0 {
		return
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(dst)), int(n))
	k := copy(buf[:len(buf)-1], msg)
	buf[k] = 0
}

func adapt(impl cbison.TokenizerImpl, n int, eos uint32, utf8 bool) C.cbison_tokenizer_t {
	a := cbison.NewAdapter(impl, cbison.TokenizerInfo{NVocab: n, EOSTokenID: eos, RequiresUTF8: utf8})
	return C.cbison_tokenizer_t(unsafe.Pointer(a.Handle()))
}

//export cbtNewHFTokenizer
func cbtNewHFTokenizer(tokenizerJSON, optionsJSON *C.char, errBuf *C.char, errLen C.size_t) C.cbison_tokenizer_t {
	var opts tokenizer.HFOptions
	if s := C.GoString(optionsJSON); len(bytes.TrimSpace([]byte(s))) > 0 {
		if err := json.Unmarshal([]byte(s), &opts); err != nil {
			writeMessage(errBuf, errLen, fmt.Sprintf("invalid options: %v", err))
			return nil
		}
	}

	tok, err := tokenizer.ParseHF([]byte(C.GoString(tokenizerJSON)), opts)
	if err != nil {
		writeMessage(errBuf, errLen, err.Error())
		return nil
	}

	writeMessage(errBuf, errLen, "")
	return adapt(tok, tok.VocabSize(), tok.EOSTokenID(), tok.RequiresUTF8())
}

//export cbtNewByteTokenizer
func cbtNewByteTokenizer() C.cbison_tokenizer_t {
	var tok tokenizer.ByteTokenizer
	return adapt(tok, tok.VocabSize(), tok.EOSTokenID(), tok.RequiresUTF8())
}

//export cbtNewFactory
func cbtNewFactory(t C.cbison_tokenizer_t, optionsJSON *C.char, errBuf *C.char, errLen C.size_t) C.cbison_factory_t {
	f, err := newFactory(t, C.GoString(optionsJSON))
	if err != nil {
		writeMessage(errBuf, errLen, err.Error())
		return nil
	}

	writeMessage(errBuf, errLen, f.opts.Diagnostic)
	return f.rec
}

func newFactory(t C.cbison_tokenizer_t, options string) (*factory, error) {
	if t == nil {
		return nil, errors.New("tokenizer is null")
	}

	if t.magic != C.CBISON_TOKENIZER_MAGIC || t.version_major != C.CBISON_TOKENIZER_VERSION_MAJOR {
		return nil, fmt.Errorf("unsupported tokenizer record (magic %#x, version %d)", uint32(t.magic), uint32(t.version_major))
	}

	opts, err := parseOptions(options)
	if err != nil {
		return nil, err
	}

	tok := cbison.NewTokenizer(cbison.TokenizerHandle(unsafe.Pointer(t)))
	n := tok.VocabSize()
	if n == 0 {
		tok.Close()
		return nil, errors.New("tokenizer has an empty vocabulary")
	}

	v := &vocab{
		tokens:  make([][]byte, n),
		special: make([]bool, n),
		eos:     tok.EOSTokenID(),
	}
	for id := range n {
		v.tokens[id] = tok.TokenBytes(uint32(id))
		v.special[id] = tok.IsSpecialToken(uint32(id)) == 1
	}

	f := &factory{tok: tok, vocab: v, opts: opts}
	f.handle = cgo.NewHandle(f)

	rec := (C.cbison_factory_t)(C.calloc(1, C.sizeof_struct_cbison_factory))
	rec.magic = C.CBISON_FACTORY_MAGIC
	rec.impl_magic = ImplMagic
	setFactoryImpl(rec, f.handle)
	rec.version_major = C.CBISON_FACTORY_VERSION_MAJOR
	rec.version_minor = C.CBISON_FACTORY_VERSION_MINOR
	rec.n_vocab = C.size_t(n)
	rec.mask_byte_len = C.size_t(v.maskWords() * 4)
	rec.free_factory = (*[0]byte)(C.cbtFreeFactory)
	rec.validate_grammar = (*[0]byte)(C.cbtValidateGrammar)
	rec.new_matcher = (*[0]byte)(C.cbtNewMatcher)
	rec.get_error = (*[0]byte)(C.cbtGetError)
	rec.compute_mask = (*[0]byte)(C.cbtComputeMask)
	rec.compute_ff_tokens = (*[0]byte)(C.cbtComputeFFTokens)
	rec.is_accepting = (*[0]byte)(C.cbtIsAccepting)
	rec.is_stopped = (*[0]byte)(C.cbtIsStopped)
	rec.validate_tokens = (*[0]byte)(C.cbtValidateTokens)
	rec.consume_tokens = (*[0]byte)(C.cbtConsumeTokens)
	rec.free_matcher = (*[0]byte)(C.cbtFreeMatcher)
	rec.clone_matcher = (*[0]byte)(C.cbtCloneMatcher)
	if !opts.DisableReset {
		rec.reset = (*[0]byte)(C.cbtReset)
	}
	if !opts.DisableRollback {
		rec.rollback = (*[0]byte)(C.cbtRollback)
	}
	if !opts.DisableBatch {
		rec.compute_masks = (*[0]byte)(C.cbtComputeMasks)
	}
	f.rec = rec

	liveFactories.Add(1)
	slog.Debug("test engine factory created", "n_vocab", n, "options", opts)
	return f, nil
}

func factoryFrom(api C.cbison_factory_t) *factory {
	if api == nil || api.magic != C.CBISON_FACTORY_MAGIC || api.impl_magic != ImplMagic {
		slog.Error("test engine called with a foreign factory")
		return nil
	}

	f, _ := factoryImpl(api).Value().(*factory)
	return f
}

//export cbtFreeFactory
func cbtFreeFactory(api C.cbison_factory_t) {
	f := factoryFrom(api)
	if f == nil {
		return
	}

	f.rec.magic = 0
	C.free(unsafe.Pointer(f.rec))
	f.rec = nil
	f.handle.Delete()
	f.tok.Close()
	liveFactories.Add(-1)
}

//export cbtValidateGrammar
func cbtValidateGrammar(api C.cbison_factory_t, grammarType, grammarText *C.char, msg *C.char, msgLen C.size_t) C.int32_t {
	if factoryFrom(api) == nil {
		writeMessage(msg, msgLen, "invalid factory")
		return -1
	}

	_, warning, err := parseGrammar(C.GoString(grammarType), C.GoString(grammarText))
	switch {
	case err != nil:
		writeMessage(msg, msgLen, err.Error())
		return -1
	case warning != "":
		writeMessage(msg, msgLen, warning)
		return 1
	default:
		writeMessage(msg, msgLen, "")
		return 0
	}
}

//export cbtNewMatcher
func cbtNewMatcher(api C.cbison_factory_t, grammarType, grammarText *C.char) C.cbison_matcher_t {
	f := factoryFrom(api)
	if f == nil {
		return nil
	}

	g, _, err := parseGrammar(C.GoString(grammarType), C.GoString(grammarText))
	return f.newMatcher(newGrammarMatcher(f.vocab, g, err))
}

func (f *factory) newMatcher(gm *grammarMatcher) C.cbison_matcher_t {
	m := &matcher{grammarMatcher: gm, f: f}
	m.handle = cgo.NewHandle(m)

	m.rec = (C.cbison_matcher_t)(C.malloc(C.sizeof_struct_cbison_matcher))
	m.rec.handle = C.uintptr_t(m.handle)
	m.syncError()

	liveMatchers.Add(1)
	return m.rec
}

// syncError keeps the C copy of the error message current. The previous copy
// is freed, which is why get_error results only last until the next call.
func (m *matcher) syncError() {
	if m.err == m.shown && (m.err == "") == (m.cerr == nil) {
		return
	}

	if m.cerr != nil {
		C.free(unsafe.Pointer(m.cerr))
		m.cerr = nil
	}

	if m.err != "" {
		m.cerr = C.CString(m.err)
	}
	m.shown = m.err
}

func matcherFrom(rec C.cbison_matcher_t) *matcher {
	if rec == nil {
		return nil
	}

	m, _ := cgo.Handle(rec.handle).Value().(*matcher)
	return m
}

//export cbtGetError
func cbtGetError(rec C.cbison_matcher_t) *C.char {
	m := matcherFrom(rec)
	if m == nil {
		return nil
	}
	return m.cerr
}

//export cbtComputeMask
func cbtComputeMask(rec C.cbison_matcher_t, dst *C.uint32_t, n C.size_t) C.int32_t {
	m := matcherFrom(rec)
	if m == nil || dst == nil || int(n) < m.v.maskWords()*4 {
		return -1
	}

	mask := unsafe.Slice((*uint32)(unsafe.Pointer(dst)), m.v.maskWords())
	if !m.fillMask(mask) {
		return -1
	}
	return 0
}

//export cbtComputeMasks
func cbtComputeMasks(api C.cbison_factory_t, reqs *C.cbison_mask_req_t, n C.size_t) C.int32_t {
	f := factoryFrom(api)
	if f == nil || (reqs == nil && n > 0) {
		return -1
	}

	// every mask is computed before any destination is written
	words := f.vocab.maskWords()
	masks := make([][]uint32, int(n))
	for i, req := range unsafe.Slice(reqs, int(n)) {
		m := matcherFrom(req.matcher)
		if m == nil || req.mask_dest == nil {
			return -1
		}

		masks[i] = make([]uint32, words)
		if !m.fillMask(masks[i]) {
			return -1
		}
	}

	for i, req := range unsafe.Slice(reqs, int(n)) {
		copy(unsafe.Slice((*uint32)(unsafe.Pointer(req.mask_dest)), words), masks[i])
	}

	return 0
}

//export cbtComputeFFTokens
func cbtComputeFFTokens(rec C.cbison_matcher_t, out *C.uint32_t, n C.size_t) C.int32_t {
	m := matcherFrom(rec)
	if m == nil {
		return -1
	}

	tokens, ok := m.forced(int(n))
	if !ok {
		return -1
	}

	if n > 0 && out != nil {
		copy(unsafe.Slice((*uint32)(unsafe.Pointer(out)), int(n)), tokens)
	}
	return C.int32_t(len(tokens))
}

//export cbtIsAccepting
func cbtIsAccepting(rec C.cbison_matcher_t) C.bool {
	m := matcherFrom(rec)
	return C.bool(m != nil && m.accepting())
}

//export cbtIsStopped
func cbtIsStopped(rec C.cbison_matcher_t) C.bool {
	m := matcherFrom(rec)
	return C.bool(m == nil || m.stopped())
}

func tokenSlice(tokens *C.uint32_t, n C.size_t) []uint32 {
	if tokens == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(tokens)), int(n))
}

//export cbtValidateTokens
func cbtValidateTokens(rec C.cbison_matcher_t, tokens *C.uint32_t, n C.size_t) C.int32_t {
	m := matcherFrom(rec)
	if m == nil {
		return -1
	}
	return C.int32_t(m.validate(tokenSlice(tokens, n)))
}

//export cbtConsumeTokens
func cbtConsumeTokens(rec C.cbison_matcher_t, tokens *C.uint32_t, n C.size_t) C.int32_t {
	m := matcherFrom(rec)
	if m == nil {
		return -1
	}

	defer m.syncError()
	if !m.consume(tokenSlice(tokens, n)) {
		return -1
	}
	return 0
}

//export cbtReset
func cbtReset(rec C.cbison_matcher_t) C.int32_t {
	m := matcherFrom(rec)
	if m == nil {
		return -1
	}

	defer m.syncError()
	if !m.reset() {
		return -1
	}
	return 0
}

//export cbtRollback
func cbtRollback(rec C.cbison_matcher_t, n C.size_t) C.int32_t {
	m := matcherFrom(rec)
	if m == nil {
		return -1
	}

	defer m.syncError()
	if !m.rollback(int(n)) {
		return -1
	}
	return 0
}

//export cbtCloneMatcher
func cbtCloneMatcher(rec C.cbison_matcher_t) C.cbison_matcher_t {
	m := matcherFrom(rec)
	if m == nil {
		return nil
	}
	return m.f.newMatcher(m.grammarMatcher.clone())
}

//export cbtFreeMatcher
func cbtFreeMatcher(rec C.cbison_matcher_t) {
	m := matcherFrom(rec)
	if m == nil {
		return
	}

	m.handle.Delete()
	if m.cerr != nil {
		C.free(unsafe.Pointer(m.cerr))
	}
	C.free(unsafe.Pointer(m.rec))
	m.rec, m.cerr = nil, nil
	liveMatchers.Add(-1)
}
