// Package cbison binds grammar-engine plugins that implement the cbison C ABI
// and wraps their tokenizer, factory and matcher records in Go types.
package cbison

/*
#include <stdlib.h>
#include "bridge.h"
*/
import "C"

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/ollama/cbison/logutil"
)

const (
	// errorBufferLen bounds diagnostics written by tokenizer and factory constructors.
	errorBufferLen = 1024

	// validateBufferLen bounds diagnostics written by ValidateGrammar.
	validateBufferLen = 16 * 1024
)

var (
	ErrLoad          = errors.New("unable to load engine library")
	ErrMissingSymbol = errors.New("Missing symbol")
)

// EngineError is a failure reported by the engine while constructing an object.
type EngineError struct {
	Op  string
	Msg string
}

func (e *EngineError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("cbison: %s failed", e.Op)
	}
	return fmt.Sprintf("cbison: %s: %s", e.Op, e.Msg)
}

// TokenizerHandle is a raw pointer to an engine tokenizer record. Whoever
// receives a handle from a constructor owns one reference to it.
type TokenizerHandle unsafe.Pointer

// FactoryHandle is a raw pointer to an engine factory record.
type FactoryHandle unsafe.Pointer

// Library resolves exported symbols of an engine.
type Library interface {
	Lookup(name string) unsafe.Pointer
}

// SymbolTable is a Library for engines linked into the process.
type SymbolTable map[string]unsafe.Pointer

func (t SymbolTable) Lookup(name string) unsafe.Pointer {
	return t[name]
}

// Engine is a loaded plugin: a symbol source plus the prefix used to build
// exported names. Engines are never unloaded.
type Engine struct {
	lib    Library
	prefix string
}

// Load opens the shared library at path. An empty prefix is derived from the
// file name.
func Load(path, prefix string) (*Engine, error) {
	lib, err := openLibrary(path)
	if err != nil {
		return nil, err
	}

	if prefix == "" {
		prefix = DerivePrefix(path)
	}

	slog.Debug("loaded engine library", "path", path, "prefix", prefix)
	return &Engine{lib: lib, prefix: prefix}, nil
}

func NewEngine(lib Library, prefix string) *Engine {
	return &Engine{lib: lib, prefix: prefix}
}

// DerivePrefix returns the base name of path without its extension, e.g.
// "/opt/lib/llg.so" yields "llg".
func DerivePrefix(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (e *Engine) Prefix() string {
	return e.prefix
}

// Symbol returns the exported name of op, <prefix>_cbison_<op>.
func (e *Engine) Symbol(op string) string {
	return e.prefix + "_cbison_" + op
}

// Supports reports whether the engine exports op.
func (e *Engine) Supports(op string) bool {
	fn, _ := e.resolve(op)
	return fn != nil
}

func (e *Engine) resolve(op string) (unsafe.Pointer, string) {
	sym := e.Symbol(op)
	fn := e.lib.Lookup(sym)
	logutil.Trace("resolve symbol", "symbol", sym, "found", fn != nil)
	return fn, sym
}

// NewHFTokenizer builds an engine tokenizer from the contents of a HuggingFace
// tokenizer.json. The engine's diagnostic is returned on every outcome; on
// success it is a warning and may be empty.
func (e *Engine) NewHFTokenizer(tokenizerJSON, optionsJSON string) (TokenizerHandle, string, error) {
	fn, sym := e.resolve("new_hf_tokenizer")
	if fn == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrMissingSymbol, sym)
	}

	ctok := C.CString(tokenizerJSON)
	defer C.free(unsafe.Pointer(ctok))

	copts := C.CString(optionsJSON)
	defer C.free(unsafe.Pointer(copts))

	buf := make([]byte, errorBufferLen)
	t := C._cbison_new_hf_tokenizer(fn, ctok, copts, (*C.char)(unsafe.Pointer(&buf[0])), C.size_t(len(buf)))
	msg := cstring(buf)
	if t == nil {
		return nil, msg, &EngineError{Op: "new_hf_tokenizer", Msg: msg}
	}

	if msg != "" {
		slog.Debug("engine diagnostic", "op", "new_hf_tokenizer", "message", msg)
	}

	return TokenizerHandle(unsafe.Pointer(t)), msg, nil
}

// NewFactory builds a factory bound to tok. On success the engine takes its
// own reference to tok; the caller keeps theirs. The diagnostic is returned
// as for NewHFTokenizer.
func (e *Engine) NewFactory(tok TokenizerHandle, optionsJSON string) (FactoryHandle, string, error) {
	fn, sym := e.resolve("new_factory")
	if fn == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrMissingSymbol, sym)
	}

	if tok == nil {
		return nil, "", &EngineError{Op: "new_factory", Msg: "nil tokenizer"}
	}

	copts := C.CString(optionsJSON)
	defer C.free(unsafe.Pointer(copts))

	buf := make([]byte, errorBufferLen)
	f := C._cbison_new_factory(fn, C.cbison_tokenizer_t(unsafe.Pointer(tok)), copts, (*C.char)(unsafe.Pointer(&buf[0])), C.size_t(len(buf)))
	msg := cstring(buf)
	if f == nil {
		return nil, msg, &EngineError{Op: "new_factory", Msg: msg}
	}

	if msg != "" {
		slog.Debug("engine diagnostic", "op", "new_factory", "message", msg)
	}

	return FactoryHandle(unsafe.Pointer(f)), msg, nil
}

// NewByteTokenizer returns the engine's single-byte test tokenizer, or nil if
// the engine does not export one.
func (e *Engine) NewByteTokenizer() TokenizerHandle {
	fn, _ := e.resolve("new_byte_tokenizer")
	if fn == nil {
		return nil
	}

	return TokenizerHandle(unsafe.Pointer(C._cbison_new_byte_tokenizer(fn)))
}

// ReleaseTokenizerHandle drops one reference held on a raw handle.
func ReleaseTokenizerHandle(h TokenizerHandle) {
	if h != nil {
		C._cbison_decr_ref(C.cbison_tokenizer_t(unsafe.Pointer(h)))
	}
}

// cstring reads a NUL-terminated diagnostic from buf. A buffer the engine
// left unterminated is cut at its last byte.
func cstring(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}

	if len(buf) == 0 {
		return ""
	}

	return string(buf[:len(buf)-1])
}
