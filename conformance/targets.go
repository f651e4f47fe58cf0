package conformance

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ollama/cbison/cbison"
	"github.com/ollama/cbison/tokenizer"
)

// ErrSkip marks a target the engine cannot run.
var ErrSkip = errors.New("target not supported")

// Target supplies the tokenizer a suite run is built on. NewTokenizer returns
// a handle the run owns one reference to.
type Target struct {
	Name         string
	NewTokenizer func(*cbison.Engine) (cbison.TokenizerHandle, error)
}

// EngineByteTokenizer uses the engine's own byte tokenizer. Engines without
// one are skipped.
func EngineByteTokenizer() Target {
	return Target{
		Name: "engine byte tokenizer",
		NewTokenizer: func(eng *cbison.Engine) (cbison.TokenizerHandle, error) {
			h := eng.NewByteTokenizer()
			if h == nil {
				return nil, fmt.Errorf("%w: no %s", ErrSkip, eng.Symbol("new_byte_tokenizer"))
			}
			return h, nil
		},
	}
}

// GoByteTokenizer hands the engine a byte tokenizer implemented in Go.
func GoByteTokenizer() Target {
	return Target{
		Name: "go byte tokenizer",
		NewTokenizer: func(*cbison.Engine) (cbison.TokenizerHandle, error) {
			var tok tokenizer.ByteTokenizer
			return adapt(tok, tok.VocabSize(), tok.EOSTokenID(), tok.RequiresUTF8()), nil
		},
	}
}

// HFTokenizer asks the engine to build a tokenizer from a tokenizer.json file.
func HFTokenizer(path, options string) Target {
	return Target{
		Name: "engine hf tokenizer",
		NewTokenizer: func(eng *cbison.Engine) (cbison.TokenizerHandle, error) {
			if !eng.Supports("new_hf_tokenizer") {
				return nil, fmt.Errorf("%w: no %s", ErrSkip, eng.Symbol("new_hf_tokenizer"))
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}

			h, diag, err := eng.NewHFTokenizer(string(data), options)
			if diag != "" && err == nil {
				slog.Warn("engine diagnostic", "op", "new_hf_tokenizer", "path", path, "message", diag)
			}
			return h, err
		},
	}
}

// GoHFTokenizer parses a tokenizer.json file in Go and hands the result to
// the engine.
func GoHFTokenizer(path string) Target {
	return Target{
		Name: "go hf tokenizer",
		NewTokenizer: func(*cbison.Engine) (cbison.TokenizerHandle, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}

			tok, err := tokenizer.ParseHF(data, tokenizer.HFOptions{})
			if err != nil {
				return nil, err
			}

			return adapt(tok, tok.VocabSize(), tok.EOSTokenID(), tok.RequiresUTF8()), nil
		},
	}
}

// DefaultTargets returns the byte tokenizer targets, plus the tokenizer.json
// targets when tokenizerPath is set.
func DefaultTargets(tokenizerPath string) []Target {
	targets := []Target{EngineByteTokenizer(), GoByteTokenizer()}
	if tokenizerPath != "" {
		targets = append(targets, HFTokenizer(tokenizerPath, "{}"), GoHFTokenizer(tokenizerPath))
	}
	return targets
}

func adapt(impl cbison.TokenizerImpl, n int, eos uint32, utf8 bool) cbison.TokenizerHandle {
	return cbison.NewAdapter(impl, cbison.TokenizerInfo{NVocab: n, EOSTokenID: eos, RequiresUTF8: utf8}).Handle()
}
