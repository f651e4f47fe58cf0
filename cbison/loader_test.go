package cbison_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ollama/cbison/cbison"
	"github.com/ollama/cbison/cbison/cbisontest"
)

func TestDerivePrefix(t *testing.T) {
	cases := map[string]string{
		"/opt/lib/llg.so":       "llg",
		"libllguidance.dylib":   "libllguidance",
		"relative/engine.v2.so": "engine.v2",
		"no_extension":          "no_extension",
	}

	for path, want := range cases {
		if got := cbison.DerivePrefix(path); got != want {
			t.Errorf("DerivePrefix(%q): expected %q, got %q", path, want, got)
		}
	}
}

func TestLoadMissingLibrary(t *testing.T) {
	eng, err := cbison.Load(filepath.Join(t.TempDir(), "missing.so"), "")
	if !errors.Is(err, cbison.ErrLoad) {
		t.Fatalf("expected ErrLoad, got %v", err)
	}

	if eng != nil {
		t.Error("expected no engine on failure")
	}
}

func TestSymbol(t *testing.T) {
	eng := cbison.NewEngine(cbison.SymbolTable{}, "llg")
	if got := eng.Symbol("new_factory"); got != "llg_cbison_new_factory" {
		t.Errorf("unexpected symbol %q", got)
	}

	if eng.Prefix() != "llg" {
		t.Errorf("unexpected prefix %q", eng.Prefix())
	}
}

func TestMissingSymbol(t *testing.T) {
	eng := cbison.NewEngine(cbison.SymbolTable{}, "llg")

	if eng.Supports("new_factory") {
		t.Error("expected new_factory to be unsupported")
	}

	_, _, err := eng.NewFactory(nil, "{}")
	if !errors.Is(err, cbison.ErrMissingSymbol) {
		t.Fatalf("expected ErrMissingSymbol, got %v", err)
	}

	if err.Error() != "Missing symbol: llg_cbison_new_factory" {
		t.Errorf("unexpected message %q", err)
	}

	_, _, err = eng.NewHFTokenizer("{}", "{}")
	if err == nil || err.Error() != "Missing symbol: llg_cbison_new_hf_tokenizer" {
		t.Errorf("unexpected error %v", err)
	}

	if h := eng.NewByteTokenizer(); h != nil {
		t.Error("expected nil byte tokenizer when the export is absent")
	}
}

func TestSymbolsResolveIndependently(t *testing.T) {
	symbols := cbisontest.Symbols("partial")
	delete(symbols, "partial_cbison_new_hf_tokenizer")
	eng := cbison.NewEngine(symbols, "partial")

	h := eng.NewByteTokenizer()
	if h == nil {
		t.Fatal("expected byte tokenizer")
	}
	defer cbison.ReleaseTokenizerHandle(h)

	fh, _, err := eng.NewFactory(h, "{}")
	if err != nil {
		t.Fatal(err)
	}
	cbison.NewFactory(fh).Close()

	if _, _, err := eng.NewHFTokenizer("{}", ""); !errors.Is(err, cbison.ErrMissingSymbol) {
		t.Errorf("expected ErrMissingSymbol, got %v", err)
	}
}

func TestPrefixSelectsSymbols(t *testing.T) {
	eng := cbison.NewEngine(cbisontest.Symbols("llg"), "other")
	if eng.Supports("new_factory") {
		t.Error("expected symbols under another prefix to be invisible")
	}
}
