//go:build integration

package integration

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ollama/cbison/cbison"
	"github.com/ollama/cbison/envconfig"
	"github.com/ollama/cbison/logutil"
)

func Init() {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
}

// LoadEngine opens the library named by CBISON_LIBRARY, skipping the test
// when none is configured.
func LoadEngine(t *testing.T) *cbison.Engine {
	t.Helper()
	Init()

	if envconfig.Library == "" {
		t.Skip("CBISON_LIBRARY not set")
	}

	eng, err := cbison.Load(envconfig.Library, envconfig.Prefix)
	require.NoError(t, err)

	slog.Info("loaded engine", "library", envconfig.Library, "prefix", eng.Prefix())
	return eng
}

// NewFactory builds a factory over the engine byte tokenizer, skipping the
// test when the engine has none.
func NewFactory(t *testing.T, eng *cbison.Engine) (*cbison.Tokenizer, *cbison.Factory) {
	t.Helper()

	h := eng.NewByteTokenizer()
	if h == nil {
		t.Skipf("engine does not export %s", eng.Symbol("new_byte_tokenizer"))
	}

	tok := cbison.NewTokenizer(h)
	fh, diag, err := eng.NewFactory(h, envconfig.FactoryOptions)
	cbison.ReleaseTokenizerHandle(h)
	if err != nil {
		tok.Close()
		t.Fatal(err)
	}

	if diag != "" {
		t.Logf("engine diagnostic: %s", diag)
	}

	f := cbison.NewFactory(fh)
	t.Cleanup(func() {
		f.Close()
		tok.Close()
	})

	require.NoError(t, f.Check())
	return tok, f
}
