package conformance_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/cbison/cbison"
	"github.com/ollama/cbison/cbison/cbisontest"
	"github.com/ollama/cbison/conformance"
)

const tokenizerJSON = `{
  "added_tokens": [{"id": 10, "content": "<|endoftext|>", "special": true}],
  "model": {
    "type": "BPE",
    "vocab": {"{": 0, "}": 1, "\"": 2, "a": 3, ":": 4, "1": 5, "2": 6, "12": 7, "b": 8, "c": 9}
  }
}`

func stepNames(r *conformance.Report) (run, skipped []string) {
	for _, s := range r.Steps {
		if s.Skipped {
			skipped = append(skipped, s.Name)
		} else {
			run = append(run, s.Name)
		}
	}
	return run, skipped
}

func requirePassed(t *testing.T, r *conformance.Report) {
	t.Helper()
	require.NoError(t, r.Err, r.Target)
	for _, s := range r.Steps {
		require.NoError(t, s.Err, "%s: %s", r.Target, s.Name)
	}
	require.False(t, r.Failed())
}

func TestRunAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(tokenizerJSON), 0o644))

	targets := conformance.DefaultTargets(path)
	require.Len(t, targets, 4)

	reports, err := conformance.RunAll(context.Background(), cbisontest.NewEngine("test"), targets, conformance.Options{}, 2)
	require.NoError(t, err)
	require.Len(t, reports, len(targets))

	for i, r := range reports {
		assert.Equal(t, targets[i].Name, r.Target)
		requirePassed(t, r)

		run, skipped := stepNames(r)
		assert.Len(t, run, 10, r.Target)
		assert.Empty(t, skipped, r.Target)
	}
}

func TestRunMissingByteTokenizer(t *testing.T) {
	symbols := cbisontest.Symbols("llg")
	delete(symbols, "llg_cbison_new_byte_tokenizer")
	eng := cbison.NewEngine(symbols, "llg")

	r := conformance.Run(eng, conformance.EngineByteTokenizer(), conformance.Options{})
	assert.True(t, r.Skipped)
	assert.ErrorIs(t, r.Err, conformance.ErrSkip)
	assert.ErrorContains(t, r.Err, "llg_cbison_new_byte_tokenizer")
	assert.Empty(t, r.Steps)
	assert.False(t, r.Failed())

	r = conformance.Run(eng, conformance.GoByteTokenizer(), conformance.Options{})
	requirePassed(t, r)
}

func TestRunOptionalCapabilities(t *testing.T) {
	cases := []struct {
		name    string
		options cbisontest.Options
		skipped []string
	}{
		{
			name:    "no batch",
			options: cbisontest.Options{DisableBatch: true},
		},
		{
			name:    "no reset",
			options: cbisontest.Options{DisableReset: true},
			skipped: []string{"reset"},
		},
		{
			name:    "no rollback",
			options: cbisontest.Options{DisableRollback: true},
			skipped: []string{"rollback and clone", "clone independence", "mask and forced tokens", "batch masks"},
		},
	}

	eng := cbisontest.NewEngine("test")
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			r := conformance.Run(eng, conformance.GoByteTokenizer(), conformance.Options{FactoryOptions: tt.options.String()})
			requirePassed(t, r)

			run, skipped := stepNames(r)
			assert.Equal(t, tt.skipped, skipped)
			assert.Len(t, run, 10-len(tt.skipped))
		})
	}
}

func TestRunDiagnostic(t *testing.T) {
	eng := cbisontest.NewEngine("test")
	options := cbisontest.Options{Diagnostic: "vocabulary has no whitespace tokens"}.String()

	r := conformance.Run(eng, conformance.GoByteTokenizer(), conformance.Options{FactoryOptions: options})
	requirePassed(t, r)
	assert.Equal(t, "vocabulary has no whitespace tokens", r.Diagnostic)

	r = conformance.Run(eng, conformance.GoByteTokenizer(), conformance.Options{})
	requirePassed(t, r)
	assert.Empty(t, r.Diagnostic)
}

func TestRunFailures(t *testing.T) {
	eng := cbisontest.NewEngine("test")

	t.Run("grammar error", func(t *testing.T) {
		r := conformance.Run(eng, conformance.GoByteTokenizer(), conformance.Options{GrammarError: "unexpected token"})
		require.NoError(t, r.Err)
		require.True(t, r.Failed())

		// later steps depend on earlier ones and are not run
		require.Len(t, r.Steps, 1)
		assert.Equal(t, "validate grammar", r.Steps[0].Name)
		assert.ErrorContains(t, r.Steps[0].Err, "unexpected token")
	})

	t.Run("factory options", func(t *testing.T) {
		r := conformance.Run(eng, conformance.GoByteTokenizer(), conformance.Options{FactoryOptions: `{"bogus": 1}`})
		var engErr *cbison.EngineError
		require.ErrorAs(t, r.Err, &engErr)
		assert.Equal(t, "new_factory", engErr.Op)
		assert.True(t, r.Failed())
	})

	t.Run("tokenizer file", func(t *testing.T) {
		r := conformance.Run(eng, conformance.GoHFTokenizer(filepath.Join(t.TempDir(), "missing.json")), conformance.Options{})
		assert.ErrorIs(t, r.Err, os.ErrNotExist)
		assert.False(t, r.Skipped)
		assert.True(t, r.Failed())
	})

	t.Run("engine tokenizer", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tokenizer.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"model": {}}`), 0o644))

		r := conformance.Run(eng, conformance.HFTokenizer(path, "{}"), conformance.Options{})
		var engErr *cbison.EngineError
		require.ErrorAs(t, r.Err, &engErr)
		assert.Equal(t, "new_hf_tokenizer", engErr.Op)
	})
}

func TestRunAllCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := conformance.RunAll(ctx, cbisontest.NewEngine("test"), conformance.DefaultTargets(""), conformance.Options{}, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunLeavesNothingLive(t *testing.T) {
	factories, matchers := cbisontest.Live()

	r := conformance.Run(cbisontest.NewEngine("test"), conformance.GoByteTokenizer(), conformance.Options{})
	requirePassed(t, r)

	gotF, gotM := cbisontest.Live()
	assert.Equal(t, factories, gotF)
	assert.Equal(t, matchers, gotM)
}
