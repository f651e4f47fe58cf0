// Package conformance checks that a grammar engine library behaves the way
// package cbison expects. A run builds a factory over one tokenizer and walks
// a matcher through validation, consumption, rollback, cloning, reset and
// mask computation, recording each step.
package conformance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/cbison/cbison"
	"github.com/ollama/cbison/logutil"
)

const (
	// DefaultGrammarError is the fragment engines are expected to report for
	// the malformed grammar "foobar".
	DefaultGrammarError = "expected ident"

	grammarType = "json"
	incomplete  = `{"a":abc}`
	complete    = `{"a":12}`
)

type Options struct {
	// FactoryOptions is the engine options JSON passed to new_factory.
	FactoryOptions string

	// MaxFFTokens bounds the forced token query.
	MaxFFTokens int

	// GrammarError must appear in the diagnostics for a malformed grammar.
	GrammarError string
}

func (o Options) withDefaults() Options {
	if o.FactoryOptions == "" {
		o.FactoryOptions = "{}"
	}

	if o.MaxFFTokens <= 0 {
		o.MaxFFTokens = cbison.DefaultMaxFFTokens
	}

	if o.GrammarError == "" {
		o.GrammarError = DefaultGrammarError
	}

	return o
}

type Step struct {
	Name     string
	Err      error
	Skipped  bool
	Reason   string
	Duration time.Duration
}

type Report struct {
	Target string

	// Err is set when the target could not be set up. Skipped targets have
	// no steps.
	Err     error
	Skipped bool
	Steps   []Step

	// Diagnostic is the warning the engine gave with a successful new_factory.
	Diagnostic string
}

// Failed reports whether setup or any step failed.
func (r *Report) Failed() bool {
	if r.Err != nil && !r.Skipped {
		return true
	}

	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}

	return false
}

type step struct {
	name  string
	needs []string
	run   func(*suite) error
}

// suite is the state shared by the steps of one run.
type suite struct {
	opts Options
	tok  *cbison.Tokenizer
	f    *cbison.Factory

	m, m2  *cbison.Matcher
	tokens []uint32
	mask2  []uint32
}

func (s *suite) close() {
	for _, m := range []*cbison.Matcher{s.m2, s.m} {
		if m != nil {
			m.Close()
		}
	}
	s.f.Close()
	s.tok.Close()
}

var steps = []step{
	{name: "validate grammar", run: (*suite).validateGrammar},
	{name: "grammar error", run: (*suite).grammarError},
	{name: "new matcher", run: (*suite).matcher},
	{name: "validate tokens", run: (*suite).validateTokens},
	{name: "consume tokens", run: (*suite).consumeTokens},
	{name: "rollback and clone", needs: []string{"rollback"}, run: (*suite).rollbackAndClone},
	{name: "reset", needs: []string{"reset"}, run: (*suite).reset},
	{name: "clone independence", needs: []string{"rollback"}, run: (*suite).cloneIndependence},
	{name: "mask and forced tokens", needs: []string{"rollback"}, run: (*suite).maskAndForced},
	{name: "batch masks", needs: []string{"rollback"}, run: (*suite).batchMasks},
}

// Run executes every step against target. Steps after a failure are not run.
func Run(eng *cbison.Engine, target Target, opts Options) *Report {
	r := &Report{Target: target.Name}
	opts = opts.withDefaults()

	h, err := target.NewTokenizer(eng)
	if err != nil {
		r.Err, r.Skipped = err, errors.Is(err, ErrSkip)
		return r
	}

	tok := cbison.NewTokenizer(h)
	fh, diag, err := eng.NewFactory(h, opts.FactoryOptions)
	cbison.ReleaseTokenizerHandle(h)
	if err != nil {
		tok.Close()
		r.Err = err
		return r
	}

	if diag != "" {
		slog.Warn("engine diagnostic", "target", target.Name, "op", "new_factory", "message", diag)
		r.Diagnostic = diag
	}

	s := &suite{opts: opts, tok: tok, f: cbison.NewFactory(fh)}
	defer s.close()

	if err := s.f.Check(); err != nil {
		r.Err = err
		return r
	}

	logutil.Trace("conformance run", "target", target.Name, "n_vocab", s.f.NVocab(), "mask_bytes", s.f.MaskByteLen())

	for _, st := range steps {
		result := Step{Name: st.name}
		for _, op := range st.needs {
			if !s.f.Supports(op) {
				result.Skipped, result.Reason = true, op+" not supported"
			}
		}

		if !result.Skipped {
			start := time.Now()
			result.Err = st.run(s)
			result.Duration = time.Since(start)
		}

		slog.Debug("conformance step", "target", target.Name, "step", st.name, "skipped", result.Skipped, "duration", result.Duration, "error", result.Err)
		r.Steps = append(r.Steps, result)
		if result.Err != nil {
			break
		}
	}

	return r
}

// RunAll runs targets with at most parallel runs in flight. Reports are in
// target order.
func RunAll(ctx context.Context, eng *cbison.Engine, targets []Target, opts Options, parallel int) ([]*Report, error) {
	reports := make([]*Report, len(targets))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))
	for i, target := range targets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			reports[i] = Run(eng, target, opts)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return reports, nil
}

func (s *suite) validateGrammar() error {
	if ok, msg := s.f.ValidateGrammar(grammarType, "{}"); !ok || msg != "" {
		return fmt.Errorf("valid grammar rejected: ok=%t msg=%q", ok, msg)
	}

	ok, msg := s.f.ValidateGrammar(grammarType, "foobar")
	if ok {
		return errors.New("malformed grammar accepted")
	}

	if !strings.Contains(msg, s.opts.GrammarError) {
		return fmt.Errorf("expected %q in diagnostic %q", s.opts.GrammarError, msg)
	}

	return nil
}

func (s *suite) grammarError() error {
	m := s.f.NewMatcher(grammarType, "foobar")
	defer m.Close()

	err := m.Err()
	if err == nil {
		return errors.New("matcher for a malformed grammar has no error")
	}

	if !strings.Contains(err.Error(), s.opts.GrammarError) {
		return fmt.Errorf("expected %q in %q", s.opts.GrammarError, err)
	}

	return nil
}

func (s *suite) matcher() error {
	s.m = s.f.NewMatcher(grammarType, "{}")
	if err := s.m.Err(); err != nil {
		return err
	}

	if s.m.IsAccepting() {
		return errors.New("fresh matcher is accepting")
	}

	return nil
}

func (s *suite) validateTokens() error {
	tokens := s.tok.TokenizeString(incomplete)
	if n := s.m.ValidateTokens(tokens); n >= len(tokens) {
		return fmt.Errorf("%s: %d of %d tokens valid", incomplete, n, len(tokens))
	}

	s.tokens = s.tok.TokenizeString(complete)
	if len(s.tokens) < 3 {
		return fmt.Errorf("%s tokenized to %d tokens, need at least 3", complete, len(s.tokens))
	}

	if n := s.m.ValidateTokens(s.tokens); n != len(s.tokens) {
		return fmt.Errorf("%s: %d of %d tokens valid", complete, n, len(s.tokens))
	}

	if s.m.IsAccepting() {
		return errors.New("validation advanced the matcher")
	}

	return nil
}

// expect checks a matcher against the expected accepting and stopped state.
func expect(what string, m *cbison.Matcher, done bool) error {
	if m.IsAccepting() != done || m.IsStopped() != done {
		return fmt.Errorf("%s: accepting=%t stopped=%t, expected both %t", what, m.IsAccepting(), m.IsStopped(), done)
	}
	return nil
}

func consume(what string, m *cbison.Matcher, tokens []uint32) error {
	if m.ConsumeTokens(tokens) < 0 {
		if err := m.Err(); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		return fmt.Errorf("%s: tokens rejected", what)
	}
	return expect(what, m, true)
}

func (s *suite) last3() []uint32 {
	return s.tokens[len(s.tokens)-3:]
}

func (s *suite) consumeTokens() error {
	return consume("consume", s.m, s.tokens)
}

func (s *suite) rollbackAndClone() error {
	if rc := s.m.Rollback(3); rc != 0 {
		return fmt.Errorf("rollback: %d", rc)
	}

	s.m2 = s.m.Clone()
	if err := s.m2.Err(); err != nil {
		return fmt.Errorf("clone: %w", err)
	}

	if err := expect("after rollback", s.m, false); err != nil {
		return err
	}

	return consume("reconsume", s.m, s.last3())
}

func (s *suite) reset() error {
	if rc := s.m.Reset(); rc != 0 {
		return fmt.Errorf("reset: %d", rc)
	}

	if err := expect("after reset", s.m, false); err != nil {
		return err
	}

	return consume("consume after reset", s.m, s.tokens)
}

func (s *suite) cloneIndependence() error {
	if err := expect("clone", s.m2, false); err != nil {
		return err
	}

	return consume("clone consume", s.m2, s.last3())
}

func (s *suite) maskAndForced() error {
	if rc := s.m2.Rollback(1); rc != 0 {
		return fmt.Errorf("rollback: %d", rc)
	}

	s.mask2 = s.m2.ComputeMask()
	if s.mask2 == nil {
		return fmt.Errorf("compute mask failed: %v", s.m2.Err())
	}

	if ff := s.m2.ComputeFFTokens(s.opts.MaxFFTokens); len(ff) != 0 {
		return fmt.Errorf("unexpected forced tokens %v", ff)
	}

	return s.m2.Err()
}

func (s *suite) batchMasks() error {
	if rc := s.m.Rollback(1); rc != 0 {
		return fmt.Errorf("rollback: %d", rc)
	}

	words := s.f.MaskByteLen() / 4
	mask := make([]uint32, 3*words)
	reqs := []cbison.MaskRequest{
		{Matcher: s.m, Dest: mask[:words]},
		{Matcher: s.m2, Dest: mask[2*words:]},
	}

	if rc := s.f.ComputeMasksOrFallback(reqs); rc != 0 {
		return fmt.Errorf("compute masks: %d", rc)
	}

	if diff := cmp.Diff(s.mask2, mask[:words]); diff != "" {
		return fmt.Errorf("row 0 differs from the single mask (-single +batch):\n%s", diff)
	}

	if diff := cmp.Diff(s.mask2, mask[2*words:]); diff != "" {
		return fmt.Errorf("row 2 differs from the single mask (-single +batch):\n%s", diff)
	}

	for i, w := range mask[words : 2*words] {
		if w != 0 {
			return fmt.Errorf("unreferenced row written at word %d", i)
		}
	}

	return nil
}
