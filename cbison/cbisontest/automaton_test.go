package cbisontest

import (
	"strings"
	"testing"
)

func TestAutomaton(t *testing.T) {
	cases := []struct {
		input     string
		kind      valueKind
		err       string
		accepting bool
		stopped   bool
	}{
		{input: `{}`, accepting: true, stopped: true},
		{input: `{"a": [1, 2.5e-3, true, null, "xé\n"]}`, accepting: true, stopped: true},
		{input: `[[], {}, -0]`, accepting: true, stopped: true},
		{input: `"done"`, accepting: true, stopped: true},
		{input: `12`, accepting: true},
		{input: `-`},
		{input: `{"a"`},
		{input: `{"a":12`},
		{input: `foobar`, err: "expected ident"},
		{input: `{"a":abc}`, err: "expected value"},
		{input: `{} `, err: "trailing characters"},
		{input: ` {}`, err: "expected value"},
		{input: `{1:2}`, err: "key must be a string"},
		{input: `{"a" 1}`, err: "expected `:`"},
		{input: `[1}`, err: "mismatched closing bracket"},
		{input: `[1 2]`, err: "expected `,` or `]`"},
		{input: `01`, err: "invalid number"},
		{input: `"\x"`, err: "invalid escape"},
		{input: "\"\x01\"", err: "control character"},
		{input: `[]`, kind: kindObject, err: "invalid type"},
		{input: `1.5`, kind: kindInteger, err: "invalid number"},
		{input: `15`, kind: kindInteger, accepting: true},
		{input: `[1.5]`, kind: kindArray, accepting: true, stopped: true},
		{input: `false`, kind: kindBoolean, accepting: true, stopped: true},
	}

	for _, tt := range cases {
		t.Run(tt.input, func(t *testing.T) {
			s := newJSONState(tt.kind)
			err := s.Advance([]byte(tt.input))
			if tt.err != "" {
				if err == nil || !strings.Contains(err.Error(), tt.err) {
					t.Fatalf("expected %q, got %v", tt.err, err)
				}
				return
			}

			if err != nil {
				t.Fatal(err)
			}

			if s.Accepting() != tt.accepting || s.Stopped() != tt.stopped {
				t.Errorf("expected accepting=%t stopped=%t, got %t %t", tt.accepting, tt.stopped, s.Accepting(), s.Stopped())
			}
		})
	}
}

func TestAutomatonFinish(t *testing.T) {
	s := newJSONState(kindAny)
	if err := s.Advance([]byte("42")); err != nil {
		t.Fatal(err)
	}

	if !s.Finish() || !s.Stopped() {
		t.Fatal("expected a complete number to finish")
	}

	if err := s.Advance([]byte("1")); err == nil {
		t.Error("expected input after finish to be rejected")
	}

	s = newJSONState(kindAny)
	s.Advance([]byte("[1"))
	if s.Finish() {
		t.Error("expected an open array not to finish")
	}
}

func TestAutomatonClone(t *testing.T) {
	s := newJSONState(kindAny)
	s.Advance([]byte("[["))

	c := s.clone()
	if err := c.Advance([]byte("]]")); err != nil {
		t.Fatal(err)
	}

	if !c.Stopped() || s.Stopped() {
		t.Fatal("clone shares state with its source")
	}

	if err := s.Advance([]byte("{}]]")); err != nil {
		t.Fatalf("source stack was modified: %v", err)
	}
}

func TestSyntaxErrorOffset(t *testing.T) {
	s := newJSONState(kindAny)
	err := s.Advance([]byte(`{"a":nul1}`))
	if err == nil || err.Error() != "expected ident at offset 8" {
		t.Errorf("unexpected error %v", err)
	}
}
