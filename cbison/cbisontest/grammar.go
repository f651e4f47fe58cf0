package cbisontest

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// GrammarJSON is the only grammar type the test engine understands. The
// grammar text is a JSON schema.
const GrammarJSON = "json"

// schemaKeywords are accepted without a warning.
var schemaKeywords = []string{"$schema", "title", "description", "type"}

type grammar struct {
	kind valueKind
}

// parseGrammar returns the grammar, a non-fatal warning, or an error.
func parseGrammar(grammarType, text string) (*grammar, string, error) {
	if grammarType != GrammarJSON {
		return nil, "", fmt.Errorf("unsupported grammar type %q", grammarType)
	}

	// the automaton reports errors in the terms callers match on
	s := newJSONState(kindAny)
	if err := s.Advance([]byte(strings.TrimSpace(text))); err != nil {
		return nil, "", fmt.Errorf("invalid schema: %w", err)
	}

	if !s.Finish() {
		return nil, "", errors.New("invalid schema: EOF while parsing a value")
	}

	var schema map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &schema); err != nil {
		return nil, "", fmt.Errorf("invalid schema: expected an object: %w", err)
	}

	g := &grammar{kind: kindAny}
	if raw, ok := schema["type"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, "", errors.New("invalid schema: type must be a string")
		}

		kind, ok := kinds[name]
		if !ok {
			return nil, "", fmt.Errorf("invalid schema: unknown type %q", name)
		}
		g.kind = kind
	}

	var unknown []string
	for k := range schema {
		if !slices.Contains(schemaKeywords, k) {
			unknown = append(unknown, k)
		}
	}

	var warning string
	if len(unknown) > 0 {
		sort.Strings(unknown)
		warning = "ignoring unsupported keywords: " + strings.Join(unknown, ", ")
	}

	return g, warning, nil
}
