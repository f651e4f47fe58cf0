package cbisontest

import (
	"fmt"
	"slices"
)

// vocab is the engine's copy of a tokenizer vocabulary.
type vocab struct {
	tokens  [][]byte
	special []bool
	eos     uint32
}

func (v *vocab) size() int {
	return len(v.tokens)
}

func (v *vocab) maskWords() int {
	return (v.size() + 31) / 32
}

// grammarMatcher tracks one grammar instance over token ids. Every consumed
// token pushes the previous state onto history for rollback.
type grammarMatcher struct {
	v       *vocab
	initial jsonState
	state   jsonState
	history []jsonState
	err     string

	// invalid is set when the grammar itself failed to parse.
	invalid bool
}

func newGrammarMatcher(v *vocab, g *grammar, err error) *grammarMatcher {
	m := &grammarMatcher{v: v}
	if err != nil {
		m.err, m.invalid = err.Error(), true
		return m
	}

	m.initial = newJSONState(g.kind)
	m.state = m.initial.clone()
	return m
}

func (m *grammarMatcher) clone() *grammarMatcher {
	c := *m
	c.state = m.state.clone()
	c.history = make([]jsonState, len(m.history))
	for i, s := range m.history {
		c.history[i] = s.clone()
	}
	return &c
}

func (m *grammarMatcher) accepting() bool {
	return m.err == "" && m.state.Accepting()
}

func (m *grammarMatcher) stopped() bool {
	return m.err != "" || m.state.Stopped()
}

// next returns the state after token id, or false if id is not allowed in s.
func (m *grammarMatcher) next(s *jsonState, id uint32) (jsonState, bool) {
	if int(id) >= m.v.size() {
		return jsonState{}, false
	}

	if id == m.v.eos {
		n := s.clone()
		return n, n.Finish()
	}

	if m.v.special[id] || len(m.v.tokens[id]) == 0 {
		return jsonState{}, false
	}

	n := s.clone()
	if err := n.Advance(m.v.tokens[id]); err != nil {
		return jsonState{}, false
	}

	return n, true
}

// fillMask sets bit id of dst for every allowed token.
func (m *grammarMatcher) fillMask(dst []uint32) bool {
	clear(dst)
	if m.err != "" {
		return false
	}

	for id := range m.v.size() {
		if _, ok := m.next(&m.state, uint32(id)); ok {
			dst[id/32] |= 1 << (id % 32)
		}
	}

	return true
}

// forced returns the tokens that are the only choice, in order, up to limit.
// The end-of-sequence token is never forced.
func (m *grammarMatcher) forced(limit int) ([]uint32, bool) {
	if m.err != "" {
		return nil, false
	}

	var out []uint32
	s := m.state.clone()
	for len(out) < limit {
		var only uint32
		var next jsonState
		count := 0
		for id := range m.v.size() {
			if n, ok := m.next(&s, uint32(id)); ok {
				only, next = uint32(id), n
				if count++; count > 1 {
					break
				}
			}
		}

		if count != 1 || only == m.v.eos {
			break
		}

		out = append(out, only)
		s = next
	}

	return out, true
}

// validate counts the leading tokens that could be consumed in order.
func (m *grammarMatcher) validate(tokens []uint32) int {
	if m.err != "" {
		return -1
	}

	s := m.state.clone()
	for i, id := range tokens {
		n, ok := m.next(&s, id)
		if !ok {
			return i
		}
		s = n
	}

	return len(tokens)
}

// consume advances through tokens. Tokens before a rejected one stay
// consumed; the rejected one stops the matcher with an error.
func (m *grammarMatcher) consume(tokens []uint32) bool {
	if m.err != "" {
		return false
	}

	for _, id := range tokens {
		n, ok := m.next(&m.state, id)
		if !ok {
			m.err = m.rejection(id)
			return false
		}

		m.history = append(m.history, m.state)
		m.state = n
	}

	return true
}

func (m *grammarMatcher) rejection(id uint32) string {
	if int(id) >= m.v.size() {
		return fmt.Sprintf("token %d out of range (vocabulary has %d tokens)", id, m.v.size())
	}
	return fmt.Sprintf("token %d (%q) not allowed", id, m.v.tokens[id])
}

// rollback undoes the last n consumed tokens and clears any error.
func (m *grammarMatcher) rollback(n int) bool {
	if m.invalid || n > len(m.history) {
		return false
	}

	if n > 0 {
		m.state = m.history[len(m.history)-n]
		m.history = slices.Delete(m.history, len(m.history)-n, len(m.history))
	}

	m.err = ""
	return true
}

func (m *grammarMatcher) reset() bool {
	if m.invalid {
		return false
	}

	m.state = m.initial.clone()
	m.history = m.history[:0]
	m.err = ""
	return true
}
