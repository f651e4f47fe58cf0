package cbisontest

import (
	"fmt"
	"slices"
)

type jsonMode uint8

const (
	modeValue jsonMode = iota
	modeArrayFirst
	modeObjectFirst
	modeKey
	modeColon
	modeAfterValue
	modeString
	modeEscape
	modeUnicode
	modeLiteral
	modeNumber
	modeDone
)

type numberMode uint8

const (
	numSign numberMode = iota
	numZero
	numInt
	numDot
	numFrac
	numExp
	numExpSign
	numExpDigits
)

func (n numberMode) complete() bool {
	return n == numZero || n == numInt || n == numFrac || n == numExpDigits
}

// valueKind restricts the top-level value.
type valueKind uint8

const (
	kindAny valueKind = iota
	kindObject
	kindArray
	kindString
	kindNumber
	kindInteger
	kindBoolean
	kindNull
)

var kinds = map[string]valueKind{
	"object":  kindObject,
	"array":   kindArray,
	"string":  kindString,
	"number":  kindNumber,
	"integer": kindInteger,
	"boolean": kindBoolean,
	"null":    kindNull,
}

func (k valueKind) allows(b byte) bool {
	switch k {
	case kindObject:
		return b == '{'
	case kindArray:
		return b == '['
	case kindString:
		return b == '"'
	case kindNumber, kindInteger:
		return b == '-' || isDigit(b)
	case kindBoolean:
		return b == 't' || b == 'f'
	case kindNull:
		return b == 'n'
	default:
		return true
	}
}

// syntaxError describes the first byte a jsonState rejected.
type syntaxError struct {
	msg    string
	offset int
}

func (e *syntaxError) Error() string {
	return fmt.Sprintf("%s at offset %d", e.msg, e.offset)
}

// jsonState is a byte-level pushdown automaton over JSON text. Whitespace is
// accepted only inside containers, so a complete top-level object, array,
// string or literal leaves nothing more to consume.
type jsonState struct {
	kind  valueKind
	mode  jsonMode
	stack []byte

	key     bool
	literal string
	hex     int
	number  numberMode
}

func newJSONState(kind valueKind) jsonState {
	return jsonState{kind: kind}
}

func (s jsonState) clone() jsonState {
	s.stack = slices.Clone(s.stack)
	return s
}

func (s *jsonState) Accepting() bool {
	return s.mode == modeDone || (s.mode == modeNumber && len(s.stack) == 0 && s.number.complete())
}

func (s *jsonState) Stopped() bool {
	return s.mode == modeDone
}

// Advance feeds b into the automaton. On error the state is unspecified and
// must be discarded.
func (s *jsonState) Advance(b []byte) error {
	for i, c := range b {
		if msg := s.step(c); msg != "" {
			return &syntaxError{msg: msg, offset: i}
		}
	}
	return nil
}

// Finish completes a pending top-level value as if end of input was reached.
func (s *jsonState) Finish() bool {
	if !s.Accepting() {
		return false
	}
	s.mode = modeDone
	return true
}

func (s *jsonState) endValue() {
	if len(s.stack) == 0 {
		s.mode = modeDone
	} else {
		s.mode = modeAfterValue
	}
}

func (s *jsonState) inContainer() bool {
	return len(s.stack) > 0
}

func (s *jsonState) step(c byte) string {
	switch s.mode {
	case modeDone:
		return "trailing characters"
	case modeValue:
		if s.inContainer() && isSpace(c) {
			return ""
		}
		return s.startValue(c)
	case modeArrayFirst:
		switch {
		case isSpace(c):
			return ""
		case c == ']':
			return s.pop(c)
		default:
			return s.startValue(c)
		}
	case modeObjectFirst, modeKey:
		switch {
		case isSpace(c):
			return ""
		case c == '}' && s.mode == modeObjectFirst:
			return s.pop(c)
		case c == '"':
			s.mode, s.key = modeString, true
			return ""
		default:
			return "key must be a string"
		}
	case modeColon:
		switch {
		case isSpace(c):
			return ""
		case c == ':':
			s.mode = modeValue
			return ""
		default:
			return "expected `:`"
		}
	case modeAfterValue:
		top := s.stack[len(s.stack)-1]
		switch {
		case isSpace(c):
			return ""
		case c == ',' && top == '{':
			s.mode = modeKey
			return ""
		case c == ',':
			s.mode = modeValue
			return ""
		case c == '}' || c == ']':
			return s.pop(c)
		case top == '{':
			return "expected `,` or `}`"
		default:
			return "expected `,` or `]`"
		}
	case modeString:
		switch {
		case c == '"':
			if s.key {
				s.mode, s.key = modeColon, false
			} else {
				s.endValue()
			}
		case c == '\\':
			s.mode = modeEscape
		case c < 0x20:
			return "control character while parsing a string"
		}
		return ""
	case modeEscape:
		switch c {
		case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
			s.mode = modeString
		case 'u':
			s.mode, s.hex = modeUnicode, 4
		default:
			return "invalid escape"
		}
		return ""
	case modeUnicode:
		if !isHex(c) {
			return "invalid escape"
		}
		if s.hex--; s.hex == 0 {
			s.mode = modeString
		}
		return ""
	case modeLiteral:
		if c != s.literal[0] {
			return "expected ident"
		}
		if s.literal = s.literal[1:]; s.literal == "" {
			s.endValue()
		}
		return ""
	case modeNumber:
		return s.stepNumber(c)
	}

	return "invalid state"
}

func (s *jsonState) startValue(c byte) string {
	if !s.inContainer() && !s.kind.allows(c) {
		return "invalid type"
	}

	switch {
	case c == '{':
		s.stack = append(s.stack, '{')
		s.mode = modeObjectFirst
	case c == '[':
		s.stack = append(s.stack, '[')
		s.mode = modeArrayFirst
	case c == '"':
		s.mode = modeString
	case c == 't':
		s.mode, s.literal = modeLiteral, "rue"
	case c == 'f':
		s.mode, s.literal = modeLiteral, "alse"
	case c == 'n':
		s.mode, s.literal = modeLiteral, "ull"
	case c == '-':
		s.mode, s.number = modeNumber, numSign
	case c == '0':
		s.mode, s.number = modeNumber, numZero
	case isDigit(c):
		s.mode, s.number = modeNumber, numInt
	default:
		return "expected value"
	}

	return ""
}

func (s *jsonState) pop(c byte) string {
	open := s.stack[len(s.stack)-1]
	if (open == '{') != (c == '}') {
		return "mismatched closing bracket"
	}

	s.stack = s.stack[:len(s.stack)-1]
	s.endValue()
	return ""
}

func (s *jsonState) stepNumber(c byte) string {
	integer := !s.inContainer() && s.kind == kindInteger

	switch s.number {
	case numSign:
		switch {
		case c == '0':
			s.number = numZero
		case isDigit(c):
			s.number = numInt
		default:
			return "invalid number"
		}
		return ""
	case numDot:
		if !isDigit(c) {
			return "invalid number"
		}
		s.number = numFrac
		return ""
	case numExp:
		switch {
		case c == '+' || c == '-':
			s.number = numExpSign
		case isDigit(c):
			s.number = numExpDigits
		default:
			return "invalid number"
		}
		return ""
	case numExpSign:
		if !isDigit(c) {
			return "invalid number"
		}
		s.number = numExpDigits
		return ""
	}

	switch {
	case isDigit(c) && s.number != numZero:
		return ""
	case c == '.' && (s.number == numZero || s.number == numInt) && !integer:
		s.number = numDot
		return ""
	case (c == 'e' || c == 'E') && s.number != numExpDigits && !integer:
		s.number = numExp
		return ""
	}

	if !s.inContainer() {
		return "invalid number"
	}

	// the number ended; c belongs to the enclosing container
	s.mode = modeAfterValue
	return s.step(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHex(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
