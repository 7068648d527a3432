package protocol

import (
	"strconv"
	"strings"
)

// DefaultMaxDepth bounds list/dict nesting accepted by Parse.
const DefaultMaxDepth = 64

// Parse decodes one frame of wire text into a Value. Input is never
// evaluated; anything outside the grammar is a ParseError.
func Parse(text string) (Value, error) {
	return ParseDepth(text, DefaultMaxDepth)
}

// ParseBytes is Parse for a raw frame.
func ParseBytes(frame []byte) (Value, error) {
	return ParseDepth(string(frame), DefaultMaxDepth)
}

// ParseDepth is Parse with an explicit nesting bound.
func ParseDepth(text string, maxDepth int) (Value, error) {
	p := parser{src: text, maxDepth: maxDepth}
	p.skipSpace()
	v, err := p.value()
	if err != nil {
		return Value{}, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return Value{}, p.fail("trailing characters after value")
	}
	return v, nil
}

type parser struct {
	src      string
	pos      int
	depth    int
	maxDepth int
}

func (p *parser) fail(reason string) error {
	return &ParseError{Offset: p.pos, Reason: reason}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\r', '\n':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) value() (Value, error) {
	if p.pos >= len(p.src) {
		return Value{}, p.fail("unexpected end of input")
	}
	switch c := p.src[p.pos]; {
	case c == '"' || c == '\'':
		s, err := p.quoted()
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case c == '[':
		return p.listValue()
	case c == '{':
		return p.dictValue()
	case c == '(':
		return p.dataValue()
	case c == '-' || (c >= '0' && c <= '9'):
		return p.number()
	case c == 'N':
		return p.keyword("None", Nil())
	case c == 'T' || c == 't':
		return p.keyword(string(c)+"rue", Bool(true))
	case c == 'F' || c == 'f':
		return p.keyword(string(c)+"alse", Bool(false))
	default:
		return Value{}, p.fail("unexpected character " + strconv.QuoteRune(rune(c)))
	}
}

func (p *parser) keyword(word string, v Value) (Value, error) {
	if !strings.HasPrefix(p.src[p.pos:], word) {
		return Value{}, p.fail("unknown literal")
	}
	p.pos += len(word)
	return v, nil
}

func (p *parser) quoted() (string, error) {
	quote := p.src[p.pos]
	start := p.pos + 1
	end := strings.IndexByte(p.src[start:], quote)
	if end < 0 {
		return "", p.fail("unterminated string")
	}
	p.pos = start + end + 1
	return p.src[start : start+end], nil
}

func (p *parser) enter() error {
	p.depth++
	if p.maxDepth > 0 && p.depth > p.maxDepth {
		return &ParseError{Offset: p.pos, Reason: ErrNestingTooDeep.Error()}
	}
	return nil
}

func (p *parser) listValue() (Value, error) {
	if err := p.enter(); err != nil {
		return Value{}, err
	}
	defer func() { p.depth-- }()
	p.pos++ // [
	items := make([]Value, 0, 4)
	for {
		p.skipSpace()
		if p.peek() == ']' {
			p.pos++
			return Value{kind: KindList, list: items}, nil
		}
		item, err := p.value()
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ']':
		default:
			return Value{}, p.fail("expected ',' or ']' in list")
		}
	}
}

func (p *parser) dictValue() (Value, error) {
	if err := p.enter(); err != nil {
		return Value{}, err
	}
	defer func() { p.depth-- }()
	p.pos++ // {
	entries := make([]Entry, 0, 4)
	for {
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return Value{kind: KindDict, dict: entries}, nil
		}
		if c := p.peek(); c != '"' && c != '\'' {
			return Value{}, p.fail("dict key must be a string")
		}
		key, err := p.quoted()
		if err != nil {
			return Value{}, err
		}
		p.skipSpace()
		if p.peek() != ':' {
			return Value{}, p.fail("expected ':' after dict key")
		}
		p.pos++
		p.skipSpace()
		item, err := p.value()
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, Entry{Key: key, Value: item})
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
		default:
			return Value{}, p.fail("expected ',' or '}' in dict")
		}
	}
}

func (p *parser) dataValue() (Value, error) {
	p.pos++ // (
	out := make([]byte, 0, 16)
	for {
		p.skipSpace()
		if p.peek() == ')' {
			p.pos++
			return Value{kind: KindData, data: out}, nil
		}
		if strings.HasPrefix(p.src[p.pos:], "0x") || strings.HasPrefix(p.src[p.pos:], "0X") {
			p.pos += 2
		}
		if p.pos+2 > len(p.src) {
			return Value{}, p.fail("truncated data byte")
		}
		b, err := strconv.ParseUint(p.src[p.pos:p.pos+2], 16, 8)
		if err != nil {
			return Value{}, p.fail("invalid data byte")
		}
		p.pos += 2
		out = append(out, byte(b))
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ')':
		default:
			return Value{}, p.fail("expected ',' or ')' in data")
		}
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func (p *parser) number() (Value, error) {
	start := p.pos
	neg := false
	if p.peek() == '-' {
		neg = true
		p.pos++
	}
	if !neg && (strings.HasPrefix(p.src[p.pos:], "0x") || strings.HasPrefix(p.src[p.pos:], "0X")) {
		p.pos += 2
		digits := p.pos
		for p.pos < len(p.src) && isHexDigit(p.src[p.pos]) {
			p.pos++
		}
		if p.pos == digits {
			return Value{}, p.fail("hex literal without digits")
		}
		u, err := strconv.ParseUint(p.src[digits:p.pos], 16, 64)
		if err != nil {
			return Value{}, &ParseError{Offset: start, Reason: "hex literal out of range"}
		}
		return Uint(u), nil
	}

	digits := p.pos
	for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
		p.pos++
	}
	if p.pos == digits {
		return Value{}, p.fail("number without digits")
	}
	isFloat := false
	if p.peek() == '.' {
		isFloat = true
		p.pos++
		for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
			p.pos++
		}
	}
	if c := p.peek(); c == 'e' || c == 'E' {
		isFloat = true
		p.pos++
		if c := p.peek(); c == '+' || c == '-' {
			p.pos++
		}
		exp := p.pos
		for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
			p.pos++
		}
		if p.pos == exp {
			return Value{}, p.fail("exponent without digits")
		}
	}
	lit := p.src[start:p.pos]
	if isFloat {
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return Value{}, &ParseError{Offset: start, Reason: "invalid float literal"}
		}
		return Float(f), nil
	}
	n, err := strconv.ParseInt(lit, 10, 64)
	if err == nil {
		return Int(n), nil
	}
	if !neg {
		if u, uerr := strconv.ParseUint(lit, 10, 64); uerr == nil {
			return Uint(u), nil
		}
	}
	return Value{}, &ParseError{Offset: start, Reason: "integer literal out of range"}
}
