package wire

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// parseLiteralDict parses a dictionary literal that may use single-quoted
// strings and the bare constants True, False and None alongside their JSON
// spellings. This is the ingress-compatibility strategy for payloads
// written by producers that stringified dictionaries instead of encoding
// them as JSON.
func parseLiteralDict(s string) (map[string]any, error) {
	p := &literalParser{src: s}
	p.skipSpace()
	v, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("trailing data at offset %d", p.pos)
	}
	d, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotDict
	}
	return d, nil
}

type literalParser struct {
	src string
	pos int
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.src) {
		r, size := utf8.DecodeRuneInString(p.src[p.pos:])
		if !unicode.IsSpace(r) {
			return
		}
		p.pos += size
	}
}

func (p *literalParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *literalParser) expect(c byte) error {
	if p.peek() != c {
		return fmt.Errorf("expected %q at offset %d", string(c), p.pos)
	}
	p.pos++
	return nil
}

func (p *literalParser) parseValue() (any, error) {
	p.skipSpace()
	switch c := p.peek(); {
	case c == '{':
		return p.parseDict()
	case c == '[':
		return p.parseList()
	case c == '\'' || c == '"':
		return p.parseString()
	case c == '-' || c == '+' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	default:
		return p.parseConstant()
	}
}

func (p *literalParser) parseDict() (map[string]any, error) {
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	d := make(map[string]any)
	p.skipSpace()
	if p.peek() == '}' {
		p.pos++
		return d, nil
	}
	for {
		p.skipSpace()
		key, err := p.parseString()
		if err != nil {
			return nil, fmt.Errorf("dict key: %w", err)
		}
		p.skipSpace()
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		d[key] = val
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return d, nil
		default:
			return nil, fmt.Errorf("expected ',' or '}' at offset %d", p.pos)
		}
	}
}

func (p *literalParser) parseList() ([]any, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}
	list := []any{}
	p.skipSpace()
	if p.peek() == ']' {
		p.pos++
		return list, nil
	}
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return list, nil
		default:
			return nil, fmt.Errorf("expected ',' or ']' at offset %d", p.pos)
		}
	}
}

func (p *literalParser) parseString() (string, error) {
	quote := p.peek()
	if quote != '\'' && quote != '"' {
		return "", fmt.Errorf("expected string at offset %d", p.pos)
	}
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch c {
		case quote:
			p.pos++
			return b.String(), nil
		case '\\':
			if p.pos+1 >= len(p.src) {
				return "", fmt.Errorf("unterminated escape at offset %d", p.pos)
			}
			esc := p.src[p.pos+1]
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\', '\'', '"':
				b.WriteByte(esc)
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
			p.pos += 2
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", fmt.Errorf("unterminated string at offset %d", p.pos)
}

func (p *literalParser) parseNumber() (any, error) {
	start := p.pos
	if c := p.peek(); c == '-' || c == '+' {
		p.pos++
	}
	isFloat := false
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		if c == '.' || c == 'e' || c == 'E' {
			isFloat = true
			p.pos++
			continue
		}
		if (c == '-' || c == '+') && isFloat {
			// exponent sign
			prev := p.src[p.pos-1]
			if prev == 'e' || prev == 'E' {
				p.pos++
				continue
			}
		}
		break
	}
	text := p.src[start:p.pos]
	if !isFloat {
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return i, nil
		}
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q at offset %d", text, start)
	}
	return f, nil
}

func (p *literalParser) parseConstant() (any, error) {
	for _, c := range []struct {
		text  string
		value any
	}{
		{"True", true}, {"true", true},
		{"False", false}, {"false", false},
		{"None", nil}, {"null", nil},
	} {
		if strings.HasPrefix(p.src[p.pos:], c.text) {
			p.pos += len(c.text)
			return c.value, nil
		}
	}
	return nil, fmt.Errorf("unexpected token at offset %d", p.pos)
}
