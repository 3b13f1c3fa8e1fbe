package talk

import (
	"strconv"
	"unicode"

	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
)

const (
	eof = -1

	// maxDepth bounds frame nesting so hostile input cannot exhaust the stack.
	maxDepth = 512
)

// parser walks the input one rune at a time. pos is the index of the next
// rune to be read.
type parser struct {
	src []rune
	pos int
}

// Parse decodes one frame. Text after the closing bracket is ignored.
// Either the whole frame is returned or an error with code MalformedMessage.
func Parse(s string) (*Message, error) {
	p := &parser{src: []rune(s)}
	if p.skipWhitespace() != '[' {
		return nil, chanerrors.MalformedMessage(p.pos, "Expected initial [")
	}
	entries, err := p.parseEntries(1)
	if err != nil {
		return nil, err
	}
	return &Message{entries: entries}, nil
}

func (p *parser) next() rune {
	if p.pos >= len(p.src) {
		return eof
	}
	r := p.src[p.pos]
	p.pos++
	return r
}

func (p *parser) skipWhitespace() rune {
	for {
		r := p.next()
		if r == eof || !unicode.IsSpace(r) {
			return r
		}
	}
}

// parseEntries reads entries up to and including the closing bracket. The
// opening bracket has already been consumed.
func (p *parser) parseEntries(depth int) ([]Entry, error) {
	if depth > maxDepth {
		return nil, chanerrors.MalformedMessage(p.pos, "Frame nested deeper than %d levels", maxDepth)
	}

	entries := []Entry{}
	ch := p.skipWhitespace()
	for ch != ']' {
		switch {
		case ch == eof:
			return nil, chanerrors.MalformedMessage(p.pos, "Unexpected end-of-message.")
		case ch == '[':
			children, err := p.parseEntries(depth + 1)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{kind: KindMessage, message: &Message{entries: children}})
		case ch == '"' || ch == '\'':
			s, err := p.parseString(ch)
			if err != nil {
				return nil, err
			}
			entries = append(entries, StringEntry(s))
		case ch == ',':
			entries = append(entries, EmptyEntry())
		default:
			n, err := p.parseNumber()
			if err != nil {
				return nil, err
			}
			entries = append(entries, NumberEntry(n))
		}

		// A comma that produced an empty entry also serves as its separator.
		if ch != ',' {
			ch = p.skipWhitespace()
		}
		switch ch {
		case ',':
			ch = p.skipWhitespace()
		case ']':
		case eof:
			return nil, chanerrors.MalformedMessage(p.pos, "Expected , or ], found end-of-message")
		default:
			return nil, chanerrors.MalformedMessage(p.pos, "Expected , or ], found %q", ch)
		}
	}
	return entries, nil
}

// parseString reads up to the closing quote. A backslash is dropped and the
// rune after it is kept verbatim: \n yields 'n', not a newline.
func (p *parser) parseString(quote rune) (string, error) {
	start := p.pos
	var out []rune
	for {
		r := p.next()
		switch r {
		case eof:
			return "", chanerrors.MalformedMessage(start, "Unterminated string")
		case quote:
			return string(out), nil
		case '\\':
			r = p.next()
			if r == eof {
				return "", chanerrors.MalformedMessage(start, "Unterminated string")
			}
		}
		out = append(out, r)
	}
}

// parseNumber reads the maximal run of decimal digits starting at the rune
// just consumed by the caller.
func (p *parser) parseNumber() (int64, error) {
	p.pos--
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	if p.pos == start {
		return 0, chanerrors.MalformedMessage(start, "Expected value, found %q", p.src[start])
	}
	n, err := strconv.ParseInt(string(p.src[start:p.pos]), 10, 64)
	if err != nil {
		return 0, chanerrors.MalformedMessage(start, "Invalid number %q", string(p.src[start:p.pos]))
	}
	return n, nil
}
