// Package talk implements the bracketed array format used by the production
// channel service, along with the length-prefixed framing that carries it.
//
// A frame looks like
//
//	[[12,["c",["SESSION",["ae","payload"]]]]]
//
// Entries are strings (single or double quoted), non-negative integers,
// nested frames, or empty slots produced by two adjacent commas.
package talk

import (
	"strconv"
	"strings"

	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
)

// Kind tags the value held by an Entry.
type Kind int

const (
	KindEmpty Kind = iota
	KindString
	KindNumber
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "EMPTY"
	case KindString:
		return "STRING"
	case KindNumber:
		return "NUMBER"
	case KindMessage:
		return "MESSAGE"
	default:
		return "UNKNOWN"
	}
}

// Entry is one slot of a Message. The zero value is an empty entry.
type Entry struct {
	kind    Kind
	text    string
	number  int64
	message *Message
}

// StringEntry returns an entry holding s.
func StringEntry(s string) Entry {
	return Entry{kind: KindString, text: s}
}

// NumberEntry returns an entry holding n. Only non-negative values can be
// represented on the wire.
func NumberEntry(n int64) Entry {
	return Entry{kind: KindNumber, number: n}
}

// EmptyEntry returns an elided slot.
func EmptyEntry() Entry {
	return Entry{kind: KindEmpty}
}

// MessageEntry returns an entry holding a nested frame.
func MessageEntry(m *Message) Entry {
	if m == nil {
		m = NewMessage()
	}
	return Entry{kind: KindMessage, message: m}
}

// Kind returns the tag of the entry.
func (e Entry) Kind() Kind { return e.kind }

// IsEmpty reports whether the entry is an elided slot.
func (e Entry) IsEmpty() bool { return e.kind == KindEmpty }

// Text returns the string value, failing if the entry is not a string.
func (e Entry) Text() (string, error) {
	if e.kind != KindString {
		return "", chanerrors.WrongEntryKind(KindString.String(), e.kind.String(), e.String())
	}
	return e.text, nil
}

// Number returns the integer value, failing if the entry is not a number.
func (e Entry) Number() (int64, error) {
	if e.kind != KindNumber {
		return 0, chanerrors.WrongEntryKind(KindNumber.String(), e.kind.String(), e.String())
	}
	return e.number, nil
}

// Message returns the nested frame, failing if the entry is not one.
func (e Entry) Message() (*Message, error) {
	if e.kind != KindMessage {
		return nil, chanerrors.WrongEntryKind(KindMessage.String(), e.kind.String(), e.String())
	}
	return e.message, nil
}

// Equal reports whether two entries carry the same tag and value.
func (e Entry) Equal(other Entry) bool {
	if e.kind != other.kind {
		return false
	}
	switch e.kind {
	case KindString:
		return e.text == other.text
	case KindNumber:
		return e.number == other.number
	case KindMessage:
		return e.message.Equal(other.message)
	default:
		return true
	}
}

// String renders the entry in wire form. Empty entries render as nothing.
func (e Entry) String() string {
	var b strings.Builder
	e.writeTo(&b)
	return b.String()
}

func (e Entry) writeTo(b *strings.Builder) {
	switch e.kind {
	case KindString:
		b.WriteByte('"')
		for _, r := range e.text {
			if r == '"' || r == '\\' {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
		b.WriteByte('"')
	case KindNumber:
		b.WriteString(strconv.FormatInt(e.number, 10))
	case KindMessage:
		e.message.writeTo(b)
	}
}

// Message is one bracketed frame. Entries keep their source order.
type Message struct {
	entries []Entry
}

// NewMessage builds a frame from entries.
func NewMessage(entries ...Entry) *Message {
	m := &Message{entries: make([]Entry, len(entries))}
	copy(m.entries, entries)
	return m
}

// Entries returns a copy of the frame's entries.
func (m *Message) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Message) Len() int { return len(m.entries) }

// At returns entry i.
func (m *Message) At(i int) (Entry, error) {
	if i < 0 || i >= len(m.entries) {
		return Entry{}, chanerrors.EntryOutOfRange(i, len(m.entries))
	}
	return m.entries[i], nil
}

// TextAt returns the string held by entry i.
func (m *Message) TextAt(i int) (string, error) {
	e, err := m.At(i)
	if err != nil {
		return "", err
	}
	return e.Text()
}

// NumberAt returns the integer held by entry i.
func (m *Message) NumberAt(i int) (int64, error) {
	e, err := m.At(i)
	if err != nil {
		return 0, err
	}
	return e.Number()
}

// MessageAt returns the nested frame held by entry i.
func (m *Message) MessageAt(i int) (*Message, error) {
	e, err := m.At(i)
	if err != nil {
		return nil, err
	}
	return e.Message()
}

// Equal compares two frames structurally. Quote style and whitespace of the
// source text are not part of a frame's value.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if len(m.entries) != len(other.entries) {
		return false
	}
	for i := range m.entries {
		if !m.entries[i].Equal(other.entries[i]) {
			return false
		}
	}
	return true
}

// String serializes the frame so that Parse(m.String()) equals m.
func (m *Message) String() string {
	var b strings.Builder
	m.writeTo(&b)
	return b.String()
}

func (m *Message) writeTo(b *strings.Builder) {
	b.WriteByte('[')
	for i, e := range m.entries {
		if i > 0 {
			b.WriteByte(',')
		}
		e.writeTo(b)
	}
	// A trailing empty slot needs its own separator, otherwise "[1,]" would
	// read back as a single entry.
	if n := len(m.entries); n > 0 && m.entries[n-1].kind == KindEmpty {
		b.WriteByte(',')
	}
	b.WriteByte(']')
}
