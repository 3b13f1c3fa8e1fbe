package talk

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
	"unicode/utf16"

	chanerrors "github.com/mybop/gae-channel-go/pkg/errors"
)

// Reader splits a streaming response into submissions. Each submission is a
// line holding the decimal length of the body, followed by exactly that many
// characters. The body is not line-delimited and may contain newlines.
//
// Lengths count UTF-16 code units, as the server computes them from
// JavaScript strings. The body is read in whole runes, so a length that
// ends between the two halves of a surrogate pair takes the complete pair:
// the body is one unit longer than announced, and the next length line is
// still read from the right place.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r. It does not close r.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

// ReadSubmission returns the next raw body. It returns io.EOF when the stream
// ends before a length line.
func (r *Reader) ReadSubmission() (string, error) {
	line, err := r.r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if line == "" && errors.Is(err, io.EOF) {
		return "", io.EOF
	}

	line = strings.TrimRight(line, "\r\n")
	size, convErr := strconv.Atoi(line)
	if convErr != nil {
		return "", chanerrors.FramingError("length line "+strconv.Quote(line), convErr)
	}
	if size < 0 {
		return "", chanerrors.FramingError("negative length "+line, nil)
	}

	var body strings.Builder
	for units := 0; units < size; {
		c, _, readErr := r.r.ReadRune()
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return "", chanerrors.FramingError(
					"stream ended after "+strconv.Itoa(units)+" of "+line+" characters", io.ErrUnexpectedEOF)
			}
			return "", readErr
		}
		body.WriteRune(c)
		if n := utf16.RuneLen(c); n > 0 {
			units += n
		} else {
			units++
		}
	}
	return body.String(), nil
}

// ReadMessage reads and parses the next submission. It returns io.EOF at a
// clean end of stream.
func (r *Reader) ReadMessage() (*Message, error) {
	submission, err := r.ReadSubmission()
	if err != nil {
		return nil, err
	}
	return Parse(submission)
}
