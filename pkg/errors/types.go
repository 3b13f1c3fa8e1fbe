// Package errors provides structured error handling for channel clients.
// Every failure produced by this module carries a code, a category that
// places it in the transport / protocol / handshake taxonomy, and optional
// context describing where it happened.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies an error for handling decisions.
type Category string

const (
	// CategoryTransport covers low-level I/O failures, including deliberate aborts.
	CategoryTransport Category = "transport"
	// CategoryProtocol covers malformed frames: grammar or framing violations.
	CategoryProtocol Category = "protocol"
	// CategoryHandshake covers structural assertion failures while connecting.
	CategoryHandshake Category = "handshake"
	// CategoryState covers misuse of the channel lifecycle or configuration.
	CategoryState    Category = "state"
	CategoryInternal Category = "internal"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context records where and when an error occurred.
type Context struct {
	ChannelID string    `json:"channel_id,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChannelError is implemented by every error this module returns.
type ChannelError interface {
	error

	// Code returns the numeric error code
	Code() int

	// Message returns the human-readable message without details
	Message() string

	// Details returns additional technical description
	Details() string

	// Data returns structured data attached to the error
	Data() interface{}

	Category() Category
	Severity() Severity
	Context() *Context

	// WithContext returns a copy carrying ctx
	WithContext(ctx *Context) ChannelError

	// WithDetail returns a copy with detail appended
	WithDetail(detail string) ChannelError

	// WithData returns a copy carrying data
	WithData(data interface{}) ChannelError

	Unwrap() error
}

type baseError struct {
	code     int
	message  string
	details  string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

func (e *baseError) Code() int { return e.code }
func (e *baseError) Message() string { return e.message }
func (e *baseError) Details() string { return e.details }
func (e *baseError) Data() interface{} { return e.data }
func (e *baseError) Category() Category { return e.category }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) Context() *Context { return e.context }
func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) WithContext(ctx *Context) ChannelError {
	clone := *e
	if ctx != nil && ctx.Timestamp.IsZero() {
		stamped := *ctx
		stamped.Timestamp = time.Now()
		ctx = &stamped
	}
	clone.context = ctx
	return &clone
}

func (e *baseError) WithDetail(detail string) ChannelError {
	clone := *e
	if clone.details != "" {
		clone.details = clone.details + "; " + detail
	} else {
		clone.details = detail
	}
	return &clone
}

func (e *baseError) WithData(data interface{}) ChannelError {
	clone := *e
	clone.data = data
	return &clone
}

// NewError creates a ChannelError. Category and severity come from the code
// registry.
func NewError(code int, message string) ChannelError {
	info := lookup(code)
	return &baseError{
		code:     code,
		message:  message,
		category: info.Category,
		severity: info.Severity,
		context:  &Context{Timestamp: time.Now()},
	}
}

// NewErrorf is NewError with a formatted message.
func NewErrorf(code int, format string, args ...interface{}) ChannelError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError wraps cause as a ChannelError.
func WrapError(cause error, code int, message string) ChannelError {
	info := lookup(code)
	return &baseError{
		code:     code,
		message:  message,
		category: info.Category,
		severity: info.Severity,
		cause:    cause,
		context:  &Context{Timestamp: time.Now()},
	}
}

// AsChannelError finds the first ChannelError in err's chain.
func AsChannelError(err error) (ChannelError, bool) {
	if err == nil {
		return nil, false
	}
	var ce ChannelError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsCategory reports whether err's chain holds a ChannelError of category.
func IsCategory(err error, category Category) bool {
	ce, ok := AsChannelError(err)
	return ok && ce.Category() == category
}

// IsCode reports whether err's chain holds a ChannelError with code.
func IsCode(err error, code int) bool {
	ce, ok := AsChannelError(err)
	return ok && ce.Code() == code
}

// IsAborted reports whether err was produced by an in-flight request being
// deliberately cancelled.
func IsAborted(err error) bool {
	return IsCode(err, CodeRequestAborted)
}

// IsSessionTerminated reports whether the server ended the session.
func IsSessionTerminated(err error) bool {
	return IsCode(err, CodeSessionTerminated)
}
