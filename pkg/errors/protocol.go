package errors

import (
	"fmt"
)

// ProtocolErrorData describes where in a payload decoding failed.
type ProtocolErrorData struct {
	Offset int    `json:"offset"`
	Found  string `json:"found,omitempty"`
}

// HandshakeErrorData names the handshake step that failed.
type HandshakeErrorData struct {
	Step   string `json:"step"`
	Reason string `json:"reason,omitempty"`
}

// MalformedMessage reports a grammar violation at offset.
func MalformedMessage(offset int, format string, args ...interface{}) ChannelError {
	return NewErrorf(CodeMalformedMessage, format, args...).
		WithData(&ProtocolErrorData{Offset: offset})
}

// FramingError reports a bad length line or a truncated frame body.
func FramingError(reason string, cause error) ChannelError {
	return WrapError(cause, CodeFramingError, "submission was not in expected format").
		WithDetail(reason)
}

// WrongEntryKind reports access to an entry under a tag it does not carry.
func WrongEntryKind(expected, actual, value string) ChannelError {
	return NewErrorf(CodeWrongEntryKind, "%s value expected, found: %s (%s)", expected, actual, value)
}

// EntryOutOfRange reports an index past the end of a frame.
func EntryOutOfRange(index, length int) ChannelError {
	return NewErrorf(CodeEntryOutOfRange, "entry %d requested from frame of %d entries", index, length)
}

// HandshakeFailed reports a failed structural assertion during a handshake step.
func HandshakeFailed(step, reason string, cause error) ChannelError {
	return WrapError(cause, CodeHandshakeFailed, fmt.Sprintf("%s failed", step)).
		WithDetail(reason).
		WithData(&HandshakeErrorData{Step: step, Reason: reason})
}

// TokenMismatch reports a handshake whose echoed token differs from ours.
func TokenMismatch(expected, actual string) ChannelError {
	return NewError(CodeTokenMismatch, "tokens do not match").
		WithDetail(fmt.Sprintf("expected %q, server returned %q", expected, actual)).
		WithData(&HandshakeErrorData{Step: "initialize", Reason: "token mismatch"})
}

// InvalidConfiguration reports a configuration value that cannot be used.
func InvalidConfiguration(parameter, reason string) ChannelError {
	return NewErrorf(CodeInvalidConfiguration, "invalid configuration for '%s': %s", parameter, reason)
}
