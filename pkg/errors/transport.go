package errors

import (
	"context"
	"errors"
	"fmt"
)

// TransportErrorData contains structured data for transport-related errors
type TransportErrorData struct {
	Transport  string `json:"transport"`
	Operation  string `json:"operation,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
	Reason     string `json:"reason,omitempty"`
}

// TransportError wraps a low-level I/O failure. A cause whose chain holds
// context.Canceled is reported as RequestAborted instead.
func TransportError(transport, operation string, cause error) ChannelError {
	if errors.Is(cause, context.Canceled) {
		return RequestAborted(transport, operation, cause)
	}

	message := fmt.Sprintf("%s transport error during %s", transport, operation)
	reason := ""
	if cause != nil {
		reason = cause.Error()
		message = fmt.Sprintf("%s: %s", message, reason)
	}

	return WrapError(cause, CodeTransportError, message).WithData(&TransportErrorData{
		Transport: transport,
		Operation: operation,
		Retryable: true,
		Reason:    reason,
	})
}

// RequestAborted reports a request cancelled while in flight.
func RequestAborted(transport, operation string, cause error) ChannelError {
	return WrapError(cause, CodeRequestAborted,
		fmt.Sprintf("%s request aborted during %s", transport, operation),
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: operation,
		Reason:    "aborted",
	})
}

// UnexpectedStatus reports an HTTP response outside the accepted range.
func UnexpectedStatus(transport, operation, endpoint string, status int) ChannelError {
	return NewError(CodeUnexpectedStatus,
		fmt.Sprintf("%s server answered HTTP %d during %s", transport, status, operation),
	).WithData(&TransportErrorData{
		Transport:  transport,
		Operation:  operation,
		Endpoint:   endpoint,
		StatusCode: status,
		Retryable:  status >= 500 || status == 429 || status == 408,
	})
}

// SessionTerminated reports that the server no longer knows the session.
func SessionTerminated(transport string, status int) ChannelError {
	return NewError(CodeSessionTerminated,
		fmt.Sprintf("%s session terminated by server (HTTP %d)", transport, status),
	).WithData(&TransportErrorData{
		Transport:  transport,
		Operation:  "poll",
		StatusCode: status,
		Reason:     "terminated",
	})
}
