package errors

// Transport errors (1000-1099)
const (
	CodeTransportError    int = 1000 // Generic I/O failure
	CodeRequestAborted    int = 1001 // In-flight request cancelled
	CodeUnexpectedStatus  int = 1002 // Server answered with a non-success status
	CodeSessionTerminated int = 1003 // Server ended the channel session
)

// Protocol errors (1100-1199)
const (
	CodeMalformedMessage int = 1100 // Bracketed-array grammar violation
	CodeFramingError     int = 1101 // Length-prefix framing violation
	CodeWrongEntryKind   int = 1102 // Entry accessed under the wrong tag
	CodeEntryOutOfRange  int = 1103 // Entry index beyond the frame
)

// Handshake errors (1200-1299)
const (
	CodeHandshakeFailed int = 1200 // Structural assertion failed while connecting
	CodeTokenMismatch   int = 1201 // Server echoed a different token
)

// State errors (1300-1399)
const (
	CodeInvalidConfiguration int = 1300
	CodeInvalidState         int = 1301
)

// ErrorCodeInfo describes a registered error code.
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeTransportError:    {CodeTransportError, "TransportError", "Transport I/O failure", CategoryTransport, SeverityError},
	CodeRequestAborted:    {CodeRequestAborted, "RequestAborted", "Request aborted", CategoryTransport, SeverityInfo},
	CodeUnexpectedStatus:  {CodeUnexpectedStatus, "UnexpectedStatus", "Unexpected HTTP status", CategoryTransport, SeverityError},
	CodeSessionTerminated: {CodeSessionTerminated, "SessionTerminated", "Session terminated by server", CategoryTransport, SeverityWarning},

	CodeMalformedMessage: {CodeMalformedMessage, "MalformedMessage", "Malformed message", CategoryProtocol, SeverityError},
	CodeFramingError:     {CodeFramingError, "FramingError", "Invalid message framing", CategoryProtocol, SeverityError},
	CodeWrongEntryKind:   {CodeWrongEntryKind, "WrongEntryKind", "Entry has a different kind", CategoryProtocol, SeverityError},
	CodeEntryOutOfRange:  {CodeEntryOutOfRange, "EntryOutOfRange", "Entry index out of range", CategoryProtocol, SeverityError},

	CodeHandshakeFailed: {CodeHandshakeFailed, "HandshakeFailed", "Handshake failed", CategoryHandshake, SeverityCritical},
	CodeTokenMismatch:   {CodeTokenMismatch, "TokenMismatch", "Tokens do not match", CategoryHandshake, SeverityCritical},

	CodeInvalidConfiguration: {CodeInvalidConfiguration, "InvalidConfiguration", "Invalid configuration", CategoryState, SeverityError},
	CodeInvalidState:         {CodeInvalidState, "InvalidState", "Invalid channel state", CategoryState, SeverityError},
}

func lookup(code int) ErrorCodeInfo {
	if info, ok := errorCodeRegistry[code]; ok {
		return info
	}
	return ErrorCodeInfo{Code: code, Name: "UnknownError", Description: "Unknown error", Category: CategoryInternal, Severity: SeverityError}
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, ok := errorCodeRegistry[code]
	return info, ok
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	return lookup(code).Name
}

// ListErrorCodes returns all registered error codes
func ListErrorCodes() []ErrorCodeInfo {
	codes := make([]ErrorCodeInfo, 0, len(errorCodeRegistry))
	for _, info := range errorCodeRegistry {
		codes = append(codes, info)
	}
	return codes
}
