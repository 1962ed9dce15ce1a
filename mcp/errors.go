package mcp

import (
	"errors"
	"fmt"
)

// JSON-RPC error codes. The -320xx range carries gateway specific failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeAuthError       = -32001
	CodeValidationError = -32002
	CodeOperationError  = -32003
)

// FramingError reports bytes that do not form an envelope.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing error: %s: %v", e.Reason, e.Err)
	}
	return "framing error: " + e.Reason
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// ProtocolErrorKind enumerates translation failures.
type ProtocolErrorKind int

const (
	MissingID ProtocolErrorKind = iota + 1
	UnknownMethod
	InvalidParams
	InvalidEnvelope
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case MissingID:
		return "missing id"
	case UnknownMethod:
		return "unknown method"
	case InvalidParams:
		return "invalid params"
	case InvalidEnvelope:
		return "invalid envelope"
	default:
		return "protocol error"
	}
}

// ProtocolError reports an envelope that cannot be translated to a Message.
// ID is set when the offending envelope carried one, so callers can reply.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Method string
	ID     *int64
	Err    error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Kind == UnknownMethod:
		return fmt.Sprintf("unknown method: %s", e.Method)
	case e.Err != nil:
		return fmt.Sprintf("%s for %s: %v", e.Kind, e.Method, e.Err)
	case e.Method != "":
		return fmt.Sprintf("%s for %s", e.Kind, e.Method)
	default:
		return e.Kind.String()
	}
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Code maps the error kind to a JSON-RPC error code.
func (e *ProtocolError) Code() int {
	switch e.Kind {
	case UnknownMethod:
		return CodeMethodNotFound
	case InvalidParams:
		return CodeInvalidParams
	default:
		return CodeInvalidRequest
	}
}

// IsProtocolError reports whether err is a ProtocolError of the given kind.
func IsProtocolError(err error, kind ProtocolErrorKind) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Kind == kind
}
