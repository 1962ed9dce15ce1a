package mcp

import "encoding/json"

// Version is the only JSON-RPC version accepted on the wire.
const Version = "2.0"

// Kind classifies an Envelope.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Envelope is the wire-level JSON-RPC message.
// A nil ID means the id member was absent; "id": 0 is a valid id.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind reports whether e is a request, a response or a notification.
func (e *Envelope) Kind() Kind {
	switch {
	case e.Method != "" && e.ID != nil:
		return KindRequest
	case e.Method != "":
		return KindNotification
	case e.ID != nil && (e.Result != nil) != (e.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// Error is the error member of a response envelope.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// IDPtr returns a pointer to id, for building envelopes.
func IDPtr(id int64) *int64 {
	return &id
}
