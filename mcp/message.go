package mcp

import "encoding/json"

// Method names understood by ToInternal.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"

	MethodInitialized = "notifications/initialized"
)

// Message is the internal operation message produced by ToInternal.
// The set of implementations is closed: Initialize, ListOperations,
// InvokeOperation, Notify and Reply.
type Message interface {
	message()
}

// Request is implemented by the variants that expect a Reply.
type Request interface {
	Message
	RequestID() int64
	MethodName() string
}

// Initialize opens a session.
type Initialize struct {
	ID     int64
	Params json.RawMessage
}

// ListOperations asks for the operation catalogue.
type ListOperations struct {
	ID     int64
	Params json.RawMessage
}

// InvokeOperation calls the named operation with opaque arguments.
type InvokeOperation struct {
	ID        int64
	Name      string
	Arguments json.RawMessage
}

// Notify is a one-way message; it never gets a reply.
type Notify struct {
	Method string
	Params json.RawMessage
}

// Reply answers the request carrying the same ID, with either Result or Error set.
type Reply struct {
	ID     int64
	Result json.RawMessage
	Error  *Error
}

func (Initialize) message()      {}
func (ListOperations) message()  {}
func (InvokeOperation) message() {}
func (Notify) message()          {}
func (Reply) message()           {}

func (m Initialize) RequestID() int64      { return m.ID }
func (m ListOperations) RequestID() int64  { return m.ID }
func (m InvokeOperation) RequestID() int64 { return m.ID }

func (Initialize) MethodName() string      { return MethodInitialize }
func (ListOperations) MethodName() string  { return MethodToolsList }
func (InvokeOperation) MethodName() string { return MethodToolsCall }

// invokeParams is the params object of tools/call.
type invokeParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// NewResultReply marshals result into a Reply for id.
func NewResultReply(id int64, result interface{}) (Reply, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Reply{}, err
	}
	return Reply{ID: id, Result: data}, nil
}

// NewErrorReply builds an error Reply for id. data may be nil.
func NewErrorReply(id int64, code int, message string, data interface{}) Reply {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return Reply{ID: id, Error: e}
}
