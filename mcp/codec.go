package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var nullJSON = []byte("null")

// Decode parses one JSON document into an Envelope.
// Anything that is not a JSON object shaped like a request, response or
// notification yields a *FramingError.
func Decode(data []byte) (*Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &FramingError{Reason: "empty message"}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &FramingError{Reason: "invalid json", Err: err}
	}
	if raw == nil {
		return nil, &FramingError{Reason: "message is not an object"}
	}

	env := &Envelope{JSONRPC: Version}

	if v, ok := raw["jsonrpc"]; ok {
		var version string
		if err := json.Unmarshal(v, &version); err != nil || version != Version {
			return nil, &FramingError{Reason: fmt.Sprintf("unsupported jsonrpc version %s", v)}
		}
	}

	if v, ok := raw["id"]; ok && !isNull(v) {
		var id int64
		if err := json.Unmarshal(v, &id); err != nil {
			return nil, &FramingError{Reason: "id must be an integer", Err: err}
		}
		env.ID = &id
	}

	if v, ok := raw["method"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &env.Method); err != nil {
			return nil, &FramingError{Reason: "method must be a string", Err: err}
		}
	}

	if v, ok := raw["params"]; ok && !isNull(v) {
		env.Params = compact(v)
	}

	// A null result is a legitimate answer, so presence is what counts here.
	if v, ok := raw["result"]; ok {
		env.Result = compact(v)
	}

	if v, ok := raw["error"]; ok && !isNull(v) {
		var rpcErr Error
		if err := json.Unmarshal(v, &rpcErr); err != nil {
			return nil, &FramingError{Reason: "malformed error member", Err: err}
		}
		env.Error = &rpcErr
	}

	if env.Kind() == KindInvalid {
		return nil, &FramingError{Reason: "not a request, response or notification"}
	}
	return env, nil
}

// Encode serializes env as compact JSON. The jsonrpc member is always "2.0".
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("encode: nil envelope")
	}
	out := *env
	out.JSONRPC = Version
	return json.Marshal(&out)
}

// ToInternal translates an envelope into its internal message.
// It is side-effect free and never touches the operation engine.
func ToInternal(env *Envelope) (Message, error) {
	switch env.Kind() {
	case KindRequest:
		id := *env.ID
		switch env.Method {
		case MethodInitialize:
			return Initialize{ID: id, Params: env.Params}, nil
		case MethodToolsList:
			return ListOperations{ID: id, Params: env.Params}, nil
		case MethodToolsCall:
			var p invokeParams
			if len(env.Params) == 0 {
				return nil, &ProtocolError{Kind: InvalidParams, Method: env.Method, ID: env.ID, Err: errors.New("params required")}
			}
			if err := json.Unmarshal(env.Params, &p); err != nil {
				return nil, &ProtocolError{Kind: InvalidParams, Method: env.Method, ID: env.ID, Err: err}
			}
			if p.Name == "" {
				return nil, &ProtocolError{Kind: InvalidParams, Method: env.Method, ID: env.ID, Err: errors.New("name required")}
			}
			var args json.RawMessage
			if len(p.Arguments) > 0 && !isNull(p.Arguments) {
				args = compact(p.Arguments)
			}
			return InvokeOperation{ID: id, Name: p.Name, Arguments: args}, nil
		default:
			return nil, &ProtocolError{Kind: UnknownMethod, Method: env.Method, ID: env.ID}
		}

	case KindNotification:
		if isRequestMethod(env.Method) {
			return nil, &ProtocolError{Kind: MissingID, Method: env.Method}
		}
		return Notify{Method: env.Method, Params: env.Params}, nil

	case KindResponse:
		return Reply{ID: *env.ID, Result: env.Result, Error: env.Error}, nil

	default:
		if env.ID == nil {
			return nil, &ProtocolError{Kind: MissingID, Method: env.Method}
		}
		return nil, &ProtocolError{Kind: InvalidEnvelope, ID: env.ID}
	}
}

// FromInternal translates a message back into its envelope.
func FromInternal(m Message) *Envelope {
	env := &Envelope{JSONRPC: Version}
	switch m := m.(type) {
	case Initialize:
		env.ID = IDPtr(m.ID)
		env.Method = MethodInitialize
		env.Params = m.Params
	case ListOperations:
		env.ID = IDPtr(m.ID)
		env.Method = MethodToolsList
		env.Params = m.Params
	case InvokeOperation:
		env.ID = IDPtr(m.ID)
		env.Method = MethodToolsCall
		// invokeParams holds only a string and raw JSON, so Marshal cannot fail.
		env.Params, _ = json.Marshal(invokeParams{Name: m.Name, Arguments: m.Arguments})
	case Notify:
		env.Method = m.Method
		env.Params = m.Params
	case Reply:
		env.ID = IDPtr(m.ID)
		env.Error = m.Error
		env.Result = m.Result
		if m.Error == nil && m.Result == nil {
			env.Result = nullJSON
		}
	case nil:
		return nil
	default:
		panic(fmt.Sprintf("mcp: unhandled message type %T", m))
	}
	return env
}

// EncodeMessage is Encode(FromInternal(m)).
func EncodeMessage(m Message) ([]byte, error) {
	env := FromInternal(m)
	if env == nil {
		return nil, errors.New("encode: nil message")
	}
	return Encode(env)
}

// DecodeMessage is ToInternal(Decode(data)). The envelope is returned
// alongside translation errors so the caller can still reply to its id.
func DecodeMessage(data []byte) (Message, *Envelope, error) {
	env, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}
	msg, err := ToInternal(env)
	return msg, env, err
}

func isRequestMethod(method string) bool {
	switch method {
	case MethodInitialize, MethodToolsList, MethodToolsCall:
		return true
	}
	return false
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), nullJSON)
}

func compact(v json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}
