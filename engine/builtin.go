package engine

import (
	"context"
	"encoding/json"
	"sort"
	"unicode/utf8"

	"github.com/localrivet/opgate/mcp"
)

// Builtin is a small self-contained engine serving echo, length and keys.
type Builtin struct{}

// NewBuiltin returns the built-in engine as a Factory.
func NewBuiltin() Factory {
	return func(ctx context.Context) (Engine, error) {
		return Builtin{}, nil
	}
}

func (Builtin) Operations() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "echo",
			Description: "Returns its arguments unchanged",
			InputSchema: map[string]interface{}{
				"type":                 "object",
				"additionalProperties": true,
			},
		},
		{
			Name:        "length",
			Description: "Returns the length of a string or an array",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"value": map[string]interface{}{
						"description": "String or array to measure",
					},
				},
				"required": []string{"value"},
			},
		},
		{
			Name:        "keys",
			Description: "Returns the sorted keys of an object",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"value": map[string]interface{}{
						"type": "object",
					},
				},
				"required": []string{"value"},
			},
		},
	}
}

func (Builtin) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (b Builtin) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch name {
	case "echo":
		if len(args) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return args, nil
	case "length":
		return b.length(args)
	case "keys":
		return b.keys(args)
	default:
		return nil, &OperationError{Operation: name, Message: "unknown operation"}
	}
}

type valueArgs struct {
	Value json.RawMessage `json:"value"`
}

func parseValue(op string, args json.RawMessage) (json.RawMessage, error) {
	var in valueArgs
	if len(args) == 0 {
		return nil, &OperationError{Operation: op, Message: "missing argument", Diagnostics: []string{"value is required"}}
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, &OperationError{Operation: op, Message: "arguments must be an object", Diagnostics: []string{err.Error()}}
	}
	if len(in.Value) == 0 {
		return nil, &OperationError{Operation: op, Message: "missing argument", Diagnostics: []string{"value is required"}}
	}
	return in.Value, nil
}

func (Builtin) length(args json.RawMessage) (json.RawMessage, error) {
	value, err := parseValue("length", args)
	if err != nil {
		return nil, err
	}

	var n int
	var s string
	var arr []json.RawMessage
	switch {
	case json.Unmarshal(value, &s) == nil:
		n = utf8.RuneCountInString(s)
	case json.Unmarshal(value, &arr) == nil:
		n = len(arr)
	default:
		return nil, &OperationError{Operation: "length", Message: "value must be a string or an array"}
	}
	return json.Marshal(map[string]int{"length": n})
}

func (Builtin) keys(args json.RawMessage) (json.RawMessage, error) {
	value, err := parseValue("keys", args)
	if err != nil {
		return nil, err
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil || obj == nil {
		return nil, &OperationError{Operation: "keys", Message: "value must be an object"}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return json.Marshal(map[string][]string{"keys": keys})
}
