package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/opgate/engine"
	"github.com/localrivet/opgate/events"
	"github.com/localrivet/opgate/mcp"
	"github.com/localrivet/opgate/security"
	"github.com/localrivet/opgate/transport/stdio"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandler(t *testing.T, opts ...Option) *Handler {
	t.Helper()
	eng := engine.NewHandle()
	require.NoError(t, eng.Init(context.Background(), engine.NewBuiltin()))
	opts = append([]Option{WithLogger(quietLogger()), WithVersion("1.2.3")}, opts...)
	return NewHandler("opgate", eng, opts...)
}

// handle sends msg to h and returns the reply it answered with.
func handle(t *testing.T, h *Handler, ctx context.Context, msg mcp.Message) mcp.Reply {
	t.Helper()
	msg, err := h.Handle(ctx, msg)
	require.NoError(t, err)
	rep, ok := msg.(mcp.Reply)
	require.True(t, ok, "expected a reply, got %T", msg)
	return rep
}

func TestHandler_Initialize(t *testing.T) {
	h := newHandler(t, WithInstructions("be nice"))

	params := json.RawMessage(`{"protocolVersion":"2024-11-05","clientInfo":{"name":"cli","version":"0.1"}}`)
	rep := handle(t, h, context.Background(), mcp.Initialize{ID: 1, Params: params})
	require.Nil(t, rep.Error)
	assert.EqualValues(t, 1, rep.ID)

	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(rep.Result, &result))
	assert.Equal(t, mcp.ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, mcp.ServerInfo{Name: "opgate", Version: "1.2.3"}, result.ServerInfo)
	assert.Equal(t, "be nice", result.Instructions)
	assert.Contains(t, result.Capabilities, "tools")
}

func TestHandler_InitializeInvalidParams(t *testing.T) {
	h := newHandler(t)

	rep := handle(t, h, context.Background(), mcp.Initialize{ID: 2, Params: json.RawMessage(`[1,2]`)})
	require.NotNil(t, rep.Error)
	assert.Equal(t, mcp.CodeInvalidParams, rep.Error.Code)
}

func TestHandler_ListOperations(t *testing.T) {
	h := newHandler(t)

	rep := handle(t, h, context.Background(), mcp.ListOperations{ID: 3})
	require.Nil(t, rep.Error)

	var result mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(rep.Result, &result))
	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"echo", "length", "keys"}, names)
}

func TestHandler_InvokeEcho(t *testing.T) {
	h := newHandler(t)

	args := json.RawMessage(`{"greeting":"hi"}`)
	rep := handle(t, h, context.Background(), mcp.InvokeOperation{ID: 4, Name: "echo", Arguments: args})
	require.Nil(t, rep.Error)

	var result mcp.CallToolResult
	require.NoError(t, json.Unmarshal(rep.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.JSONEq(t, `{"greeting":"hi"}`, result.Content[0].Text)
	assert.Equal(t, map[string]interface{}{"greeting": "hi"}, result.StructuredContent)
	assert.False(t, result.IsError)
}

func TestHandler_InvokeOperationError(t *testing.T) {
	h := newHandler(t)

	rep := handle(t, h, context.Background(), mcp.InvokeOperation{ID: 5, Name: "length", Arguments: json.RawMessage(`{}`)})
	require.NotNil(t, rep.Error)
	assert.Equal(t, mcp.CodeOperationError, rep.Error.Code)
	assert.Equal(t, "missing argument", rep.Error.Message)
	assert.JSONEq(t, `{"operation":"length","diagnostics":["value is required"]}`, string(rep.Error.Data))
}

func TestHandler_InvokeUnknownOperation(t *testing.T) {
	h := newHandler(t)

	rep := handle(t, h, context.Background(), mcp.InvokeOperation{ID: 6, Name: "nope"})
	require.NotNil(t, rep.Error)
	assert.Equal(t, mcp.CodeOperationError, rep.Error.Code)
}

func TestHandler_InvokeValidation(t *testing.T) {
	h := newHandler(t)

	tests := []struct {
		name string
		args string
	}{
		{"blacklisted call", `{"expression":"system('ls')"}`},
		{"too deep", `{"expression":"` + strings.Repeat("(", 11) + strings.Repeat(")", 11) + `"}`},
		{"non-string expression", `{"expression":42}`},
		{"resource not an object", `{"resource":[1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := handle(t, h, context.Background(), mcp.InvokeOperation{ID: 7, Name: "echo", Arguments: json.RawMessage(tt.args)})
			require.NotNil(t, rep.Error)
			assert.Equal(t, mcp.CodeValidationError, rep.Error.Code)
		})
	}
}

func TestHandler_EngineNotReady(t *testing.T) {
	h := NewHandler("opgate", engine.NewHandle(), WithLogger(quietLogger()))

	rep := handle(t, h, context.Background(), mcp.ListOperations{ID: 8})
	require.NotNil(t, rep.Error)
	assert.Equal(t, mcp.CodeInternalError, rep.Error.Code)

	rep = handle(t, h, context.Background(), mcp.InvokeOperation{ID: 9, Name: "echo"})
	require.NotNil(t, rep.Error)
	assert.Equal(t, mcp.CodeInternalError, rep.Error.Code)
}

func TestHandler_NotificationsAndReplies(t *testing.T) {
	h := newHandler(t)

	msg, err := h.Handle(context.Background(), mcp.Notify{Method: mcp.MethodInitialized})
	assert.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = h.Handle(context.Background(), mcp.Reply{ID: 1, Result: json.RawMessage(`{}`)})
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestHandler_PublishesEvents(t *testing.T) {
	subject := events.NewSubject()
	defer events.Complete(subject)

	initialized := make(chan events.SessionInitializedEvent, 1)
	executed := make(chan events.OperationExecutedEvent, 1)
	failed := make(chan events.RequestFailedEvent, 1)
	events.Subscribe(subject, events.TopicSessionInitialized, func(ctx context.Context, evt events.SessionInitializedEvent) error {
		initialized <- evt
		return nil
	})
	events.Subscribe(subject, events.TopicOperationExecuted, func(ctx context.Context, evt events.OperationExecutedEvent) error {
		executed <- evt
		return nil
	})
	events.Subscribe(subject, events.TopicRequestFailed, func(ctx context.Context, evt events.RequestFailedEvent) error {
		failed <- evt
		return nil
	})

	h := newHandler(t, WithEvents(subject))
	ctx := security.WithIdentity(context.Background(), security.BypassIdentity("tester"))

	_, err := h.Handle(ctx, mcp.Initialize{ID: 1, Params: json.RawMessage(`{"clientInfo":{"name":"cli","version":"0.1"}}`)})
	require.NoError(t, err)
	_, err = h.Handle(ctx, mcp.InvokeOperation{ID: 2, Name: "echo", Arguments: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	_, err = h.Handle(ctx, mcp.InvokeOperation{ID: 3, Name: "nope"})
	require.NoError(t, err)

	select {
	case evt := <-initialized:
		assert.Equal(t, "cli", evt.ClientName)
		assert.Equal(t, "tester", evt.Subject)
	case <-time.After(time.Second):
		t.Fatal("no session event")
	}
	select {
	case evt := <-executed:
		assert.Equal(t, "echo", evt.Operation)
		assert.Equal(t, "tester", evt.Subject)
		assert.Equal(t, len(`{"a":1}`), evt.ResultSize)
	case <-time.After(time.Second):
		t.Fatal("no operation event")
	}
	select {
	case evt := <-failed:
		assert.Equal(t, mcp.MethodToolsCall, evt.Method)
		assert.Equal(t, mcp.CodeOperationError, evt.Code)
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
}

// slowEngine blocks in Invoke until its context is done.
type slowEngine struct{ engine.Builtin }

func (slowEngine) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHandler_InvokeCancelled(t *testing.T) {
	eng := engine.NewHandle()
	require.NoError(t, eng.Init(context.Background(), func(context.Context) (engine.Engine, error) {
		return slowEngine{}, nil
	}))
	h := NewHandler("opgate", eng, WithLogger(quietLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	rep := handle(t, h, ctx, mcp.InvokeOperation{ID: 1, Name: "echo"})
	require.NotNil(t, rep.Error)
	assert.Equal(t, mcp.CodeInternalError, rep.Error.Code)
	assert.True(t, errors.Is(ctx.Err(), context.DeadlineExceeded))
	assert.Equal(t, 0, eng.Refs())
}

func TestScenario_Stdio(t *testing.T) {
	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"cli","version":"0.1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"x":[1,2]}}}`,
	}, "\n") + "\n"

	var out strings.Builder
	tr := stdio.NewTransportWithIO(strings.NewReader(in), &out)
	tr.SetLogger(quietLogger())

	require.NoError(t, tr.Start(context.Background(), newHandler(t)))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)

	envs := make([]*mcp.Envelope, len(lines))
	for i, line := range lines {
		env, err := mcp.Decode([]byte(line))
		require.NoError(t, err, line)
		require.Nil(t, env.Error, line)
		envs[i] = env
	}
	assert.EqualValues(t, 1, *envs[0].ID)
	assert.EqualValues(t, 2, *envs[1].ID)
	assert.EqualValues(t, 3, *envs[2].ID)

	var list mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(envs[1].Result, &list))
	assert.Len(t, list.Tools, 3)

	var call mcp.CallToolResult
	require.NoError(t, json.Unmarshal(envs[2].Result, &call))
	require.Len(t, call.Content, 1)
	assert.JSONEq(t, `{"x":[1,2]}`, call.Content[0].Text)
}
