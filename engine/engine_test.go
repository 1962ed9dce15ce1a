package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_NotInitialized(t *testing.T) {
	var h Handle

	_, _, err := h.Acquire()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.False(t, h.Ready())
	assert.ErrorIs(t, h.Do(func(Engine) error { return nil }), ErrNotInitialized)
}

func TestHandle_InitOnce(t *testing.T) {
	h := NewHandle()
	require.NoError(t, h.Init(context.Background(), NewBuiltin()))
	assert.True(t, h.Ready())

	err := h.Init(context.Background(), NewBuiltin())
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestHandle_InitFailure(t *testing.T) {
	h := NewHandle()
	boom := errors.New("boom")
	err := h.Init(context.Background(), func(context.Context) (Engine, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	_, _, err = h.Acquire()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestHandle_RefCounting(t *testing.T) {
	h := NewHandle()
	require.NoError(t, h.Init(context.Background(), NewBuiltin()))

	_, release1, err := h.Acquire()
	require.NoError(t, err)
	_, release2, err := h.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 2, h.Refs())

	release1()
	release1()
	assert.Equal(t, 1, h.Refs())
	release2()
	assert.Equal(t, 0, h.Refs())
}

func TestHandle_CloseWaitsForReferences(t *testing.T) {
	h := NewHandle()
	require.NoError(t, h.Init(context.Background(), NewBuiltin()))

	_, release, err := h.Acquire()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Close(ctx), context.DeadlineExceeded)

	_, _, err = h.Acquire()
	assert.ErrorIs(t, err, ErrClosed)

	done := make(chan error, 1)
	go func() { done <- h.Close(context.Background()) }()
	release()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after release")
	}
}

func TestBuiltin_Invoke(t *testing.T) {
	eng := Builtin{}
	ctx := context.Background()

	tests := []struct {
		name string
		op   string
		args string
		want string
	}{
		{"echo returns arguments", "echo", `{"x":1}`, `{"x":1}`},
		{"echo without arguments", "echo", ``, `{}`},
		{"length of string", "length", `{"value":"héllo"}`, `{"length":5}`},
		{"length of array", "length", `{"value":[1,2,3]}`, `{"length":3}`},
		{"keys are sorted", "keys", `{"value":{"b":1,"a":2}}`, `{"keys":["a","b"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eng.Invoke(ctx, tt.op, json.RawMessage(tt.args))
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestBuiltin_OperationErrors(t *testing.T) {
	eng := Builtin{}

	_, err := eng.Invoke(context.Background(), "nope", nil)
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "nope", opErr.Operation)

	_, err = eng.Invoke(context.Background(), "keys", json.RawMessage(`{"value":[1]}`))
	require.ErrorAs(t, err, &opErr)

	_, err = eng.Invoke(context.Background(), "length", json.RawMessage(`{}`))
	require.ErrorAs(t, err, &opErr)
	assert.Contains(t, opErr.Error(), "value is required")
}

func TestBuiltin_Operations(t *testing.T) {
	names := make([]string, 0)
	for _, op := range (Builtin{}).Operations() {
		names = append(names, op.Name)
		assert.NotEmpty(t, op.InputSchema)
	}
	assert.Equal(t, []string{"echo", "length", "keys"}, names)
}
