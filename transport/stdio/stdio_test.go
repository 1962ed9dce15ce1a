package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/opgate/events"
	"github.com/localrivet/opgate/mcp"
	"github.com/localrivet/opgate/security"
	"github.com/localrivet/opgate/transport"
)

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Lines() []string {
	s := strings.TrimRight(b.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gateway answers requests with their method name and records what it saw.
type gateway struct {
	mu       sync.Mutex
	seen     []mcp.Message
	subjects []string
}

func (g *gateway) Handle(ctx context.Context, msg mcp.Message) (mcp.Message, error) {
	g.mu.Lock()
	g.seen = append(g.seen, msg)
	if id, ok := security.IdentityFrom(ctx); ok {
		g.subjects = append(g.subjects, id.Subject)
	}
	g.mu.Unlock()

	switch m := msg.(type) {
	case mcp.Initialize:
		return mcp.NewResultReply(m.ID, mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			ServerInfo:      mcp.ServerInfo{Name: "opgate", Version: "test"},
		})
	case mcp.ListOperations:
		return mcp.NewResultReply(m.ID, mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "echo"}}})
	case mcp.InvokeOperation:
		return mcp.Reply{ID: m.ID, Result: m.Arguments}, nil
	default:
		return nil, nil
	}
}

func run(t *testing.T, input string, opts ...Option) (*syncBuffer, *gateway) {
	t.Helper()
	out := &syncBuffer{}
	g := &gateway{}
	tr := NewTransportWithIO(strings.NewReader(input), out, opts...)
	tr.SetLogger(quietLogger())

	done := make(chan error, 1)
	go func() { done <- tr.Start(context.Background(), g) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not stop at EOF")
	}
	assert.Equal(t, StateStopped, tr.State())
	return out, g
}

func decodeLine(t *testing.T, line string) *mcp.Envelope {
	t.Helper()
	env, err := mcp.Decode([]byte(line))
	require.NoError(t, err, line)
	return env
}

func TestNewTransportWithIO(t *testing.T) {
	tr := NewTransportWithIO(strings.NewReader(""), new(bytes.Buffer))
	if tr.maxLine != DefaultMaxLineSize {
		t.Errorf("Expected default max line size, got %d", tr.maxLine)
	}
	if tr.State() != StateIdle {
		t.Errorf("Expected idle state, got %s", tr.State())
	}
	if tr.Name() != "stdio" {
		t.Errorf("Expected name stdio, got %s", tr.Name())
	}
}

func TestSessionScenario(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"t","version":"1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"msg":"hi"}}}`,
	}, "\n") + "\n"

	out, g := run(t, input)

	lines := out.Lines()
	require.Len(t, lines, 3)

	initReply := decodeLine(t, lines[0])
	assert.Equal(t, int64(1), *initReply.ID)
	assert.Contains(t, string(initReply.Result), `"protocolVersion":"2024-11-05"`)

	list := decodeLine(t, lines[1])
	assert.Equal(t, int64(2), *list.ID)
	assert.Contains(t, string(list.Result), `"echo"`)

	call := decodeLine(t, lines[2])
	assert.Equal(t, int64(3), *call.ID)
	assert.JSONEq(t, `{"msg":"hi"}`, string(call.Result))

	require.Len(t, g.seen, 4)
	assert.IsType(t, mcp.Notify{}, g.seen[1])
	assert.Equal(t, []string{"stdio", "stdio", "stdio", "stdio"}, g.subjects)
}

func TestAtMostOneReplyInOrder(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 50; i++ {
		fmt.Fprintf(&b, `{"jsonrpc":"2.0","id":%d,"method":"tools/list"}`+"\n", i)
		if i%5 == 0 {
			b.WriteString(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}` + "\n")
		}
	}

	out, _ := run(t, b.String())

	lines := out.Lines()
	require.Len(t, lines, 50)
	for i, line := range lines {
		env := decodeLine(t, line)
		require.NotNil(t, env.ID)
		assert.Equal(t, int64(i+1), *env.ID)
	}
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	input := strings.Join([]string{
		`this is a log line, not json`,
		`{"jsonrpc":"2.0","id":1`,
		`[1,2,3]`,
		``,
		`   `,
		`{"jsonrpc":"1.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`,
	}, "\n") + "\n"

	out, g := run(t, input)

	lines := out.Lines()
	require.Len(t, lines, 1)
	env := decodeLine(t, lines[0])
	assert.Equal(t, int64(3), *env.ID)
	assert.Len(t, g.seen, 1)
}

func TestProtocolErrors(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":9,"method":"prompts/get"}`,
		`{"jsonrpc":"2.0","method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":10,"method":"tools/call","params":{"arguments":{}}}`,
	}, "\n") + "\n"

	out, g := run(t, input)

	lines := out.Lines()
	require.Len(t, lines, 2)

	unknown := decodeLine(t, lines[0])
	require.NotNil(t, unknown.Error)
	assert.Equal(t, int64(9), *unknown.ID)
	assert.Equal(t, mcp.CodeMethodNotFound, unknown.Error.Code)

	invalid := decodeLine(t, lines[1])
	require.NotNil(t, invalid.Error)
	assert.Equal(t, int64(10), *invalid.ID)
	assert.Equal(t, mcp.CodeInvalidParams, invalid.Error.Code)

	assert.Empty(t, g.seen)
}

func TestOversizedLineIsSkipped(t *testing.T) {
	big := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"v":"` + strings.Repeat("x", 500) + `"}}}`
	input := big + "\n" + `{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n"

	out, _ := run(t, input, WithMaxLineSize(128))

	lines := out.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, int64(2), *decodeLine(t, lines[0]).ID)
}

func TestLastLineWithoutNewline(t *testing.T) {
	out, _ := run(t, `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`)
	require.Len(t, out.Lines(), 1)
}

func TestCancellationStopsLoop(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	out := &syncBuffer{}
	tr := NewTransportWithIO(pr, out)
	tr.SetLogger(quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Start(ctx, &gateway{}) }()

	_, err := io.WriteString(pw, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(out.Lines()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, tr.State())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop ignored cancellation")
	}
	assert.Equal(t, StateStopped, tr.State())

	err = tr.Send(context.Background(), mcp.Notify{Method: "notifications/message"})
	assert.ErrorIs(t, err, transport.ErrNotRunning)
}

func TestShutdown(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	tr := NewTransportWithIO(pr, io.Discard)
	tr.SetLogger(quietLogger())

	done := make(chan error, 1)
	go func() { done <- tr.Start(context.Background(), &gateway{}) }()
	require.Eventually(t, func() bool { return tr.State() == StateRunning }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Shutdown(ctx))
	assert.NoError(t, <-done)
	assert.Equal(t, StateStopped, tr.State())

	assert.ErrorIs(t, tr.Start(context.Background(), &gateway{}), transport.ErrAlreadyStarted)
}

func TestShutdownBeforeStart(t *testing.T) {
	tr := NewTransportWithIO(strings.NewReader(""), io.Discard)
	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, tr.State())

	select {
	case <-tr.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestSendSharesWriter(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	out := &syncBuffer{}
	tr := NewTransportWithIO(pr, out)
	tr.SetLogger(quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tr.Start(ctx, &gateway{}) }()
	require.Eventually(t, func() bool { return tr.State() == StateRunning }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			params, _ := json.Marshal(map[string]int{"n": i})
			assert.NoError(t, tr.Send(ctx, mcp.Notify{Method: "notifications/message", Params: params}))
		}()
	}
	for i := 1; i <= 20; i++ {
		_, err := fmt.Fprintf(pw, `{"jsonrpc":"2.0","id":%d,"method":"tools/list"}`+"\n", i)
		require.NoError(t, err)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(out.Lines()) == 40 }, time.Second, 5*time.Millisecond)
	for _, line := range out.Lines() {
		decodeLine(t, line)
	}
}

func TestLifecycleEvents(t *testing.T) {
	subject := events.NewSubject()
	defer events.Complete(subject)

	started := make(chan events.ServerStartedEvent, 1)
	stopped := make(chan events.ServerShutdownEvent, 1)
	events.Subscribe(subject, events.TopicServerStarted, func(ctx context.Context, evt events.ServerStartedEvent) error {
		started <- evt
		return nil
	})
	events.Subscribe(subject, events.TopicServerShutdown, func(ctx context.Context, evt events.ServerShutdownEvent) error {
		stopped <- evt
		return nil
	})

	tr := NewTransportWithIO(strings.NewReader(""), io.Discard)
	tr.SetLogger(quietLogger())
	tr.SetEvents(subject)
	require.NoError(t, tr.Start(context.Background(), &gateway{}))

	select {
	case evt := <-started:
		assert.Equal(t, "stdio", evt.Transport)
	case <-time.After(time.Second):
		t.Fatal("no started event")
	}
	select {
	case evt := <-stopped:
		assert.True(t, evt.GracefulExit)
		assert.Equal(t, "eof", evt.Reason)
	case <-time.After(time.Second):
		t.Fatal("no shutdown event")
	}
}
