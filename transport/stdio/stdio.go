// Package stdio provides a standard I/O implementation of the gateway transport.
//
// Messages are newline-delimited JSON-RPC envelopes read from an io.Reader
// and answered on an io.Writer, suitable for running the gateway as a child
// process of an agent or editor.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localrivet/opgate/events"
	"github.com/localrivet/opgate/mcp"
	"github.com/localrivet/opgate/security"
	"github.com/localrivet/opgate/transport"
)

// DefaultMaxLineSize bounds a single inbound line.
const DefaultMaxLineSize = 10 << 20

// State is the lifecycle state of the transport.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var errLineTooLong = errors.New("line exceeds maximum size")

// Transport implements transport.Transport over a reader/writer pair.
type Transport struct {
	transport.BaseTransport

	in      io.Reader
	writeMu sync.Mutex
	writer  *bufio.Writer
	maxLine int
	subject string

	state  atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Transport.
type Option func(*Transport)

// WithMaxLineSize overrides DefaultMaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLine = n
		}
	}
}

// WithSubject sets the subject of the bypass identity attached to every
// message. Defaults to "stdio".
func WithSubject(subject string) Option {
	return func(t *Transport) {
		t.subject = subject
	}
}

// NewTransport creates a new Standard I/O transport.
// By default, it uses os.Stdin and os.Stdout.
func NewTransport(opts ...Option) *Transport {
	return NewTransportWithIO(os.Stdin, os.Stdout, opts...)
}

// NewTransportWithIO creates a new Standard I/O transport with custom io.Reader and io.Writer.
// This is particularly useful for testing or custom I/O streams.
func NewTransportWithIO(in io.Reader, out io.Writer, opts ...Option) *Transport {
	t := &Transport{
		in:      in,
		writer:  bufio.NewWriter(out),
		maxLine: DefaultMaxLineSize,
		subject: "stdio",
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string {
	return "stdio"
}

// State reports the lifecycle state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Done is closed once the loop has exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

type readResult struct {
	line []byte
	err  error
}

// Start runs the read/dispatch loop until EOF, cancellation of ctx, or
// Shutdown. EOF and cancellation return nil.
func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	if !t.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return transport.ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	logger := t.GetLogger().With("component", "stdio")
	defer func() {
		cancel()
		t.flush()
		t.state.Store(int32(StateStopped))
		close(t.done)
		logger.Debug("stdio transport stopped")
	}()

	ctx = security.WithIdentity(ctx, security.BypassIdentity(t.subject))

	_ = events.Publish(t.Events(), events.TopicServerStarted, events.ServerStartedEvent{
		Transport: t.Name(),
		StartedAt: time.Now(),
	})

	// The blocking read lives in its own goroutine so the loop can select
	// on cancellation. It exits at EOF or on the next line after cancel.
	lines := make(chan readResult)
	go t.readLoop(ctx, lines)

	reason := "eof"
	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			reason = "cancelled"
			break loop
		case res, ok := <-lines:
			if !ok {
				break loop
			}
			if res.err != nil {
				runErr = fmt.Errorf("read stdin: %w", res.err)
				reason = "read error"
				break loop
			}
			t.handleLine(ctx, h, res.line)
		}
	}
	t.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown))

	_ = events.Publish(t.Events(), events.TopicServerShutdown, events.ServerShutdownEvent{
		Transport:    t.Name(),
		ShutdownAt:   time.Now(),
		GracefulExit: runErr == nil,
		Reason:       reason,
	})
	return runErr
}

func (t *Transport) readLoop(ctx context.Context, lines chan<- readResult) {
	defer close(lines)
	logger := t.GetLogger().With("component", "stdio")
	reader := bufio.NewReader(t.in)

	for {
		line, err := readLine(reader, t.maxLine)
		if errors.Is(err, errLineTooLong) {
			logger.Warn("skipping oversized line", "error", &mcp.FramingError{Reason: "line too long", Err: err}, "max_bytes", t.maxLine)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			select {
			case lines <- readResult{err: err}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case lines <- readResult{line: line}:
		case <-ctx.Done():
			return
		}
	}
}

// readLine returns the next line without its terminator. Lines longer than
// max are consumed and reported as errLineTooLong.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		if !tooLong {
			if len(line)+len(chunk) > max {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if !isPrefix {
			break
		}
	}
	if tooLong {
		return nil, errLineTooLong
	}
	if line == nil {
		line = []byte{}
	}
	return line, nil
}

func (t *Transport) handleLine(ctx context.Context, h transport.Handler, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	logger := t.GetLogger()

	reply, err := transport.Dispatch(ctx, h, line)
	if err != nil {
		var fe *mcp.FramingError
		switch {
		case errors.As(err, &fe):
			logger.Warn("skipping malformed line", "component", "stdio", "error", err, "line", preview(line))
		case reply == nil:
			logger.Warn("dropping message", "component", "stdio", "error", err)
		default:
			logger.Error("request failed", "component", "stdio", "error", err)
		}
	}
	if reply == nil {
		return
	}
	if err := t.write(reply); err != nil {
		logger.Error("failed to write reply", "component", "stdio", "error", err)
	}
}

// Send writes an unsolicited message. It shares the write lock with replies
// so lines never interleave.
func (t *Transport) Send(ctx context.Context, msg mcp.Message) error {
	if t.State() != StateRunning {
		return transport.ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := mcp.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return t.write(data)
}

func (t *Transport) write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.writer.Write(data); err != nil {
		return err
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return err
	}
	return t.writer.Flush()
}

func (t *Transport) flush() {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.writer.Flush()
}

// Shutdown stops the loop and waits for it to exit, bounded by ctx. A
// transport that never started moves straight to Stopped.
func (t *Transport) Shutdown(ctx context.Context) error {
	if t.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		close(t.done)
		return nil
	}
	t.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown))

	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func preview(line []byte) string {
	if len(line) > 100 {
		return string(line[:100]) + "..."
	}
	return string(line)
}
