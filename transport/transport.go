// Package transport defines the contract between the gateway transports and
// the session handler that answers protocol messages.
//
// Every transport turns raw bytes into mcp.Message values, hands them to a
// Handler, and writes back at most one reply per request.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/localrivet/opgate/events"
	"github.com/localrivet/opgate/mcp"
)

// DefaultShutdownTimeout bounds graceful shutdown when the caller gives no deadline.
const DefaultShutdownTimeout = 10 * time.Second

var (
	// ErrAlreadyStarted is returned by Start on a transport that already ran.
	ErrAlreadyStarted = errors.New("transport already started")
	// ErrNotRunning is returned by Send on a transport that is not running.
	ErrNotRunning = errors.New("transport not running")
	// ErrPushUnsupported is returned by Send on request/response-only transports.
	ErrPushUnsupported = errors.New("transport cannot push messages")
	// ErrHandlerPanic wraps a panic recovered from a Handler.
	ErrHandlerPanic = errors.New("handler panicked")
)

// Handler answers one internal message. Requests get a Reply; notifications
// and replies return a nil message.
type Handler interface {
	Handle(ctx context.Context, msg mcp.Message) (mcp.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg mcp.Message) (mcp.Message, error)

func (f HandlerFunc) Handle(ctx context.Context, msg mcp.Message) (mcp.Message, error) {
	return f(ctx, msg)
}

// Transport moves protocol messages between remote peers and a Handler.
type Transport interface {
	// Name identifies the transport in logs and events.
	Name() string

	// Start serves until ctx is done, the peer goes away, or Shutdown is
	// called. It blocks.
	Start(ctx context.Context, h Handler) error

	// Shutdown stops a running transport, waiting at most until ctx is done.
	Shutdown(ctx context.Context) error

	// Send pushes an unsolicited message to the connected peers.
	Send(ctx context.Context, msg mcp.Message) error
}

// BaseTransport provides the logger and event subject shared by transports.
type BaseTransport struct {
	logger *slog.Logger
	events *events.Subject
}

// SetLogger sets the structured logger
func (t *BaseTransport) SetLogger(logger *slog.Logger) {
	t.logger = logger
}

// GetLogger returns the current logger, creating a default one if none is set
func (t *BaseTransport) GetLogger() *slog.Logger {
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return t.logger
}

// SetEvents sets the subject lifecycle events are published on. A nil
// subject disables publishing.
func (t *BaseTransport) SetEvents(s *events.Subject) {
	t.events = s
}

// Events returns the event subject, which may be nil.
func (t *BaseTransport) Events() *events.Subject {
	return t.events
}

// Dispatch runs one raw envelope through the codec and h and returns the
// encoded reply, or nil when nothing must be written back.
//
// The reply can be non-nil together with an error: a request that fails
// translation or handling still gets an error reply when it carried an id.
// The error is for logging only.
func Dispatch(ctx context.Context, h Handler, data []byte) ([]byte, error) {
	msg, _, err := mcp.DecodeMessage(data)
	if err != nil {
		var pe *mcp.ProtocolError
		if errors.As(err, &pe) && pe.ID != nil {
			out, encErr := mcp.EncodeMessage(mcp.NewErrorReply(*pe.ID, pe.Code(), pe.Error(), nil))
			if encErr != nil {
				return nil, errors.Join(err, encErr)
			}
			return out, err
		}
		return nil, err
	}

	reply, err := handle(ctx, h, msg)
	if err != nil {
		req, ok := msg.(mcp.Request)
		if !ok {
			return nil, err
		}
		reply = mcp.NewErrorReply(req.RequestID(), mcp.CodeInternalError, "internal error", nil)
		out, encErr := mcp.EncodeMessage(reply)
		if encErr != nil {
			return nil, errors.Join(err, encErr)
		}
		return out, err
	}
	if reply == nil {
		return nil, nil
	}
	return mcp.EncodeMessage(reply)
}

// handle calls h, turning a panic into an error so one bad message cannot
// stop the transport loop.
func handle(ctx context.Context, h Handler, msg mcp.Message) (reply mcp.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reply = nil
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
	}()
	return h.Handle(ctx, msg)
}

// ShutdownContext returns ctx unchanged when it has a deadline, otherwise a
// context bounded by DefaultShutdownTimeout.
func ShutdownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return ShutdownContextWithin(ctx, DefaultShutdownTimeout)
}

// ShutdownContextWithin is ShutdownContext with a caller chosen bound. A
// non-positive d falls back to DefaultShutdownTimeout.
func ShutdownContextWithin(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	if d <= 0 {
		d = DefaultShutdownTimeout
	}
	return context.WithTimeout(ctx, d)
}
