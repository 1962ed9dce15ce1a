// Package engine defines the operation engine consumed by the gateway and the
// shared handle through which every transport reaches it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/localrivet/opgate/mcp"
)

var (
	// ErrNotInitialized is returned by Acquire before Init has succeeded.
	ErrNotInitialized = errors.New("engine not initialized")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("engine already initialized")
	// ErrClosed is returned by Acquire once Close has started.
	ErrClosed = errors.New("engine closed")
)

// Engine executes named operations on opaque JSON arguments.
type Engine interface {
	// Operations lists the invokable operations.
	Operations() []mcp.Tool
	// Invoke runs name with args. Failures of the operation itself are
	// reported as *OperationError.
	Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	// Ping is a trivial round trip used by liveness probes.
	Ping(ctx context.Context) error
}

// OperationError reports a failed operation. It travels back to the caller
// as a normal reply and never ends the session.
type OperationError struct {
	Operation   string
	Message     string
	Diagnostics []string
}

func (e *OperationError) Error() string {
	if len(e.Diagnostics) == 0 {
		return fmt.Sprintf("operation %s failed: %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("operation %s failed: %s (%s)", e.Operation, e.Message, strings.Join(e.Diagnostics, "; "))
}

// Factory builds the engine on Init.
type Factory func(ctx context.Context) (Engine, error)

// Handle is a lazily initialized, reference counted holder for the process
// wide engine. The zero value is ready to use and reports ErrNotInitialized
// until Init succeeds.
type Handle struct {
	mu      sync.Mutex
	engine  Engine
	refs    int
	closing bool
	drained chan struct{}

	closeOnce sync.Once
}

// NewHandle returns an empty handle.
func NewHandle() *Handle {
	return &Handle{}
}

// Init builds the engine with factory. It may succeed only once.
func (h *Handle) Init(ctx context.Context, factory Factory) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		return ErrClosed
	}
	if h.engine != nil {
		return ErrAlreadyInitialized
	}
	eng, err := factory(ctx)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	if eng == nil {
		return errors.New("init engine: factory returned nil")
	}
	h.engine = eng
	return nil
}

// Ready reports whether Init has succeeded and Close has not started.
func (h *Handle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine != nil && !h.closing
}

// Acquire returns the engine together with a release func that must be
// called when the caller is done with it. release is idempotent.
func (h *Handle) Acquire() (Engine, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engine == nil {
		return nil, nil, ErrNotInitialized
	}
	if h.closing {
		return nil, nil, ErrClosed
	}
	h.refs++

	var once sync.Once
	release := func() {
		once.Do(h.release)
	}
	return h.engine, release, nil
}

func (h *Handle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs--
	if h.closing && h.refs == 0 {
		close(h.drained)
	}
}

// Refs reports the number of outstanding references.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Do acquires the engine, runs fn and releases it.
func (h *Handle) Do(fn func(Engine) error) error {
	eng, release, err := h.Acquire()
	if err != nil {
		return err
	}
	defer release()
	return fn(eng)
}

// Close refuses new references, waits for outstanding ones to be released
// and closes the engine when it implements io.Closer.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.engine == nil {
		h.mu.Unlock()
		return nil
	}
	if !h.closing {
		h.closing = true
		h.drained = make(chan struct{})
		if h.refs == 0 {
			close(h.drained)
		}
	}
	drained := h.drained
	eng := h.engine
	h.mu.Unlock()

	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("close engine: %w", ctx.Err())
	}

	var err error
	h.closeOnce.Do(func() {
		if closer, ok := eng.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}
