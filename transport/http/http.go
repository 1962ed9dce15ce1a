// Package http serves the gateway over HTTP.
//
// Operations are invoked with plain JSON requests; streaming clients connect
// to /stream and receive replies and pushes as server-sent events. Health,
// readiness, Prometheus metrics and statistics are served next to them.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/localrivet/opgate/events"
	"github.com/localrivet/opgate/mcp"
	"github.com/localrivet/opgate/metrics"
	"github.com/localrivet/opgate/security"
	"github.com/localrivet/opgate/transport"
	"github.com/localrivet/opgate/transport/sse"
)

// Route paths.
const (
	PathInvoke     = "/invoke/{op}"
	PathOperations = "/operations"
	PathStream     = "/stream"
	PathHealth     = "/health"
	PathReady      = "/ready"
	PathMetrics    = "/metrics"
	PathStats      = "/stats"
)

// DefaultAddr is the listen address used when none is given.
const DefaultAddr = "0.0.0.0:8080"

// Option is a function that configures a Transport
type Option func(*Transport)

// WithAuthenticator sets the authenticator guarding the routes.
func WithAuthenticator(a *security.Authenticator) Option {
	return func(t *Transport) {
		t.auth = a
	}
}

// WithValidator sets the validator applied to request bodies.
func WithValidator(v *security.Validator) Option {
	return func(t *Transport) {
		t.validator = v
	}
}

// WithMonitor sets the monitor fed by the metrics middleware and read by
// the health routes.
func WithMonitor(m *metrics.Monitor) Option {
	return func(t *Transport) {
		t.monitor = m
	}
}

// WithStreams sets the SSE session manager. Without one the transport
// builds its own from the authenticator and monitor.
func WithStreams(m *sse.Manager) Option {
	return func(t *Transport) {
		t.streams = m
	}
}

// WithCORSOrigins sets the allowed CORS origins. "*" allows any origin.
func WithCORSOrigins(origins ...string) Option {
	return func(t *Transport) {
		t.corsOrigins = origins
	}
}

// WithDebugErrors exposes full error details in response bodies.
func WithDebugErrors(debug bool) Option {
	return func(t *Transport) {
		t.debugErrors = debug
	}
}

// WithReadHeaderTimeout bounds how long a client may take to send headers.
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.readHeaderTimeout = d
	}
}

// WithShutdownTimeout bounds graceful shutdown when Start's context ends
// and when Shutdown gets a context without a deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.shutdownTimeout = d
	}
}

// Transport implements the transport.Transport interface for HTTP
type Transport struct {
	transport.BaseTransport
	addr string

	auth        *security.Authenticator
	validator   *security.Validator
	monitor     *metrics.Monitor
	streams     *sse.Manager
	corsOrigins []string
	debugErrors bool

	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration

	// Reply ids for requests synthesized from plain HTTP calls.
	nextID atomic.Int64

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	started  bool
	running  atomic.Bool
}

// NewTransport creates a transport listening on addr.
func NewTransport(addr string, opts ...Option) *Transport {
	if addr == "" {
		addr = DefaultAddr
	}
	t := &Transport{
		addr:              addr,
		corsOrigins:       []string{"*"},
		readHeaderTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.validator == nil {
		t.validator = security.NewValidator(security.DefaultValidationConfig())
	}
	if t.monitor == nil {
		t.monitor = metrics.NewMonitor()
	}
	return t
}

// Name identifies the transport.
func (t *Transport) Name() string {
	return "http"
}

// Monitor returns the monitor the transport reports to.
func (t *Transport) Monitor() *metrics.Monitor {
	return t.monitor
}

// Streams returns the SSE session manager, building it on first use.
func (t *Transport) Streams() *sse.Manager {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamsLocked()
}

func (t *Transport) streamsLocked() *sse.Manager {
	if t.streams == nil {
		t.streams = sse.NewManager(t.auth,
			sse.WithLogger(t.GetLogger()),
			sse.WithEvents(t.Events()),
			sse.WithMonitor(t.monitor),
			sse.WithPath(PathStream),
		)
	}
	return t.streams
}

// Addr returns the bound address once Start is listening, otherwise the
// configured one.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// Router builds the route tree serving h.
func (t *Transport) Router(h transport.Handler) http.Handler {
	r := chi.NewRouter()
	t.setupMiddleware(r)

	api := &handlers{t: t, h: h, streams: t.Streams()}
	r.Post(PathInvoke, api.invoke)
	r.Get(PathOperations, api.operations)
	r.Get(PathStream, api.streams.ServeHTTP)
	r.Post(PathStream, api.streamMessage)
	r.Get(PathHealth, api.health)
	r.Get(PathReady, api.ready)
	r.Handle(PathMetrics, metrics.Handler(metrics.NewRegistry(t.monitor)))
	r.Get(PathStats, api.stats)
	return r
}

func (t *Transport) setupMiddleware(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(t.recoverer)

	allowCredentials := true
	for _, origin := range t.corsOrigins {
		if origin == "*" {
			allowCredentials = false
			break
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   t.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	}))

	r.Use(t.measure)
	r.Use(t.authenticate)
	r.Use(t.validateBody)
}

// Start listens and serves until ctx is done or Shutdown is called, then
// shuts the server down gracefully.
func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return transport.ErrAlreadyStarted
	}
	t.started = true
	listener, err := net.Listen("tcp", t.addr)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", t.addr, err)
	}
	t.listener = listener
	t.mu.Unlock()

	server := &http.Server{
		Handler:           t.Router(h),
		ReadHeaderTimeout: t.readHeaderTimeout,
	}
	t.mu.Lock()
	t.server = server
	t.mu.Unlock()

	logger := t.GetLogger()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	t.running.Store(true)
	defer t.running.Store(false)

	_ = events.Publish(t.Events(), events.TopicServerStarted, events.ServerStartedEvent{
		Transport: t.Name(),
		Endpoint:  listener.Addr().String(),
		StartedAt: time.Now(),
	})

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := transport.ShutdownContextWithin(context.WithoutCancel(ctx), t.shutdownTimeout)
		defer cancel()
		return t.shutdown(shutdownCtx, "context done")
	}
}

// Shutdown stops the server. Open streams receive a disconnected event
// before their connections are closed.
func (t *Transport) Shutdown(ctx context.Context) error {
	ctx, cancel := transport.ShutdownContextWithin(ctx, t.shutdownTimeout)
	defer cancel()
	return t.shutdown(ctx, "shutdown requested")
}

func (t *Transport) shutdown(ctx context.Context, reason string) error {
	t.mu.Lock()
	server := t.server
	streams := t.streams
	t.mu.Unlock()
	if server == nil {
		return nil
	}

	var errs []error
	if streams != nil {
		if err := streams.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close streams: %w", err))
		}
	}
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}

	_ = events.Publish(t.Events(), events.TopicServerShutdown, events.ServerShutdownEvent{
		Transport:    t.Name(),
		ShutdownAt:   time.Now(),
		GracefulExit: len(errs) == 0,
		Reason:       reason,
	})
	return errors.Join(errs...)
}

// Send broadcasts msg to every connected stream as a message event.
func (t *Transport) Send(ctx context.Context, msg mcp.Message) error {
	if !t.running.Load() {
		return transport.ErrNotRunning
	}
	data, err := mcp.EncodeMessage(msg)
	if err != nil {
		return err
	}
	n := t.Streams().Broadcast(sse.Event{Name: sse.EventMessage, Data: data})
	t.GetLogger().Debug("broadcast message", "clients", n)
	return nil
}
