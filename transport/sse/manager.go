// Package sse manages authenticated Server-Sent Events streams: it
// authenticates new connections, keeps a registry of per-client event
// queues, and runs the stream loop that forwards pushes, sends refresh
// notices and terminates expired connections.
package sse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/localrivet/opgate/events"
	"github.com/localrivet/opgate/metrics"
	"github.com/localrivet/opgate/security"
)

// DefaultWaitTimeout bounds each wait of the stream loop so expiry and
// refresh are re-checked even on an idle stream.
const DefaultWaitTimeout = 30 * time.Second

var (
	// ErrUnauthorized is returned when no credential method succeeded.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBadParams is returned for undecodable query parameters.
	ErrBadParams = errors.New("bad stream parameters")
	// ErrDuplicateClient is returned when the client id is already streaming.
	ErrDuplicateClient = errors.New("client already connected")
	// ErrUnknownClient is returned by SendTo for an unregistered client.
	ErrUnknownClient = errors.New("unknown client")
	// ErrStreamingUnsupported is returned when the writer cannot flush.
	ErrStreamingUnsupported = errors.New("streaming unsupported")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("manager closed")
)

type client struct {
	conn  *Connection
	queue *queue
}

// Manager is the registry of live streams.
type Manager struct {
	auth        *security.Authenticator
	clock       clockwork.Clock
	logger      *slog.Logger
	events      *events.Subject
	monitor     *metrics.Monitor
	queueSize   int
	waitTimeout time.Duration
	path        string

	mu      sync.RWMutex
	clients map[string]*client

	nextEventID atomic.Int64
	closed      chan struct{}
	closeOnce   sync.Once
	streams     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for activity tracking and the wait timer.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithEvents sets the subject connection events are published on.
func WithEvents(s *events.Subject) Option {
	return func(m *Manager) {
		m.events = s
	}
}

// WithMonitor reports client counts and dropped events as custom metrics.
func WithMonitor(mon *metrics.Monitor) Option {
	return func(m *Manager) {
		m.monitor = mon
	}
}

// WithQueueSize sets the per-client queue capacity.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		m.queueSize = n
	}
}

// WithWaitTimeout sets the bounded wait of the stream loop.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.waitTimeout = d
		}
	}
}

// WithPath sets the stream path advertised in refresh instructions.
func WithPath(path string) Option {
	return func(m *Manager) {
		m.path = path
	}
}

// NewManager creates a Manager. auth may be nil, which accepts every
// connection with a bypass identity.
func NewManager(auth *security.Authenticator, opts ...Option) *Manager {
	m := &Manager{
		auth:        auth,
		clock:       clockwork.NewRealClock(),
		queueSize:   DefaultQueueSize,
		waitTimeout: DefaultWaitTimeout,
		path:        "/stream",
		clients:     make(map[string]*client),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	m.logger = m.logger.With("component", "sse")
	return m
}

// Authenticate establishes the identity of a stream request with
// AuthenticateRequest.
func (m *Manager) Authenticate(r *http.Request, p Params) (*security.Identity, error) {
	return AuthenticateRequest(m.auth, r, p)
}

// AuthenticateRequest applies the streaming credential rules: the
// Authorization header is tried first, then the token query parameter as a
// bearer token, then the api_key query parameter. The first success wins.
// A nil or disabled authenticator admits everyone.
func AuthenticateRequest(auth *security.Authenticator, r *http.Request, p Params) (*security.Identity, error) {
	if auth == nil || !auth.Enabled() {
		return security.BypassIdentity("local"), nil
	}

	var errs []error
	if header := r.Header.Get("Authorization"); header != "" {
		id, err := auth.AuthenticateHeader(header)
		if err == nil {
			return id, nil
		}
		errs = append(errs, fmt.Errorf("header: %w", err))
	}
	if p.Token != "" {
		id, err := auth.AuthenticateBearer(p.Token)
		if err == nil {
			return id, nil
		}
		errs = append(errs, fmt.Errorf("token: %w", err))
	}
	if p.APIKey != "" {
		id, err := auth.AuthenticateAPIKey(p.APIKey)
		if err == nil {
			return id, nil
		}
		errs = append(errs, fmt.Errorf("api_key: %w", err))
	}
	if len(errs) == 0 {
		errs = append(errs, security.ErrMissingCredential)
	}
	return nil, fmt.Errorf("%w: %w", ErrUnauthorized, errors.Join(errs...))
}

// Open authenticates r and registers its connection. Nothing is written to
// the response; a failed Open leaves the stream unopened.
func (m *Manager) Open(r *http.Request) (*Connection, error) {
	select {
	case <-m.closed:
		return nil, ErrClosed
	default:
	}

	p, err := ParseParams(r.URL.Query())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadParams, err)
	}

	id, err := m.Authenticate(r, p)
	if err != nil {
		return nil, err
	}

	clientID := p.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	conn := NewConnection(clientID, id, p.Timeout, p.RefreshToken, m.clock)

	m.mu.Lock()
	if _, exists := m.clients[clientID]; exists {
		m.mu.Unlock()
		return nil, ErrDuplicateClient
	}
	m.clients[clientID] = &client{conn: conn, queue: newQueue(m.queueSize)}
	count := len(m.clients)
	m.mu.Unlock()

	if m.monitor != nil {
		m.monitor.SetCustom("sse_clients", float64(count))
		m.monitor.IncrementCustom("sse_connections_total", 1)
	}
	_ = events.Publish(m.events, events.TopicClientConnected, events.ClientConnectedEvent{
		ClientID:       clientID,
		Subject:        id.Subject,
		AuthMethod:     string(id.Method),
		ConnectedAt:    conn.ConnectedAt,
		TimeoutSeconds: conn.TimeoutSeconds,
	})
	m.logger.Info("stream authenticated", "client_id", clientID, "subject", id.Subject, "method", id.Method)
	return conn, nil
}

// ServeHTTP opens and serves a stream. Failures before the stream opens are
// answered with a bare status code.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.Open(r)
	if err != nil {
		m.logger.Warn("stream rejected", "error", err)
		w.WriteHeader(StatusFor(err))
		return
	}
	if err := m.Serve(w, r, conn); err != nil {
		m.logger.Debug("stream ended", "client_id", conn.ClientID, "error", err)
	}
}

// StatusFor maps Open errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadParams):
		return http.StatusBadRequest
	case errors.Is(err, ErrDuplicateClient):
		return http.StatusConflict
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Serve runs the stream loop for a connection returned by Open. It returns
// when the request is cancelled, the connection expires, a write fails, or
// the manager is closed. The connection is unregistered on return.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, conn *Connection) error {
	cl, err := m.attach(conn)
	if err != nil {
		m.unregister(conn, "not registered")
		return err
	}

	reason := "client disconnected"
	defer func() {
		m.unregister(conn, reason)
		m.streams.Done()
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		reason = "streaming unsupported"
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &streamWriter{w: w, flusher: flusher, nextID: &m.nextEventID}
	if err := sw.write(connectedEvent(conn)); err != nil {
		reason = "write error"
		return err
	}

	ticker := m.clock.NewTicker(m.waitTimeout)
	defer ticker.Stop()

	for {
		if conn.IsExpired() {
			reason = "expired"
			m.logger.Info("stream expired", "client_id", conn.ClientID, "last_activity", conn.LastActivity())
			_ = events.Publish(m.events, events.TopicConnectionExpired, events.ClientDisconnectedEvent{
				ClientID:       conn.ClientID,
				ConnectedAt:    conn.ConnectedAt,
				DisconnectedAt: m.clock.Now(),
				Reason:         reason,
			})
			return sw.write(authErrorEvent(conn.ClientID, "Connection expired. Please reconnect with valid credentials."))
		}
		if conn.NeedsRefresh() {
			if err := sw.write(refreshEvent(conn, m.path)); err != nil {
				reason = "write error"
				return err
			}
			conn.MarkRefreshed()
			m.logger.Info("sent refresh notice", "client_id", conn.ClientID)
		}

		select {
		case <-r.Context().Done():
			return nil
		case <-m.closed:
			reason = "server shutdown"
			return sw.write(disconnectedEvent(conn.ClientID, reason))
		case <-cl.queue.ready():
			for {
				ev, ok := cl.queue.pop()
				if !ok {
					break
				}
				if err := sw.write(ev); err != nil {
					reason = "write error"
					return err
				}
				conn.Touch()
			}
		case <-ticker.Chan():
			if err := sw.comment("keepalive"); err != nil {
				reason = "write error"
				return err
			}
		}
	}
}

// attach marks a stream loop as running for conn.
func (m *Manager) attach(conn *Connection) (*client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	select {
	case <-m.closed:
		return nil, ErrClosed
	default:
	}
	cl, ok := m.clients[conn.ClientID]
	if !ok || cl.conn != conn {
		return nil, ErrUnknownClient
	}
	m.streams.Add(1)
	return cl, nil
}

func (m *Manager) unregister(conn *Connection, reason string) {
	clientID := conn.ClientID
	m.mu.Lock()
	cl, ok := m.clients[clientID]
	ok = ok && cl.conn == conn
	if ok {
		delete(m.clients, clientID)
	}
	count := len(m.clients)
	m.mu.Unlock()
	if !ok {
		return
	}

	cl.queue.close()
	dropped := cl.queue.droppedCount()
	if m.monitor != nil {
		m.monitor.SetCustom("sse_clients", float64(count))
		if dropped > 0 {
			m.monitor.IncrementCustom("sse_events_dropped", float64(dropped))
		}
	}
	_ = events.Publish(m.events, events.TopicClientDisconnected, events.ClientDisconnectedEvent{
		ClientID:       clientID,
		ConnectedAt:    cl.conn.ConnectedAt,
		DisconnectedAt: m.clock.Now(),
		Reason:         reason,
		Dropped:        dropped,
	})
	m.logger.Info("stream closed", "client_id", clientID, "reason", reason, "dropped", dropped)
}

// Broadcast queues ev for every registered client and returns how many
// received it. It never blocks on a slow client.
func (m *Manager) Broadcast(ev Event) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, cl := range m.clients {
		if cl.queue.push(ev) {
			n++
		}
	}
	return n
}

// SendTo queues ev for one client.
func (m *Manager) SendTo(clientID string, ev Event) error {
	m.mu.RLock()
	cl, ok := m.clients[clientID]
	m.mu.RUnlock()
	if !ok || !cl.queue.push(ev) {
		return ErrUnknownClient
	}
	return nil
}

// Touch records inbound activity for a client.
func (m *Manager) Touch(clientID string) bool {
	m.mu.RLock()
	cl, ok := m.clients[clientID]
	m.mu.RUnlock()
	if ok {
		cl.conn.Touch()
	}
	return ok
}

// Connection returns the record of a registered client.
func (m *Manager) Connection(clientID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cl, ok := m.clients[clientID]
	if !ok {
		return nil, false
	}
	return cl.conn, true
}

// Count returns the number of registered clients.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Close ends every stream with a disconnected event and rejects new ones.
// It waits for the stream loops to exit, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closeOnce.Do(func() {
		close(m.closed)
	})
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
