// Package ws serves the gateway over WebSocket.
//
// Every text frame carries one JSON-RPC envelope and every reply goes back
// as one text frame on the same connection, in request order.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/localrivet/opgate/events"
	"github.com/localrivet/opgate/mcp"
	"github.com/localrivet/opgate/metrics"
	"github.com/localrivet/opgate/security"
	"github.com/localrivet/opgate/transport"
	"github.com/localrivet/opgate/transport/sse"
)

const (
	// DefaultPath is the upgrade path.
	DefaultPath = "/ws"
	// DefaultMaxMessageSize bounds a single inbound frame.
	DefaultMaxMessageSize = 10 << 20
)

// Option configures a Transport.
type Option func(*Transport)

// WithPath sets the upgrade path.
func WithPath(path string) Option {
	return func(t *Transport) {
		t.path = path
	}
}

// WithAuthenticator requires credentials on the upgrade request, using the
// same header and query rules as the stream endpoint.
func WithAuthenticator(a *security.Authenticator) Option {
	return func(t *Transport) {
		t.auth = a
	}
}

// WithMonitor counts connections in m.
func WithMonitor(m *metrics.Monitor) Option {
	return func(t *Transport) {
		t.monitor = m
	}
}

// WithMaxMessageSize bounds inbound frames.
func WithMaxMessageSize(n int64) Option {
	return func(t *Transport) {
		t.maxMessageSize = n
	}
}

// WithShutdownTimeout bounds graceful shutdown when Start's context ends
// and when Shutdown gets a context without a deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.shutdownTimeout = d
	}
}

// peer is one upgraded connection. Writes are serialized by writeMu.
type peer struct {
	id       string
	conn     net.Conn
	identity *security.Identity
	since    time.Time

	writeMu sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wsutil.WriteServerMessage(p.conn, ws.OpText, data)
}

// Transport implements transport.Transport over WebSocket.
type Transport struct {
	transport.BaseTransport
	addr           string
	path           string
	auth           *security.Authenticator
	monitor        *metrics.Monitor
	maxMessageSize int64

	shutdownTimeout time.Duration

	mu       sync.Mutex
	peers    map[string]*peer
	server   *http.Server
	listener net.Listener
	started  bool
	closed   bool
	running  atomic.Bool
	conns    sync.WaitGroup
}

// NewTransport creates a WebSocket transport listening on addr.
func NewTransport(addr string, opts ...Option) *Transport {
	t := &Transport{
		addr:           addr,
		path:           DefaultPath,
		maxMessageSize: DefaultMaxMessageSize,
		peers:          make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name identifies the transport.
func (t *Transport) Name() string {
	return "ws"
}

// Addr returns the bound address once listening, otherwise the configured one.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// Count returns the number of open connections.
func (t *Transport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// HTTPHandler returns the upgrade handler serving h. It can be mounted on
// any mux; Start mounts it on the configured path.
func (t *Transport) HTTPHandler(h transport.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		params, err := sse.ParseParams(r.URL.Query())
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		identity, err := sse.AuthenticateRequest(t.auth, r, params)
		if err != nil {
			t.GetLogger().Warn("websocket upgrade rejected", "error", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.GetLogger().Warn("websocket upgrade failed", "error", err)
			return
		}

		id := params.ClientID
		if id == "" {
			id = uuid.NewString()
		}
		p := &peer{id: id, conn: conn, identity: identity, since: time.Now()}
		if err := t.register(p); err != nil {
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, err.Error()))
			conn.Close()
			return
		}
		defer t.unregister(p)

		ctx := security.WithIdentity(context.WithoutCancel(r.Context()), identity)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := t.serve(ctx, p, h); err != nil {
			t.GetLogger().Debug("websocket closed", "client_id", p.id, "error", err)
		}
	})
}

var errShuttingDown = errors.New("server shutting down")

func (t *Transport) register(p *peer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errShuttingDown
	}
	if _, ok := t.peers[p.id]; ok {
		p.id = uuid.NewString()
	}
	t.peers[p.id] = p
	t.conns.Add(1)
	count := len(t.peers)

	if t.monitor != nil {
		t.monitor.SetCustom("ws_clients", float64(count))
		t.monitor.IncrementCustom("ws_connections_total", 1)
	}
	_ = events.Publish(t.Events(), events.TopicClientConnected, events.ClientConnectedEvent{
		ClientID:    p.id,
		Subject:     p.identity.Subject,
		AuthMethod:  string(p.identity.Method),
		ConnectedAt: p.since,
	})
	t.GetLogger().Info("websocket connected", "client_id", p.id, "subject", p.identity.Subject)
	return nil
}

func (t *Transport) unregister(p *peer) {
	p.conn.Close()

	t.mu.Lock()
	delete(t.peers, p.id)
	count := len(t.peers)
	t.mu.Unlock()
	t.conns.Done()

	if t.monitor != nil {
		t.monitor.SetCustom("ws_clients", float64(count))
	}
	_ = events.Publish(t.Events(), events.TopicClientDisconnected, events.ClientDisconnectedEvent{
		ClientID:       p.id,
		ConnectedAt:    p.since,
		DisconnectedAt: time.Now(),
		Reason:         "connection closed",
	})
}

// serve reads frames until the peer goes away. Control frames are answered
// inline; binary frames are treated like text.
func (t *Transport) serve(ctx context.Context, p *peer, h transport.Handler) error {
	logger := t.GetLogger()
	control := wsutil.ControlFrameHandler(p.conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         p.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   t.maxMessageSize,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}

		out, err := transport.Dispatch(ctx, h, data)
		if err != nil {
			logger.Warn("websocket message failed", "client_id", p.id, "error", err)
		}
		if out == nil {
			continue
		}
		if err := p.write(out); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
}

// Start listens on addr and serves the upgrade path until ctx is done.
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
	mux := http.NewServeMux()
	mux.Handle(t.path, t.HTTPHandler(h))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	t.listener = listener
	t.server = server
	t.mu.Unlock()

	logger := t.GetLogger()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting WebSocket server", "addr", listener.Addr().String(), "path", t.path)
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
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := transport.ShutdownContextWithin(context.WithoutCancel(ctx), t.shutdownTimeout)
		defer cancel()
		return t.shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting upgrades, sends a going-away close frame to
// every peer and waits for their loops to exit.
func (t *Transport) Shutdown(ctx context.Context) error {
	ctx, cancel := transport.ShutdownContextWithin(ctx, t.shutdownTimeout)
	defer cancel()
	return t.shutdown(ctx)
}

func (t *Transport) shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	server := t.server
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	var errs []error
	if server != nil {
		// Hijacked connections are not tracked by the server.
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	body := ws.NewCloseFrameBody(ws.StatusGoingAway, errShuttingDown.Error())
	for _, p := range peers {
		p.writeMu.Lock()
		_ = wsutil.WriteServerMessage(p.conn, ws.OpClose, body)
		p.writeMu.Unlock()
		p.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		t.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	_ = events.Publish(t.Events(), events.TopicServerShutdown, events.ServerShutdownEvent{
		Transport:    t.Name(),
		ShutdownAt:   time.Now(),
		GracefulExit: len(errs) == 0,
	})
	return errors.Join(errs...)
}

// Send writes msg to every connected peer.
func (t *Transport) Send(ctx context.Context, msg mcp.Message) error {
	if !t.running.Load() {
		return transport.ErrNotRunning
	}
	data, err := mcp.EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	var errs []error
	for _, p := range peers {
		if err := p.write(data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.id, err))
		}
	}
	return errors.Join(errs...)
}
