// Package grpc exposes the gateway over gRPC.
//
// The listener serves the standard grpc.health.v1 service, whose status
// follows the health monitor, and a single unary method that carries raw
// JSON-RPC envelopes using the "jsonrpc" content-subtype.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/localrivet/opgate/events"
	"github.com/localrivet/opgate/mcp"
	"github.com/localrivet/opgate/metrics"
	"github.com/localrivet/opgate/security"
	"github.com/localrivet/opgate/transport"
)

const (
	// ServiceName is the gateway service registered on the server.
	ServiceName = "opgate.Gateway"
	// ExchangeMethod is the full name of the unary exchange method.
	ExchangeMethod = "/" + ServiceName + "/Exchange"

	// DefaultHealthInterval is how often the health service is refreshed.
	DefaultHealthInterval = 5 * time.Second
)

// GatewayServer is the server API of the gateway service.
type GatewayServer interface {
	Exchange(ctx context.Context, in *Frame) (*Frame, error)
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exchange", Handler: exchangeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "opgate/gateway",
}

func exchangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExchangeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).Exchange(ctx, req.(*Frame))
	}
	return interceptor(ctx, in, info, handler)
}

// Exchange sends one encoded envelope over conn and returns the encoded
// reply, which is empty for notifications.
func Exchange(ctx context.Context, conn grpc.ClientConnInterface, data []byte) ([]byte, error) {
	out := new(Frame)
	if err := conn.Invoke(ctx, ExchangeMethod, &Frame{Data: data}, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Option configures a Transport.
type Option func(*Transport)

// WithAuthenticator requires an authorization metadata entry on exchange calls.
func WithAuthenticator(a *security.Authenticator) Option {
	return func(t *Transport) {
		t.auth = a
	}
}

// WithMonitor sets the monitor mirrored by the health service.
func WithMonitor(m *metrics.Monitor) Option {
	return func(t *Transport) {
		t.monitor = m
	}
}

// WithHealthInterval sets how often the health service is refreshed.
func WithHealthInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.healthInterval = d
		}
	}
}

// WithShutdownTimeout bounds graceful shutdown when Start's context ends
// and when Shutdown gets a context without a deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.shutdownTimeout = d
	}
}

// WithServerOptions appends grpc server options.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(t *Transport) {
		t.serverOpts = append(t.serverOpts, opts...)
	}
}

// Transport implements transport.Transport as a gRPC listener.
type Transport struct {
	transport.BaseTransport
	addr           string
	auth           *security.Authenticator
	monitor        *metrics.Monitor
	health         *health.Server
	healthInterval time.Duration
	serverOpts     []grpc.ServerOption

	shutdownTimeout time.Duration

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	started  bool
	running  atomic.Bool
}

// NewTransport creates a gRPC transport listening on addr.
func NewTransport(addr string, opts ...Option) *Transport {
	t := &Transport{
		addr:           addr,
		health:         health.NewServer(),
		healthInterval: DefaultHealthInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.monitor == nil {
		t.monitor = metrics.NewMonitor()
	}
	return t
}

// Name identifies the transport.
func (t *Transport) Name() string {
	return "grpc"
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

// NewServer builds a grpc server with the gateway and health services
// registered for h. Start uses it; tests may serve it on any listener.
func (t *Transport) NewServer(h transport.Handler) *grpc.Server {
	opts := append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(t.authInterceptor)}, t.serverOpts...)
	s := grpc.NewServer(opts...)
	s.RegisterService(&gatewayServiceDesc, &gateway{t: t, h: h})
	healthpb.RegisterHealthServer(s, t.health)
	t.RefreshHealth()
	return s
}

// RefreshHealth copies the monitor status into the health service.
// Healthy and Degraded serve; Unhealthy does not.
func (t *Transport) RefreshHealth() {
	st := healthpb.HealthCheckResponse_SERVING
	if t.monitor.Status() == metrics.StatusUnhealthy {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	t.health.SetServingStatus("", st)
	t.health.SetServingStatus(ServiceName, st)
}

func (t *Transport) watchHealth(ctx context.Context) {
	ticker := t.monitor.Clock().NewTicker(t.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.RefreshHealth()
		}
	}
}

func (t *Transport) authInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
		return handler(ctx, req)
	}
	if t.auth == nil || !t.auth.Enabled() {
		return handler(security.WithIdentity(ctx, security.BypassIdentity("local")), req)
	}

	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}
	}
	id, err := t.auth.AuthenticateHeader(header)
	if err != nil {
		t.GetLogger().Warn("grpc call rejected", "method", info.FullMethod, "error", err)
		return nil, status.Error(codes.Unauthenticated, security.SanitizeAuthError(err))
	}
	return handler(security.WithIdentity(ctx, id), req)
}

type gateway struct {
	t *Transport
	h transport.Handler
}

func (g *gateway) Exchange(ctx context.Context, in *Frame) (*Frame, error) {
	start := g.t.monitor.Clock().Now()
	out, err := transport.Dispatch(ctx, g.h, in.Data)
	g.t.monitor.RecordRequest(g.t.monitor.Clock().Since(start), out == nil && err != nil)
	if err != nil {
		g.t.GetLogger().Warn("grpc exchange failed", "error", err)
		if out == nil {
			var fe *mcp.FramingError
			var pe *mcp.ProtocolError
			if errors.As(err, &fe) || errors.As(err, &pe) {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			return nil, status.Error(codes.Internal, "internal error")
		}
	}
	return &Frame{Data: out}, nil
}

// Start listens on addr and serves until ctx is done or Shutdown is called.
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
	server := t.NewServer(h)
	t.listener = listener
	t.server = server
	t.mu.Unlock()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go t.watchHealth(watchCtx)

	logger := t.GetLogger()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting gRPC server", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
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
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := transport.ShutdownContextWithin(context.WithoutCancel(ctx), t.shutdownTimeout)
		defer cancel()
		return t.Shutdown(shutdownCtx)
	}
}

// Shutdown marks the service NOT_SERVING and stops gracefully, forcing the
// stop when ctx ends first.
func (t *Transport) Shutdown(ctx context.Context) error {
	ctx, cancel := transport.ShutdownContextWithin(ctx, t.shutdownTimeout)
	defer cancel()

	t.mu.Lock()
	server := t.server
	t.mu.Unlock()
	if server == nil {
		return nil
	}

	t.health.Shutdown()
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		server.Stop()
		err = ctx.Err()
	}
	_ = events.Publish(t.Events(), events.TopicServerShutdown, events.ServerShutdownEvent{
		Transport:    t.Name(),
		ShutdownAt:   time.Now(),
		GracefulExit: err == nil,
	})
	return err
}

// Send is not supported: the gateway service has no server push.
func (t *Transport) Send(ctx context.Context, msg mcp.Message) error {
	if !t.running.Load() {
		return transport.ErrNotRunning
	}
	return transport.ErrPushUnsupported
}
