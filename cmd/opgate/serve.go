package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/localrivet/opgate/bridge"
	"github.com/localrivet/opgate/config"
	"github.com/localrivet/opgate/engine"
	"github.com/localrivet/opgate/events"
	"github.com/localrivet/opgate/metrics"
	"github.com/localrivet/opgate/security"
	"github.com/localrivet/opgate/server"
	"github.com/localrivet/opgate/transport"
	"github.com/localrivet/opgate/transport/grpc"
	httptransport "github.com/localrivet/opgate/transport/http"
	"github.com/localrivet/opgate/transport/stdio"
	"github.com/localrivet/opgate/transport/ws"
)

type serveFlags struct {
	transport string
	host      string
	port      int
	ws        bool
	grpc      bool
}

func newServeCmd(global *globalFlags) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operation engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := global.load(cmd)
			if err != nil {
				return err
			}
			flags.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&flags.transport, "transport", "t", "", "Transport: stdio, http or both")
	cmd.Flags().StringVar(&flags.host, "host", "", "HTTP listen host")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "HTTP listen port")
	cmd.Flags().BoolVar(&flags.ws, "ws", false, "Also serve WebSocket")
	cmd.Flags().BoolVar(&flags.grpc, "grpc", false, "Also serve gRPC")
	return cmd
}

// apply copies the flags the user set over cfg.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("transport") {
		cfg.Server.Transport = f.transport
	}
	if set("host") {
		cfg.HTTP.Host = f.host
	}
	if set("port") {
		cfg.HTTP.Port = f.port
	}
	if set("ws") {
		cfg.WS.Enabled = f.ws
	}
	if set("grpc") {
		cfg.GRPC.Enabled = f.grpc
	}
}

// gateway holds everything the transports share.
type gateway struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *events.Subject
	monitor   *metrics.Monitor
	auth      *security.Authenticator
	validator *security.Validator
	engine    *engine.Handle
	handler   *server.Handler
}

func newGateway(cfg *config.Config, logger *slog.Logger) *gateway {
	validator := security.NewValidator(cfg.Validation.Security())
	bus := events.NewSubject(events.WithLogger(logger))
	eng := engine.NewHandle()

	opts := []server.Option{
		server.WithVersion(version),
		server.WithValidator(validator),
		server.WithEvents(bus),
		server.WithLogger(logger),
	}
	if cfg.Server.Instructions != "" {
		opts = append(opts, server.WithInstructions(cfg.Server.Instructions))
	}

	return &gateway{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		monitor: metrics.NewMonitor(
			metrics.WithVersion(version),
			metrics.WithThresholds(cfg.Metrics.Thresholds()),
			metrics.WithWindowSize(cfg.Metrics.WindowSize),
			metrics.WithLogger(logger),
		),
		auth:      security.NewAuthenticator(cfg.Auth.Security()),
		validator: validator,
		engine:    eng,
		handler:   server.NewHandler(cfg.Server.Name, eng, opts...),
	}
}

// transports builds the configured transports. The HTTP transport, when
// present, is also returned so its streams can receive bridge pushes.
func (g *gateway) transports() ([]transport.Transport, *httptransport.Transport) {
	cfg := g.cfg
	var (
		out []transport.Transport
		web *httptransport.Transport
	)

	if cfg.Server.Transport == config.TransportStdio || cfg.Server.Transport == config.TransportBoth {
		out = append(out, stdio.NewTransport(stdio.WithMaxLineSize(cfg.Server.MaxLineSize)))
	}
	if cfg.Server.Transport == config.TransportHTTP || cfg.Server.Transport == config.TransportBoth {
		web = httptransport.NewTransport(cfg.HTTP.Addr(),
			httptransport.WithAuthenticator(g.auth),
			httptransport.WithValidator(g.validator),
			httptransport.WithMonitor(g.monitor),
			httptransport.WithCORSOrigins(cfg.HTTP.CORSOrigins...),
			httptransport.WithDebugErrors(cfg.Server.DebugErrors),
			httptransport.WithReadHeaderTimeout(cfg.HTTP.ReadHeaderTimeout),
			httptransport.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		)
		out = append(out, web)
	}
	if cfg.WS.Enabled {
		out = append(out, ws.NewTransport(cfg.WS.Addr(),
			ws.WithPath(cfg.WS.Path),
			ws.WithAuthenticator(g.auth),
			ws.WithMonitor(g.monitor),
			ws.WithMaxMessageSize(cfg.WS.MaxMessageSize),
			ws.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		))
	}
	if cfg.GRPC.Enabled {
		out = append(out, grpc.NewTransport(cfg.GRPC.Addr(),
			grpc.WithAuthenticator(g.auth),
			grpc.WithMonitor(g.monitor),
			grpc.WithHealthInterval(cfg.GRPC.HealthInterval),
			grpc.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		))
	}

	for _, t := range out {
		if b, ok := t.(interface {
			SetLogger(*slog.Logger)
			SetEvents(*events.Subject)
		}); ok {
			b.SetLogger(g.logger.With("transport", t.Name()))
			b.SetEvents(g.bus)
		}
	}
	return out, web
}

// sources builds the configured bridge sources.
func (g *gateway) sources() []bridge.Source {
	b := g.cfg.Bridge
	var out []bridge.Source
	if b.NATSSubject != "" {
		var opts []bridge.NATSOption
		if b.NATSQueue != "" {
			opts = append(opts, bridge.WithQueueGroup(b.NATSQueue))
		}
		out = append(out, bridge.NewNATSSource(b.NATSURL, b.NATSSubject, opts...))
	}
	if b.MQTTTopic != "" {
		opts := []bridge.MQTTOption{
			bridge.WithQoS(byte(b.MQTTQoS)),
			bridge.WithMQTTLogger(g.logger.With("component", "mqtt")),
		}
		if b.MQTTClientID != "" {
			opts = append(opts, bridge.WithClientID(b.MQTTClientID))
		}
		if b.MQTTUsername != "" {
			opts = append(opts, bridge.WithCredentials(b.MQTTUsername, b.MQTTPassword))
		}
		out = append(out, bridge.NewMQTTSource(b.MQTTBroker, b.MQTTTopic, opts...))
	}
	return out
}

func (g *gateway) liveness(ctx context.Context) error {
	return g.engine.Do(func(e engine.Engine) error {
		return e.Ping(ctx)
	})
}

// serve runs until ctx is done or every transport has stopped on its own,
// as stdio does at end of input.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	g := newGateway(cfg, logger)
	defer events.Complete(g.bus)
	g.observe()

	if err := g.engine.Init(ctx, engine.NewBuiltin()); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := g.engine.Close(closeCtx); err != nil {
			logger.Warn("engine close", "error", err)
		}
	}()

	ts, web := g.transports()
	if len(ts) == 0 {
		return errors.New("no transport configured")
	}
	group := transport.NewGroup(ts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egCtx := errgroup.WithContext(runCtx)

	eg.Go(func() error {
		defer cancel()
		return group.Start(egCtx, g.handler)
	})

	prober := metrics.NewProber(g.monitor, g.liveness,
		metrics.WithInterval(cfg.Metrics.ProbeInterval),
		metrics.WithProbeLogger(logger.With("component", "probe")),
	)
	eg.Go(func() error {
		return prober.Run(egCtx)
	})

	if sources := g.sources(); len(sources) > 0 {
		if web == nil {
			logger.Warn("bridge configured without the http transport, pushes are not forwarded")
		} else {
			br := bridge.New(web.Streams(), sources,
				bridge.WithLogger(logger),
				bridge.WithEvents(g.bus),
				bridge.WithMonitor(g.monitor),
			)
			eg.Go(func() error {
				return br.Run(egCtx)
			})
		}
	}

	logger.Info("opgate serving", "transports", group.Name(), "version", version)
	start := time.Now()
	err := eg.Wait()
	logger.Info("opgate stopped", "uptime", time.Since(start).Round(time.Second), "error", err)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
