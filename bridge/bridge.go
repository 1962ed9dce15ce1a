// Package bridge forwards messages published on a broker to every open
// event stream.
//
// Payloads must be JSON-RPC envelopes. Each one is re-encoded and queued as
// a "notification" event, so broker publishers can push to stream clients
// without a connection of their own.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/localrivet/opgate/events"
	"github.com/localrivet/opgate/mcp"
	"github.com/localrivet/opgate/metrics"
	"github.com/localrivet/opgate/transport/sse"
)

// Source produces payloads from one broker subscription. Run blocks until
// ctx is done and returns nil on a clean stop.
type Source interface {
	Name() string
	Topic() string
	Run(ctx context.Context, deliver func([]byte)) error
}

// Broadcaster queues an event for every connected stream and reports how
// many accepted it. *sse.Manager implements it.
type Broadcaster interface {
	Broadcast(ev sse.Event) int
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithEvents publishes a PushReceivedEvent for every forwarded payload.
func WithEvents(s *events.Subject) Option {
	return func(b *Bridge) {
		b.events = s
	}
}

// WithMonitor counts forwarded and rejected payloads in m.
func WithMonitor(m *metrics.Monitor) Option {
	return func(b *Bridge) {
		b.monitor = m
	}
}

// Bridge fans broker payloads out to a Broadcaster.
type Bridge struct {
	out     Broadcaster
	sources []Source
	logger  *slog.Logger
	events  *events.Subject
	monitor *metrics.Monitor
}

// New creates a bridge delivering payloads from sources to out.
func New(out Broadcaster, sources []Source, opts ...Option) *Bridge {
	b := &Bridge{
		out:     out,
		sources: sources,
		logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge")
	return b
}

// Sources returns the configured sources.
func (b *Bridge) Sources() []Source {
	return b.sources
}

// Forward validates payload and queues it for every stream. It returns the
// number of streams that accepted it.
func (b *Bridge) Forward(src Source, payload []byte) (int, error) {
	env, err := mcp.Decode(payload)
	if err != nil {
		b.count("bridge_rejected_total")
		b.logger.Warn("dropping push", "source", src.Name(), "topic", src.Topic(), "error", err)
		return 0, err
	}
	data, err := mcp.Encode(env)
	if err != nil {
		b.count("bridge_rejected_total")
		return 0, err
	}

	n := b.out.Broadcast(sse.Event{Name: sse.EventNotification, Data: data})
	b.count("bridge_forwarded_total")
	_ = events.Publish(b.events, events.TopicPushReceived, events.PushReceivedEvent{
		Source:    src.Name(),
		Topic:     src.Topic(),
		Size:      len(payload),
		Delivered: n,
	})
	b.logger.Debug("push forwarded", "source", src.Name(), "topic", src.Topic(), "delivered", n)
	return n, nil
}

func (b *Bridge) count(name string) {
	if b.monitor != nil {
		b.monitor.IncrementCustom(name, 1)
	}
}

// Run runs every source until ctx is done. The first source failure stops
// the others and is returned.
func (b *Bridge) Run(ctx context.Context) error {
	if len(b.sources) == 0 {
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range b.sources {
		g.Go(func() error {
			b.logger.Info("bridge source starting", "source", src.Name(), "topic", src.Topic())
			err := src.Run(gctx, func(payload []byte) {
				_, _ = b.Forward(src, payload)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Error("bridge source failed", "source", src.Name(), "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
