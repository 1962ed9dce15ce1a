package main

import (
	"context"

	"github.com/localrivet/opgate/events"
)

// Custom metric names fed from the event bus.
const (
	metricRequestsFailed     = "requests_failed_total"
	metricStreamsExpired     = "streams_expired_total"
	metricOperationsExecuted = "operations_executed_total"
)

// observe subscribes the gateway's own listeners to its event bus: failed
// requests and expired streams are logged, and all three become custom
// counters in the monitor.
func (g *gateway) observe() []*events.Subscription {
	logger := g.logger.With("component", "events")
	return []*events.Subscription{
		events.Subscribe(g.bus, events.TopicRequestFailed, func(ctx context.Context, evt events.RequestFailedEvent) error {
			g.monitor.IncrementCustom(metricRequestsFailed, 1)
			logger.Warn("request failed", "method", evt.Method, "code", evt.Code, "error", evt.Error)
			return nil
		}),
		events.Subscribe(g.bus, events.TopicConnectionExpired, func(ctx context.Context, evt events.ClientDisconnectedEvent) error {
			g.monitor.IncrementCustom(metricStreamsExpired, 1)
			logger.Info("stream expired", "client_id", evt.ClientID, "connected_at", evt.ConnectedAt, "dropped", evt.Dropped)
			return nil
		}),
		events.Subscribe(g.bus, events.TopicOperationExecuted, func(ctx context.Context, evt events.OperationExecutedEvent) error {
			g.monitor.IncrementCustom(metricOperationsExecuted, 1)
			logger.Debug("operation executed", "operation", evt.Operation, "subject", evt.Subject, "duration", evt.Duration)
			return nil
		}),
	}
}
