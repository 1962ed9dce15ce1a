// Package metrics records request samples, connection counts and named
// health checks, and derives aggregate health and statistics from them.
package metrics

import (
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Status is the health of one check or of the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the last result of a named health check.
type Check struct {
	Status      Status    `json:"status"`
	Message     string    `json:"message"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  float64   `json:"duration_ms"`
}

// Thresholds drive the built-in checks.
type Thresholds struct {
	MemoryMB         float64
	ResponseTime     time.Duration
	ErrorRatePercent float64
}

// DefaultThresholds returns the standard limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryMB:         512,
		ResponseTime:     time.Second,
		ErrorRatePercent: 5,
	}
}

// Aggregate folds checks into one status: any Unhealthy wins, then any
// non-Healthy yields Degraded, otherwise Healthy.
func Aggregate(checks map[string]Check) Status {
	status := StatusHealthy
	for _, c := range checks {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusHealthy:
		default:
			status = StatusDegraded
		}
	}
	return status
}

// Monitor is the process wide health and metrics state.
// Counters are atomic; the sample window and the check map have their own locks.
type Monitor struct {
	clock      clockwork.Clock
	startedAt  time.Time
	version    string
	thresholds Thresholds
	logger     *slog.Logger

	totalRequests atomic.Uint64
	totalErrors   atomic.Uint64
	active        atomic.Int64
	memoryBits    atomic.Uint64

	window     *Window
	windowSize int

	checksMu sync.RWMutex
	checks   map[string]Check

	customMu sync.RWMutex
	custom   map[string]float64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock used for timestamps and the rolling minute.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// WithVersion sets the version reported by Health.
func WithVersion(version string) Option {
	return func(m *Monitor) {
		m.version = version
	}
}

// WithThresholds overrides the default thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) {
		m.thresholds = t
	}
}

// WithWindowSize overrides the sample window capacity.
func WithWindowSize(n int) Option {
	return func(m *Monitor) {
		m.windowSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor creates a Monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		clock:      clockwork.NewRealClock(),
		thresholds: DefaultThresholds(),
		checks:     make(map[string]Check),
		custom:     make(map[string]float64),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.window = NewWindow(m.windowSize, m.clock)
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	m.startedAt = m.clock.Now()
	return m
}

// Thresholds returns the thresholds in force.
func (m *Monitor) Thresholds() Thresholds {
	return m.thresholds
}

// Clock returns the monitor clock.
func (m *Monitor) Clock() clockwork.Clock {
	return m.clock
}

// RecordRequest records one completed request.
func (m *Monitor) RecordRequest(latency time.Duration, isError bool) {
	m.totalRequests.Add(1)
	if isError {
		m.totalErrors.Add(1)
	}
	m.window.Record(latency, isError)
}

// Window exposes the sample window.
func (m *Monitor) Window() *Window {
	return m.window
}

// IncrementConnections marks a request or stream as in flight.
func (m *Monitor) IncrementConnections() {
	m.active.Add(1)
}

// DecrementConnections marks a request or stream as finished.
func (m *Monitor) DecrementConnections() {
	m.active.Add(-1)
}

// ActiveConnections reports the in-flight count.
func (m *Monitor) ActiveConnections() int64 {
	return m.active.Load()
}

// SetMemoryUsage stores the last sampled resident memory in megabytes.
func (m *Monitor) SetMemoryUsage(mb float64) {
	m.memoryBits.Store(math.Float64bits(mb))
}

// MemoryUsage returns the last sampled resident memory in megabytes.
func (m *Monitor) MemoryUsage() float64 {
	return math.Float64frombits(m.memoryBits.Load())
}

// UpdateCheck stores the result of a named check. Last write wins.
func (m *Monitor) UpdateCheck(name string, check Check) {
	if check.LastChecked.IsZero() {
		check.LastChecked = m.clock.Now()
	}

	m.checksMu.Lock()
	prev, existed := m.checks[name]
	m.checks[name] = check
	m.checksMu.Unlock()

	if existed && prev.Status != check.Status {
		m.logger.Info("health check changed", "check", name, "from", prev.Status, "to", check.Status, "message", check.Message)
	}
}

// Checks returns a copy of the named checks.
func (m *Monitor) Checks() map[string]Check {
	m.checksMu.RLock()
	defer m.checksMu.RUnlock()

	out := make(map[string]Check, len(m.checks))
	for k, v := range m.checks {
		out[k] = v
	}
	return out
}

// Status returns the aggregate status of all checks.
func (m *Monitor) Status() Status {
	m.checksMu.RLock()
	defer m.checksMu.RUnlock()
	return Aggregate(m.checks)
}

// IncrementCustom adds delta to a custom metric.
func (m *Monitor) IncrementCustom(name string, delta float64) {
	m.customMu.Lock()
	m.custom[name] += delta
	m.customMu.Unlock()
}

// SetCustom sets a custom metric.
func (m *Monitor) SetCustom(name string, value float64) {
	m.customMu.Lock()
	m.custom[name] = value
	m.customMu.Unlock()
}

// Custom returns a copy of the custom metrics.
func (m *Monitor) Custom() map[string]float64 {
	m.customMu.RLock()
	defer m.customMu.RUnlock()

	out := make(map[string]float64, len(m.custom))
	for k, v := range m.custom {
		out[k] = v
	}
	return out
}

// Snapshot is the JSON body of /stats.
type Snapshot struct {
	TotalRequests         uint64             `json:"total_requests"`
	TotalErrors           uint64             `json:"total_errors"`
	RequestsPerMinute     int                `json:"requests_per_minute"`
	AverageResponseTimeMS float64            `json:"average_response_time_ms"`
	P50ResponseTimeMS     float64            `json:"p50_response_time_ms"`
	P95ResponseTimeMS     float64            `json:"p95_response_time_ms"`
	P99ResponseTimeMS     float64            `json:"p99_response_time_ms"`
	ErrorRatePercent      float64            `json:"error_rate_percent"`
	ActiveConnections     int64              `json:"active_connections"`
	MemoryUsageMB         float64            `json:"memory_usage_mb"`
	UptimeSeconds         float64            `json:"uptime_seconds"`
	SampleCount           int                `json:"sample_count"`
	Custom                map[string]float64 `json:"custom_metrics,omitempty"`
}

// Snapshot computes statistics over the current window.
func (m *Monitor) Snapshot() Snapshot {
	stats := Summarize(m.window.Samples())
	return Snapshot{
		TotalRequests:         m.totalRequests.Load(),
		TotalErrors:           m.totalErrors.Load(),
		RequestsPerMinute:     m.window.RequestsLastMinute(),
		AverageResponseTimeMS: stats.AverageMS,
		P50ResponseTimeMS:     stats.P50MS,
		P95ResponseTimeMS:     stats.P95MS,
		P99ResponseTimeMS:     stats.P99MS,
		ErrorRatePercent:      stats.ErrorRatePercent,
		ActiveConnections:     m.active.Load(),
		MemoryUsageMB:         m.MemoryUsage(),
		UptimeSeconds:         m.clock.Since(m.startedAt).Seconds(),
		SampleCount:           stats.Count,
		Custom:                m.Custom(),
	}
}

// HealthReport is the JSON body of /health.
type HealthReport struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Version       string           `json:"version"`
	Checks        map[string]Check `json:"checks"`
	Metrics       Snapshot         `json:"metrics"`
}

// Health returns the aggregate status with checks and metrics.
func (m *Monitor) Health() HealthReport {
	checks := m.Checks()
	return HealthReport{
		Status:        Aggregate(checks),
		Timestamp:     m.clock.Now().UTC(),
		UptimeSeconds: m.clock.Since(m.startedAt).Seconds(),
		Version:       m.version,
		Checks:        checks,
		Metrics:       m.Snapshot(),
	}
}

// ReadinessReport is the JSON body of /ready.
type ReadinessReport struct {
	Ready     bool             `json:"ready"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
}

// Readiness is ready only when every check is Healthy.
func (m *Monitor) Readiness() ReadinessReport {
	checks := m.Checks()
	ready := true
	for _, c := range checks {
		if c.Status != StatusHealthy {
			ready = false
			break
		}
	}
	return ReadinessReport{
		Ready:     ready,
		Timestamp: m.clock.Now().UTC(),
		Checks:    checks,
	}
}

// CheckNames returns the registered check names in sorted order.
func (m *Monitor) CheckNames() []string {
	m.checksMu.RLock()
	defer m.checksMu.RUnlock()

	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
