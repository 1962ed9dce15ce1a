package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/process"
)

// DefaultProbeInterval is how often the built-in checks are re-evaluated.
const DefaultProbeInterval = 30 * time.Second

// Built-in check names.
const (
	CheckEngine       = "engine"
	CheckMemory       = "memory_usage"
	CheckErrorRate    = "error_rate"
	CheckResponseTime = "response_time"
	CheckGoroutines   = "goroutines"
)

// LivenessFunc performs a trivial round trip against the operation engine.
type LivenessFunc func(ctx context.Context) error

// MemoryFunc returns the resident memory of the process in bytes.
type MemoryFunc func(ctx context.Context) (uint64, error)

// ProcessMemory reads the resident set size of the current process.
func ProcessMemory(ctx context.Context) (uint64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, fmt.Errorf("open process: %w", err)
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read memory info: %w", err)
	}
	return info.RSS, nil
}

// Prober periodically refreshes the built-in checks of a Monitor.
type Prober struct {
	monitor  *Monitor
	liveness LivenessFunc
	memory   MemoryFunc
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithInterval sets the probe interval.
func WithInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMemoryFunc replaces the memory reader.
func WithMemoryFunc(fn MemoryFunc) ProberOption {
	return func(p *Prober) {
		p.memory = fn
	}
}

// WithProbeLogger sets the logger.
func WithProbeLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// NewProber builds a Prober feeding monitor. liveness may be nil, in which
// case the engine check is not registered.
func NewProber(monitor *Monitor, liveness LivenessFunc, opts ...ProberOption) *Prober {
	p := &Prober{
		monitor:  monitor,
		liveness: liveness,
		memory:   ProcessMemory,
		interval: DefaultProbeInterval,
		clock:    monitor.Clock(),
		logger:   monitor.logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run probes once immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	p.ProbeOnce(ctx)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce evaluates all built-in checks.
func (p *Prober) ProbeOnce(ctx context.Context) {
	if p.liveness != nil {
		p.monitor.UpdateCheck(CheckEngine, p.checkEngine(ctx))
	}
	p.monitor.UpdateCheck(CheckMemory, p.checkMemory(ctx))

	stats := Summarize(p.monitor.Window().Samples())
	p.monitor.UpdateCheck(CheckErrorRate, p.checkErrorRate(stats))
	p.monitor.UpdateCheck(CheckResponseTime, p.checkResponseTime(stats))

	// informational only
	p.monitor.UpdateCheck(CheckGoroutines, Check{
		Status:      StatusHealthy,
		Message:     fmt.Sprintf("%d goroutines", runtime.NumGoroutine()),
		LastChecked: p.clock.Now(),
	})
}

func (p *Prober) checkEngine(ctx context.Context) Check {
	start := p.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := p.liveness(ctx)
	check := Check{
		Status:      StatusHealthy,
		Message:     "engine responding",
		LastChecked: p.clock.Now(),
		DurationMS:  msSince(p.clock, start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = "engine unavailable: " + err.Error()
	}
	return check
}

func (p *Prober) checkMemory(ctx context.Context) Check {
	start := p.clock.Now()
	rss, err := p.memory(ctx)
	if err != nil {
		p.logger.Warn("memory probe failed", "error", err)
		return Check{
			Status:      StatusDegraded,
			Message:     "memory usage unavailable",
			LastChecked: p.clock.Now(),
			DurationMS:  msSince(p.clock, start),
		}
	}

	mb := float64(rss) / (1024 * 1024)
	p.monitor.SetMemoryUsage(mb)

	limit := p.monitor.Thresholds().MemoryMB
	return Check{
		Status:      Tier(mb, limit, 1.5),
		Message:     fmt.Sprintf("memory usage %.1fMB (threshold %.0fMB)", mb, limit),
		LastChecked: p.clock.Now(),
		DurationMS:  msSince(p.clock, start),
	}
}

func (p *Prober) checkErrorRate(stats Stats) Check {
	limit := p.monitor.Thresholds().ErrorRatePercent
	return Check{
		Status:      Tier(stats.ErrorRatePercent, limit, 2),
		Message:     fmt.Sprintf("error rate %.2f%% over %d requests (threshold %.2f%%)", stats.ErrorRatePercent, stats.Count, limit),
		LastChecked: p.clock.Now(),
	}
}

func (p *Prober) checkResponseTime(stats Stats) Check {
	limit := float64(p.monitor.Thresholds().ResponseTime) / float64(time.Millisecond)
	return Check{
		Status:      Tier(stats.AverageMS, limit, 1.5),
		Message:     fmt.Sprintf("average response time %.1fms (threshold %.0fms)", stats.AverageMS, limit),
		LastChecked: p.clock.Now(),
	}
}

// Tier classifies value against threshold: above threshold*unhealthyFactor
// is Unhealthy, above threshold is Degraded. A non-positive threshold
// disables the check.
func Tier(value, threshold, unhealthyFactor float64) Status {
	switch {
	case threshold <= 0:
		return StatusHealthy
	case value > threshold*unhealthyFactor:
		return StatusUnhealthy
	case value > threshold:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func msSince(clock clockwork.Clock, start time.Time) float64 {
	return float64(clock.Since(start)) / float64(time.Millisecond)
}
