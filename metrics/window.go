package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultWindowSize is the number of request samples retained.
const DefaultWindowSize = 1000

// Sample is one completed request.
type Sample struct {
	Latency time.Duration
	Error   bool
}

// Window is a bounded FIFO of request samples plus the timestamps of the
// requests completed in the last minute.
type Window struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	samples []Sample
	head    int
	count   int
	minute  []time.Time
}

// NewWindow returns a window holding at most capacity samples.
func NewWindow(capacity int, clock clockwork.Clock) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Window{
		clock:   clock,
		samples: make([]Sample, capacity),
	}
}

// Record appends a sample, evicting the oldest one when full.
func (w *Window) Record(latency time.Duration, isError bool) {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	idx := (w.head + w.count) % len(w.samples)
	w.samples[idx] = Sample{Latency: latency, Error: isError}
	if w.count < len(w.samples) {
		w.count++
	} else {
		w.head = (w.head + 1) % len(w.samples)
	}

	w.minute = append(w.minute, now)
	w.pruneLocked(now)
}

// Len reports how many samples are retained.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Cap reports the window capacity.
func (w *Window) Cap() int {
	return len(w.samples)
}

// Samples returns the retained samples, oldest first.
func (w *Window) Samples() []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Sample, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.samples[(w.head+i)%len(w.samples)]
	}
	return out
}

// RequestsLastMinute counts requests completed within the last minute.
func (w *Window) RequestsLastMinute() int {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return len(w.minute)
}

func (w *Window) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(w.minute) && !w.minute[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.minute = append(w.minute[:0], w.minute[i:]...)
	}
}

// Stats summarizes a set of samples. Latencies are in milliseconds.
type Stats struct {
	Count            int
	Errors           int
	AverageMS        float64
	P50MS            float64
	P95MS            float64
	P99MS            float64
	ErrorRatePercent float64
}

// Summarize computes Stats over samples.
func Summarize(samples []Sample) Stats {
	s := Stats{Count: len(samples)}
	if len(samples) == 0 {
		return s
	}

	values := make([]float64, len(samples))
	var sum float64
	for i, sample := range samples {
		ms := float64(sample.Latency) / float64(time.Millisecond)
		values[i] = ms
		sum += ms
		if sample.Error {
			s.Errors++
		}
	}
	sort.Float64s(values)

	s.AverageMS = sum / float64(len(values))
	s.P50MS = percentileSorted(values, 50)
	s.P95MS = percentileSorted(values, 95)
	s.P99MS = percentileSorted(values, 99)
	s.ErrorRatePercent = float64(s.Errors) / float64(s.Count) * 100
	return s
}

// Percentile returns the p-th percentile of values using the index
// floor((p/100)*(n-1)). It returns 0 for an empty slice.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(p / 100 * float64(n-1)))
	if idx > n-1 {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
