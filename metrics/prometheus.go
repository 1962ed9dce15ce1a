package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every exported metric.
const Namespace = "opgate"

// Collector exports a Monitor as Prometheus metrics. Values are read from the
// monitor at scrape time.
type Collector struct {
	monitor *Monitor

	requestsTotal     *prometheus.Desc
	errorsTotal       *prometheus.Desc
	requestsPerMinute *prometheus.Desc
	responseAvg       *prometheus.Desc
	responseP95       *prometheus.Desc
	responseP99       *prometheus.Desc
	errorRate         *prometheus.Desc
	activeConnections *prometheus.Desc
	memoryUsage       *prometheus.Desc
	uptime            *prometheus.Desc
	healthStatus      *prometheus.Desc
	checkStatus       *prometheus.Desc
	custom            *prometheus.Desc
}

// NewCollector returns a Collector for m.
func NewCollector(m *Monitor) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, "", name), help, labels, nil)
	}
	return &Collector{
		monitor:           m,
		requestsTotal:     desc("requests_total", "Total number of requests served."),
		errorsTotal:       desc("errors_total", "Total number of requests answered with a 4xx or 5xx status."),
		requestsPerMinute: desc("requests_per_minute", "Requests completed in the last minute."),
		responseAvg:       desc("response_time_avg_ms", "Average response time over the sample window."),
		responseP95:       desc("response_time_p95_ms", "95th percentile response time over the sample window."),
		responseP99:       desc("response_time_p99_ms", "99th percentile response time over the sample window."),
		errorRate:         desc("error_rate_percent", "Share of failed requests in the sample window."),
		activeConnections: desc("active_connections", "Requests and streams currently in flight."),
		memoryUsage:       desc("memory_usage_mb", "Resident memory at the last probe."),
		uptime:            desc("uptime_seconds", "Seconds since the monitor started."),
		healthStatus:      desc("health_status", "Aggregate health: 0 healthy, 1 degraded, 2 unhealthy."),
		checkStatus:       desc("health_check_status", "Per check health: 0 healthy, 1 degraded, 2 unhealthy.", "check"),
		custom:            desc("custom_metric", "Custom gateway metrics.", "name"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsTotal
	ch <- c.errorsTotal
	ch <- c.requestsPerMinute
	ch <- c.responseAvg
	ch <- c.responseP95
	ch <- c.responseP99
	ch <- c.errorRate
	ch <- c.activeConnections
	ch <- c.memoryUsage
	ch <- c.uptime
	ch <- c.healthStatus
	ch <- c.checkStatus
	ch <- c.custom
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.monitor.Snapshot()
	checks := c.monitor.Checks()

	ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.CounterValue, float64(snap.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.errorsTotal, prometheus.CounterValue, float64(snap.TotalErrors))
	ch <- prometheus.MustNewConstMetric(c.requestsPerMinute, prometheus.GaugeValue, float64(snap.RequestsPerMinute))
	ch <- prometheus.MustNewConstMetric(c.responseAvg, prometheus.GaugeValue, snap.AverageResponseTimeMS)
	ch <- prometheus.MustNewConstMetric(c.responseP95, prometheus.GaugeValue, snap.P95ResponseTimeMS)
	ch <- prometheus.MustNewConstMetric(c.responseP99, prometheus.GaugeValue, snap.P99ResponseTimeMS)
	ch <- prometheus.MustNewConstMetric(c.errorRate, prometheus.GaugeValue, snap.ErrorRatePercent)
	ch <- prometheus.MustNewConstMetric(c.activeConnections, prometheus.GaugeValue, float64(snap.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(c.memoryUsage, prometheus.GaugeValue, snap.MemoryUsageMB)
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, snap.UptimeSeconds)
	ch <- prometheus.MustNewConstMetric(c.healthStatus, prometheus.GaugeValue, statusValue(Aggregate(checks)))

	for name, check := range checks {
		ch <- prometheus.MustNewConstMetric(c.checkStatus, prometheus.GaugeValue, statusValue(check.Status), name)
	}
	for name, value := range snap.Custom {
		ch <- prometheus.MustNewConstMetric(c.custom, prometheus.GaugeValue, value, name)
	}
}

func statusValue(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// NewRegistry returns a registry holding the monitor collector plus the Go
// runtime and process collectors.
func NewRegistry(m *Monitor) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus text exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
