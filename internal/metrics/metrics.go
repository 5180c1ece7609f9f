// Package metrics exposes Prometheus collectors for the job lifecycle, the
// oracle and the HTTP surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaot623/trustgame/internal/domain"
	"github.com/xiaot623/trustgame/internal/queue"
)

const namespace = "trustgame"

// Collector owns a registry with every trust game metric.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted   *prometheus.CounterVec
	jobsSettled     *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	duplicateEvents prometheus.Counter
	oracleDuration  *prometheus.HistogramVec
	rateLimited     prometheus.Counter
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Oracle jobs enqueued, by kind.",
		}, []string{"kind"}),
		jobsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_settled_total",
			Help:      "Oracle jobs that reached a terminal state, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from submission to terminal state.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"kind"}),
		duplicateEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_terminal_events_total",
			Help:      "Terminal job events dropped because the job was already settled.",
		}),
		oracleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_duration_seconds",
			Help:      "Latency of oracle calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind", "result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected by the per-user rate limit.",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobsSubmitted,
		c.jobsSettled,
		c.jobDuration,
		c.duplicateEvents,
		c.oracleDuration,
		c.rateLimited,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (c *Collector) Gauge(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (c *Collector) JobSubmitted(kind domain.JobKind) {
	c.jobsSubmitted.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) JobSettled(kind domain.JobKind, outcome queue.EventType, elapsed time.Duration) {
	c.jobsSettled.WithLabelValues(string(kind), string(outcome)).Inc()
	c.jobDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (c *Collector) DuplicateEvent() {
	c.duplicateEvents.Inc()
}

// ObserveOracle records one oracle call.
func (c *Collector) ObserveOracle(kind domain.JobKind, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.oracleDuration.WithLabelValues(string(kind), result).Observe(elapsed.Seconds())
}

func (c *Collector) RateLimited() {
	c.rateLimited.Inc()
}
