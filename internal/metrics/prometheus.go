package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus exports read-path instrumentation and HTTP request metrics
// through its own registry
type Prometheus struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewPrometheus creates and registers the collectors under namespace
func NewPrometheus(namespace string) *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "read_path",
				Name:      "events_total",
				Help:      "Read path events by metric name.",
			},
			[]string{"metric"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "read_path",
				Name:      "stage_duration_seconds",
				Help:      "Duration of read path stages.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 17), // 1ms to ~65s
			},
			[]string{"stage"},
		),
		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
			},
			[]string{"method", "route"},
		),
	}

	p.registry.MustRegister(
		p.events,
		p.stageDuration,
		p.httpInFlight,
		p.httpRequests,
		p.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return p
}

// Registry exposes the underlying registry
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// StartTimer observes the stage duration when the returned func is called
func (p *Prometheus) StartTimer(name string) func() {
	start := time.Now()
	return func() {
		p.stageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// RecordMetric adds value to the event counter. Counters only move forward,
// so negative values are dropped.
func (p *Prometheus) RecordMetric(name string, value float64) {
	if value < 0 {
		return
	}
	p.events.WithLabelValues(name).Add(value)
}

// Handler returns an HTTP handler exposing the registered metrics
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one handled HTTP request
func (p *Prometheus) ObserveHTTP(method, route string, status int, d time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// TrackInFlight increments the in-flight gauge; call the returned func when done
func (p *Prometheus) TrackInFlight() func() {
	p.httpInFlight.Inc()
	return p.httpInFlight.Dec
}
