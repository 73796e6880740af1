// Package metrics exposes pipeline and HTTP counters on a private Prometheus registry.
// Every method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for HLSbrew.
type Metrics struct {
	registry       *prometheus.Registry
	referencesDone *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	stageSkips     *prometheus.CounterVec
	bytesFetched   prometheus.Counter
	uploads        *prometheus.CounterVec
	requestsTotal  prometheus.Counter
	errorsTotal    prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	referencesDone := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsbrew_references_processed_total",
		Help: "References processed, by terminal status",
	}, []string{"status"})
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hlsbrew_stage_duration_seconds",
		Help:    "Wall time of pipeline stages that did work",
		Buckets: prometheus.ExponentialBuckets(0.1, 3, 9),
	}, []string{"stage"})
	stageSkips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsbrew_stage_skips_total",
		Help: "Stages skipped because their output already existed",
	}, []string{"stage"})
	bytesFetched := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsbrew_fetched_bytes_total",
		Help: "Bytes streamed from video sources to disk",
	})
	uploads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsbrew_uploads_total",
		Help: "Object storage uploads, by status",
	}, []string{"status"})
	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsbrew_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsbrew_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		referencesDone,
		stageDuration,
		stageSkips,
		bytesFetched,
		uploads,
		requestsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:       registry,
		referencesDone: referencesDone,
		stageDuration:  stageDuration,
		stageSkips:     stageSkips,
		bytesFetched:   bytesFetched,
		uploads:        uploads,
		requestsTotal:  requestsTotal,
		errorsTotal:    errorsTotal,
	}
}

// Registry returns the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveReference counts a finished reference as "succeeded" or "failed".
func (m *Metrics) ObserveReference(err error) {
	if m == nil {
		return
	}
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	m.referencesDone.WithLabelValues(status).Inc()
}

// ObserveStage records how long a stage that did work took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IncStageSkip counts a stage skipped on an existing output.
func (m *Metrics) IncStageSkip(stage string) {
	if m == nil {
		return
	}
	m.stageSkips.WithLabelValues(stage).Inc()
}

// AddBytesFetched adds n fetched bytes.
func (m *Metrics) AddBytesFetched(n int64) {
	if m == nil {
		return
	}
	m.bytesFetched.Add(float64(n))
}

// ObserveUpload counts one upload by outcome.
func (m *Metrics) ObserveUpload(err error) {
	if m == nil {
		return
	}
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	m.uploads.WithLabelValues(status).Inc()
}

// ObserveRequest counts one HTTP response, and also counts it as an error when
// status is 4xx or 5xx. Zero is read as the implicit 200.
func (m *Metrics) ObserveRequest(status int) {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
	if status >= http.StatusBadRequest {
		m.errorsTotal.Inc()
	}
}

// Handler returns an http.Handler that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
