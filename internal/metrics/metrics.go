// Package metrics holds the prometheus collectors of the transfer server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload kinds.
const (
	KindRaw       = "raw"
	KindMultipart = "multipart"
	KindForm      = "form"
)

// Outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeNotFound = "not_found"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FilesStored     *prometheus.CounterVec
	BytesStored     prometheus.Counter
	Downloads       *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FilesStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_files_stored_total",
				Help: "Files received, by upload kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		BytesStored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "transfer_bytes_stored_total",
				Help: "Bytes written to the blob store",
			},
		),
		Downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_downloads_total",
				Help: "Download requests, by outcome",
			},
			[]string{"outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "code"},
		),
	}
	reg.MustRegister(
		m.FilesStored,
		m.BytesStored,
		m.Downloads,
		m.RequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FileStored records one stored (or failed) file.
func (m *Metrics) FileStored(kind string, size int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.FilesStored.WithLabelValues(kind, OutcomeError).Inc()
		return
	}
	m.FilesStored.WithLabelValues(kind, OutcomeOK).Inc()
	m.BytesStored.Add(float64(size))
}

// Download records one download attempt.
func (m *Metrics) Download(outcome string) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(outcome).Inc()
}

// ObserveRequest records the duration of a finished request.
func (m *Metrics) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(elapsed.Seconds())
}
