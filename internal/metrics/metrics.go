// Package metrics exposes Prometheus counters for chunking, encoding, manifest appends
// and the HTTP origin.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	segmentsChunked *prometheus.CounterVec
	framesDropped   prometheus.Counter
	encodesTotal    *prometheus.CounterVec
	encodeDuration  *prometheus.HistogramVec
	appendsTotal    *prometheus.CounterVec
	channelEntries  *prometheus.GaugeVec
	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		segmentsChunked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semhls_segments_chunked_total",
			Help: "Total number of segments produced by the chunker",
		}, []string{"variant"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semhls_frames_dropped_total",
			Help: "Total number of trailing frames dropped because they did not fill a segment",
		}),
		encodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semhls_encodes_total",
			Help: "Total number of encoder invocations by outcome",
		}, []string{"profile", "variant", "outcome"}),
		encodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "semhls_encode_duration_seconds",
			Help:    "Wall time of a single encoder invocation",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"profile"}),
		appendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "semhls_manifest_appends_total",
			Help: "Total number of entries appended to channel playlists",
		}, []string{"channel"}),
		channelEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "semhls_channel_entries",
			Help: "Number of entries in each channel playlist",
		}, []string{"channel"}),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semhls_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "semhls_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
	}

	registry.MustRegister(
		m.segmentsChunked,
		m.framesDropped,
		m.encodesTotal,
		m.encodeDuration,
		m.appendsTotal,
		m.channelEntries,
		m.requestsTotal,
		m.errorsTotal,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// AddChunked records segments produced for a variant and the frames dropped.
func (m *Metrics) AddChunked(variant string, segments, dropped int) {
	if m == nil {
		return
	}
	m.segmentsChunked.WithLabelValues(variant).Add(float64(segments))
	m.framesDropped.Add(float64(dropped))
}

// ObserveEncode records one encoder invocation.
func (m *Metrics) ObserveEncode(profile, variant string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.encodesTotal.WithLabelValues(profile, variant, outcome).Inc()
	m.encodeDuration.WithLabelValues(profile).Observe(elapsed.Seconds())
}

// ObserveAppend records an append and the channel's resulting entry count.
func (m *Metrics) ObserveAppend(channel string, entries int) {
	if m == nil {
		return
	}
	m.appendsTotal.WithLabelValues(channel).Inc()
	m.channelEntries.WithLabelValues(channel).Set(float64(entries))
}

// SetChannelEntries sets the entry gauge for a channel.
func (m *Metrics) SetChannelEntries(channel string, entries int) {
	if m == nil {
		return
	}
	m.channelEntries.WithLabelValues(channel).Set(float64(entries))
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
