// Package metrics exposes Prometheus metrics for the interview gateway. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Live session metrics
	LiveSessionsActive  prometheus.Gauge
	LiveSessionsTotal   *prometheus.CounterVec
	LiveSessionDuration *prometheus.HistogramVec
	LiveAudioBytesTotal *prometheus.CounterVec
	InterruptionsTotal  *prometheus.CounterVec
	StaleDeltasDropped  *prometheus.CounterVec

	// Transcript metrics
	TranscriptEntries *prometheus.CounterVec
	StoreFailures     *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_interview"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"route"},
	)

	liveSessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions_active",
			Help:      "Number of live sessions currently connected",
		},
	)

	liveSessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_sessions_total",
			Help:      "Total number of live sessions by final state",
		},
		[]string{"state"},
	)

	liveSessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "live_session_duration_seconds",
			Help:      "Live session duration in seconds",
			Buckets:   []float64{5, 30, 60, 120, 300, 600, 900, 1800},
		},
		[]string{"mode"},
	)

	liveAudioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_audio_bytes_total",
			Help:      "Total audio bytes relayed in live sessions",
		},
		[]string{"direction"},
	)

	interruptionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_interruptions_total",
			Help:      "Agent turns cut short, by trigger",
		},
		[]string{"reason"},
	)

	staleDeltasDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_stale_deltas_dropped_total",
			Help:      "Engine deltas dropped because their turn was fenced or superseded",
		},
		[]string{"kind"},
	)

	transcriptEntries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_entries_total",
			Help:      "Transcript entries emitted by speaker",
		},
		[]string{"speaker"},
	)

	storeFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Persistent store operations that failed",
		},
		[]string{"op"},
	)

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		liveSessionsActive,
		liveSessionsTotal,
		liveSessionDuration,
		liveAudioBytesTotal,
		interruptionsTotal,
		staleDeltasDropped,
		transcriptEntries,
		storeFailures,
	)

	return &Metrics{
		registry:            registry,
		RequestsTotal:       requestsTotal,
		RequestDuration:     requestDuration,
		LiveSessionsActive:  liveSessionsActive,
		LiveSessionsTotal:   liveSessionsTotal,
		LiveSessionDuration: liveSessionDuration,
		LiveAudioBytesTotal: liveAudioBytesTotal,
		InterruptionsTotal:  interruptionsTotal,
		StaleDeltasDropped:  staleDeltasDropped,
		TranscriptEntries:   transcriptEntries,
		StoreFailures:       storeFailures,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordRequest(route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) RecordLiveSessionStart() {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Inc()
}

// RecordLiveSessionEnd records a session reaching a terminal state.
func (m *Metrics) RecordLiveSessionEnd(mode, state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Dec()
	m.LiveSessionsTotal.WithLabelValues(state).Inc()
	if mode == "" {
		mode = "none"
	}
	m.LiveSessionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordLiveAudio records audio bytes; direction is "in" or "out".
func (m *Metrics) RecordLiveAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.LiveAudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordInterruption(reason string) {
	if m == nil {
		return
	}
	m.InterruptionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordStaleDelta(kind string) {
	if m == nil {
		return
	}
	m.StaleDeltasDropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordTranscriptEntry(speaker string) {
	if m == nil {
		return
	}
	m.TranscriptEntries.WithLabelValues(speaker).Inc()
}

func (m *Metrics) RecordStoreFailure(op string) {
	if m == nil {
		return
	}
	m.StoreFailures.WithLabelValues(op).Inc()
}
