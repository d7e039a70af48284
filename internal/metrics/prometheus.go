package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the client's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Inbound stream
	FramesReceived  *prometheus.CounterVec
	FramesMalformed prometheus.Counter
	StrayChunks     prometheus.Counter

	// Connection
	ConnectionState   prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	ReconnectFailures prometheus.Counter

	// Exchanges
	Exchanges        *prometheus.CounterVec
	ExchangeDuration prometheus.Histogram

	// Audio
	PlaybackQueued  prometheus.Counter
	PlaybackDropped prometheus.Counter
	PlaybackErrors  prometheus.Counter

	// Transcription
	TranscriptionDuration prometheus.Histogram
	TranscriptionFailures prometheus.Counter
}

// New registers all collectors on a fresh registry so independent sessions
// and tests never collide on the default one.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_frames_received_total",
			Help: "Inbound chunks parsed, by chunk type",
		}, []string{"type"}),
		FramesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "assistant_frames_malformed_total",
			Help: "Inbound frames dropped because they could not be parsed",
		}),
		StrayChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "assistant_chunks_stray_total",
			Help: "Chunks dropped because no exchange was in flight",
		}),

		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "assistant_connection_state",
			Help: "0 disconnected, 1 connecting, 2 connected, 3 reconnecting",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "assistant_reconnect_attempts_total",
			Help: "Reconnection attempts started",
		}),
		ReconnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "assistant_reconnect_exhausted_total",
			Help: "Failure episodes that exhausted the retry budget",
		}),

		Exchanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_exchanges_total",
			Help: "Finished exchanges by outcome",
		}, []string{"outcome"}),
		ExchangeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "assistant_exchange_duration_seconds",
			Help:    "Time from exchange start to its terminal condition",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		PlaybackQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "assistant_playback_queued_total",
			Help: "Audio clips accepted for playback",
		}),
		PlaybackDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "assistant_playback_dropped_total",
			Help: "Audio clips dropped because the playback queue was full",
		}),
		PlaybackErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "assistant_playback_errors_total",
			Help: "Audio clips the player failed to render",
		}),

		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "assistant_transcription_duration_seconds",
			Help:    "Transcription round trip latency",
			Buckets: prometheus.DefBuckets,
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "assistant_transcription_failures_total",
			Help: "Transcription calls that failed",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collected metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
