// Package observability holds the Prometheus instruments and log setup shared
// by the engine and the CLI.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the instruments one engine reports to.
type Metrics struct {
	registry *prometheus.Registry

	EventsSent        *prometheus.CounterVec
	EventsReceived    *prometheus.CounterVec
	ProtocolErrors    prometheus.Counter
	EventsDropped     prometheus.Counter
	BargeIns          prometheus.Counter
	PlaybackFlushed   prometheus.Counter
	CaptureDropped    prometheus.Counter
	ToolCalls         *prometheus.CounterVec
	ToolLatency       prometheus.Histogram
	OpenContentBlocks prometheus.Gauge
	MicLevel          prometheus.Gauge
	FirstAudioLatency prometheus.Histogram
}

// NewMetrics registers the instruments on a fresh registry so several
// engines can live in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		EventsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_sent_total",
			Help:      "Protocol events written to the duplex stream by kind.",
		}, []string{"kind"}),
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Protocol events read from the duplex stream by kind.",
		}, []string{"kind"}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Inbound frames skipped because they were malformed or unexpected.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_dropped_total",
			Help:      "Session events discarded because the event buffer was full.",
		}),
		BargeIns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Interruption signals received from the remote side.",
		}),
		PlaybackFlushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_flushed_total",
			Help:      "Queued playback chunks discarded on barge-in.",
		}),
		CaptureDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_dropped_total",
			Help:      "Captured chunks evicted from a full send queue.",
		}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_latency_ms",
			Help:      "Tool execution time in milliseconds.",
			Buckets:   []float64{1, 5, 25, 100, 250, 500, 1000, 2500, 5000},
		}),
		OpenContentBlocks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_content_blocks",
			Help:      "Content blocks currently open in either direction.",
		}),
		MicLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mic_level_rms",
			Help:      "RMS level of the last captured chunk.",
		}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from the last user content to the first assistant audio chunk.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
	}
}

func (m *Metrics) ObserveToolCall(tool string, failed bool, d time.Duration) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// Registry exposes the underlying registry, e.g. to merge with process
// collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves this engine's metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
