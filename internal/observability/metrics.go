package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveCalls        prometheus.Gauge
	CallEvents         *prometheus.CounterVec
	LiveFrames         *prometheus.CounterVec
	DroppedAudio       *prometheus.CounterVec
	TranscriptTurns    *prometheus.CounterVec
	SetupLatency       prometheus.Histogram
	FirstAudioLatency  prometheus.Histogram
	PlaybackQueueDepth prometheus.Gauge

	window *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of live calls past setup.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		LiveFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_frames_total",
			Help:      "Live protocol frames by direction and type.",
		}, []string{"direction", "type"}),
		DroppedAudio: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio frames dropped by pipeline stage.",
		}, []string{"stage"}),
		TranscriptTurns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_turns_total",
			Help:      "Committed transcript turns by sender.",
		}, []string{"sender"}),
		SetupLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "setup_latency_ms",
			Help:      "Latency from transport open to SetupComplete in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from call open to first persona audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		PlaybackQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_queue_depth",
			Help:      "Persona audio buffers queued or scheduled for playback.",
		}),
		window: NewLatencyWindow(256),
	}
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.ActiveCalls.Inc()
}

func (m *Metrics) CallEnded() {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
}

func (m *Metrics) CallEvent(event string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
	m.window.ObserveIndicator(event)
}

func (m *Metrics) Frame(direction, frameType string) {
	if m == nil {
		return
	}
	m.LiveFrames.WithLabelValues(direction, frameType).Inc()
}

func (m *Metrics) AudioDropped(stage string) {
	if m == nil {
		return
	}
	m.DroppedAudio.WithLabelValues(stage).Inc()
}

func (m *Metrics) TranscriptTurn(sender string) {
	if m == nil {
		return
	}
	m.TranscriptTurns.WithLabelValues(sender).Inc()
}

func (m *Metrics) ObserveSetupLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.SetupLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe(StageSetup, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe(StageFirstAudio, float64(d.Milliseconds()))
}

func (m *Metrics) SetPlaybackQueueDepth(n int) {
	if m == nil {
		return
	}
	m.PlaybackQueueDepth.Set(float64(n))
}

// Latency returns the rolling latency snapshot served on the stats endpoint.
func (m *Metrics) Latency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
