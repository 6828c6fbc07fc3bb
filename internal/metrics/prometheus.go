// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"livevoice/internal/domain"
)

var statuses = []domain.SessionStatus{
	domain.StatusDisconnected,
	domain.StatusConnecting,
	domain.StatusConnected,
	domain.StatusError,
}

// Metrics implements usecase.Metrics and wakeword.Metrics.
type Metrics struct {
	// Capture
	FramesSent    prometheus.Counter
	FramesDropped *prometheus.CounterVec

	// Playback
	ChunksScheduled prometheus.Counter
	ChunkSeconds    prometheus.Histogram
	ChunksDropped   *prometheus.CounterVec
	PlaybackQueue   prometheus.Gauge

	// Session
	SessionsStarted prometheus.Counter
	SessionsFailed  *prometheus.CounterVec
	Status          *prometheus.GaugeVec
	ConnectSeconds  prometheus.Histogram

	// Wake word
	WakeTriggers *prometheus.CounterVec
	WakeRestarts *prometheus.CounterVec

	// HTTP API
	HTTPRequests *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_capture_frames_sent_total",
			Help: "Microphone frames handed to the live session",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livevoice_capture_frames_dropped_total",
			Help: "Microphone frames dropped before reaching the live session",
		}, []string{"reason"}),

		ChunksScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_playback_chunks_scheduled_total",
			Help: "Model audio chunks placed on the playback timeline",
		}),
		ChunkSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livevoice_playback_chunk_seconds",
			Help:    "Duration of scheduled model audio chunks",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),
		ChunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livevoice_playback_chunks_dropped_total",
			Help: "Model audio chunks that could not be played",
		}, []string{"reason"}),
		PlaybackQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livevoice_playback_queued_seconds",
			Help: "Audio scheduled but not yet played",
		}),

		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_sessions_started_total",
			Help: "Live sessions that finished connecting",
		}),
		SessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livevoice_sessions_failed_total",
			Help: "Session failures by error code",
		}, []string{"code"}),
		Status: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livevoice_session_status",
			Help: "1 for the current session status, 0 otherwise",
		}, []string{"status"}),
		ConnectSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livevoice_connect_seconds",
			Help:    "Time from start request to a ready live session",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 9), // 100ms to ~25s
		}),

		WakeTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livevoice_wake_word_triggers_total",
			Help: "Sessions started by a wake phrase",
		}, []string{"phrase"}),
		WakeRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livevoice_wake_word_restarts_total",
			Help: "Wake word recognizer restarts",
		}, []string{"reason"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livevoice_http_requests_total",
			Help: "Control API requests",
		}, []string{"method", "path", "code"}),
	}
}

func (m *Metrics) FrameSent()                     { m.FramesSent.Inc() }
func (m *Metrics) FrameDropped(reason string)     { m.FramesDropped.WithLabelValues(reason).Inc() }
func (m *Metrics) ChunkDropped(reason string)     { m.ChunksDropped.WithLabelValues(reason).Inc() }
func (m *Metrics) SessionStarted()                { m.SessionsStarted.Inc() }
func (m *Metrics) PlaybackQueued(sec float64)     { m.PlaybackQueue.Set(sec) }
func (m *Metrics) ConnectLatency(d time.Duration) { m.ConnectSeconds.Observe(d.Seconds()) }

func (m *Metrics) ChunkScheduled(d time.Duration) {
	m.ChunksScheduled.Inc()
	m.ChunkSeconds.Observe(d.Seconds())
}

func (m *Metrics) SessionFailed(code domain.ErrorCode) {
	m.SessionsFailed.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) StatusChanged(status domain.SessionStatus) {
	for _, s := range statuses {
		value := 0.0
		if s == status {
			value = 1
		}
		m.Status.WithLabelValues(string(s)).Set(value)
	}
}

func (m *Metrics) WakeWordTriggered(phrase string) { m.WakeTriggers.WithLabelValues(phrase).Inc() }
func (m *Metrics) WakeWordRestarted(reason string) { m.WakeRestarts.WithLabelValues(reason).Inc() }

// HTTPRequest counts one control API request.
func (m *Metrics) HTTPRequest(method, path string, code int) {
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
}
