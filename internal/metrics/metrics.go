package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

// Metrics holds all application metrics. All methods are safe on a nil
// receiver so components can run without a registry in tests.
type Metrics struct {
	// Transport state
	PipelineConnected atomic.Uint64 // 0 = disconnected, 1 = connected
	PipelineMessages  atomic.Uint64
	DecodeErrors      atomic.Uint64

	// Fan-out tracking
	ActiveSubscribers atomic.Uint64
	ActiveClients     atomic.Uint64
	TotalClients      atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingFrames atomic.Uint64
	RecordingBytes  atomic.Uint64

	// Latency tracking
	ProcessLatencyUs atomic.Uint64 // Last frame processing latency in µs

	frames       *prometheus.CounterVec
	events       *prometheus.CounterVec
	manual       *prometheus.CounterVec
	sinkDrops    *prometheus.CounterVec
	errorBudget  prometheus.Counter
	processHisto prometheus.Histogram

	sessions atomic.Pointer[func() int]

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscore_frames_total",
		Help: "Vision pipeline frames processed, by kind",
	}, []string{"kind"})

	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscore_events_total",
		Help: "Events emitted by the autoscore core, by type",
	}, []string{"type"})

	m.manual = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscore_manual_adjustments_total",
		Help: "Manual THROW/REVERT adjustments applied",
	}, []string{"kind"})

	m.sinkDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscore_sink_dropped_total",
		Help: "Events dropped by an outbound sink",
	}, []string{"sink"})

	m.errorBudget = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autoscore_turn_switch_vetoed_total",
		Help: "Turn switches suppressed because the pipeline error budget was exceeded",
	})

	m.processHisto = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autoscore_frame_process_seconds",
		Help:    "Time spent applying one frame to session state",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
	})

	m.registry.MustRegister(m.frames, m.events, m.manual, m.sinkDrops, m.errorBudget, m.processHisto)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "autoscore_pipeline_connected",
			Help: "Vision pipeline connection state (0=down, 1=up)",
		},
		func() float64 { return float64(m.PipelineConnected.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "autoscore_pipeline_messages_total",
			Help: "Total messages read from the vision pipeline",
		},
		func() float64 { return float64(m.PipelineMessages.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "autoscore_decode_errors_total",
			Help: "Total pipeline messages rejected at decode",
		},
		func() float64 { return float64(m.DecodeErrors.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "autoscore_active_subscribers",
			Help: "Number of SSE and data-channel event subscribers",
		},
		func() float64 { return float64(m.ActiveSubscribers.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "autoscore_active_clients",
			Help: "Number of active WebRTC clients",
		},
		func() float64 { return float64(m.ActiveClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "autoscore_total_clients",
			Help: "Total WebRTC clients connected",
		},
		func() float64 { return float64(m.TotalClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "autoscore_recording_active",
			Help: "Recording active (0=inactive, 1=active)",
		},
		func() float64 { return float64(m.RecordingActive.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "autoscore_recording_frames",
			Help: "Total frames written to recording",
		},
		func() float64 { return float64(m.RecordingFrames.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "autoscore_recording_bytes",
			Help: "Total compressed bytes written to recording",
		},
		func() float64 { return float64(m.RecordingBytes.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "autoscore_process_latency_us",
			Help: "Last frame processing latency in microseconds",
		},
		func() float64 { return float64(m.ProcessLatencyUs.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "autoscore_sessions",
			Help: "Number of live (player, session) states",
		},
		func() float64 {
			if fn := m.sessions.Load(); fn != nil {
				return float64((*fn)())
			}
			return 0
		},
	))
}

// TrackSessions installs the source for the live-session gauge.
func (m *Metrics) TrackSessions(count func() int) {
	if m == nil || count == nil {
		return
	}
	m.sessions.Store(&count)
}

// FrameProcessed counts a frame and records how long it took to apply.
func (m *Metrics) FrameProcessed(kind types.FrameKind, took time.Duration) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind.String()).Inc()
	m.processHisto.Observe(took.Seconds())
	m.ProcessLatencyUs.Store(uint64(took.Microseconds()))
}

// EventEmitted counts an outbound event.
func (m *Metrics) EventEmitted(t types.EventType) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(t)).Inc()
}

// ManualApplied counts a manual adjustment.
func (m *Metrics) ManualApplied(kind types.AdjustmentKind) {
	if m == nil {
		return
	}
	m.manual.WithLabelValues(kind.String()).Inc()
}

// SinkDropped counts an event a sink could not deliver.
func (m *Metrics) SinkDropped(sink string) {
	if m == nil {
		return
	}
	m.sinkDrops.WithLabelValues(sink).Inc()
}

// TurnSwitchVetoed counts a suppressed turn switch.
func (m *Metrics) TurnSwitchVetoed() {
	if m == nil {
		return
	}
	m.errorBudget.Inc()
}

// SetPipelineConnected flips the pipeline connection gauge.
func (m *Metrics) SetPipelineConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.PipelineConnected.Store(1)
	} else {
		m.PipelineConnected.Store(0)
	}
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
