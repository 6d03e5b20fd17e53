package autoscore

import (
	"time"

	"github.com/dmall00/opendarts-autoscore/internal/metrics"
	"github.com/dmall00/opendarts-autoscore/internal/session"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

// Engine is the single entry point the transports feed: every frame goes to
// the calibration tracker and then to the stabilizer, and manual corrections
// go to the same session state.
type Engine struct {
	store       *session.Store
	calibration *CalibrationTracker
	stabilizer  *DetectionStabilizer
	manual      *ManualAdjustmentSync
	metrics     *metrics.Metrics
}

// NewEngine wires the core components around store. m may be nil.
func NewEngine(store *session.Store, sink EventSink, th Thresholds, m *metrics.Metrics) *Engine {
	if sink == nil {
		sink = Discard
	}
	counted := countingSink{next: sink, metrics: m}
	turns := NewTurnSwitchDetector(th, m)
	m.TrackSessions(store.Len)

	return &Engine{
		store:       store,
		calibration: NewCalibrationTracker(store, counted, th),
		stabilizer:  NewDetectionStabilizer(store, turns, counted, th),
		manual:      NewManualAdjustmentSync(store, th),
		metrics:     m,
	}
}

// HandleFrame applies one decoded pipeline frame and reports whether the
// session's board is calibrated afterwards.
func (e *Engine) HandleFrame(frame types.Frame) bool {
	start := time.Now()
	calibrated := e.calibration.Evaluate(frame)
	e.stabilizer.Process(frame)
	e.metrics.FrameProcessed(frame.Kind, time.Since(start))
	return calibrated
}

// ApplyManual applies a THROW or REVERT from the scoring UI.
func (e *Engine) ApplyManual(adj types.ManualAdjustment) {
	e.manual.Apply(adj)
	e.metrics.ManualApplied(adj.Kind)
}

// Store exposes the session state for read-side APIs.
func (e *Engine) Store() *session.Store {
	return e.store
}
