package autoscore

import (
	"github.com/dmall00/opendarts-autoscore/internal/logger"
	"github.com/dmall00/opendarts-autoscore/internal/metrics"
	"github.com/dmall00/opendarts-autoscore/internal/session"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

// TurnSwitchDetector decides turn boundaries from the visible-dart count of
// recognized frames. Its memory lives in session.TurnTracker so it holds no
// per-session state of its own.
type TurnSwitchDetector struct {
	th      Thresholds
	metrics *metrics.Metrics
	log     logger.Module
}

// NewTurnSwitchDetector creates a detector for the given thresholds.
func NewTurnSwitchDetector(th Thresholds, m *metrics.Metrics) *TurnSwitchDetector {
	return &TurnSwitchDetector{
		th:      th,
		metrics: m,
		log:     logger.For("TurnSwitch"),
	}
}

// Observe folds the visible-dart count of a recognized frame into the
// tracker. A frame with darts is a successful recognition and clears the
// pipeline error counters.
func (d *TurnSwitchDetector) Observe(st *session.DetectionState, visible int) {
	t := &st.Turn
	if visible > 0 {
		t.EmptyFrames = 0
		t.RemovalSeen = false
		st.YoloErrors = 0
		st.MissingCalibrations = 0
	} else {
		t.EmptyFrames++
		if t.PreviousVisible > 0 {
			t.RemovalSeen = true
		}
	}
	t.PreviousVisible = visible
}

// DetectMissedDarts reports whether the board was cleared before the turn's
// darts were all confirmed, and how many misses must be synthesized to fill
// the turn. hadDartsBefore is false while the board-cleared gate is open and
// nothing has been confirmed yet.
func (d *TurnSwitchDetector) DetectMissedDarts(key types.SessionKey, st *session.DetectionState, visible int, hadDartsBefore bool) (bool, int) {
	confirmed := len(st.ConfirmedDarts)
	if visible > 0 || !hadDartsBefore || confirmed >= d.th.MaxDarts {
		return false, 0
	}
	if !st.Turn.RemovalSeen || st.Turn.EmptyFrames < d.th.EmptyFramesForClear {
		return false, 0
	}
	if d.pipelineUnstable(key, st) {
		return false, 0
	}
	missed := d.th.MaxDarts - confirmed
	d.log.Info("%s board cleared with %d confirmed darts, %d missed", key, confirmed, missed)
	return true, missed
}

// HandleThreeDartsState reports whether a session holding a full turn has
// seen its board cleared, which ends the turn.
func (d *TurnSwitchDetector) HandleThreeDartsState(key types.SessionKey, st *session.DetectionState, visible int) bool {
	if visible > 0 || st.Turn.EmptyFrames < d.th.EmptyFramesForClear {
		return false
	}
	return !d.pipelineUnstable(key, st)
}

// CheckMaximumDartsReached closes the board-cleared gate once the turn is full.
func (d *TurnSwitchDetector) CheckMaximumDartsReached(key types.SessionKey, st *session.DetectionState) {
	if len(st.ConfirmedDarts) >= d.th.MaxDarts && st.NewTurnAndBoardCleared {
		st.NewTurnAndBoardCleared = false
		d.log.Debug("%s reached %d darts, waiting for board clear", key, len(st.ConfirmedDarts))
	}
}

// ResetStateForNewTurn reopens the gate and clears error counters and tracker.
func (d *TurnSwitchDetector) ResetStateForNewTurn(st *session.DetectionState) {
	st.NewTurnAndBoardCleared = true
	st.YoloErrors = 0
	st.MissingCalibrations = 0
	st.Turn = session.TurnTracker{}
}

// pipelineUnstable vetoes a turn boundary when the detector has been failing
// too often for an empty board to mean anything. The veto spends the budget
// and restarts the empty streak.
func (d *TurnSwitchDetector) pipelineUnstable(key types.SessionKey, st *session.DetectionState) bool {
	errs := st.YoloErrors + st.MissingCalibrations
	if errs <= d.th.ErrorTolerance {
		return false
	}
	d.log.Warn("%s ignoring empty board after %d pipeline errors (%d yolo, %d calibration)",
		key, errs, st.YoloErrors, st.MissingCalibrations)
	d.metrics.TurnSwitchVetoed()
	st.YoloErrors = 0
	st.MissingCalibrations = 0
	st.Turn.EmptyFrames = 0
	return true
}
