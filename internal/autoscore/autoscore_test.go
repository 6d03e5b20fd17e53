package autoscore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dmall00/opendarts-autoscore/internal/session"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

var testKey = types.SessionKey{PlayerID: "p1", SessionID: "s1"}

type eventLog struct {
	mu     sync.Mutex
	events []types.Event
}

func (l *eventLog) Publish(e types.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) take() []types.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.events
	l.events = nil
	return out
}

func newTestEngine(t *testing.T) (*Engine, *eventLog) {
	t.Helper()
	log := &eventLog{}
	return NewEngine(session.NewStore(4), log, DefaultThresholds(), nil), log
}

func dart(x, y float64, score, multiplier int, confidence float64) types.DartDetection {
	return types.DartDetection{
		Multiplier:  multiplier,
		SingleValue: score,
		Position:    types.Point{X: x, Y: y},
		Confidence:  confidence,
	}
}

func board(darts ...types.DartDetection) types.Frame {
	return types.Frame{Key: testKey, Kind: types.FrameRecognized, Scored: true, Darts: darts}
}

func calibrated(dx float64) types.Frame {
	f := board()
	f.Calibration = []types.CalibrationPoint{
		{ClassID: 1, Position: types.Point{X: 0.10 + dx, Y: 0.20}},
		{ClassID: 2, Position: types.Point{X: 0.80 + dx, Y: 0.20}},
	}
	return f
}

func yoloError() types.Frame {
	return types.Frame{Key: testKey, Kind: types.FrameYoloError}
}

func throw(score, multiplier int) types.Event {
	return types.DartThrowDetected{Key: testKey, Multiplier: multiplier, Score: score, AutoScore: true}
}

func turnSwitch() types.Event {
	return types.TurnSwitchDetected{Key: testKey}
}

func requireEvents(t *testing.T, log *eventLog, want ...types.Event) {
	t.Helper()
	got := log.take()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func snapshot(t *testing.T, e *Engine) session.Snapshot {
	t.Helper()
	snap, ok := e.Store().Snapshot(testKey)
	if !ok {
		t.Fatalf("session %s missing", testKey)
	}
	return snap
}

func TestCalibrationConfirmedOnFifthFrame(t *testing.T) {
	e, log := newTestEngine(t)

	for i := 1; i <= 4; i++ {
		if e.HandleFrame(calibrated(0)) {
			t.Fatalf("frame %d reported calibrated too early", i)
		}
	}
	requireEvents(t, log)

	if !e.HandleFrame(calibrated(0)) {
		t.Fatalf("fifth consistent frame should report calibrated")
	}
	requireEvents(t, log, types.CalibrationChanged{Key: testKey, Calibrated: true})

	for i := 0; i < 3; i++ {
		if !e.HandleFrame(calibrated(0.001)) {
			t.Fatalf("board should stay calibrated")
		}
	}
	requireEvents(t, log)

	if got := snapshot(t, e).CalibrationSamples; got != 5 {
		t.Fatalf("history length = %d, want 5", got)
	}
}

func TestCalibrationLostAfterFiveDriftingFrames(t *testing.T) {
	e, log := newTestEngine(t)

	e.HandleFrame(calibrated(0))
	for i := 1; i <= 4; i++ {
		e.HandleFrame(calibrated(0.05 * float64(i)))
	}
	requireEvents(t, log)
	if got := snapshot(t, e).ConsecutiveFailedCalibrations; got != 4 {
		t.Fatalf("failed = %d, want 4", got)
	}

	e.HandleFrame(calibrated(0.25))
	requireEvents(t, log, types.CalibrationChanged{Key: testKey, Calibrated: false})

	snap := snapshot(t, e)
	if snap.CalibrationSamples != 0 || snap.ConsecutiveCalibrations != 0 || snap.ConsecutiveFailedCalibrations != 0 {
		t.Fatalf("calibration state not reset: %+v", snap)
	}
}

func TestCalibrationRecoversAfterLoss(t *testing.T) {
	e, log := newTestEngine(t)

	for i := 0; i < 5; i++ {
		e.HandleFrame(calibrated(0))
	}
	for i := 1; i <= 5; i++ {
		e.HandleFrame(calibrated(0.1 * float64(i)))
	}
	for i := 0; i < 5; i++ {
		e.HandleFrame(calibrated(0.3))
	}

	requireEvents(t, log,
		types.CalibrationChanged{Key: testKey, Calibrated: true},
		types.CalibrationChanged{Key: testKey, Calibrated: false},
		types.CalibrationChanged{Key: testKey, Calibrated: true},
	)
}

func TestCalibrationErrorFramesLeaveHistory(t *testing.T) {
	e, log := newTestEngine(t)

	for i := 0; i < 3; i++ {
		e.HandleFrame(calibrated(0))
	}
	for i := 0; i < 7; i++ {
		if e.HandleFrame(yoloError()) {
			t.Fatalf("error frame reported calibrated")
		}
	}
	requireEvents(t, log)

	snap := snapshot(t, e)
	if snap.CalibrationSamples != 3 {
		t.Fatalf("error frames dropped history: %+v", snap)
	}
	if snap.ConsecutiveCalibrations != 0 {
		t.Fatalf("consecutive = %d after error frames, want 0", snap.ConsecutiveCalibrations)
	}
	if snap.ConsecutiveFailedCalibrations != 7 {
		t.Fatalf("failed = %d, want 7", snap.ConsecutiveFailedCalibrations)
	}

	// A consistent frame clears the failure streak.
	e.HandleFrame(calibrated(0))
	snap = snapshot(t, e)
	if snap.ConsecutiveFailedCalibrations != 0 || snap.ConsecutiveCalibrations != 1 {
		t.Fatalf("counters after consistent frame: %+v", snap)
	}
}

func TestCalibrationStreakRestartsAfterDrift(t *testing.T) {
	e, log := newTestEngine(t)

	for i := 0; i < 3; i++ {
		e.HandleFrame(calibrated(0))
	}
	if e.HandleFrame(calibrated(0.05)) {
		t.Fatalf("drifted frame reported calibrated")
	}
	for i := 0; i < 2; i++ {
		if e.HandleFrame(calibrated(0)) {
			t.Fatalf("calibrated after %d frames of a new streak", i+1)
		}
	}
	requireEvents(t, log)
	if got := snapshot(t, e).ConsecutiveCalibrations; got != 2 {
		t.Fatalf("consecutive = %d, want 2", got)
	}

	for i := 0; i < 2; i++ {
		e.HandleFrame(calibrated(0))
	}
	requireEvents(t, log)
	if !e.HandleFrame(calibrated(0)) {
		t.Fatalf("fifth frame of the new streak should report calibrated")
	}
	requireEvents(t, log, types.CalibrationChanged{Key: testKey, Calibrated: true})
}

func TestCalibrationNeedsUnbrokenStreak(t *testing.T) {
	e, log := newTestEngine(t)

	// C,E,C,E,C,E,C,E,C
	for i := 0; i < 4; i++ {
		e.HandleFrame(calibrated(0))
		e.HandleFrame(yoloError())
	}
	if e.HandleFrame(calibrated(0)) {
		t.Fatalf("interleaved error frames still produced a calibrated board")
	}
	requireEvents(t, log)

	snap := snapshot(t, e)
	if snap.Calibrated || snap.ConsecutiveCalibrations != 1 {
		t.Fatalf("unexpected calibration state: %+v", snap)
	}
}

func TestCalibrationDriftWhileCalibratedDoesNotRepeat(t *testing.T) {
	e, log := newTestEngine(t)

	for i := 0; i < 5; i++ {
		e.HandleFrame(calibrated(0))
	}
	requireEvents(t, log, types.CalibrationChanged{Key: testKey, Calibrated: true})

	if e.HandleFrame(calibrated(0.05)) {
		t.Fatalf("drifted frame reported calibrated")
	}
	for i := 0; i < 6; i++ {
		if !e.HandleFrame(calibrated(0)) {
			t.Fatalf("board should stay calibrated after a single drift")
		}
	}
	requireEvents(t, log)
	if !snapshot(t, e).Calibrated {
		t.Fatalf("calibrated flag cleared without a loss")
	}
}

func TestFirstDartEmitsThrow(t *testing.T) {
	e, log := newTestEngine(t)

	e.HandleFrame(board(dart(0.5, 0.5, 20, 1, 0.9)))
	requireEvents(t, log, throw(20, 1))

	e.HandleFrame(board(dart(0.5, 0.5, 20, 1, 0.9)))
	requireEvents(t, log)

	if got := len(snapshot(t, e).ConfirmedDarts); got != 1 {
		t.Fatalf("confirmed = %d, want 1", got)
	}
}

func TestDedupBoundary(t *testing.T) {
	e, log := newTestEngine(t)

	e.HandleFrame(board(dart(0.5, 0.5, 20, 1, 0.9)))
	e.HandleFrame(board(dart(0.5, 0.5, 20, 1, 0.9), dart(0.5095, 0.5, 1, 1, 0.9)))
	requireEvents(t, log, throw(20, 1))

	e.HandleFrame(board(dart(0.5, 0.5, 20, 1, 0.9), dart(0.52, 0.5, 1, 3, 0.9)))
	requireEvents(t, log, throw(1, 3))
}

func TestSameDartTwiceInOneFrame(t *testing.T) {
	e, log := newTestEngine(t)

	e.HandleFrame(board(dart(0.3, 0.3, 5, 1, 0.8), dart(0.3001, 0.3, 5, 1, 0.8)))
	requireEvents(t, log, throw(5, 1))
}

func TestConfidenceGates(t *testing.T) {
	e, log := newTestEngine(t)

	e.HandleFrame(board(
		dart(0.1, 0.1, 20, 1, 0.1),
		dart(0.2, 0.2, 0, 1, 0.5),
	))
	requireEvents(t, log)

	e.HandleFrame(board(
		dart(0.1, 0.1, 20, 1, 0.11),
		dart(0.2, 0.2, 0, 1, 0.51),
	))
	requireEvents(t, log, throw(20, 1), throw(0, 1))
}

func TestAtMostThreeDartsPerTurn(t *testing.T) {
	e, log := newTestEngine(t)

	e.HandleFrame(board(
		dart(0.1, 0.1, 1, 1, 0.9),
		dart(0.2, 0.2, 2, 1, 0.9),
		dart(0.3, 0.3, 3, 1, 0.9),
		dart(0.4, 0.4, 4, 1, 0.9),
	))
	requireEvents(t, log, throw(1, 1), throw(2, 1), throw(3, 1))

	snap := snapshot(t, e)
	if len(snap.ConfirmedDarts) != 3 {
		t.Fatalf("confirmed = %d, want 3", len(snap.ConfirmedDarts))
	}
	if snap.BoardCleared {
		t.Fatalf("gate should close once the turn is full")
	}

	e.HandleFrame(board(dart(0.6, 0.6, 19, 2, 0.9)))
	requireEvents(t, log)
}

func TestTurnSwitchWhenBoardCleared(t *testing.T) {
	e, log := newTestEngine(t)

	e.HandleFrame(board(dart(0.1, 0.1, 20, 3, 0.9)))
	e.HandleFrame(board(dart(0.1, 0.1, 20, 3, 0.9), dart(0.2, 0.2, 20, 3, 0.9)))
	e.HandleFrame(board(dart(0.1, 0.1, 20, 3, 0.9), dart(0.2, 0.2, 20, 3, 0.9), dart(0.3, 0.3, 20, 3, 0.9)))
	requireEvents(t, log, throw(20, 3), throw(20, 3), throw(20, 3))

	e.HandleFrame(board())
	requireEvents(t, log, turnSwitch())

	snap := snapshot(t, e)
	if len(snap.ConfirmedDarts) != 0 || !snap.BoardCleared {
		t.Fatalf("state not reset for next turn: %+v", snap)
	}

	e.HandleFrame(board())
	requireEvents(t, log)

	e.HandleFrame(board(dart(0.1, 0.1, 20, 3, 0.9)))
	requireEvents(t, log, throw(20, 3))
}

func TestMissedDartsSynthesizedOnEarlyClear(t *testing.T) {
	e, log := newTestEngine(t)

	e.HandleFrame(board(dart(0.5, 0.5, 20, 1, 0.9)))
	e.HandleFrame(board())

	requireEvents(t, log, throw(20, 1), throw(0, 1), throw(0, 1), turnSwitch())
	if got := len(snapshot(t, e).ConfirmedDarts); got != 0 {
		t.Fatalf("confirmed = %d after turn switch", got)
	}
}

func TestMissPositions(t *testing.T) {
	store := session.NewStore(1)
	th := DefaultThresholds()
	turns := NewTurnSwitchDetector(th, nil)
	s := NewDetectionStabilizer(store, turns, nil, th)

	st := &session.DetectionState{NewTurnAndBoardCleared: true}
	s.registerMissedDarts(testKey, st, 2)
	want := []types.Point{{X: -1, Y: -1}, {X: -2, Y: -1}}
	if diff := cmp.Diff(want, st.ConfirmedDarts); diff != "" {
		t.Fatalf("miss sentinels mismatch (-want +got):\n%s", diff)
	}
}

func TestNoMissesWithoutConfirmedDarts(t *testing.T) {
	e, log := newTestEngine(t)

	// Low-confidence dart is seen but never confirmed.
	e.HandleFrame(board(dart(0.5, 0.5, 20, 1, 0.05)))
	e.HandleFrame(board())
	e.HandleFrame(board())
	requireEvents(t, log)
}

func TestErrorBudgetVetoesTurnSwitch(t *testing.T) {
	e, log := newTestEngine(t)

	e.HandleFrame(board(dart(0.1, 0.1, 1, 1, 0.9), dart(0.2, 0.2, 2, 1, 0.9), dart(0.3, 0.3, 3, 1, 0.9)))
	log.take()

	for i := 0; i < 16; i++ {
		e.HandleFrame(yoloError())
	}
	e.HandleFrame(board())
	requireEvents(t, log)
	if got := len(snapshot(t, e).ConfirmedDarts); got != 3 {
		t.Fatalf("vetoed switch must keep darts, got %d", got)
	}

	e.HandleFrame(board())
	requireEvents(t, log, turnSwitch())
}

func TestErrorBudgetAtTolerance(t *testing.T) {
	e, log := newTestEngine(t)

	e.HandleFrame(board(dart(0.1, 0.1, 1, 1, 0.9), dart(0.2, 0.2, 2, 1, 0.9), dart(0.3, 0.3, 3, 1, 0.9)))
	log.take()

	for i := 0; i < 10; i++ {
		e.HandleFrame(yoloError())
	}
	for i := 0; i < 5; i++ {
		e.HandleFrame(types.Frame{Key: testKey, Kind: types.FrameMissingCalibration})
	}
	e.HandleFrame(board())
	requireEvents(t, log, turnSwitch())
}

func TestManualRevertShrinksConfirmed(t *testing.T) {
	e, log := newTestEngine(t)

	e.HandleFrame(board(dart(0.1, 0.1, 1, 1, 0.9), dart(0.2, 0.2, 2, 1, 0.9)))
	log.take()

	e.ApplyManual(types.ManualAdjustment{Key: testKey, Kind: types.AdjustmentRevert})
	requireEvents(t, log)

	want := []types.Point{{X: 0.1, Y: 0.1}}
	if diff := cmp.Diff(want, snapshot(t, e).ConfirmedDarts); diff != "" {
		t.Fatalf("confirmed mismatch (-want +got):\n%s", diff)
	}
}

func TestManualThrowFillsTurn(t *testing.T) {
	e, log := newTestEngine(t)

	e.HandleFrame(board(dart(0.1, 0.1, 1, 1, 0.9), dart(0.2, 0.2, 2, 1, 0.9)))
	log.take()

	e.ApplyManual(types.ManualAdjustment{Key: testKey, Kind: types.AdjustmentThrow})
	e.ApplyManual(types.ManualAdjustment{Key: testKey, Kind: types.AdjustmentThrow})
	requireEvents(t, log)

	snap := snapshot(t, e)
	want := []types.Point{{X: 0.1, Y: 0.1}, {X: 0.2, Y: 0.2}, ManualPlaceholder}
	if diff := cmp.Diff(want, snap.ConfirmedDarts); diff != "" {
		t.Fatalf("confirmed mismatch (-want +got):\n%s", diff)
	}

	e.HandleFrame(board())
	requireEvents(t, log, turnSwitch())
}

func TestManualRevertOnEmptyTurn(t *testing.T) {
	e, log := newTestEngine(t)

	e.ApplyManual(types.ManualAdjustment{Key: testKey, Kind: types.AdjustmentRevert})
	requireEvents(t, log)
	if got := len(snapshot(t, e).ConfirmedDarts); got != 0 {
		t.Fatalf("confirmed = %d", got)
	}
}

func TestRevertKeepsGateClosed(t *testing.T) {
	e, log := newTestEngine(t)

	full := board(dart(0.1, 0.1, 1, 1, 0.9), dart(0.2, 0.2, 2, 1, 0.9), dart(0.3, 0.3, 3, 1, 0.9))
	e.HandleFrame(full)
	log.take()

	e.ApplyManual(types.ManualAdjustment{Key: testKey, Kind: types.AdjustmentRevert})
	e.HandleFrame(full)
	requireEvents(t, log)
}

func TestRejectedAndUnscoredFrames(t *testing.T) {
	e, log := newTestEngine(t)

	e.HandleFrame(types.Frame{Key: testKey, Kind: types.FrameRejected})
	if e.Store().Len() != 0 {
		t.Fatalf("rejected frame created session state")
	}

	e.HandleFrame(types.Frame{Key: testKey, Kind: types.FrameRecognized})
	requireEvents(t, log)
	if snap := snapshot(t, e); snap.VisibleDarts != 0 || len(snap.ConfirmedDarts) != 0 {
		t.Fatalf("unscored frame changed detection state: %+v", snap)
	}
}

func TestSessionsDoNotInterfere(t *testing.T) {
	e, log := newTestEngine(t)
	other := types.SessionKey{PlayerID: "p2", SessionID: "s1"}

	e.HandleFrame(board(dart(0.5, 0.5, 20, 1, 0.9)))
	f := board(dart(0.5, 0.5, 20, 1, 0.9))
	f.Key = other
	e.HandleFrame(f)

	requireEvents(t, log,
		throw(20, 1),
		types.DartThrowDetected{Key: other, Multiplier: 1, Score: 20, AutoScore: true},
	)
}

func TestConcurrentSessionsKeepInvariant(t *testing.T) {
	log := &eventLog{}
	e := NewEngine(session.NewStore(8), log, DefaultThresholds(), nil)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		key := types.SessionKey{PlayerID: fmt.Sprintf("p%d", p), SessionID: "game"}
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					f := types.Frame{Key: key, Kind: types.FrameRecognized, Scored: true}
					for d := 0; d <= (i+w)%5; d++ {
						f.Darts = append(f.Darts, dart(0.1*float64(d+1), 0.05*float64(w), 20, 1, 0.9))
					}
					e.HandleFrame(f)
					if i%7 == 0 {
						e.ApplyManual(types.ManualAdjustment{Key: key, Kind: types.AdjustmentThrow})
					}
				}
			}(w)
		}
	}
	wg.Wait()

	for _, key := range e.Store().Keys() {
		snap, _ := e.Store().Snapshot(key)
		if len(snap.ConfirmedDarts) > 3 {
			t.Fatalf("%s holds %d confirmed darts", key, len(snap.ConfirmedDarts))
		}
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("default thresholds invalid: %v", err)
	}
	bad := DefaultThresholds()
	bad.MaxDarts = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for max_darts_per_turn=0")
	}
	bad = DefaultThresholds()
	bad.Similarity = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for similarity=0")
	}
}
