package autoscore

import (
	"fmt"
	"strings"

	"github.com/dmall00/opendarts-autoscore/internal/logger"
	"github.com/dmall00/opendarts-autoscore/internal/session"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

// DetectionStabilizer turns noisy per-frame dart detections into at most one
// throw event per physical dart and drives the turn cycle.
type DetectionStabilizer struct {
	store *session.Store
	turns *TurnSwitchDetector
	sink  EventSink
	th    Thresholds
	log   logger.Module
}

// NewDetectionStabilizer creates a stabilizer publishing throw and turn events to sink.
func NewDetectionStabilizer(store *session.Store, turns *TurnSwitchDetector, sink EventSink, th Thresholds) *DetectionStabilizer {
	if sink == nil {
		sink = Discard
	}
	return &DetectionStabilizer{
		store: store,
		turns: turns,
		sink:  sink,
		th:    th,
		log:   logger.For("Stabilizer"),
	}
}

// Process applies one frame to its session.
func (s *DetectionStabilizer) Process(frame types.Frame) {
	if frame.Kind == types.FrameRejected {
		s.log.Info("%s invalid autoscore result received: %s", frame.Key, frame.Message)
		return
	}
	s.store.Do(frame.Key, func(st *session.State) {
		s.process(frame, &st.Detection)
	})
}

func (s *DetectionStabilizer) process(frame types.Frame, st *session.DetectionState) {
	switch frame.Kind {
	case types.FrameYoloError:
		st.YoloErrors++
		return
	case types.FrameMissingCalibration:
		st.MissingCalibrations++
		return
	}
	if !frame.Scored {
		return
	}

	key := frame.Key
	visible := len(frame.Darts)
	s.log.Debug("%s recognized %d darts on board: [%s]", key, visible, describeDarts(frame.Darts))
	s.turns.Observe(st, visible)

	if len(st.ConfirmedDarts) >= s.th.MaxDarts {
		s.handleThreeDarts(key, st, visible)
		return
	}

	hadDartsBefore := !st.NewTurnAndBoardCleared || len(st.ConfirmedDarts) > 0
	if missed, count := s.turns.DetectMissedDarts(key, st, visible, hadDartsBefore); missed {
		s.registerMissedDarts(key, st, count)
		s.turns.CheckMaximumDartsReached(key, st)
		s.handleThreeDarts(key, st, visible)
		return
	}

	if !st.NewTurnAndBoardCleared {
		s.log.Debug("%s waiting for board to clear before accepting new darts", key)
		return
	}
	s.registerNewDarts(key, st, frame.Darts)
}

func (s *DetectionStabilizer) registerNewDarts(key types.SessionKey, st *session.DetectionState, darts []types.DartDetection) {
	for _, dart := range darts {
		if len(st.ConfirmedDarts) >= s.th.MaxDarts {
			break
		}
		if !s.isNewDart(dart.Position, st.ConfirmedDarts) {
			continue
		}
		if !s.overConfidenceThreshold(dart) {
			s.log.Debug("%s skipping dart at (%.3f, %.3f): confidence %.3f too low for score %d",
				key, dart.Position.X, dart.Position.Y, dart.Confidence, dart.SingleValue)
			continue
		}

		s.log.Info("%s new dart %s = %d (confidence %.3f) at (%.3f, %.3f)",
			key, scoreText(dart), dart.Total(), dart.Confidence, dart.Position.X, dart.Position.Y)
		st.ConfirmedDarts = append(st.ConfirmedDarts, dart.Position)
		s.sink.Publish(types.DartThrowDetected{
			Key:        key,
			Multiplier: dart.Multiplier,
			Score:      dart.SingleValue,
			AutoScore:  true,
		})
	}
	s.turns.CheckMaximumDartsReached(key, st)
}

func (s *DetectionStabilizer) registerMissedDarts(key types.SessionKey, st *session.DetectionState, count int) {
	s.log.Info("%s registering %d missed dart(s)", key, count)
	for i := 0; i < count && len(st.ConfirmedDarts) < s.th.MaxDarts; i++ {
		st.ConfirmedDarts = append(st.ConfirmedDarts, MissPosition(i))
		s.sink.Publish(types.DartThrowDetected{
			Key:        key,
			Multiplier: 1,
			Score:      0,
			AutoScore:  true,
		})
	}
}

func (s *DetectionStabilizer) handleThreeDarts(key types.SessionKey, st *session.DetectionState, visible int) {
	if !s.turns.HandleThreeDartsState(key, st, visible) {
		return
	}
	st.ConfirmedDarts = nil
	s.turns.ResetStateForNewTurn(st)
	s.log.Info("%s board cleared, switching turn", key)
	s.sink.Publish(types.TurnSwitchDetected{Key: key})
}

func (s *DetectionStabilizer) isNewDart(pos types.Point, confirmed []types.Point) bool {
	for _, c := range confirmed {
		if pos.DistanceTo(c) < s.th.Similarity {
			return false
		}
	}
	return true
}

func (s *DetectionStabilizer) overConfidenceThreshold(dart types.DartDetection) bool {
	if dart.SingleValue == 0 {
		return dart.Confidence > s.th.MissConfidence
	}
	return dart.Confidence > s.th.Confidence
}

// MissPosition is the off-board sentinel recorded for the i-th synthesized miss.
// Sentinels are outside the normalized board so they never match a real dart.
func MissPosition(i int) types.Point {
	return types.Point{X: -1 - float64(i), Y: -1}
}

func scoreText(d types.DartDetection) string {
	if d.Multiplier == 1 {
		return fmt.Sprintf("%d", d.SingleValue)
	}
	return fmt.Sprintf("%dx%d", d.Multiplier, d.SingleValue)
}

func describeDarts(darts []types.DartDetection) string {
	parts := make([]string, len(darts))
	for i, d := range darts {
		parts[i] = fmt.Sprintf("dart %d: %s (%.3f)", i+1, scoreText(d), d.Confidence)
	}
	return strings.Join(parts, ", ")
}
