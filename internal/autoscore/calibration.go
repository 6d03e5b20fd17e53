package autoscore

import (
	"github.com/dmall00/opendarts-autoscore/internal/logger"
	"github.com/dmall00/opendarts-autoscore/internal/session"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

// CalibrationTracker decides per session whether the board keypoints have
// been stable long enough to trust, and when that trust is lost.
type CalibrationTracker struct {
	store *session.Store
	sink  EventSink
	th    Thresholds
	log   logger.Module
}

// NewCalibrationTracker creates a tracker that publishes CalibrationChanged to sink.
func NewCalibrationTracker(store *session.Store, sink EventSink, th Thresholds) *CalibrationTracker {
	if sink == nil {
		sink = Discard
	}
	return &CalibrationTracker{
		store: store,
		sink:  sink,
		th:    th,
		log:   logger.For("Calibration"),
	}
}

// Evaluate folds a frame into the session's calibration history and reports
// whether the board is calibrated after it. Rejected frames are ignored.
func (c *CalibrationTracker) Evaluate(frame types.Frame) bool {
	if frame.Kind == types.FrameRejected {
		return false
	}
	var calibrated bool
	c.store.Do(frame.Key, func(st *session.State) {
		calibrated = c.evaluate(frame.Key, &st.Calibration, frame)
	})
	return calibrated
}

func (c *CalibrationTracker) evaluate(key types.SessionKey, cs *session.CalibrationState, frame types.Frame) bool {
	if !frame.HasCalibration() {
		// Detector errors break the streak but never drop the history by themselves.
		cs.Consecutive = 0
		cs.ConsecutiveFailed++
		return false
	}

	if !c.consistent(cs, frame.Calibration) {
		c.fail(key, cs)
		return false
	}

	if len(cs.Samples) < c.th.CalibrationSamples {
		cs.Samples = append(cs.Samples, sampleOf(frame.Calibration))
	}
	cs.Consecutive++
	cs.ConsecutiveFailed = 0

	if !cs.Calibrated && cs.Consecutive >= c.th.CalibrationSamples {
		cs.Calibrated = true
		c.log.Info("%s calibrated after %d consistent frames", key, cs.Consecutive)
		c.sink.Publish(types.CalibrationChanged{Key: key, Calibrated: true})
	}
	return cs.Calibrated
}

// consistent reports whether every point whose class appears in a stored
// sample lies within the similarity threshold of it.
func (c *CalibrationTracker) consistent(cs *session.CalibrationState, points []types.CalibrationPoint) bool {
	for _, sample := range cs.Samples {
		for _, p := range points {
			prev, ok := sample[p.ClassID]
			if !ok {
				continue
			}
			if p.Position.DistanceTo(prev) >= c.th.Similarity {
				return false
			}
		}
	}
	return true
}

func (c *CalibrationTracker) fail(key types.SessionKey, cs *session.CalibrationState) {
	cs.Consecutive = 0
	cs.ConsecutiveFailed++
	c.log.Debug("%s calibration drifted (%d/%d)", key, cs.ConsecutiveFailed, c.th.MaxFailedCalibrations)
	if cs.ConsecutiveFailed < c.th.MaxFailedCalibrations {
		return
	}
	c.log.Warn("%s lost calibration, resetting history", key)
	c.sink.Publish(types.CalibrationChanged{Key: key, Calibrated: false})
	cs.Reset()
}

func sampleOf(points []types.CalibrationPoint) session.CalibrationSample {
	s := make(session.CalibrationSample, len(points))
	for _, p := range points {
		s[p.ClassID] = p.Position
	}
	return s
}
