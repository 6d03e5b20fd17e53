package session

import (
	"time"

	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

// TurnTracker follows the visible-dart count between recognized frames.
type TurnTracker struct {
	PreviousVisible int
	// EmptyFrames counts consecutive recognized frames that showed no dart.
	EmptyFrames int
	// RemovalSeen is set once the board went from darts to empty and stays
	// set for the rest of that empty streak.
	RemovalSeen bool
}

// DetectionState is the per-session stabilizer state.
type DetectionState struct {
	ConfirmedDarts         []types.Point
	YoloErrors             int
	MissingCalibrations    int
	NewTurnAndBoardCleared bool
	Turn                   TurnTracker
}

// CalibrationSample maps keypoint class ids to their positions in one frame.
type CalibrationSample map[int]types.Point

// CalibrationState is the per-session calibration history.
type CalibrationState struct {
	Samples           []CalibrationSample
	Consecutive       int
	ConsecutiveFailed int
	// Calibrated is set when a streak first reaches the sample count and
	// cleared only by Reset.
	Calibrated bool
}

// Reset drops the history, both counters and the calibrated flag.
func (c *CalibrationState) Reset() {
	c.Calibrated = false
	c.Samples = nil
	c.Consecutive = 0
	c.ConsecutiveFailed = 0
}

// State holds everything the core tracks for one (player, session) pair.
type State struct {
	Detection   DetectionState
	Calibration CalibrationState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func newState(now time.Time) *State {
	return &State{
		Detection: DetectionState{NewTurnAndBoardCleared: true},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Snapshot is a point-in-time copy of a session for the HTTP API.
type Snapshot struct {
	PlayerID                      string        `json:"player_id"`
	SessionID                     string        `json:"session_id"`
	ConfirmedDarts                []types.Point `json:"confirmed_darts"`
	YoloErrors                    int           `json:"yolo_errors"`
	MissingCalibrations           int           `json:"missing_calibrations"`
	BoardCleared                  bool          `json:"board_cleared"`
	VisibleDarts                  int           `json:"visible_darts"`
	Calibrated                    bool          `json:"calibrated"`
	CalibrationSamples            int           `json:"calibration_samples"`
	ConsecutiveCalibrations       int           `json:"consecutive_calibrations"`
	ConsecutiveFailedCalibrations int           `json:"consecutive_failed_calibrations"`
	CreatedAt                     time.Time     `json:"created_at"`
	UpdatedAt                     time.Time     `json:"updated_at"`
}

func (s *State) snapshot(key types.SessionKey) Snapshot {
	darts := make([]types.Point, len(s.Detection.ConfirmedDarts))
	copy(darts, s.Detection.ConfirmedDarts)
	return Snapshot{
		PlayerID:                      key.PlayerID,
		SessionID:                     key.SessionID,
		ConfirmedDarts:                darts,
		YoloErrors:                    s.Detection.YoloErrors,
		MissingCalibrations:           s.Detection.MissingCalibrations,
		BoardCleared:                  s.Detection.NewTurnAndBoardCleared,
		VisibleDarts:                  s.Detection.Turn.PreviousVisible,
		Calibrated:                    s.Calibration.Calibrated,
		CalibrationSamples:            len(s.Calibration.Samples),
		ConsecutiveCalibrations:       s.Calibration.Consecutive,
		ConsecutiveFailedCalibrations: s.Calibration.ConsecutiveFailed,
		CreatedAt:                     s.CreatedAt,
		UpdatedAt:                     s.UpdatedAt,
	}
}
