package autoscore

import "fmt"

// Thresholds are the tunables of the stabilizer and calibration tracker.
type Thresholds struct {
	// Similarity is the maximum distance at which two positions are the same dart
	// or the same calibration keypoint.
	Similarity float64 `toml:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`
	// Confidence gates darts with a non-zero score.
	Confidence float64 `toml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`
	// MissConfidence gates darts detected with a zero score.
	MissConfidence float64 `toml:"miss_confidence_threshold" env:"MISS_CONFIDENCE_THRESHOLD"`
	MaxDarts       int     `toml:"max_darts_per_turn" env:"MAX_DARTS_PER_TURN"`
	// CalibrationSamples is both the history length and the number of
	// consecutive consistent frames needed to be calibrated.
	CalibrationSamples    int `toml:"calibration_samples" env:"CALIBRATION_SAMPLES"`
	MaxFailedCalibrations int `toml:"max_failed_calibrations" env:"MAX_FAILED_CALIBRATIONS"`
	// ErrorTolerance is how many pipeline errors may accumulate before an
	// empty board is no longer trusted for a turn switch.
	ErrorTolerance int `toml:"error_tolerance" env:"ERROR_TOLERANCE"`
	// EmptyFramesForClear is how many consecutive empty frames count as a
	// cleared board.
	EmptyFramesForClear int `toml:"empty_frames_for_clear" env:"EMPTY_FRAMES_FOR_CLEAR"`
}

// DefaultThresholds returns the values the scoring UI was tuned against.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Similarity:            0.01,
		Confidence:            0.1,
		MissConfidence:        0.5,
		MaxDarts:              3,
		CalibrationSamples:    5,
		MaxFailedCalibrations: 5,
		ErrorTolerance:        15,
		EmptyFramesForClear:   1,
	}
}

// Validate rejects thresholds the core cannot run with.
func (t Thresholds) Validate() error {
	switch {
	case t.Similarity <= 0:
		return fmt.Errorf("similarity_threshold must be positive, got %v", t.Similarity)
	case t.Confidence < 0 || t.Confidence >= 1:
		return fmt.Errorf("confidence_threshold must be in [0,1), got %v", t.Confidence)
	case t.MissConfidence < 0 || t.MissConfidence >= 1:
		return fmt.Errorf("miss_confidence_threshold must be in [0,1), got %v", t.MissConfidence)
	case t.MaxDarts < 1:
		return fmt.Errorf("max_darts_per_turn must be at least 1, got %d", t.MaxDarts)
	case t.CalibrationSamples < 1:
		return fmt.Errorf("calibration_samples must be at least 1, got %d", t.CalibrationSamples)
	case t.MaxFailedCalibrations < 1:
		return fmt.Errorf("max_failed_calibrations must be at least 1, got %d", t.MaxFailedCalibrations)
	case t.ErrorTolerance < 0:
		return fmt.Errorf("error_tolerance must not be negative, got %d", t.ErrorTolerance)
	case t.EmptyFramesForClear < 1:
		return fmt.Errorf("empty_frames_for_clear must be at least 1, got %d", t.EmptyFramesForClear)
	}
	return nil
}
