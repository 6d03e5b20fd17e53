package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SessionKey identifies one player's autoscore session within a game.
type SessionKey struct {
	PlayerID  string `json:"player_id"`
	SessionID string `json:"session_id"`
}

func (k SessionKey) String() string {
	return k.PlayerID + "/" + k.SessionID
}

// Valid reports whether both halves of the key are set.
func (k SessionKey) Valid() bool {
	return k.PlayerID != "" && k.SessionID != ""
}

// Point is a normalized board coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo returns the Euclidean distance between p and q.
func (p Point) DistanceTo(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// DartDetection is one dart the detector reported in a frame.
type DartDetection struct {
	Multiplier  int     `json:"multiplier"`
	SingleValue int     `json:"single_value"`
	Position    Point   `json:"position"`
	Confidence  float64 `json:"confidence"`
}

// Total returns the points the dart is worth.
func (d DartDetection) Total() int {
	return d.Multiplier * d.SingleValue
}

// CalibrationPoint is a board keypoint used to derive the homography.
type CalibrationPoint struct {
	ClassID  int   `json:"class_id"`
	Position Point `json:"position"`
}

// FrameKind tells the core how to treat a frame.
type FrameKind uint8

const (
	// FrameRejected is an ERROR-status frame or one the pipeline could not classify.
	FrameRejected FrameKind = iota
	// FrameYoloError means the detector itself failed on the frame.
	FrameYoloError
	// FrameMissingCalibration means too few keypoints were found to map the board.
	FrameMissingCalibration
	// FrameRecognized carries detections (possibly zero darts).
	FrameRecognized
)

var frameKindNames = [...]string{
	FrameRejected:           "rejected",
	FrameYoloError:          "yolo_error",
	FrameMissingCalibration: "missing_calibration",
	FrameRecognized:         "recognized",
}

func (k FrameKind) String() string {
	if int(k) < len(frameKindNames) {
		return frameKindNames[k]
	}
	return fmt.Sprintf("FrameKind(%d)", k)
}

// Frame is one decoded vision-pipeline result for a session.
// Darts and Calibration are only meaningful for FrameRecognized.
// Scored is false when the pipeline sent no scoring block at all, which is
// different from a scoring block with zero darts.
type Frame struct {
	Key         SessionKey
	Kind        FrameKind
	Message     string
	Scored      bool
	Darts       []DartDetection
	Calibration []CalibrationPoint
	ReceivedAt  time.Time
}

// HasCalibration reports whether the frame carries calibration points.
func (f Frame) HasCalibration() bool {
	return f.Kind == FrameRecognized && len(f.Calibration) > 0
}

// AdjustmentKind is a manual correction sent by the scoring UI.
type AdjustmentKind uint8

const (
	AdjustmentThrow AdjustmentKind = iota + 1
	AdjustmentRevert
)

func (k AdjustmentKind) String() string {
	switch k {
	case AdjustmentThrow:
		return "THROW"
	case AdjustmentRevert:
		return "REVERT"
	default:
		return fmt.Sprintf("AdjustmentKind(%d)", k)
	}
}

// ParseAdjustmentKind accepts THROW or REVERT in any case.
func ParseAdjustmentKind(s string) (AdjustmentKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "THROW":
		return AdjustmentThrow, nil
	case "REVERT":
		return AdjustmentRevert, nil
	default:
		return 0, fmt.Errorf("unknown adjustment kind %q", s)
	}
}

func (k AdjustmentKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *AdjustmentKind) UnmarshalText(text []byte) error {
	parsed, err := ParseAdjustmentKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ManualAdjustment is a THROW or REVERT applied outside the detector.
type ManualAdjustment struct {
	Key  SessionKey     `json:"-"`
	Kind AdjustmentKind `json:"kind"`
}
