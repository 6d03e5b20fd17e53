package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

var (
	// ErrMalformed means the message is not a well-formed pipeline result.
	ErrMalformed = errors.New("malformed pipeline message")
	// ErrMissingSessionKey means player_id or session_id is empty.
	ErrMissingSessionKey = errors.New("missing player_id or session_id")
	// ErrUnknownStatus means status is neither SUCCESS nor ERROR.
	ErrUnknownStatus = errors.New("unknown status")
	// ErrUnknownResultCode means result_code is not a known code.
	ErrUnknownResultCode = errors.New("unknown result_code")
)

// Status is the coarse outcome the pipeline reports for a frame.
type Status int

const (
	StatusSuccess Status = 0
	StatusError   Status = 1
)

// ResultCode is the detailed outcome of a frame.
type ResultCode int

const (
	ResultOK                 ResultCode = 0
	ResultYoloError          ResultCode = 1
	ResultHomography         ResultCode = 2
	ResultMissingCalibration ResultCode = 3
	ResultInvalidInput       ResultCode = 4
	ResultUnknown            ResultCode = 100
)

var resultCodeNames = map[string]ResultCode{
	"OK":                         ResultOK,
	"SUCCESS":                    ResultOK,
	"YOLO_ERROR":                 ResultYoloError,
	"HOMOGRAPHY":                 ResultHomography,
	"MISSING_CALIBRATION":        ResultMissingCalibration,
	"MISSING_CALIBRATION_POINTS": ResultMissingCalibration,
	"INVALID_INPUT":              ResultInvalidInput,
	"UNKNOWN":                    ResultUnknown,
}

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "OK"
	case ResultYoloError:
		return "YOLO_ERROR"
	case ResultHomography:
		return "HOMOGRAPHY"
	case ResultMissingCalibration:
		return "MISSING_CALIBRATION"
	case ResultInvalidInput:
		return "INVALID_INPUT"
	case ResultUnknown:
		return "UNKNOWN"
	}
	return strconv.Itoa(int(c))
}

func (s *Status) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		switch strings.ToUpper(name) {
		case "SUCCESS", "OK":
			*s = StatusSuccess
		case "ERROR":
			*s = StatusError
		default:
			return fmt.Errorf("%w: %q", ErrUnknownStatus, name)
		}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: status %s", ErrMalformed, data)
	}
	if n != int(StatusSuccess) && n != int(StatusError) {
		return fmt.Errorf("%w: %d", ErrUnknownStatus, n)
	}
	*s = Status(n)
	return nil
}

func (c *ResultCode) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		code, ok := resultCodeNames[strings.ToUpper(name)]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownResultCode, name)
		}
		*c = code
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: result_code %s", ErrMalformed, data)
	}
	switch ResultCode(n) {
	case ResultOK, ResultYoloError, ResultHomography, ResultMissingCalibration, ResultInvalidInput, ResultUnknown:
		*c = ResultCode(n)
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnknownResultCode, n)
}

// Message is the JSON shape the vision pipeline sends for one frame.
type Message struct {
	Status            *Status            `json:"status"`
	SessionID         string             `json:"session_id"`
	PlayerID          string             `json:"player_id"`
	ResultCode        *ResultCode        `json:"result_code"`
	Message           string             `json:"message,omitempty"`
	DartDetections    *[]DartMessage     `json:"dart_detections"`
	CalibrationPoints []CalibrationPoint `json:"calibration_points,omitempty"`
}

// DartMessage is one dart in a pipeline message.
type DartMessage struct {
	Multiplier  int     `json:"multiplier"`
	SingleValue int     `json:"single_value"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Confidence  float64 `json:"confidence"`
}

// CalibrationPoint is one board keypoint in a pipeline message.
type CalibrationPoint struct {
	ClassID int     `json:"class_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// Decode parses one pipeline message into a Frame. It is the only place
// where untrusted input is validated; everything after it works on Frame.
func Decode(data []byte, receivedAt time.Time) (types.Frame, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		if errors.Is(err, ErrUnknownStatus) || errors.Is(err, ErrUnknownResultCode) || errors.Is(err, ErrMalformed) {
			return types.Frame{}, err
		}
		return types.Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg.Frame(receivedAt)
}

// Frame validates the message and converts it to the core's tagged union.
func (m Message) Frame(receivedAt time.Time) (types.Frame, error) {
	key := types.SessionKey{PlayerID: m.PlayerID, SessionID: m.SessionID}
	if !key.Valid() {
		return types.Frame{}, ErrMissingSessionKey
	}
	if m.Status == nil {
		return types.Frame{}, fmt.Errorf("%w: status missing", ErrMalformed)
	}

	frame := types.Frame{Key: key, Message: m.Message, ReceivedAt: receivedAt}
	if *m.Status == StatusError {
		frame.Kind = types.FrameRejected
		return frame, nil
	}

	code := ResultOK
	if m.ResultCode != nil {
		code = *m.ResultCode
	}
	switch code {
	case ResultYoloError, ResultInvalidInput, ResultUnknown:
		frame.Kind = types.FrameYoloError
		return frame, nil
	case ResultMissingCalibration, ResultHomography:
		frame.Kind = types.FrameMissingCalibration
		return frame, nil
	}

	frame.Kind = types.FrameRecognized
	if m.DartDetections != nil {
		frame.Scored = true
		frame.Darts = make([]types.DartDetection, 0, len(*m.DartDetections))
		for i, d := range *m.DartDetections {
			if err := d.validate(); err != nil {
				return types.Frame{}, fmt.Errorf("%w: dart %d: %v", ErrMalformed, i, err)
			}
			frame.Darts = append(frame.Darts, types.DartDetection{
				Multiplier:  d.Multiplier,
				SingleValue: d.SingleValue,
				Position:    types.Point{X: d.X, Y: d.Y},
				Confidence:  d.Confidence,
			})
		}
	}
	if len(m.CalibrationPoints) > 0 {
		frame.Calibration = make([]types.CalibrationPoint, len(m.CalibrationPoints))
		for i, p := range m.CalibrationPoints {
			frame.Calibration[i] = types.CalibrationPoint{
				ClassID:  p.ClassID,
				Position: types.Point{X: p.X, Y: p.Y},
			}
		}
	}
	return frame, nil
}

func (d DartMessage) validate() error {
	switch {
	case d.Multiplier < 0 || d.Multiplier > 3:
		return fmt.Errorf("multiplier %d out of range", d.Multiplier)
	case d.SingleValue < 0 || d.SingleValue > 25:
		return fmt.Errorf("single_value %d out of range", d.SingleValue)
	case d.Confidence < 0 || d.Confidence > 1:
		return fmt.Errorf("confidence %v out of range", d.Confidence)
	}
	return nil
}
