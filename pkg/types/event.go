package types

// EventType is the wire name of an outbound event.
type EventType string

const (
	EventDartThrow   EventType = "dartProcessedResult"
	EventTurnSwitch  EventType = "turnSwitch"
	EventCalibration EventType = "calibration"
)

// Event is emitted by the autoscore core for one session.
type Event interface {
	Type() EventType
	Session() SessionKey
	// Fields returns the event-specific payload without type or session keys.
	Fields() map[string]any
}

// DartThrowDetected reports a confirmed dart. Score is the single-segment value;
// AutoScore is true for every event the core emits.
type DartThrowDetected struct {
	Key        SessionKey
	Multiplier int
	Score      int
	AutoScore  bool
}

func (e DartThrowDetected) Type() EventType     { return EventDartThrow }
func (e DartThrowDetected) Session() SessionKey { return e.Key }
func (e DartThrowDetected) Fields() map[string]any {
	return map[string]any{
		"multiplier": e.Multiplier,
		"score":      e.Score,
		"auto_score": e.AutoScore,
	}
}

// TurnSwitchDetected asks the game to advance to the next player.
type TurnSwitchDetected struct {
	Key SessionKey
}

func (e TurnSwitchDetected) Type() EventType        { return EventTurnSwitch }
func (e TurnSwitchDetected) Session() SessionKey    { return e.Key }
func (e TurnSwitchDetected) Fields() map[string]any { return map[string]any{} }

// CalibrationChanged reports that the board became calibrated or lost calibration.
type CalibrationChanged struct {
	Key        SessionKey
	Calibrated bool
}

func (e CalibrationChanged) Type() EventType     { return EventCalibration }
func (e CalibrationChanged) Session() SessionKey { return e.Key }
func (e CalibrationChanged) Fields() map[string]any {
	return map[string]any{"calibrated": e.Calibrated}
}

// Payload flattens an event into the JSON object shared by every transport.
func Payload(e Event) map[string]any {
	out := e.Fields()
	key := e.Session()
	out["type"] = string(e.Type())
	out["player_id"] = key.PlayerID
	out["session_id"] = key.SessionID
	return out
}
