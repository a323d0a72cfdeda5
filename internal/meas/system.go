package meas

// StateID selects a /System/States/{StateID} resource.
type StateID int

const (
	StateMovement StateID = iota
	StateBatteryStatus
	StateConnectors
	StateDoubleTap
	StateTap
	StateFreeFall
)

func (s StateID) String() string {
	switch s {
	case StateMovement:
		return "movement"
	case StateBatteryStatus:
		return "battery status"
	case StateConnectors:
		return "connectors"
	case StateDoubleTap:
		return "double-tap"
	case StateTap:
		return "tap"
	case StateFreeFall:
		return "free-fall"
	default:
		return "unknown"
	}
}

// Values reported in SystemState.NewState, per StateID.
const (
	MovementNotMoving = 0
	MovementMoving    = 1

	BatteryOK  = 0
	BatteryLow = 1

	ConnectorsDisconnected    = 0
	ConnectorsConnectedToGear = 1
	ConnectorsUnknown         = 2

	DoubleTapNormal = 0
	DoubleTapped    = 1

	Tapped = 1

	FreeFallUnderAcceleration = 0
	FreeFallFalling           = 1
)

// SystemState is a /System/States/{StateID} change.
type SystemState struct {
	StateID  StateID `json:"StateId"`
	NewState int     `json:"NewState"`
	Timestamp
}
