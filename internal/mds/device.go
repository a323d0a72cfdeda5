package mds

// ScannedDevice is a device seen in scan results but not connected.
type ScannedDevice struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// ReadyDevice is a device with a completed connection handshake.
type ReadyDevice struct {
	Address string `json:"address"`
	Serial  string `json:"serial"`
}

// DeviceState is the lifecycle position of a device address in the registry.
type DeviceState int

const (
	StateUnknown DeviceState = iota
	StateScanned
	StateConnecting
	StateReady
)

func (s DeviceState) String() string {
	switch s {
	case StateScanned:
		return "scanned"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}
