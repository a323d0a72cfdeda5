package mds

import (
	"encoding/json"
	"fmt"
)

// EventType tags each variant of the Event union.
type EventType int

const (
	EventUnknown EventType = iota
	EventScanStarted
	EventScanStopped
	EventScannedDevice
	EventConnected
	EventConnectionCompleted
	EventDisconnected
	EventError
	EventGETSuccess
	EventPUTSuccess
	EventPOSTSuccess
	EventDELETESuccess
	EventNotification
	EventNotificationError
)

var eventTypeNames = map[EventType]string{
	EventScanStarted:         "ScanStarted",
	EventScanStopped:         "ScanStopped",
	EventScannedDevice:       "ScannedDevice",
	EventConnected:           "Connected",
	EventConnectionCompleted: "ConnectionCompleted",
	EventDisconnected:        "Disconnected",
	EventError:               "Error",
	EventGETSuccess:          "GETSuccess",
	EventPUTSuccess:          "PUTSuccess",
	EventPOSTSuccess:         "POSTSuccess",
	EventDELETESuccess:       "DELETESuccess",
	EventNotification:        "Notification",
	EventNotificationError:   "NotificationError",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// MarshalText encodes the type by its wire name.
func (t EventType) MarshalText() ([]byte, error) {
	if _, ok := eventTypeNames[t]; !ok {
		return nil, fmt.Errorf("unknown event type %d", int(t))
	}
	return []byte(t.String()), nil
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(name string) (EventType, error) {
	for t, n := range eventTypeNames {
		if n == name {
			return t, nil
		}
	}
	return EventUnknown, fmt.Errorf("unknown event type %q", name)
}

// Event is the closed union of everything a transport reports.
// The unexported marker keeps the set of variants fixed to this package.
type Event interface {
	Type() EventType
	isEvent()
}

type ScanStartedEvent struct{}

type ScanStoppedEvent struct{}

type ScannedDeviceEvent struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type ConnectedEvent struct {
	Address string `json:"address"`
}

type ConnectionCompletedEvent struct {
	Address string `json:"address"`
	Serial  string `json:"serial"`
}

type DisconnectedEvent struct {
	Address string `json:"address"`
}

// ErrorEvent reports a failed operation. URI, Contract and RequestType are set
// when the failure belongs to a request or subscribe call; Address is set when
// a transport can attribute a connection-level failure to a device.
type ErrorEvent struct {
	Message     string `json:"message"`
	URI         string `json:"uri,omitempty"`
	Contract    string `json:"contract,omitempty"`
	RequestType Method `json:"requestType,omitempty"`
	Address     string `json:"address,omitempty"`
}

// ResponseEvent is the success outcome of a request. Its Type depends on Method.
type ResponseEvent struct {
	Method   Method `json:"-"`
	URI      string `json:"uri"`
	Contract string `json:"contract"`
	Data     string `json:"data"`
}

type NotificationEvent struct {
	Subscription string `json:"subscription"`
	Data         string `json:"data"`
}

type NotificationErrorEvent struct {
	Subscription string `json:"subscription"`
	Message      string `json:"message"`
}

func (ScanStartedEvent) Type() EventType         { return EventScanStarted }
func (ScanStoppedEvent) Type() EventType         { return EventScanStopped }
func (ScannedDeviceEvent) Type() EventType       { return EventScannedDevice }
func (ConnectedEvent) Type() EventType           { return EventConnected }
func (ConnectionCompletedEvent) Type() EventType { return EventConnectionCompleted }
func (DisconnectedEvent) Type() EventType        { return EventDisconnected }
func (ErrorEvent) Type() EventType               { return EventError }
func (e ResponseEvent) Type() EventType          { return e.Method.SuccessEvent() }
func (NotificationEvent) Type() EventType        { return EventNotification }
func (NotificationErrorEvent) Type() EventType   { return EventNotificationError }

func (ScanStartedEvent) isEvent()         {}
func (ScanStoppedEvent) isEvent()         {}
func (ScannedDeviceEvent) isEvent()       {}
func (ConnectedEvent) isEvent()           {}
func (ConnectionCompletedEvent) isEvent() {}
func (DisconnectedEvent) isEvent()        {}
func (ErrorEvent) isEvent()               {}
func (ResponseEvent) isEvent()            {}
func (NotificationEvent) isEvent()        {}
func (NotificationErrorEvent) isEvent()   {}

// Envelope is the self-describing JSON form of an event used by outer surfaces.
type Envelope struct {
	Type    EventType `json:"type"`
	Payload Event     `json:"payload,omitempty"`
}

// MarshalJSON omits the payload of the payload-less scan events.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type    EventType `json:"type"`
		Payload any       `json:"payload,omitempty"`
	}
	w := wire{Type: e.Type}
	switch e.Payload.(type) {
	case nil, ScanStartedEvent, ScanStoppedEvent:
	default:
		w.Payload = e.Payload
	}
	return json.Marshal(w)
}

// Wrap builds the envelope for ev.
func Wrap(ev Event) Envelope {
	return Envelope{Type: ev.Type(), Payload: ev}
}
