package eventbus

import "github.com/srg/movesense/internal/mds"

// Handlers is a dispatch table over the closed set of event variants.
// Nil entries are skipped.
type Handlers struct {
	ScanStarted         func(mds.ScanStartedEvent)
	ScanStopped         func(mds.ScanStoppedEvent)
	ScannedDevice       func(mds.ScannedDeviceEvent)
	Connected           func(mds.ConnectedEvent)
	ConnectionCompleted func(mds.ConnectionCompletedEvent)
	Disconnected        func(mds.DisconnectedEvent)
	Error               func(mds.ErrorEvent)
	Response            func(mds.ResponseEvent)
	Notification        func(mds.NotificationEvent)
	NotificationError   func(mds.NotificationErrorEvent)
}

// Dispatch calls the handler for ev's variant. It reports whether one ran.
func (h *Handlers) Dispatch(ev mds.Event) bool {
	switch e := ev.(type) {
	case mds.ScanStartedEvent:
		return call(h.ScanStarted, e)
	case mds.ScanStoppedEvent:
		return call(h.ScanStopped, e)
	case mds.ScannedDeviceEvent:
		return call(h.ScannedDevice, e)
	case mds.ConnectedEvent:
		return call(h.Connected, e)
	case mds.ConnectionCompletedEvent:
		return call(h.ConnectionCompleted, e)
	case mds.DisconnectedEvent:
		return call(h.Disconnected, e)
	case mds.ErrorEvent:
		return call(h.Error, e)
	case mds.ResponseEvent:
		return call(h.Response, e)
	case mds.NotificationEvent:
		return call(h.Notification, e)
	case mds.NotificationErrorEvent:
		return call(h.NotificationError, e)
	}
	return false
}

func call[E mds.Event](fn func(E), e E) bool {
	if fn == nil {
		return false
	}
	fn(e)
	return true
}
