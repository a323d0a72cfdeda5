// Package registry tracks the lifecycle of every device address the session
// has seen: scanned, connecting, ready. It is owned by the session loop and
// is not safe for concurrent use.
package registry

import (
	"fmt"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/movesense/internal/mds"
)

// Canceler is anything holding work that belongs to a device: pending
// requests, subscriptions, in-flight connects. CancelDevice settles all of it
// with cause and returns how many entries were cancelled.
type Canceler interface {
	CancelDevice(address string, cause error) int
}

type entry struct {
	state  mds.DeviceState
	name   string
	serial string
}

// Registry maps device addresses to their state, keeping first-sighting order.
type Registry struct {
	logger    *logrus.Logger
	devices   *orderedmap.OrderedMap[string, *entry]
	cancelers []Canceler
}

// New creates an empty registry. Cancelers are invoked by Remove in order.
func New(logger *logrus.Logger, cancelers ...Canceler) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		logger:    logger,
		devices:   orderedmap.New[string, *entry](),
		cancelers: cancelers,
	}
}

// AddCanceler registers c for Remove cascades.
func (r *Registry) AddCanceler(c Canceler) {
	r.cancelers = append(r.cancelers, c)
}

// UpsertScanned records a scan sighting. A device that is connecting or ready
// keeps its state; only the advertised name is refreshed.
func (r *Registry) UpsertScanned(address, name string) {
	e, ok := r.devices.Get(address)
	if !ok {
		r.devices.Set(address, &entry{state: mds.StateScanned, name: name})
		r.logger.WithFields(logrus.Fields{"address": address, "name": name}).Debug("Device discovered")
		return
	}
	if name != "" {
		e.name = name
	}
	if e.state == mds.StateUnknown {
		e.state = mds.StateScanned
	}
}

// MarkConnecting moves address to connecting. Unknown addresses are added.
func (r *Registry) MarkConnecting(address string) error {
	e, ok := r.devices.Get(address)
	if !ok {
		r.devices.Set(address, &entry{state: mds.StateConnecting})
		return nil
	}
	if e.state == mds.StateReady {
		return fmt.Errorf("%w: %s is already ready", mds.ErrInvalidStateTransition, address)
	}
	e.state = mds.StateConnecting
	return nil
}

// ResetConnecting returns a device whose connect failed or was abandoned to
// the scanned state. Other states are left alone.
func (r *Registry) ResetConnecting(address string) {
	if e, ok := r.devices.Get(address); ok && e.state == mds.StateConnecting {
		e.state = mds.StateScanned
	}
}

// MarkReady completes a connection. A device that was never seen connecting
// is still registered ready, but ErrInvalidStateTransition is returned and a
// warning logged; this is what an externally established connection looks like.
func (r *Registry) MarkReady(address, serial string) error {
	e, ok := r.devices.Get(address)
	if !ok {
		e = &entry{}
		r.devices.Set(address, e)
	}
	prev := e.state
	e.state = mds.StateReady
	e.serial = serial

	if prev != mds.StateConnecting {
		r.logger.WithFields(logrus.Fields{
			"address": address,
			"serial":  serial,
			"from":    prev.String(),
		}).Warn("Device became ready without a pending connect")
		return fmt.Errorf("%w: %s %s -> ready", mds.ErrInvalidStateTransition, address, prev)
	}
	r.logger.WithFields(logrus.Fields{"address": address, "serial": serial}).Debug("Device ready")
	return nil
}

// Remove drops address and cancels everything that belongs to it. It returns
// false if the address was not known; cancelers still run in that case so
// nothing keyed by the address can outlive it.
func (r *Registry) Remove(address string, cause error) bool {
	_, known := r.devices.Delete(address)

	cancelled := 0
	for _, c := range r.cancelers {
		cancelled += c.CancelDevice(address, cause)
	}
	r.logger.WithFields(logrus.Fields{
		"address":   address,
		"known":     known,
		"cancelled": cancelled,
	}).Debug("Device removed")
	return known
}

// ClearScanned forgets every device that is only scanned.
func (r *Registry) ClearScanned() {
	var drop []string
	for p := r.devices.Oldest(); p != nil; p = p.Next() {
		if p.Value.state == mds.StateScanned {
			drop = append(drop, p.Key)
		}
	}
	for _, addr := range drop {
		r.devices.Delete(addr)
	}
}

// State returns the state of address, StateUnknown if not tracked.
func (r *Registry) State(address string) mds.DeviceState {
	if e, ok := r.devices.Get(address); ok {
		return e.state
	}
	return mds.StateUnknown
}

// ListScanned returns scanned, not connected, devices in first-sighting order.
func (r *Registry) ListScanned() []mds.ScannedDevice {
	out := make([]mds.ScannedDevice, 0, r.devices.Len())
	for p := r.devices.Oldest(); p != nil; p = p.Next() {
		if p.Value.state == mds.StateScanned {
			out = append(out, mds.ScannedDevice{Address: p.Key, Name: p.Value.name})
		}
	}
	return out
}

// ListReady returns connected devices in first-sighting order.
func (r *Registry) ListReady() []mds.ReadyDevice {
	out := make([]mds.ReadyDevice, 0)
	for p := r.devices.Oldest(); p != nil; p = p.Next() {
		if p.Value.state == mds.StateReady {
			out = append(out, mds.ReadyDevice{Address: p.Key, Serial: p.Value.serial})
		}
	}
	return out
}

// Ready returns the ready device at address.
func (r *Registry) Ready(address string) (mds.ReadyDevice, bool) {
	e, ok := r.devices.Get(address)
	if !ok || e.state != mds.StateReady {
		return mds.ReadyDevice{}, false
	}
	return mds.ReadyDevice{Address: address, Serial: e.serial}, true
}

// ReadyBySerial finds the ready device with the given serial.
func (r *Registry) ReadyBySerial(serial string) (mds.ReadyDevice, bool) {
	for p := r.devices.Oldest(); p != nil; p = p.Next() {
		if p.Value.state == mds.StateReady && p.Value.serial == serial {
			return mds.ReadyDevice{Address: p.Key, Serial: serial}, true
		}
	}
	return mds.ReadyDevice{}, false
}
