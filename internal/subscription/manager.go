// Package subscription tracks live resource subscriptions and routes pushed
// notifications to their handlers.
//
// Every subscription gets its own bounded delivery queue and goroutine, so a
// slow or panicking handler only affects itself. The queue exists from Begin
// on: pushes that overtake the device's acknowledgement wait in it and are
// handed to the handler once Ack starts delivery. Notification data is
// passed through raw; see package meas for typed decoding.
package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/movesense/internal/groutine"
	"github.com/srg/movesense/internal/mds"
	"github.com/srg/movesense/internal/ringchan"
)

// DefaultBuffer is the per-subscription delivery queue capacity.
const DefaultBuffer = 64

// Handler receives one subscription's pushes. Calls for a subscription are
// sequential and happen on the subscription's own goroutine.
type Handler struct {
	// OnNotification gets each notification's data exactly once.
	OnNotification func(data string)
	// OnError gets NotificationError reports as *mds.SubscriptionError and,
	// if the device goes away, the disconnect cause. Optional.
	OnError func(err error)
}

// Subscription describes a registered subscription.
type Subscription struct {
	ID       string `json:"id"`
	Device   string `json:"address"`
	URI      string `json:"uri"`
	Contract string `json:"contract"`
}

// Key identifies a subscribe call awaiting acknowledgement.
type Key struct {
	Device   string
	URI      string
	Contract string
}

// Result settles a subscribe call.
type Result struct {
	ID  string
	Err error
}

// Pending is a subscribe call awaiting acknowledgement.
type Pending struct {
	Key  Key
	ID   string
	sub  *active
	done chan Result
}

// Done returns the channel the outcome is delivered on.
func (p *Pending) Done() <-chan Result { return p.done }

type delivery struct {
	data string
	err  error
}

type active struct {
	Subscription
	handler Handler
	queue   *ringchan.RingChannel[delivery]
	live    bool // guarded by Manager.mu
}

// Manager owns pending subscribes and live subscriptions. Safe for concurrent use.
type Manager struct {
	logger *logrus.Logger
	buffer int

	mu      sync.Mutex
	pending map[Key]*Pending
	subs    map[string]*active
	wg      sync.WaitGroup
}

// NewManager creates a Manager whose subscriptions buffer up to buffer
// undelivered pushes before dropping the oldest.
func NewManager(buffer int, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Manager{
		logger:  logger,
		buffer:  buffer,
		pending: make(map[Key]*Pending),
		subs:    make(map[string]*active),
	}
}

// Begin registers a subscribe call under id before the transport is asked,
// so notifications tagged with id are queued from this point on. A second
// subscribe for the same device, uri and contract while the first is still
// unacknowledged fails with mds.ErrDuplicateRequest.
func (m *Manager) Begin(key Key, id string, h Handler) (*Pending, error) {
	if h.OnNotification == nil {
		return nil, fmt.Errorf("subscription: no notification handler for %s", key.URI)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[key]; exists {
		return nil, fmt.Errorf("%w: subscribe %s", mds.ErrDuplicateRequest, key.URI)
	}
	if _, clash := m.subs[id]; clash {
		return nil, &mds.SubscriptionError{
			Message:      "subscription id already in use",
			Subscription: id,
			URI:          key.URI,
			Contract:     key.Contract,
		}
	}

	a := &active{
		Subscription: Subscription{ID: id, Device: key.Device, URI: key.URI, Contract: key.Contract},
		handler:      h,
		queue:        ringchan.New[delivery](m.buffer),
	}
	p := &Pending{Key: key, ID: id, sub: a, done: make(chan Result, 1)}
	m.pending[key] = p
	m.subs[id] = a
	return p, nil
}

// Ack makes the subscription live, starts delivering what was queued and
// settles the call. It returns false if p was already settled (cancelled,
// failed or rejected); the caller then owns the orphaned remote subscription.
func (m *Manager) Ack(p *Pending) bool {
	m.mu.Lock()
	if m.pending[p.Key] != p {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, p.Key)
	a := p.sub
	a.live = true
	m.wg.Add(1)
	m.mu.Unlock()

	groutine.GoSafe(context.Background(), "subscription-"+p.ID, m.logger, func(ctx context.Context) {
		m.run(a)
	})

	m.logger.WithFields(a.fields()).Debug("Subscription registered")
	p.done <- Result{ID: p.ID}
	return true
}

// Fail settles p with err if it is still pending.
func (m *Manager) Fail(p *Pending, err error) bool {
	m.mu.Lock()
	if m.pending[p.Key] != p {
		m.mu.Unlock()
		return false
	}
	m.discardLocked(p)
	m.mu.Unlock()

	p.done <- Result{Err: err}
	return true
}

// discardLocked forgets an unacknowledged subscribe and whatever was queued
// for it. Requires m.mu.
func (m *Manager) discardLocked(p *Pending) {
	delete(m.pending, p.Key)
	if m.subs[p.ID] == p.sub {
		delete(m.subs, p.ID)
	}
	p.sub.queue.Close()
}

// Reject settles the pending subscribe an error event refers to.
func (m *Manager) Reject(ev mds.ErrorEvent) bool {
	if ev.RequestType != mds.MethodSubscribe && ev.RequestType != "" {
		return false
	}

	m.mu.Lock()
	var p *Pending
	for k, cand := range m.pending {
		if k.URI == ev.URI && k.Contract == ev.Contract {
			p = cand
			m.discardLocked(p)
			break
		}
	}
	m.mu.Unlock()

	if p == nil {
		return false
	}
	p.done <- Result{Err: &mds.SubscriptionError{Message: ev.Message, URI: ev.URI, Contract: ev.Contract}}
	return true
}

// Dispatch queues a notification for its subscription, live or still
// awaiting acknowledgement. Unknown ids are dropped; it reports whether the
// notification was queued.
func (m *Manager) Dispatch(ev mds.NotificationEvent) bool {
	return m.deliver(ev.Subscription, delivery{data: ev.Data})
}

// DispatchError routes a NotificationError to the subscription's OnError.
func (m *Manager) DispatchError(ev mds.NotificationErrorEvent) bool {
	return m.deliver(ev.Subscription, delivery{err: &mds.SubscriptionError{
		Message:      ev.Message,
		Subscription: ev.Subscription,
	}})
}

func (m *Manager) deliver(id string, d delivery) bool {
	m.mu.Lock()
	a, ok := m.subs[id]
	m.mu.Unlock()

	if !ok {
		m.logger.WithField("subscription", id).Debug("Notification for unknown subscription dropped")
		return false
	}
	if a.queue.Send(d) {
		m.logger.WithFields(a.fields()).Warn("Subscriber is falling behind, oldest notification dropped")
	}
	return true
}

// Remove unregisters id. Removing an unknown or unacknowledged id is a no-op.
func (m *Manager) Remove(id string) (Subscription, bool) {
	m.mu.Lock()
	a, ok := m.subs[id]
	if !ok || !a.live {
		m.mu.Unlock()
		return Subscription{}, false
	}
	delete(m.subs, id)
	m.mu.Unlock()

	a.queue.Close()
	m.logger.WithFields(a.fields()).Debug("Subscription removed")
	return a.Subscription, true
}

// Get returns the subscription registered as id.
func (m *Manager) Get(id string) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.subs[id]
	if !ok || !a.live {
		return Subscription{}, false
	}
	return a.Subscription, true
}

// List returns all live subscriptions.
func (m *Manager) List() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, a := range m.subs {
		if a.live {
			out = append(out, a.Subscription)
		}
	}
	return out
}

// Len returns the number of live subscriptions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.subs {
		if a.live {
			n++
		}
	}
	return n
}

// CancelDevice removes every subscription of address, reporting cause to
// each handler, and rejects its pending subscribes with cause.
func (m *Manager) CancelDevice(address string, cause error) int {
	return m.cancelWhere(func(dev string) bool { return dev == address }, cause)
}

// CancelAll removes every subscription and rejects every pending subscribe.
func (m *Manager) CancelAll(cause error) int {
	return m.cancelWhere(func(string) bool { return true }, cause)
}

func (m *Manager) cancelWhere(match func(device string) bool, cause error) int {
	m.mu.Lock()
	var (
		pending []*Pending
		subs    []*active
	)
	for k, p := range m.pending {
		if match(k.Device) {
			m.discardLocked(p)
			pending = append(pending, p)
		}
	}
	for id, a := range m.subs {
		if a.live && match(a.Device) {
			delete(m.subs, id)
			subs = append(subs, a)
		}
	}
	m.mu.Unlock()

	for _, p := range pending {
		p.done <- Result{Err: cause}
	}
	for _, a := range subs {
		a.queue.Send(delivery{err: cause})
		a.queue.Close()
		m.logger.WithFields(a.fields()).WithError(cause).Debug("Subscription cancelled")
	}
	return len(pending) + len(subs)
}

// Wait blocks until every subscription goroutine has exited. Call after
// CancelAll.
func (m *Manager) Wait() {
	m.logger.Debug("Waiting for subscription goroutines to complete...")
	m.wg.Wait()
	m.logger.Debug("All subscription goroutines completed")
}

func (m *Manager) run(a *active) {
	defer m.wg.Done()
	for d := range a.queue.C() {
		m.invoke(a, d)
	}
}

// invoke calls the handler, containing panics to this one delivery.
func (m *Manager) invoke(a *active, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(a.fields()).WithField("panic", r).Error("Subscription handler panicked")
		}
	}()
	if d.err != nil {
		if a.handler.OnError != nil {
			a.handler.OnError(d.err)
		}
		return
	}
	a.handler.OnNotification(d.data)
}

func (a *active) fields() logrus.Fields {
	return logrus.Fields{
		"subscription": a.ID,
		"address":      a.Device,
		"uri":          a.URI,
		"contract":     a.Contract,
	}
}
