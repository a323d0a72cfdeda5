// Package eventbus fans session events out to any number of listeners.
//
// Delivery is fire-and-forget: each listener owns a bounded ring, and a slow
// listener loses its oldest events rather than stalling the publisher.
// Listeners may be added and removed from any goroutine at any time,
// including before the session is initialized.
package eventbus

import (
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/movesense/internal/mds"
	"github.com/srg/movesense/internal/ringchan"
)

// DefaultListenerBuffer is the per-listener ring capacity.
const DefaultListenerBuffer = 128

// Bus is a one-to-many event fan-out.
type Bus struct {
	logger    *logrus.Logger
	buffer    int
	nextID    atomic.Uint64
	closed    atomic.Bool
	listeners *hashmap.Map[uint64, *Listener]
}

// New creates a Bus whose listeners buffer up to buffer events.
func New(buffer int, logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	if buffer <= 0 {
		buffer = DefaultListenerBuffer
	}
	return &Bus{
		logger:    logger,
		buffer:    buffer,
		listeners: hashmap.New[uint64, *Listener](),
	}
}

// Listen registers a new listener. On a closed bus the listener is returned
// already closed.
func (b *Bus) Listen() *Listener {
	l := &Listener{
		id:  b.nextID.Add(1),
		bus: b,
		ch:  ringchan.New[mds.Event](b.buffer),
	}
	if b.closed.Load() {
		l.ch.Close()
		return l
	}
	b.listeners.Set(l.id, l)
	b.logger.WithField("listener", l.id).Debug("Listener registered")
	return l
}

// Unlisten removes and closes l. Unknown or already removed listeners are ignored.
func (b *Bus) Unlisten(l *Listener) {
	if l == nil {
		return
	}
	l.Close()
}

// Publish delivers ev to every registered listener.
func (b *Bus) Publish(ev mds.Event) {
	if b.closed.Load() {
		return
	}
	b.listeners.Range(func(id uint64, l *Listener) bool {
		if l.ch.Send(ev) {
			b.logger.WithFields(logrus.Fields{
				"listener": id,
				"event":    ev.Type().String(),
			}).Debug("Listener buffer full, oldest event dropped")
		}
		return true
	})
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	return b.listeners.Len()
}

// Close closes every listener. Later publishes are dropped.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	var ls []*Listener
	b.listeners.Range(func(_ uint64, l *Listener) bool {
		ls = append(ls, l)
		return true
	})
	for _, l := range ls {
		l.Close()
	}
}

// Listener receives bus events on C until closed.
type Listener struct {
	id  uint64
	bus *Bus
	ch  *ringchan.RingChannel[mds.Event]
}

// C returns the event stream. It is closed when the listener is.
func (l *Listener) C() <-chan mds.Event {
	return l.ch.C()
}

// Dropped returns how many events were discarded because the buffer was full.
func (l *Listener) Dropped() int64 {
	return l.ch.Stats().Overwritten
}

// Close unregisters the listener. Idempotent.
func (l *Listener) Close() {
	if l.bus.listeners.Del(l.id) {
		l.bus.logger.WithField("listener", l.id).Debug("Listener removed")
	}
	l.ch.Close()
}
