// Package ringchan provides a bounded, closable channel that never blocks
// producers: when full, the oldest element is discarded.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel wraps a buffered channel with overwrite-oldest semantics.
// Sends after Close are dropped instead of panicking, so producers need not
// coordinate with the consumer's lifetime.
//
//	rc := ringchan.New[string](3)
//	for _, s := range []string{"a", "b", "c", "d"} {
//	    rc.Send(s)
//	}
//	rc.Close()
//	for v := range rc.C() {
//	    fmt.Println(v) // b, c, d
//	}
type RingChannel[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
	stats  Stats
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close once drained.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send enqueues v, discarding the oldest element when full. It reports
// whether an element was discarded. Sends on a closed channel are no-ops.
func (rc *RingChannel[T]) Send(v T) (dropped bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		atomic.AddInt64(&rc.stats.Rejected, 1)
		return false
	}

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.stats.Written, 1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.stats.Overwritten, 1)
			dropped = true
		default:
		}
	}
}

// TrySend enqueues v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		atomic.AddInt64(&rc.stats.Rejected, 1)
		return false
	}
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.stats.Written, 1)
		return true
	default:
		return false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

// Cap returns the capacity.
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the channel. Buffered elements remain readable. Safe to call
// more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Closed reports whether Close was called.
func (rc *RingChannel[T]) Closed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// Stats returns a snapshot of the counters.
func (rc *RingChannel[T]) Stats() Stats {
	return Stats{
		Written:     atomic.LoadInt64(&rc.stats.Written),
		Overwritten: atomic.LoadInt64(&rc.stats.Overwritten),
		Rejected:    atomic.LoadInt64(&rc.stats.Rejected),
	}
}

// Stats counts sends. Rejected counts sends after Close.
type Stats struct {
	Written     int64
	Overwritten int64
	Rejected    int64
}
