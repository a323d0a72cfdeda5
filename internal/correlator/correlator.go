// Package correlator matches request outcomes reported as events back to the
// call that issued the request.
//
// A request is identified by its business key (device, method, uri, contract)
// rather than a call id, because the transport's success and error events only
// echo the uri, contract and method. At most one request per key may be in
// flight; a second Begin with the same key fails with mds.ErrDuplicateRequest
// and leaves the first untouched.
package correlator

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/movesense/internal/mds"
)

// DefaultTimeout bounds how long a request may stay pending.
const DefaultTimeout = 30 * time.Second

// Key identifies a pending request.
type Key struct {
	Device   string
	Method   mds.Method
	URI      string
	Contract string
}

func (k Key) fields() logrus.Fields {
	return logrus.Fields{
		"address":  k.Device,
		"method":   string(k.Method),
		"uri":      k.URI,
		"contract": k.Contract,
	}
}

// requestID is what outcome events carry. The device is implied by the URI.
type requestID struct {
	method   mds.Method
	uri      string
	contract string
}

func (k Key) id() requestID {
	return requestID{method: k.Method, uri: k.URI, contract: k.Contract}
}

// Result settles a pending request.
type Result struct {
	Data string
	Err  error
}

// Pending is an in-flight request. Done yields exactly one Result.
type Pending struct {
	Key  Key
	done chan Result
	stop func() bool
}

// Done returns the channel the outcome is delivered on.
func (p *Pending) Done() <-chan Result {
	return p.done
}

// Scheduler runs fn after d and returns a function that cancels it.
type Scheduler func(d time.Duration, fn func()) (stop func() bool)

// AfterFunc is the wall-clock Scheduler.
func AfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// Correlator tracks pending requests. Safe for concurrent use.
type Correlator struct {
	logger   *logrus.Logger
	timeout  time.Duration
	schedule Scheduler

	mu      sync.Mutex
	pending map[requestID]*Pending
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTimeout overrides DefaultTimeout. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.timeout = d }
}

// WithScheduler replaces the wall-clock timer, e.g. to route timeouts
// through an event loop or to drive them from a test.
func WithScheduler(s Scheduler) Option {
	return func(c *Correlator) { c.schedule = s }
}

// New creates a Correlator.
func New(logger *logrus.Logger, opts ...Option) *Correlator {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Correlator{
		logger:   logger,
		timeout:  DefaultTimeout,
		schedule: AfterFunc,
		pending:  make(map[requestID]*Pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin registers a pending request. It must be called before the transport
// call is issued so a fast response cannot arrive uncorrelated.
func (c *Correlator) Begin(key Key) (*Pending, error) {
	if !key.Method.IsRequest() {
		return nil, fmt.Errorf("correlator: %q is not a request method", key.Method)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := key.id()
	if _, exists := c.pending[id]; exists {
		c.logger.WithFields(key.fields()).Warn("Duplicate request rejected")
		return nil, fmt.Errorf("%w: %s %s", mds.ErrDuplicateRequest, key.Method, key.URI)
	}

	p := &Pending{Key: key, done: make(chan Result, 1)}
	c.pending[id] = p
	if c.timeout > 0 {
		p.stop = c.schedule(c.timeout, func() { c.expire(p) })
	}
	c.logger.WithFields(key.fields()).Debug("Request pending")
	return p, nil
}

// Resolve settles the request matching a success event. It returns false when
// nothing was waiting for it; the event is logged and dropped.
func (c *Correlator) Resolve(ev mds.ResponseEvent) bool {
	id := requestID{method: ev.Method, uri: ev.URI, contract: ev.Contract}

	c.mu.Lock()
	p, ok := c.take(id)
	c.mu.Unlock()

	if !ok {
		c.logger.WithFields(logrus.Fields{
			"method":   string(ev.Method),
			"uri":      ev.URI,
			"contract": ev.Contract,
		}).Warn("Uncorrelated response dropped")
		return false
	}
	p.settle(Result{Data: ev.Data})
	return true
}

// Reject settles the request matching an error event with a *mds.RequestError.
// An event without a request type matches only if exactly one method is
// pending for its uri and contract.
func (c *Correlator) Reject(ev mds.ErrorEvent) bool {
	c.mu.Lock()
	var (
		p  *Pending
		ok bool
	)
	if ev.RequestType.IsRequest() {
		p, ok = c.take(requestID{method: ev.RequestType, uri: ev.URI, contract: ev.Contract})
	} else if ev.RequestType == "" && ev.URI != "" {
		var match *requestID
		for id := range c.pending {
			if id.uri == ev.URI && id.contract == ev.Contract {
				if match != nil {
					match = nil
					break
				}
				m := id
				match = &m
			}
		}
		if match != nil {
			p, ok = c.take(*match)
		}
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.settle(Result{Err: &mds.RequestError{
		Message:     ev.Message,
		URI:         p.Key.URI,
		Contract:    p.Key.Contract,
		RequestType: p.Key.Method,
	}})
	return true
}

// Fail settles p with err if it is still pending, e.g. when the transport
// call itself failed or the caller's context ended.
func (c *Correlator) Fail(p *Pending, err error) bool {
	c.mu.Lock()
	cur, ok := c.pending[p.Key.id()]
	if ok && cur == p {
		c.take(p.Key.id())
	}
	c.mu.Unlock()

	if !ok || cur != p {
		return false
	}
	p.settle(Result{Err: err})
	return true
}

// CancelDevice settles every request for address with cause.
func (c *Correlator) CancelDevice(address string, cause error) int {
	return c.cancelWhere(func(k Key) bool { return k.Device == address }, cause)
}

// CancelAll settles every pending request with cause.
func (c *Correlator) CancelAll(cause error) int {
	return c.cancelWhere(func(Key) bool { return true }, cause)
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) cancelWhere(match func(Key) bool, cause error) int {
	c.mu.Lock()
	var victims []*Pending
	for id, p := range c.pending {
		if match(p.Key) {
			c.take(id)
			victims = append(victims, p)
		}
	}
	c.mu.Unlock()

	for _, p := range victims {
		c.logger.WithFields(p.Key.fields()).WithError(cause).Debug("Request cancelled")
		p.settle(Result{Err: cause})
	}
	return len(victims)
}

func (c *Correlator) expire(p *Pending) {
	if !c.Fail(p, fmt.Errorf("%w: %s %s after %s", mds.ErrRequestTimeout, p.Key.Method, p.Key.URI, c.timeout)) {
		return
	}
	c.logger.WithFields(p.Key.fields()).Warn("Request timed out")
}

// take removes and returns the entry; c.mu must be held.
func (c *Correlator) take(id requestID) (*Pending, bool) {
	p, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)
	if p.stop != nil {
		p.stop()
	}
	return p, true
}

func (p *Pending) settle(r Result) {
	p.done <- r
}
