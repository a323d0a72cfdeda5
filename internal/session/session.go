// Package session is the façade applications use to talk to Movesense devices.
//
// A Session owns one goroutine, the session loop, which is the only place
// device state changes: transport events, call completions and timer expiries
// are all posted to it and handled in arrival order. Public methods block the
// calling goroutine until the matching confirmation event, an error, a
// timeout, or context cancellation; they never leave a call hanging.
//
//	s := session.New(goble.New(logger, goble.Options{}), logger, session.Options{})
//	defer s.Close()
//	if err := s.Init(ctx); err != nil { ... }
//	if err := s.Scan(ctx); err != nil { ... }
//	dev, err := s.Connect(ctx, "AA:BB:CC:DD:EE:FF")
//	info, err := s.Get(ctx, dev.Serial+"/Info", "{}")
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/movesense/internal/correlator"
	"github.com/srg/movesense/internal/eventbus"
	"github.com/srg/movesense/internal/groutine"
	"github.com/srg/movesense/internal/mds"
	"github.com/srg/movesense/internal/registry"
	"github.com/srg/movesense/internal/subscription"
	"github.com/srg/movesense/internal/transport"
)

// State is the session lifecycle position.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options tunes a Session. Zero fields take the defaults in the tags.
type Options struct {
	// RequestTimeout bounds GET/PUT/POST/DELETE and subscribe calls.
	RequestTimeout time.Duration `default:"30s" yaml:"request_timeout"`
	// ConnectTimeout bounds Connect until ConnectionCompleted.
	ConnectTimeout time.Duration `default:"30s" yaml:"connect_timeout"`
	// ScanConfirmTimeout bounds how long Scan and StopScan wait for the
	// ScanStarted or ScanStopped confirmation.
	ScanConfirmTimeout time.Duration `default:"5s" yaml:"scan_confirm_timeout"`
	// InitTimeout bounds the transport's Init.
	InitTimeout time.Duration `default:"15s" yaml:"init_timeout"`
	// EventBuffer is each listener's ring capacity.
	EventBuffer int `default:"128" yaml:"event_buffer"`
	// NotificationBuffer is each subscription's delivery queue capacity.
	NotificationBuffer int `default:"64" yaml:"notification_buffer"`
	// Backlog holds events that arrive while Init is still in progress.
	Backlog int `default:"256" yaml:"backlog"`
}

// Session is a Movesense device session. Create with New; it is usable by
// any number of goroutines.
type Session struct {
	tr     transport.Transport
	logger *logrus.Logger
	opts   Options

	bus  *eventbus.Bus
	reg  *registry.Registry
	corr *correlator.Correlator
	subs *subscription.Manager

	inbox     *mailbox
	done      chan struct{}
	closeOnce sync.Once

	state       atomic.Int32
	scanning    atomic.Bool
	transportUp atomic.Bool

	// Loop-owned.
	handlers    eventbus.Handlers
	backlog     mpmc.RichOverlappedRingBuffer[mds.Event]
	initWaiters []chan error
	scanWaiters []chan error
	stopWaiters []chan error
	connects    *connectTable

	newID func() string
}

// New creates a Session over tr and starts its loop. Nothing touches the
// radio until Init.
func New(tr transport.Transport, logger *logrus.Logger, opts Options) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	s := &Session{
		tr:      tr,
		logger:  logger,
		opts:    opts,
		bus:     eventbus.New(opts.EventBuffer, logger),
		subs:    subscription.NewManager(opts.NotificationBuffer, logger),
		inbox:   newMailbox(),
		done:    make(chan struct{}),
		backlog: mpmc.NewOverlappedRingBuffer[mds.Event](uint32(opts.Backlog)),
		newID:   uuid.NewString,
	}
	s.corr = correlator.New(logger,
		correlator.WithTimeout(opts.RequestTimeout),
		correlator.WithScheduler(s.schedule))
	s.connects = newConnectTable(logger)
	s.reg = registry.New(logger, s.corr, s.subs, s.connects)
	s.handlers = eventbus.Handlers{
		ScanStarted:         s.onScanStarted,
		ScanStopped:         s.onScanStopped,
		ScannedDevice:       s.onScannedDevice,
		Connected:           s.onConnected,
		ConnectionCompleted: s.onConnectionCompleted,
		Disconnected:        s.onDisconnected,
		Error:               s.onError,
		Response:            s.onResponse,
		Notification:        s.onNotification,
		NotificationError:   s.onNotificationError,
	}

	groutine.Go(context.Background(), "session-loop", s.loop)
	return s
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Listen registers an event listener. Safe before Init and after Close.
func (s *Session) Listen() *eventbus.Listener {
	return s.bus.Listen()
}

// Unlisten removes l. Idempotent.
func (s *Session) Unlisten(l *eventbus.Listener) {
	s.bus.Unlisten(l)
}

// Subscriptions lists live subscriptions.
func (s *Session) Subscriptions() []subscription.Subscription {
	return s.subs.List()
}

// Close cancels every pending call with mds.ErrSessionClosed, closes all
// listeners and subscriptions, and releases the transport.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		settled := make(chan struct{})
		if !s.inbox.post(func() {
			defer close(settled)
			s.shutdown()
		}) {
			close(settled)
		}
		<-settled
		s.inbox.close()
		close(s.done)

		s.subs.Wait()
		s.bus.Close()
		if s.transportUp.Load() {
			err = s.tr.Close()
		}
		s.logger.Debug("Session closed")
	})
	return err
}

// shutdown runs on the loop.
func (s *Session) shutdown() {
	prev := State(s.state.Swap(int32(Closed)))
	s.scanning.Store(false)

	cause := mds.ErrSessionClosed
	n := s.corr.CancelAll(cause)
	n += s.subs.CancelAll(cause)
	n += s.connects.CancelAll(cause)
	settleAll(&s.initWaiters, cause)
	settleAll(&s.scanWaiters, cause)
	settleAll(&s.stopWaiters, cause)

	s.logger.WithFields(logrus.Fields{"from": prev.String(), "cancelled": n}).Debug("Session shutting down")
}

func (s *Session) loop(ctx context.Context) {
	for {
		select {
		case <-s.inbox.signal:
			for _, fn := range s.inbox.drain() {
				fn()
			}
		case <-s.done:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !s.inbox.post(func() {
		defer close(ran)
		fn()
	}) {
		return mds.ErrSessionClosed
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return mds.ErrSessionClosed
	}
}

// post runs fn on the loop without waiting.
func (s *Session) post(fn func()) {
	s.inbox.post(fn)
}

// schedule routes correlator timeouts through the loop.
func (s *Session) schedule(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, func() { s.post(fn) }).Stop
}

// requireReady must run on the loop.
func (s *Session) requireReady() error {
	switch s.State() {
	case Ready:
		return nil
	case Closed:
		return mds.ErrSessionClosed
	default:
		return mds.ErrNotInitialized
	}
}

// await waits for a settle channel, the context or session close.
func (s *Session) await(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return mds.ErrSessionClosed
	}
}

// publishError reports a failure that never reached the device.
func (s *Session) publishError(ev mds.ErrorEvent) {
	s.bus.Publish(ev)
}

func settleAll(waiters *[]chan error, err error) {
	for _, w := range *waiters {
		w <- err
	}
	*waiters = nil
}

func removeWaiter(waiters *[]chan error, w chan error) {
	for i, cand := range *waiters {
		if cand == w {
			*waiters = append((*waiters)[:i], (*waiters)[i+1:]...)
			return
		}
	}
}
