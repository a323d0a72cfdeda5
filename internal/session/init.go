package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/movesense/internal/groutine"
	"github.com/srg/movesense/internal/mds"
)

// Init brings the transport up. It returns immediately once the session is
// Ready; concurrent calls share one initialization. After a failed Init the
// session is Uninitialized again and Init may be retried.
func (s *Session) Init(ctx context.Context) error {
	w := make(chan error, 1)
	err := s.do(ctx, func() {
		switch s.State() {
		case Ready:
			w <- nil
			return
		case Closed:
			w <- mds.ErrSessionClosed
			return
		case Initializing:
			s.initWaiters = append(s.initWaiters, w)
			return
		}

		s.state.Store(int32(Initializing))
		s.initWaiters = append(s.initWaiters, w)
		s.logger.Debug("Initializing transport")

		groutine.Go(context.Background(), "session-init", func(context.Context) {
			initCtx, cancel := context.WithTimeout(context.Background(), s.opts.InitTimeout)
			defer cancel()
			err := s.tr.Init(initCtx, s.sink)
			if !s.inbox.post(func() { s.initDone(err) }) && err == nil {
				_ = s.tr.Close()
			}
		})
	})
	if err != nil {
		return err
	}

	if err := s.await(ctx, w); err != nil {
		if isContextErr(err) {
			s.post(func() { removeWaiter(&s.initWaiters, w) })
		}
		return err
	}
	return nil
}

// initDone runs on the loop.
func (s *Session) initDone(err error) {
	if s.State() != Initializing {
		if err == nil && s.State() == Closed {
			// Closed while the transport was coming up.
			_ = s.tr.Close()
		}
		return
	}

	if err != nil {
		s.state.Store(int32(Uninitialized))
		if !mds.IsKind(err, mds.KindTransportUnavailable) && !mds.IsKind(err, mds.KindPermissionDenied) {
			err = fmt.Errorf("%w: %v", mds.ErrTransportUnavailable, err)
		}
		s.logger.WithError(err).Error("Transport initialization failed")
		s.drainBacklog(func(mds.Event) {})
		settleAll(&s.initWaiters, err)
		return
	}

	s.transportUp.Store(true)
	s.state.Store(int32(Ready))
	replayed := s.drainBacklog(s.handle)
	s.logger.WithField("replayed", replayed).Info("Session ready")
	settleAll(&s.initWaiters, nil)
}

func (s *Session) drainBacklog(fn func(mds.Event)) int {
	n := 0
	for !s.backlog.IsEmpty() {
		ev, err := s.backlog.Dequeue()
		if err != nil {
			break
		}
		fn(ev)
		n++
	}
	return n
}

// sink is installed into the transport. It may be called from any goroutine.
func (s *Session) sink(ev mds.Event) {
	if ev == nil {
		return
	}
	s.post(func() { s.receive(ev) })
}

// receive runs on the loop for every transport event.
func (s *Session) receive(ev mds.Event) {
	switch s.State() {
	case Ready:
		s.handle(ev)
	case Initializing:
		overwrites, err := s.backlog.EnqueueM(ev)
		if err != nil {
			s.logger.WithError(err).Warn("Pre-ready event backlog rejected event")
			return
		}
		if overwrites > 0 {
			s.logger.WithField("event", ev.Type().String()).Warn("Pre-ready event backlog full, oldest event dropped")
		}
	default:
		s.logger.WithFields(logrus.Fields{
			"event": ev.Type().String(),
			"state": s.State().String(),
		}).Debug("Event dropped, session not initialized")
	}
}

// handle fans ev out and then applies it. Publishing first means a caller
// unblocked by ev can never observe it on a listener registered afterwards.
func (s *Session) handle(ev mds.Event) {
	s.bus.Publish(ev)
	s.handlers.Dispatch(ev)
}
