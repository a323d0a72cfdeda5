package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/movesense/internal/mds"
)

type connectResult struct {
	dev mds.ReadyDevice
	err error
}

// connectTable holds in-flight Connect calls by address. Loop-owned; it is a
// registry.Canceler so removing a device rejects its pending connect.
type connectTable struct {
	logger  *logrus.Logger
	pending map[string]chan connectResult
}

func newConnectTable(logger *logrus.Logger) *connectTable {
	return &connectTable{logger: logger, pending: make(map[string]chan connectResult)}
}

func (t *connectTable) begin(address string) (chan connectResult, error) {
	if _, ok := t.pending[address]; ok {
		return nil, fmt.Errorf("%w: %s", mds.ErrAlreadyConnecting, address)
	}
	ch := make(chan connectResult, 1)
	t.pending[address] = ch
	return ch, nil
}

func (t *connectTable) settle(address string, r connectResult) bool {
	ch, ok := t.pending[address]
	if !ok {
		return false
	}
	delete(t.pending, address)
	ch <- r
	return true
}

// drop removes ch if it is still the pending connect for address.
func (t *connectTable) drop(address string, ch chan connectResult) bool {
	if t.pending[address] != ch {
		return false
	}
	delete(t.pending, address)
	return true
}

func (t *connectTable) CancelDevice(address string, cause error) int {
	if t.settle(address, connectResult{err: cause}) {
		t.logger.WithField("address", address).WithError(cause).Debug("Pending connect cancelled")
		return 1
	}
	return 0
}

func (t *connectTable) CancelAll(cause error) int {
	n := 0
	for addr := range t.pending {
		n += t.CancelDevice(addr, cause)
	}
	return n
}

// Connect connects to address and returns once the device handshake
// completes (ConnectionCompleted). A second Connect for the same address
// while the first is in flight fails with mds.ErrAlreadyConnecting; the
// first is unaffected. Connecting a device that is already connected
// returns it immediately.
func (s *Session) Connect(ctx context.Context, address string) (mds.ReadyDevice, error) {
	var (
		ch   chan connectResult
		dev  mds.ReadyDevice
		fail error
	)
	err := s.do(ctx, func() {
		if fail = s.requireReady(); fail != nil {
			return
		}
		if ready, ok := s.reg.Ready(address); ok {
			dev = ready
			return
		}
		if ch, fail = s.connects.begin(address); fail != nil {
			s.logger.WithField("address", address).Warn("Connect already in progress")
			return
		}
		if err := s.reg.MarkConnecting(address); err != nil {
			s.logger.WithField("address", address).WithError(err).Warn("Unexpected connect state")
		}
		s.logger.WithField("address", address).Info("Connecting")
	})
	if err != nil {
		return mds.ReadyDevice{}, err
	}
	if fail != nil {
		return mds.ReadyDevice{}, fail
	}
	if ch == nil {
		return dev, nil
	}

	if err := s.tr.Connect(ctx, address); err != nil {
		s.post(func() {
			if s.connects.drop(address, ch) {
				s.reg.ResetConnecting(address)
			}
			s.publishError(mds.ErrorEvent{Message: err.Error(), RequestType: mds.MethodConnect, Address: address})
		})
		return mds.ReadyDevice{}, fmt.Errorf("connect %s: %w", address, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	select {
	case r := <-ch:
		return r.dev, r.err
	case <-waitCtx.Done():
		err := waitCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: connect %s not completed within %s", mds.ErrRequestTimeout, address, s.opts.ConnectTimeout)
		}
		s.abandonConnect(address, ch)
		return mds.ReadyDevice{}, err
	case <-s.done:
		return mds.ReadyDevice{}, mds.ErrSessionClosed
	}
}

// abandonConnect tears down a connect attempt the caller gave up on.
func (s *Session) abandonConnect(address string, ch chan connectResult) {
	s.post(func() {
		if !s.connects.drop(address, ch) {
			return
		}
		s.reg.ResetConnecting(address)
		s.logger.WithField("address", address).Warn("Connect abandoned, cancelling link")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
			defer cancel()
			if err := s.tr.Disconnect(ctx, address); err != nil {
				s.logger.WithField("address", address).WithError(err).Debug("Cancel connect failed")
			}
		}()
	})
}

// Disconnect closes the link to address. Its pending requests, subscriptions
// and connect are settled with mds.ErrDeviceDisconnected once the transport
// accepted the call.
func (s *Session) Disconnect(ctx context.Context, address string) error {
	var fail error
	if err := s.do(ctx, func() { fail = s.requireReady() }); err != nil {
		return err
	}
	if fail != nil {
		return fail
	}

	if err := s.tr.Disconnect(ctx, address); err != nil {
		s.publishError(mds.ErrorEvent{Message: err.Error(), Address: address})
		return fmt.Errorf("disconnect %s: %w", address, err)
	}

	return s.do(ctx, func() {
		s.reg.Remove(address, mds.Newf(mds.KindDeviceDisconnected, "%s disconnected", address))
	})
}

func (s *Session) onConnected(ev mds.ConnectedEvent) {
	s.logger.WithField("address", ev.Address).Debug("Link up, waiting for handshake")
}

func (s *Session) onConnectionCompleted(ev mds.ConnectionCompletedEvent) {
	// A ready device without a pending connect is logged by the registry
	// and otherwise accepted.
	_ = s.reg.MarkReady(ev.Address, ev.Serial)
	dev := mds.ReadyDevice{Address: ev.Address, Serial: ev.Serial}
	s.connects.settle(ev.Address, connectResult{dev: dev})
	s.logger.WithFields(logrus.Fields{"address": ev.Address, "serial": ev.Serial}).Info("Device connected")
}

func (s *Session) onDisconnected(ev mds.DisconnectedEvent) {
	if !s.reg.Remove(ev.Address, mds.Newf(mds.KindDeviceDisconnected, "%s disconnected", ev.Address)) {
		s.logger.WithField("address", ev.Address).Debug("Disconnected event for unknown device")
		return
	}
	s.logger.WithField("address", ev.Address).Info("Device disconnected")
}
