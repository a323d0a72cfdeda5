package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/movesense/internal/groutine"
	"github.com/srg/movesense/internal/mds"
)

var errScanAborted = errors.New("scan stopped before it started")

// Scan starts device discovery and returns once the transport confirms it
// with ScanStarted. Scanning while already scanning returns immediately.
//
// The ScanStarted and ScanStopped events are the only source of truth for
// IsScanning; a successful transport call alone never flips it.
func (s *Session) Scan(ctx context.Context) error {
	return s.scanTransition(ctx, true)
}

// StopScan stops discovery and returns once ScanStopped is confirmed.
// Stopping while idle returns immediately.
func (s *Session) StopScan(ctx context.Context) error {
	return s.scanTransition(ctx, false)
}

// IsScanning reports the last confirmed scan state.
func (s *Session) IsScanning() bool {
	return s.scanning.Load()
}

// AvailableDevices lists scanned devices that are not connected, in the
// order they were first seen since the current scan started.
func (s *Session) AvailableDevices() []mds.ScannedDevice {
	out := []mds.ScannedDevice{}
	_ = s.do(context.Background(), func() { out = s.reg.ListScanned() })
	return out
}

// ConnectedDevices lists devices with a completed connection.
func (s *Session) ConnectedDevices() []mds.ReadyDevice {
	out := []mds.ReadyDevice{}
	_ = s.do(context.Background(), func() { out = s.reg.ListReady() })
	return out
}

func (s *Session) scanTransition(ctx context.Context, start bool) error {
	op := "stop scan"
	if start {
		op = "scan"
	}

	w := make(chan error, 1)
	err := s.do(ctx, func() {
		if err := s.requireReady(); err != nil {
			w <- err
			return
		}

		waiters := &s.stopWaiters
		if start {
			waiters = &s.scanWaiters
		}
		pendingOpposite := len(s.scanWaiters) > 0
		if start {
			pendingOpposite = len(s.stopWaiters) > 0
		}

		if s.scanning.Load() == start && !pendingOpposite {
			w <- nil
			return
		}

		*waiters = append(*waiters, w)
		if len(*waiters) > 1 {
			// A transport call for this transition is already in flight.
			return
		}

		groutine.Go(ctx, "session-"+op, func(callCtx context.Context) {
			var err error
			if start {
				err = s.tr.Scan(callCtx)
			} else {
				err = s.tr.StopScan(callCtx)
			}
			if err == nil {
				return
			}
			s.post(func() {
				s.logger.WithError(err).Errorf("Transport %s failed", op)
				settleAll(waiters, fmt.Errorf("%s: %w", op, err))
				s.publishError(mds.ErrorEvent{Message: err.Error()})
			})
		})
	})
	if err != nil {
		return err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, s.opts.ScanConfirmTimeout)
	defer cancel()
	if err := s.await(confirmCtx, w); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s not confirmed within %s", mds.ErrRequestTimeout, op, s.opts.ScanConfirmTimeout)
		}
		s.post(func() {
			if start {
				removeWaiter(&s.scanWaiters, w)
			} else {
				removeWaiter(&s.stopWaiters, w)
			}
		})
		return err
	}
	return nil
}

func (s *Session) onScanStarted(mds.ScanStartedEvent) {
	s.scanning.Store(true)
	s.reg.ClearScanned()
	s.logger.Debug("Scan started")
	settleAll(&s.scanWaiters, nil)
}

func (s *Session) onScanStopped(mds.ScanStoppedEvent) {
	s.scanning.Store(false)
	s.logger.Debug("Scan stopped")
	settleAll(&s.scanWaiters, errScanAborted)
	settleAll(&s.stopWaiters, nil)
}

func (s *Session) onScannedDevice(ev mds.ScannedDeviceEvent) {
	s.reg.UpsertScanned(ev.Address, ev.Name)
}
