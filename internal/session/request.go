package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/movesense/internal/correlator"
	"github.com/srg/movesense/internal/mds"
)

// Get reads a device resource. uri is addressed as "<serial>/<path>"; the
// serial may be omitted while exactly one device is connected.
func (s *Session) Get(ctx context.Context, uri, contract string) (string, error) {
	return s.Request(ctx, mds.MethodGet, uri, contract)
}

func (s *Session) Put(ctx context.Context, uri, contract string) (string, error) {
	return s.Request(ctx, mds.MethodPut, uri, contract)
}

func (s *Session) Post(ctx context.Context, uri, contract string) (string, error) {
	return s.Request(ctx, mds.MethodPost, uri, contract)
}

func (s *Session) Delete(ctx context.Context, uri, contract string) (string, error) {
	return s.Request(ctx, mds.MethodDelete, uri, contract)
}

// Request sends method to uri and returns the response data. Failures are
// *mds.RequestError for device-reported errors, or wrap
// mds.ErrDuplicateRequest, mds.ErrRequestTimeout or mds.ErrDeviceDisconnected.
func (s *Session) Request(ctx context.Context, method mds.Method, uri, contract string) (string, error) {
	if !method.IsRequest() {
		return "", fmt.Errorf("invalid request method %q", method)
	}

	var (
		p    *correlator.Pending
		fail error
	)
	err := s.do(ctx, func() {
		if fail = s.requireReady(); fail != nil {
			return
		}
		var addr string
		if addr, fail = s.resolveDevice(uri); fail != nil {
			return
		}
		p, fail = s.corr.Begin(correlator.Key{Device: addr, Method: method, URI: uri, Contract: contract})
	})
	if err != nil {
		return "", err
	}
	if fail != nil {
		return "", fail
	}

	log := s.logger.WithFields(logrus.Fields{"method": string(method), "uri": uri, "address": p.Key.Device})
	log.Debug("Sending request")

	if err := s.tr.Request(ctx, p.Key.Device, method, uri, contract); err != nil {
		s.corr.Fail(p, err)
		s.publishError(mds.ErrorEvent{Message: err.Error(), URI: uri, Contract: contract, RequestType: method})
		return "", fmt.Errorf("%s %s: %w", method, uri, err)
	}

	select {
	case r := <-p.Done():
		if r.Err != nil {
			log.WithError(r.Err).Debug("Request failed")
		}
		return r.Data, r.Err
	case <-ctx.Done():
		s.corr.Fail(p, ctx.Err())
		return "", ctx.Err()
	case <-s.done:
		return "", mds.ErrSessionClosed
	}
}

// resolveDevice maps a resource uri to the address of a ready device. Loop only.
func (s *Session) resolveDevice(uri string) (string, error) {
	if serial := mds.SerialOf(uri); serial != "" {
		dev, ok := s.reg.ReadyBySerial(serial)
		if !ok {
			return "", mds.Newf(mds.KindDeviceDisconnected, "no connected device with serial %s", serial)
		}
		return dev.Address, nil
	}

	ready := s.reg.ListReady()
	switch len(ready) {
	case 0:
		return "", mds.Newf(mds.KindDeviceDisconnected, "no connected device for %s", uri)
	case 1:
		return ready[0].Address, nil
	default:
		return "", fmt.Errorf("uri %q has no device serial and %d devices are connected", uri, len(ready))
	}
}

func (s *Session) onResponse(ev mds.ResponseEvent) {
	s.corr.Resolve(ev)
}

// onError routes a device or transport error to whichever call it belongs
// to. Errors nobody waits for are logged and dropped.
func (s *Session) onError(ev mds.ErrorEvent) {
	if ev.Address != "" && (ev.RequestType == mds.MethodConnect || ev.RequestType == "") {
		cause := &mds.RequestError{Message: ev.Message, URI: ev.Address, RequestType: mds.MethodConnect}
		if s.connects.settle(ev.Address, connectResult{err: cause}) {
			s.reg.ResetConnecting(ev.Address)
			return
		}
	}

	if ev.RequestType.IsRequest() || ev.RequestType == "" {
		if s.corr.Reject(ev) {
			return
		}
	}
	if ev.RequestType == mds.MethodSubscribe || ev.RequestType == "" {
		if s.subs.Reject(ev) {
			return
		}
	}

	s.logger.WithFields(logrus.Fields{
		"message":  ev.Message,
		"uri":      ev.URI,
		"contract": ev.Contract,
		"method":   string(ev.RequestType),
		"address":  ev.Address,
	}).Warn("Uncorrelated error event")
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
