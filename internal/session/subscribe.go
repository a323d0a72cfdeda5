package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/movesense/internal/mds"
	"github.com/srg/movesense/internal/subscription"
)

// Subscribe starts a resource subscription and returns its id once the
// device acknowledged it. Notifications are delivered to h until
// Unsubscribe, device disconnect or Close.
//
// The id is chosen here and registered before the transport is asked, so a
// device that starts pushing before its acknowledgement arrives loses nothing.
func (s *Session) Subscribe(ctx context.Context, uri, contract string, h subscription.Handler) (string, error) {
	var (
		p    *subscription.Pending
		fail error
	)
	id := s.newID()
	err := s.do(ctx, func() {
		if fail = s.requireReady(); fail != nil {
			return
		}
		var addr string
		if addr, fail = s.resolveDevice(uri); fail != nil {
			return
		}
		p, fail = s.subs.Begin(subscription.Key{Device: addr, URI: uri, Contract: contract}, id, h)
	})
	if err != nil {
		return "", err
	}
	if fail != nil {
		return "", fail
	}

	log := s.logger.WithFields(logrus.Fields{
		"uri":          uri,
		"contract":     contract,
		"address":      p.Key.Device,
		"subscription": id,
	})
	log.Debug("Subscribing")

	callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	err = s.tr.Subscribe(callCtx, id, p.Key.Device, uri, contract)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: subscribe %s", mds.ErrRequestTimeout, uri)
		} else if _, typed := mds.KindOf(err); !typed && !isContextErr(err) {
			err = &mds.SubscriptionError{Message: err.Error(), URI: uri, Contract: contract}
		}
	}

	// Settled on the loop, behind any notification the transport already posted.
	s.post(func() {
		if err != nil {
			if s.subs.Fail(p, err) {
				s.publishError(mds.ErrorEvent{Message: err.Error(), URI: uri, Contract: contract, RequestType: mds.MethodSubscribe})
			}
			return
		}
		if !s.subs.Ack(p) {
			// The call was settled meanwhile (disconnect, close or an error
			// event); the device-side subscription has no owner.
			log.Debug("Releasing orphaned subscription")
			go func() {
				if err := s.tr.Unsubscribe(context.Background(), id); err != nil {
					log.WithError(err).Debug("Orphan unsubscribe failed")
				}
			}()
		}
	})

	select {
	case r := <-p.Done():
		return r.ID, r.Err
	case <-ctx.Done():
		if !s.subs.Fail(p, ctx.Err()) {
			// Acked concurrently; honor the cancellation by unsubscribing.
			select {
			case r := <-p.Done():
				if r.Err == nil {
					_ = s.Unsubscribe(context.Background(), r.ID)
				}
			default:
			}
		}
		return "", ctx.Err()
	case <-s.done:
		return "", mds.ErrSessionClosed
	}
}

// Unsubscribe ends subscription id. Unknown or already removed ids succeed
// silently: device-initiated teardown and caller unsubscribes race.
func (s *Session) Unsubscribe(ctx context.Context, id string) error {
	var fail error
	if err := s.do(ctx, func() { fail = s.requireReady() }); err != nil {
		return err
	}
	if fail != nil {
		return fail
	}

	sub, ok := s.subs.Remove(id)
	if !ok {
		s.logger.WithField("subscription", id).Debug("Unsubscribe of unknown subscription ignored")
		return nil
	}
	if err := s.tr.Unsubscribe(ctx, id); err != nil {
		s.logger.WithFields(logrus.Fields{
			"subscription": id,
			"uri":          sub.URI,
		}).WithError(err).Warn("Transport unsubscribe failed")
	}
	return nil
}

func (s *Session) onNotification(ev mds.NotificationEvent) {
	s.subs.Dispatch(ev)
}

func (s *Session) onNotificationError(ev mds.NotificationErrorEvent) {
	s.subs.DispatchError(ev)
}
