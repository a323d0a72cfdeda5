package subscription

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/movesense/internal/mds"
)

// recorder is a Handler that collects what it is given.
type recorder struct {
	mu   sync.Mutex
	data []string
	errs []error
}

func (r *recorder) handler() Handler {
	return Handler{
		OnNotification: func(d string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.data = append(r.data, d)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) snapshot() ([]string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.data...), append([]error(nil), r.errs...)
}

type ManagerTestSuite struct {
	suite.Suite
	m *Manager
}

func (s *ManagerTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	s.m = NewManager(8, logger)
}

func (s *ManagerTestSuite) TearDownTest() {
	s.m.CancelAll(mds.ErrSessionClosed)
	s.m.Wait()
}

func (s *ManagerTestSuite) result(p *Pending) Result {
	select {
	case r := <-p.Done():
		return r
	case <-time.After(time.Second):
		s.FailNow("subscribe did not settle")
		return Result{}
	}
}

var hr = Key{Device: "AA:BB", URI: "123456/Meas/HR", Contract: "{}"}

func (s *ManagerTestSuite) subscribe(key Key, id string, rec *recorder) {
	p, err := s.m.Begin(key, id, rec.handler())
	s.Require().NoError(err)
	s.Require().True(s.m.Ack(p))
	s.Require().Equal(id, s.result(p).ID)
}

func (s *ManagerTestSuite) TestNotificationDeliveredExactlyOnce() {
	rec := &recorder{}
	s.subscribe(hr, "sub-1", rec)

	s.True(s.m.Dispatch(mds.NotificationEvent{Subscription: "sub-1", Data: `{"average":60}`}))

	s.Eventually(func() bool {
		data, _ := rec.snapshot()
		return len(data) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	data, _ := rec.snapshot()
	s.Equal([]string{`{"average":60}`}, data, "MUST deliver the payload exactly once")
}

func (s *ManagerTestSuite) TestNotificationAfterRemoveIsDropped() {
	rec := &recorder{}
	s.subscribe(hr, "sub-1", rec)

	_, ok := s.m.Remove("sub-1")
	s.True(ok)
	_, ok = s.m.Remove("sub-1")
	s.False(ok, "second remove MUST be a no-op")

	s.False(s.m.Dispatch(mds.NotificationEvent{Subscription: "sub-1", Data: "late"}))
	s.m.Wait()
	data, _ := rec.snapshot()
	s.Empty(data)
}

func (s *ManagerTestSuite) TestUnknownNotificationDropped() {
	s.False(s.m.Dispatch(mds.NotificationEvent{Subscription: "ghost", Data: "x"}))
	s.False(s.m.DispatchError(mds.NotificationErrorEvent{Subscription: "ghost", Message: "x"}))
}

func (s *ManagerTestSuite) TestNotificationErrorRoutedToHandler() {
	rec := &recorder{}
	s.subscribe(hr, "sub-1", rec)

	s.True(s.m.DispatchError(mds.NotificationErrorEvent{Subscription: "sub-1", Message: "sensor fault"}))
	s.True(s.m.Dispatch(mds.NotificationEvent{Subscription: "sub-1", Data: "after"}))

	s.Eventually(func() bool {
		data, errs := rec.snapshot()
		return len(errs) == 1 && len(data) == 1
	}, time.Second, 5*time.Millisecond, "MUST keep delivering after a notification error")

	_, errs := rec.snapshot()
	var subErr *mds.SubscriptionError
	s.Require().True(errors.As(errs[0], &subErr))
	s.Equal("sub-1", subErr.Subscription)
	s.Equal("sensor fault", subErr.Message)
}

func (s *ManagerTestSuite) TestRejectWithSubscriptionError() {
	p, err := s.m.Begin(hr, "sub-1", (&recorder{}).handler())
	s.Require().NoError(err)

	s.True(s.m.Reject(mds.ErrorEvent{Message: "not found", URI: hr.URI, Contract: hr.Contract, RequestType: mds.MethodSubscribe}))

	r := s.result(p)
	s.ErrorIs(r.Err, mds.ErrSubscriptionFailed)
	s.False(s.m.Ack(p), "ack after reject MUST report the orphan")
	s.Equal(0, s.m.Len())
	s.False(s.m.Dispatch(mds.NotificationEvent{Subscription: "sub-1", Data: "x"}))
}

func (s *ManagerTestSuite) TestRejectIgnoresRequestErrors() {
	_, err := s.m.Begin(hr, "sub-1", (&recorder{}).handler())
	s.Require().NoError(err)
	s.False(s.m.Reject(mds.ErrorEvent{Message: "x", URI: hr.URI, Contract: hr.Contract, RequestType: mds.MethodGet}))
}

func (s *ManagerTestSuite) TestDuplicatePendingRejected() {
	_, err := s.m.Begin(hr, "sub-1", (&recorder{}).handler())
	s.Require().NoError(err)
	_, err = s.m.Begin(hr, "sub-2", (&recorder{}).handler())
	s.ErrorIs(err, mds.ErrDuplicateRequest)
}

func (s *ManagerTestSuite) TestBeginRequiresHandler() {
	_, err := s.m.Begin(hr, "sub-1", Handler{})
	s.Error(err)
}

func (s *ManagerTestSuite) TestCancelDevice() {
	rec := &recorder{}
	s.subscribe(hr, "sub-1", rec)
	other := &recorder{}
	s.subscribe(Key{Device: "CC:DD", URI: "999/Meas/HR", Contract: "{}"}, "sub-2", other)

	acc := Key{Device: "AA:BB", URI: "123456/Meas/Acc/52", Contract: "{}"}
	pending, err := s.m.Begin(acc, "sub-3", (&recorder{}).handler())
	s.Require().NoError(err)

	cause := mds.Newf(mds.KindDeviceDisconnected, "AA:BB")
	s.Equal(2, s.m.CancelDevice("AA:BB", cause))

	s.ErrorIs(s.result(pending).Err, mds.ErrDeviceDisconnected, "pending subscribe MUST be rejected")
	_, ok := s.m.Get("sub-1")
	s.False(ok)
	_, ok = s.m.Get("sub-2")
	s.True(ok, "other devices MUST be unaffected")
	s.Len(s.m.List(), 1)

	s.Eventually(func() bool {
		_, errs := rec.snapshot()
		return len(errs) == 1 && errors.Is(errs[0], mds.ErrDeviceDisconnected)
	}, time.Second, 5*time.Millisecond)
}

func (s *ManagerTestSuite) TestPanickingHandlerIsContained() {
	p, err := s.m.Begin(hr, "sub-1", Handler{OnNotification: func(string) { panic("boom") }})
	s.Require().NoError(err)
	s.Require().True(s.m.Ack(p))

	s.True(s.m.Dispatch(mds.NotificationEvent{Subscription: "sub-1", Data: "a"}))
	s.True(s.m.Dispatch(mds.NotificationEvent{Subscription: "sub-1", Data: "b"}))
	s.m.Remove("sub-1")
	s.m.Wait()
}

func (s *ManagerTestSuite) TestBeginWithDuplicateIDFails() {
	s.subscribe(hr, "sub-1", &recorder{})
	_, err := s.m.Begin(Key{Device: "AA:BB", URI: "123456/Meas/Acc/52", Contract: "{}"}, "sub-1", (&recorder{}).handler())

	s.ErrorIs(err, mds.ErrSubscriptionFailed)
	s.Equal(1, s.m.Len())
}

func (s *ManagerTestSuite) TestNotificationsBeforeAckAreDeliveredInOrder() {
	rec := &recorder{}
	p, err := s.m.Begin(hr, "sub-1", rec.handler())
	s.Require().NoError(err)

	s.True(s.m.Dispatch(mds.NotificationEvent{Subscription: "sub-1", Data: "first"}))
	s.True(s.m.Dispatch(mds.NotificationEvent{Subscription: "sub-1", Data: "second"}))
	time.Sleep(20 * time.Millisecond)
	data, _ := rec.snapshot()
	s.Empty(data, "MUST NOT deliver before the subscribe is acknowledged")
	s.Empty(s.m.List())

	s.Require().True(s.m.Ack(p))
	s.True(s.m.Dispatch(mds.NotificationEvent{Subscription: "sub-1", Data: "third"}))

	s.Eventually(func() bool {
		data, _ := rec.snapshot()
		return len(data) == 3
	}, time.Second, 5*time.Millisecond)
	data, _ = rec.snapshot()
	s.Equal([]string{"first", "second", "third"}, data)
}

func (s *ManagerTestSuite) TestFailDiscardsQueuedNotifications() {
	rec := &recorder{}
	p, err := s.m.Begin(hr, "sub-1", rec.handler())
	s.Require().NoError(err)
	s.True(s.m.Dispatch(mds.NotificationEvent{Subscription: "sub-1", Data: "early"}))

	s.True(s.m.Fail(p, mds.ErrRequestTimeout))

	s.ErrorIs(s.result(p).Err, mds.ErrRequestTimeout)
	s.False(s.m.Dispatch(mds.NotificationEvent{Subscription: "sub-1", Data: "late"}))
	_, removed := s.m.Remove("sub-1")
	s.False(removed)
	s.m.Wait()
	data, errs := rec.snapshot()
	s.Empty(data)
	s.Empty(errs)
}

func (s *ManagerTestSuite) TestUnacknowledgedIsNotRemovable() {
	p, err := s.m.Begin(hr, "sub-1", (&recorder{}).handler())
	s.Require().NoError(err)

	_, removed := s.m.Remove("sub-1")
	s.False(removed)
	s.True(s.m.Ack(p))
	_, ok := s.m.Get("sub-1")
	s.True(ok)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
