package correlator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/movesense/internal/mds"
)

// fakeClock records scheduled timers and fires them on demand.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (c *fakeClock) schedule(d time.Duration, fn func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

func (c *fakeClock) fireAll() {
	c.mu.Lock()
	var live []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped {
			t.stopped = true
			live = append(live, t)
		}
	}
	c.mu.Unlock()
	for _, t := range live {
		t.fn()
	}
}

type CorrelatorTestSuite struct {
	suite.Suite
	clock *fakeClock
	c     *Correlator
}

func (s *CorrelatorTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	s.clock = &fakeClock{}
	s.c = New(logger, WithTimeout(5*time.Second), WithScheduler(s.clock.schedule))
}

func (s *CorrelatorTestSuite) result(p *Pending) Result {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	select {
	case r := <-p.Done():
		return r
	case <-ctx.Done():
		s.FailNow("pending request did not settle")
		return Result{}
	}
}

func (s *CorrelatorTestSuite) unsettled(p *Pending) {
	select {
	case r := <-p.Done():
		s.Failf("unexpected settle", "%+v", r)
	default:
	}
}

var hrInfo = Key{Device: "AA:BB", Method: mds.MethodGet, URI: "123456/Info", Contract: "{}"}

func (s *CorrelatorTestSuite) TestResolve() {
	p, err := s.c.Begin(hrInfo)
	s.Require().NoError(err)

	s.True(s.c.Resolve(mds.ResponseEvent{Method: mds.MethodGet, URI: "123456/Info", Contract: "{}", Data: `{"Content":1}`}))

	r := s.result(p)
	s.NoError(r.Err)
	s.Equal(`{"Content":1}`, r.Data)
	s.Equal(0, s.c.Len())
}

func (s *CorrelatorTestSuite) TestDuplicateRejectedFirstUnaffected() {
	first, err := s.c.Begin(hrInfo)
	s.Require().NoError(err)

	_, err = s.c.Begin(hrInfo)
	s.ErrorIs(err, mds.ErrDuplicateRequest, "MUST reject the second call")
	s.unsettled(first)

	s.True(s.c.Resolve(mds.ResponseEvent{Method: mds.MethodGet, URI: hrInfo.URI, Contract: hrInfo.Contract, Data: "ok"}))
	s.Equal("ok", s.result(first).Data, "first call MUST resolve normally")
}

func (s *CorrelatorTestSuite) TestSameURIDifferentMethodIsNotDuplicate() {
	_, err := s.c.Begin(hrInfo)
	s.Require().NoError(err)
	put := hrInfo
	put.Method = mds.MethodPut
	_, err = s.c.Begin(put)
	s.NoError(err)
	s.Equal(2, s.c.Len())
}

func (s *CorrelatorTestSuite) TestRejectWithRequestError() {
	p, err := s.c.Begin(hrInfo)
	s.Require().NoError(err)

	s.True(s.c.Reject(mds.ErrorEvent{Message: "404 Not Found", URI: hrInfo.URI, Contract: "{}", RequestType: mds.MethodGet}))

	r := s.result(p)
	s.ErrorIs(r.Err, mds.ErrRequestFailed)
	var reqErr *mds.RequestError
	s.Require().True(errors.As(r.Err, &reqErr))
	s.Equal(mds.RequestError{Message: "404 Not Found", URI: hrInfo.URI, Contract: "{}", RequestType: mds.MethodGet}, *reqErr)
}

func (s *CorrelatorTestSuite) TestRejectWithoutRequestTypeNeedsUniqueMatch() {
	get, err := s.c.Begin(hrInfo)
	s.Require().NoError(err)

	s.True(s.c.Reject(mds.ErrorEvent{Message: "boom", URI: hrInfo.URI, Contract: "{}"}))
	s.ErrorIs(s.result(get).Err, mds.ErrRequestFailed)

	_, err = s.c.Begin(hrInfo)
	s.Require().NoError(err)
	put := hrInfo
	put.Method = mds.MethodPut
	_, err = s.c.Begin(put)
	s.Require().NoError(err)

	s.False(s.c.Reject(mds.ErrorEvent{Message: "boom", URI: hrInfo.URI, Contract: "{}"}), "ambiguous error MUST be dropped")
	s.Equal(2, s.c.Len())
}

func (s *CorrelatorTestSuite) TestUncorrelatedEventsDropped() {
	s.False(s.c.Resolve(mds.ResponseEvent{Method: mds.MethodGet, URI: "nope"}))
	s.False(s.c.Reject(mds.ErrorEvent{Message: "x", URI: "nope", RequestType: mds.MethodPost}))
	s.False(s.c.Reject(mds.ErrorEvent{Message: "scan failed"}))
}

func (s *CorrelatorTestSuite) TestTimeout() {
	p, err := s.c.Begin(hrInfo)
	s.Require().NoError(err)

	s.clock.fireAll()

	s.ErrorIs(s.result(p).Err, mds.ErrRequestTimeout)
	s.Equal(0, s.c.Len(), "MUST remove the timed out entry")
	s.False(s.c.Resolve(mds.ResponseEvent{Method: mds.MethodGet, URI: hrInfo.URI, Contract: "{}"}), "late response MUST be dropped")
}

func (s *CorrelatorTestSuite) TestResolveStopsTimer() {
	p, err := s.c.Begin(hrInfo)
	s.Require().NoError(err)
	s.True(s.c.Resolve(mds.ResponseEvent{Method: mds.MethodGet, URI: hrInfo.URI, Contract: "{}", Data: "d"}))
	s.clock.fireAll()
	s.Equal("d", s.result(p).Data)
	s.unsettled(p)
}

func (s *CorrelatorTestSuite) TestFailOnlyCurrentEntry() {
	p, err := s.c.Begin(hrInfo)
	s.Require().NoError(err)
	s.True(s.c.Fail(p, context.Canceled))
	s.ErrorIs(s.result(p).Err, context.Canceled)

	again, err := s.c.Begin(hrInfo)
	s.Require().NoError(err)
	s.False(s.c.Fail(p, context.Canceled), "stale handle MUST NOT settle the new entry")
	s.unsettled(again)
}

func (s *CorrelatorTestSuite) TestCancelDevice() {
	a, err := s.c.Begin(hrInfo)
	s.Require().NoError(err)
	other := Key{Device: "CC:DD", Method: mds.MethodGet, URI: "999/Info", Contract: "{}"}
	b, err := s.c.Begin(other)
	s.Require().NoError(err)

	s.Equal(1, s.c.CancelDevice("AA:BB", mds.Newf(mds.KindDeviceDisconnected, "AA:BB")))

	s.ErrorIs(s.result(a).Err, mds.ErrDeviceDisconnected)
	s.unsettled(b)
	s.Equal(1, s.c.CancelAll(mds.ErrSessionClosed))
	s.ErrorIs(s.result(b).Err, mds.ErrSessionClosed)
}

func (s *CorrelatorTestSuite) TestBeginRejectsNonRequestMethod() {
	_, err := s.c.Begin(Key{Method: mds.MethodSubscribe, URI: "/Meas/HR"})
	s.Error(err)
}

func TestCorrelatorTestSuite(t *testing.T) {
	suite.Run(t, new(CorrelatorTestSuite))
}

func TestWallClockTimeout(t *testing.T) {
	c := New(nil, WithTimeout(20*time.Millisecond))
	p, err := c.Begin(hrInfo)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-p.Done():
		if !errors.Is(r.Err, mds.ErrRequestTimeout) {
			t.Fatalf("expected timeout, got %v", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("request did not time out")
	}
}
