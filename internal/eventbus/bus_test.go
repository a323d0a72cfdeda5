package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/movesense/internal/mds"
)

type BusTestSuite struct {
	suite.Suite
	bus *Bus
}

func (s *BusTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	s.bus = New(4, logger)
}

func (s *BusTestSuite) TearDownTest() {
	s.bus.Close()
}

func (s *BusTestSuite) recv(l *Listener) mds.Event {
	select {
	case ev := <-l.C():
		return ev
	case <-time.After(time.Second):
		s.FailNow("no event received")
		return nil
	}
}

func (s *BusTestSuite) TestFanOut() {
	a := s.bus.Listen()
	b := s.bus.Listen()
	s.Equal(2, s.bus.Len())

	s.bus.Publish(mds.ScannedDeviceEvent{Address: "AA:BB", Name: "Movesense 123"})

	s.Equal(mds.ScannedDeviceEvent{Address: "AA:BB", Name: "Movesense 123"}, s.recv(a), "MUST deliver to every listener")
	s.Equal(mds.ScannedDeviceEvent{Address: "AA:BB", Name: "Movesense 123"}, s.recv(b))
}

func (s *BusTestSuite) TestSlowListenerDropsOldest() {
	l := s.bus.Listen()
	for i := 0; i < 6; i++ {
		s.bus.Publish(mds.NotificationEvent{Subscription: "s", Data: string(rune('a' + i))})
	}

	s.Equal(int64(2), l.Dropped())
	first := s.recv(l).(mds.NotificationEvent)
	s.Equal("c", first.Data, "MUST drop the oldest events first")
}

func (s *BusTestSuite) TestUnlistenIsIdempotent() {
	l := s.bus.Listen()
	s.bus.Unlisten(l)
	s.bus.Unlisten(l)
	l.Close()
	s.bus.Unlisten(nil)

	s.Equal(0, s.bus.Len())
	_, ok := <-l.C()
	s.False(ok, "MUST close the listener channel")

	s.NotPanics(func() { s.bus.Publish(mds.ScanStartedEvent{}) })
}

func (s *BusTestSuite) TestListenAfterCloseReturnsClosedListener() {
	s.bus.Close()
	l := s.bus.Listen()
	_, ok := <-l.C()
	s.False(ok)
	s.Equal(0, s.bus.Len())
}

func (s *BusTestSuite) TestConcurrentListenPublish() {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l := s.bus.Listen()
			l.Close()
		}()
		go func() {
			defer wg.Done()
			s.bus.Publish(mds.ScanStoppedEvent{})
		}()
	}
	wg.Wait()
	s.Equal(0, s.bus.Len())
}

func TestBusTestSuite(t *testing.T) {
	suite.Run(t, new(BusTestSuite))
}

func TestHandlersDispatch(t *testing.T) {
	var got []string
	h := &Handlers{
		ScannedDevice: func(e mds.ScannedDeviceEvent) { got = append(got, "scanned:"+e.Address) },
		Response:      func(e mds.ResponseEvent) { got = append(got, string(e.Method)+":"+e.URI) },
		Notification:  func(e mds.NotificationEvent) { got = append(got, "notify:"+e.Subscription) },
	}

	require.True(t, h.Dispatch(mds.ScannedDeviceEvent{Address: "AA:BB"}))
	require.True(t, h.Dispatch(mds.ResponseEvent{Method: mds.MethodPut, URI: "/Time"}))
	require.True(t, h.Dispatch(mds.NotificationEvent{Subscription: "x"}))
	assert.False(t, h.Dispatch(mds.ScanStartedEvent{}), "MUST skip nil handlers")
	assert.False(t, h.Dispatch(nil))

	assert.Equal(t, []string{"scanned:AA:BB", "PUT:/Time", "notify:x"}, got)
}
