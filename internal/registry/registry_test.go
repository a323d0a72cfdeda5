package registry

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/movesense/internal/mds"
)

type mockCanceler struct {
	mock.Mock
}

func (m *mockCanceler) CancelDevice(address string, cause error) int {
	args := m.Called(address, cause)
	return args.Int(0)
}

type RegistryTestSuite struct {
	suite.Suite
	hook     *test.Hook
	canceler *mockCanceler
	reg      *Registry
}

func (s *RegistryTestSuite) SetupTest() {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	s.hook = hook
	s.canceler = &mockCanceler{}
	s.reg = New(logger, s.canceler)
}

func (s *RegistryTestSuite) TestScannedListInSightingOrder() {
	s.reg.UpsertScanned("CC:DD", "Movesense 2")
	s.reg.UpsertScanned("AA:BB", "Movesense 1")
	s.reg.UpsertScanned("CC:DD", "")

	s.Equal([]mds.ScannedDevice{
		{Address: "CC:DD", Name: "Movesense 2"},
		{Address: "AA:BB", Name: "Movesense 1"},
	}, s.reg.ListScanned(), "MUST keep first-sighting order and the known name")
}

func (s *RegistryTestSuite) TestConnectLifecycle() {
	s.reg.UpsertScanned("AA:BB", "Movesense 123")
	s.Require().NoError(s.reg.MarkConnecting("AA:BB"))
	s.Equal(mds.StateConnecting, s.reg.State("AA:BB"))
	s.Empty(s.reg.ListScanned(), "connecting devices MUST NOT be listed as available")

	s.Require().NoError(s.reg.MarkReady("AA:BB", "123456"))
	s.Equal([]mds.ReadyDevice{{Address: "AA:BB", Serial: "123456"}}, s.reg.ListReady())
	s.Empty(s.reg.ListScanned())

	dev, ok := s.reg.ReadyBySerial("123456")
	s.True(ok)
	s.Equal("AA:BB", dev.Address)
}

func (s *RegistryTestSuite) TestScanOfReadyDeviceKeepsState() {
	s.Require().NoError(s.reg.MarkConnecting("AA:BB"))
	s.Require().NoError(s.reg.MarkReady("AA:BB", "123456"))

	s.reg.UpsertScanned("AA:BB", "Movesense 123")

	s.Equal(mds.StateReady, s.reg.State("AA:BB"))
	_, ok := s.reg.Ready("AA:BB")
	s.True(ok)
}

func (s *RegistryTestSuite) TestMarkReadyWithoutConnectingIsTolerated() {
	err := s.reg.MarkReady("EE:FF", "999")

	s.ErrorIs(err, mds.ErrInvalidStateTransition)
	s.Equal(mds.StateReady, s.reg.State("EE:FF"), "MUST still register the device ready")
	s.Require().NotNil(s.hook.LastEntry())
	s.Equal(logrus.WarnLevel, s.hook.LastEntry().Level)
}

func (s *RegistryTestSuite) TestMarkConnectingReadyDeviceFails() {
	s.Require().NoError(s.reg.MarkConnecting("AA:BB"))
	s.Require().NoError(s.reg.MarkReady("AA:BB", "1"))
	s.ErrorIs(s.reg.MarkConnecting("AA:BB"), mds.ErrInvalidStateTransition)
}

func (s *RegistryTestSuite) TestRemoveCascades() {
	cause := errors.New("link lost")
	s.canceler.On("CancelDevice", "AA:BB", cause).Return(2).Once()
	second := &mockCanceler{}
	second.On("CancelDevice", "AA:BB", cause).Return(1).Once()
	s.reg.AddCanceler(second)

	s.Require().NoError(s.reg.MarkConnecting("AA:BB"))
	s.True(s.reg.Remove("AA:BB", cause))

	s.Equal(mds.StateUnknown, s.reg.State("AA:BB"))
	s.canceler.AssertExpectations(s.T())
	second.AssertExpectations(s.T())
}

func (s *RegistryTestSuite) TestRemoveUnknownStillCancels() {
	s.canceler.On("CancelDevice", "11:22", mds.ErrDeviceDisconnected).Return(0).Once()
	s.False(s.reg.Remove("11:22", mds.ErrDeviceDisconnected))
	s.canceler.AssertExpectations(s.T())
}

func (s *RegistryTestSuite) TestResetConnecting() {
	s.reg.UpsertScanned("AA:BB", "Movesense 123")
	s.Require().NoError(s.reg.MarkConnecting("AA:BB"))

	s.reg.ResetConnecting("AA:BB")

	s.Equal([]mds.ScannedDevice{{Address: "AA:BB", Name: "Movesense 123"}}, s.reg.ListScanned())
	s.reg.ResetConnecting("unknown")
	s.Equal(mds.StateUnknown, s.reg.State("unknown"))
}

func (s *RegistryTestSuite) TestClearScannedKeepsConnected() {
	s.reg.UpsertScanned("AA:BB", "one")
	s.reg.UpsertScanned("CC:DD", "two")
	s.Require().NoError(s.reg.MarkConnecting("CC:DD"))

	s.reg.ClearScanned()

	s.Empty(s.reg.ListScanned())
	s.Equal(mds.StateUnknown, s.reg.State("AA:BB"))
	s.Equal(mds.StateConnecting, s.reg.State("CC:DD"))
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
