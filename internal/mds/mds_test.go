package mds

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		match  bool
	}{
		{"same kind with message", Newf(KindRequestTimeout, "GET /Meas/HR"), ErrRequestTimeout, true},
		{"wrapped", fmt.Errorf("connect: %w", ErrAlreadyConnecting), ErrAlreadyConnecting, true},
		{"different kind", Newf(KindDeviceDisconnected, "AA:BB"), ErrRequestTimeout, false},
		{"request error", &RequestError{Message: "404", URI: "/Info", RequestType: MethodGet}, ErrRequestFailed, true},
		{"request error is not subscription", &RequestError{Message: "404"}, ErrSubscriptionFailed, false},
		{"subscription error", &SubscriptionError{Message: "busy", Subscription: "s1"}, ErrSubscriptionFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, errors.Is(tt.err, tt.target))
		})
	}
}

func TestKindOf(t *testing.T) {
	k, ok := KindOf(fmt.Errorf("x: %w", &RequestError{Message: "boom"}))
	require.True(t, ok)
	assert.Equal(t, KindRequestFailed, k)

	assert.True(t, IsKind(ErrSessionClosed, KindSessionClosed))
	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "request_timeout", ErrRequestTimeout.Error())
	assert.Equal(t, "device_disconnected: AA:BB", Newf(KindDeviceDisconnected, "AA:BB").Error())
	assert.Equal(t, "GET /Info failed: 404", (&RequestError{Message: "404", URI: "/Info", RequestType: MethodGet}).Error())
	assert.Equal(t, "subscribe /Meas/HR failed: busy", (&SubscriptionError{Message: "busy", URI: "/Meas/HR"}).Error())
}

func TestParseMethod(t *testing.T) {
	for in, want := range map[string]Method{"get": MethodGet, "PUT": MethodPut, " post ": MethodPost, "del": MethodDelete, "DELETE": MethodDelete} {
		m, err := ParseMethod(in)
		require.NoError(t, err, "MUST parse %q", in)
		assert.Equal(t, want, m)
		assert.True(t, m.IsRequest())
	}

	_, err := ParseMethod("PATCH")
	assert.Error(t, err)
	assert.False(t, MethodSubscribe.IsRequest())
	assert.Equal(t, EventUnknown, MethodConnect.SuccessEvent())
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, EventGETSuccess, ResponseEvent{Method: MethodGet}.Type())
	assert.Equal(t, EventDELETESuccess, ResponseEvent{Method: MethodDelete}.Type())

	for typ, name := range eventTypeNames {
		parsed, err := ParseEventType(name)
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}
	_, err := ParseEventType("Bogus")
	assert.Error(t, err)
	assert.Equal(t, "EventType(99)", EventType(99).String())
}

func TestEnvelopeJSON(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"scan started has no payload", ScanStartedEvent{}, `{"type":"ScanStarted"}`},
		{"scanned device", ScannedDeviceEvent{Address: "AA:BB", Name: "Movesense 123"},
			`{"type":"ScannedDevice","payload":{"address":"AA:BB","name":"Movesense 123"}}`},
		{"response", ResponseEvent{Method: MethodGet, URI: "/Info", Contract: "{}", Data: "{}"},
			`{"type":"GETSuccess","payload":{"uri":"/Info","contract":"{}","data":"{}"}}`},
		{"error omits empty fields", ErrorEvent{Message: "boom"}, `{"type":"Error","payload":{"message":"boom"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(Wrap(tt.ev))
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(b))
		})
	}
}

func TestSerialOf(t *testing.T) {
	tests := []struct {
		uri    string
		serial string
		path   string
	}{
		{"suunto://174630000192/Meas/HR", "174630000192", "/Meas/HR"},
		{"174630000192/Meas/Acc/52", "174630000192", "/Meas/Acc/52"},
		{"/Meas/HR", "", "/Meas/HR"},
		{"Meas/HR", "", "/Meas/HR"},
		{"MDS/ConnectedDevices", "", "/MDS/ConnectedDevices"},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			assert.Equal(t, tt.serial, SerialOf(tt.uri))
			assert.Equal(t, tt.path, ResourcePath(tt.uri))
		})
	}
}
