package mds

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session failures.
type ErrorKind string

const (
	KindTransportUnavailable   ErrorKind = "transport_unavailable"
	KindPermissionDenied       ErrorKind = "permission_denied"
	KindRequestFailed          ErrorKind = "request_failed"
	KindSubscriptionFailed     ErrorKind = "subscription_failed"
	KindDuplicateRequest       ErrorKind = "duplicate_request"
	KindRequestTimeout         ErrorKind = "request_timeout"
	KindDeviceDisconnected     ErrorKind = "device_disconnected"
	KindInvalidStateTransition ErrorKind = "invalid_state_transition"
	KindAlreadyConnecting      ErrorKind = "already_connecting"
	KindNotInitialized         ErrorKind = "not_initialized"
	KindSessionClosed          ErrorKind = "session_closed"
)

// Error is a session failure of a given kind. Two Errors match under
// errors.Is when their kinds are equal, so wrapped or annotated values still
// compare equal to the sentinels below.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is.
var (
	ErrTransportUnavailable   = &Error{Kind: KindTransportUnavailable}
	ErrPermissionDenied       = &Error{Kind: KindPermissionDenied}
	ErrRequestFailed          = &Error{Kind: KindRequestFailed}
	ErrSubscriptionFailed     = &Error{Kind: KindSubscriptionFailed}
	ErrDuplicateRequest       = &Error{Kind: KindDuplicateRequest}
	ErrRequestTimeout         = &Error{Kind: KindRequestTimeout}
	ErrDeviceDisconnected     = &Error{Kind: KindDeviceDisconnected}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition}
	ErrAlreadyConnecting      = &Error{Kind: KindAlreadyConnecting}
	ErrNotInitialized         = &Error{Kind: KindNotInitialized}
	ErrSessionClosed          = &Error{Kind: KindSessionClosed}
)

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// RequestError rejects a single request call with the device's failure report.
// A failed connect is reported with RequestType MethodConnect and the device
// address in URI.
type RequestError struct {
	Message     string
	URI         string
	Contract    string
	RequestType Method
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s failed: %s", e.RequestType, e.URI, e.Message)
}

// Is matches ErrRequestFailed.
func (e *RequestError) Is(target error) bool {
	return target == ErrRequestFailed
}

// SubscriptionError rejects a subscribe call or reports a failure on a live
// subscription. Subscription is empty when the device did not name one.
type SubscriptionError struct {
	Message      string
	Subscription string
	URI          string
	Contract     string
}

func (e *SubscriptionError) Error() string {
	if e.Subscription != "" {
		return fmt.Sprintf("subscription %s failed: %s", e.Subscription, e.Message)
	}
	return fmt.Sprintf("subscribe %s failed: %s", e.URI, e.Message)
}

// Is matches ErrSubscriptionFailed.
func (e *SubscriptionError) Is(target error) bool {
	return target == ErrSubscriptionFailed
}

// KindOf returns the kind of the first taxonomy error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	var re *RequestError
	if errors.As(err, &re) {
		return KindRequestFailed, true
	}
	var se *SubscriptionError
	if errors.As(err, &se) {
		return KindSubscriptionFailed, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
