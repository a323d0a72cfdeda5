package mds

import (
	"fmt"
	"strings"
)

// Method is a resource request method understood by the device.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPut    Method = "PUT"
	MethodPost   Method = "POST"
	MethodDelete Method = "DELETE"

	// MethodSubscribe and MethodConnect only appear as the RequestType of an
	// ErrorEvent; they are never sent through the request correlator.
	MethodSubscribe Method = "SUBSCRIBE"
	MethodConnect   Method = "CONNECT"
)

// ParseMethod accepts the request methods case-insensitively ("del" is an alias for DELETE).
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GET":
		return MethodGet, nil
	case "PUT":
		return MethodPut, nil
	case "POST":
		return MethodPost, nil
	case "DELETE", "DEL":
		return MethodDelete, nil
	default:
		return "", fmt.Errorf("invalid method %q: use GET, PUT, POST or DELETE", s)
	}
}

// IsRequest reports whether m can be sent through the request correlator.
func (m Method) IsRequest() bool {
	switch m {
	case MethodGet, MethodPut, MethodPost, MethodDelete:
		return true
	}
	return false
}

// SuccessEvent returns the event type that resolves a request sent with m.
func (m Method) SuccessEvent() EventType {
	switch m {
	case MethodGet:
		return EventGETSuccess
	case MethodPut:
		return EventPUTSuccess
	case MethodPost:
		return EventPOSTSuccess
	case MethodDelete:
		return EventDELETESuccess
	default:
		return EventUnknown
	}
}
