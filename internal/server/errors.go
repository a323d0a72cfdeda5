package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/srg/movesense/internal/mds"
)

var kindStatus = map[mds.ErrorKind]int{
	mds.KindTransportUnavailable:   http.StatusServiceUnavailable,
	mds.KindPermissionDenied:       http.StatusForbidden,
	mds.KindRequestFailed:          http.StatusBadGateway,
	mds.KindSubscriptionFailed:     http.StatusBadGateway,
	mds.KindDuplicateRequest:       http.StatusConflict,
	mds.KindRequestTimeout:         http.StatusGatewayTimeout,
	mds.KindDeviceDisconnected:     http.StatusNotFound,
	mds.KindInvalidStateTransition: http.StatusConflict,
	mds.KindAlreadyConnecting:      http.StatusConflict,
	mds.KindNotInitialized:         http.StatusServiceUnavailable,
	mds.KindSessionClosed:          http.StatusServiceUnavailable,
}

type errorBody struct {
	Message string        `json:"message"`
	Kind    mds.ErrorKind `json:"kind,omitempty"`
}

// statusOf maps a session error to an HTTP status.
func statusOf(err error) int {
	if kind, ok := mds.KindOf(err); ok {
		if code, ok := kindStatus[kind]; ok {
			return code
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := statusOf(err)
	body := errorBody{Message: err.Error()}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			body.Message = msg
		}
	} else if kind, ok := mds.KindOf(err); ok {
		body.Kind = kind
	}

	if code >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("uri", c.Request().RequestURI).Warn("Request failed")
	}
	if err := c.JSON(code, body); err != nil {
		s.logger.WithError(err).Debug("Failed to write error response")
	}
}
