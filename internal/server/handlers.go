package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/srg/movesense/internal/mds"
	"github.com/srg/movesense/internal/subscription"
)

type scanState struct {
	Scanning bool `json:"scanning"`
}

// RequestBody is the payload of POST /requests.
type RequestBody struct {
	Method   string `json:"method"`
	URI      string `json:"uri"`
	Contract string `json:"contract"`
}

// SubscribeBody is the payload of POST /subscriptions.
type SubscribeBody struct {
	URI      string `json:"uri"`
	Contract string `json:"contract"`
}

type dataResponse struct {
	Data string `json:"data"`
}

type idResponse struct {
	ID string `json:"id"`
}

func (s *Server) getScan(c echo.Context) error {
	return c.JSON(http.StatusOK, scanState{Scanning: s.facade.IsScanning()})
}

func (s *Server) startScan(c echo.Context) error {
	if err := s.facade.Scan(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, scanState{Scanning: true})
}

func (s *Server) stopScan(c echo.Context) error {
	if err := s.facade.StopScan(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, scanState{Scanning: false})
}

func (s *Server) availableDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, s.facade.AvailableDevices())
}

func (s *Server) connectedDevices(c echo.Context) error {
	return c.JSON(http.StatusOK, s.facade.ConnectedDevices())
}

func (s *Server) connect(c echo.Context) error {
	dev, err := s.facade.Connect(c.Request().Context(), c.Param("address"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dev)
}

func (s *Server) disconnect(c echo.Context) error {
	if err := s.facade.Disconnect(c.Request().Context(), c.Param("address")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) request(c echo.Context) error {
	var body RequestBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	method, err := mds.ParseMethod(body.Method)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(body.URI) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "uri is required")
	}

	data, err := s.facade.Request(c.Request().Context(), method, body.URI, body.Contract)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dataResponse{Data: data})
}

func (s *Server) listSubscriptions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.facade.Subscriptions())
}

// subscribe registers a subscription whose notifications are only observed
// through the event stream.
func (s *Server) subscribe(c echo.Context) error {
	var body SubscribeBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if strings.TrimSpace(body.URI) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "uri is required")
	}

	log := s.logger.WithField("uri", body.URI)
	id, err := s.facade.Subscribe(c.Request().Context(), body.URI, body.Contract, subscription.Handler{
		OnNotification: func(data string) {
			log.WithField("bytes", len(data)).Trace("Notification")
		},
		OnError: func(err error) {
			log.WithError(err).Warn("Subscription error")
		},
	})
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"subscription": id}).Info("Subscribed over HTTP")
	return c.JSON(http.StatusCreated, idResponse{ID: id})
}

func (s *Server) unsubscribe(c echo.Context) error {
	if err := s.facade.Unsubscribe(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
