// Package server exposes a session over HTTP. Calls map one to one onto the
// session operations; GET /events streams the event bus over a websocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/movesense/internal/eventbus"
	"github.com/srg/movesense/internal/mds"
	"github.com/srg/movesense/internal/subscription"
)

// Facade is the session surface the server drives. *session.Session implements it.
type Facade interface {
	Scan(ctx context.Context) error
	StopScan(ctx context.Context) error
	IsScanning() bool
	AvailableDevices() []mds.ScannedDevice
	ConnectedDevices() []mds.ReadyDevice
	Connect(ctx context.Context, address string) (mds.ReadyDevice, error)
	Disconnect(ctx context.Context, address string) error
	Request(ctx context.Context, method mds.Method, uri, contract string) (string, error)
	Subscribe(ctx context.Context, uri, contract string, h subscription.Handler) (string, error)
	Unsubscribe(ctx context.Context, id string) error
	Subscriptions() []subscription.Subscription
	Listen() *eventbus.Listener
	Unlisten(l *eventbus.Listener)
}

// Options configures the server.
type Options struct {
	Listen          string        `default:"127.0.0.1:8080"`
	ShutdownTimeout time.Duration `default:"5s"`
	// WriteTimeout bounds each websocket frame write.
	WriteTimeout time.Duration `default:"5s"`
}

// Server is the HTTP API.
type Server struct {
	echo     *echo.Echo
	facade   Facade
	logger   *logrus.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// New builds the router. Nothing listens until Run.
func New(f Facade, logger *logrus.Logger, opts Options) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	s := &Server{
		echo:   echo.New(),
		facade: f,
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Debug("HTTP request failed")
				return nil
			}
			entry.Debug("HTTP request")
			return nil
		},
	}))

	e.GET("/scan", s.getScan)
	e.POST("/scan", s.startScan)
	e.DELETE("/scan", s.stopScan)

	e.GET("/devices/available", s.availableDevices)
	e.GET("/devices/connected", s.connectedDevices)
	e.POST("/devices/:address/connect", s.connect)
	e.DELETE("/devices/:address", s.disconnect)

	e.POST("/requests", s.request)

	e.GET("/subscriptions", s.listSubscriptions)
	e.POST("/subscriptions", s.subscribe)
	e.DELETE("/subscriptions/:id", s.unsubscribe)

	e.GET("/events", s.events)
	return s
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.WithField("listen", s.opts.Listen).Info("HTTP API listening")
		errc <- s.echo.Start(s.opts.Listen)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("HTTP API stopped")
	return nil
}
