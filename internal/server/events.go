package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/srg/movesense/internal/mds"
)

// eventFilter parses ?types=Notification,Error. An empty filter passes everything.
func eventFilter(raw string) (map[mds.EventType]bool, error) {
	if raw == "" {
		return nil, nil
	}
	filter := make(map[mds.EventType]bool)
	for _, name := range strings.Split(raw, ",") {
		t, err := mds.ParseEventType(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		filter[t] = true
	}
	return filter, nil
}

// events streams bus events as JSON envelopes until the client goes away.
func (s *Server) events(c echo.Context) error {
	filter, err := eventFilter(c.QueryParam("types"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return nil
	}
	defer conn.Close()

	l := s.facade.Listen()
	defer s.facade.Unlisten(l)

	log := s.logger.WithField("remote", c.RealIP())
	log.Debug("Event stream opened")

	// Clients never send anything meaningful; reading detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			log.Debug("Event stream closed by client")
			return nil
		case ev, ok := <-l.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(time.Second))
				return nil
			}
			if filter != nil && !filter[ev.Type()] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteJSON(mds.Wrap(ev)); err != nil {
				log.WithFields(logrus.Fields{"event": ev.Type().String()}).WithError(err).Debug("Event stream write failed")
				return nil
			}
		}
	}
}
