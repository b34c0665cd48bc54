package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/unifyd/internal/events"
)

// sseHeartbeat keeps proxies from timing out idle streams.
const sseHeartbeat = 30 * time.Second

// terminalEvents close the stream once seen.
var terminalEvents = map[string]bool{
	events.TypeCompleted: true,
	events.TypeFailed:    true,
	events.TypeCancelled: true,
}

// handleEvents streams a run's lifecycle events via Server-Sent
// Events, bridged from the NATS subjects the engine publishes on. The
// stream stays open until the run reaches a terminal event or the
// client disconnects.
func (s *Server) handleEvents(c echo.Context) error {
	id := c.Param("id")
	r, err := s.engine.Get(id)
	if err != nil {
		return s.mapError(c, err)
	}
	if s.nc == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming is not configured")
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")

	prefix := s.prefix
	if prefix == "" {
		prefix = events.DefaultSubjectPrefix
	}
	subject := fmt.Sprintf("%s.%s.*", prefix, id)
	msgChan := make(chan *nats.Msg, 16)
	sub, err := s.nc.ChanSubscribe(subject, msgChan)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// A run that is already terminal replays nothing; report its state
	// once and finish.
	if r.State.Terminal() {
		fmt.Fprintf(c.Response(), "event: state\n")
		fmt.Fprintf(c.Response(), "data: {\"run_id\":%q,\"state\":%q}\n\n", r.ID, r.State)
		c.Response().Flush()
		return nil
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			parts := strings.Split(msg.Subject, ".")
			eventType := parts[len(parts)-1]

			fmt.Fprintf(c.Response(), "event: %s\n", eventType)
			fmt.Fprintf(c.Response(), "data: %s\n\n", string(msg.Data))
			c.Response().Flush()

			if terminalEvents[eventType] {
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}
