package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boxboard/client"
	"boxboard/domain"
	"boxboard/fanout"
	"boxboard/store"
)

const (
	streamHeartbeat = 15 * time.Second
	streamBuffer    = 16
)

// Fanout is the in-process channel rooms publish their local states on.
type Fanout interface {
	Subscribe(room, clientID string, buffer int) *fanout.Subscription
}

// streamRoom pushes the room view on connect and after every change, and a
// status event whenever remote connectivity changes. With a hub, each stream
// joins the room's fan-out under its own id and renders local states from
// the published payloads; Watch then only reports remote states and status.
func streamRoom(rooms Rooms, hub Fanout, auth Authenticator, logger log.FieldLogger) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := authHeader(c.Request().Header.Get(echo.HeaderAuthorization), c.QueryParam("token"))
		p, err := auth.Authenticate(header)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		name := c.Param("room")
		if !p.CanAccess(name) {
			return c.String(http.StatusForbidden, errRoomForbidden.Error())
		}
		room, ok := rooms.Room(name)
		if !ok {
			return c.String(http.StatusNotFound, "unknown room")
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		streamLog := logger.WithField("room", name)
		var states <-chan fanout.Message
		if hub != nil {
			streamID := "stream-" + uuid.NewString()
			sub := hub.Subscribe(name, streamID, streamBuffer)
			defer sub.Close()
			states = sub.C
			streamLog = streamLog.WithField("stream", streamID)
		}

		changed := make(chan struct{}, 1)
		stop := room.Watch(func(u client.Update) {
			if states != nil && u.Kind == client.UpdateState && u.Origin == store.OriginLocal {
				return
			}
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		defer stop()

		var lastStatus client.Status
		send := func(snap domain.Snapshot) error {
			status := room.Status()
			if status != lastStatus {
				if err := writeEvent(c, "status", map[string]client.Status{"status": status}); err != nil {
					return err
				}
				lastStatus = status
			}
			if err := writeEvent(c, "state", newRoomView(name, status, snap)); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}

		if err := send(room.Snapshot()); err != nil {
			return err
		}

		ctx := c.Request().Context()
		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-heartbeat.C:
				if _, err := c.Response().Write([]byte(": ping\n\n")); err != nil {
					return err
				}
				flusher.Flush()
			case msg, ok := <-states:
				if !ok {
					return nil
				}
				if msg.Type != fanout.MessageTypeState {
					continue
				}
				snap, err := domain.Decode(msg.Payload)
				if err != nil {
					streamLog.WithError(err).WithField("origin", msg.OriginClientID).Debug("fan-out payload repaired")
				}
				if err := send(snap); err != nil {
					return err
				}
			case <-changed:
				if err := send(room.Snapshot()); err != nil {
					return err
				}
			}
		}
	}
}

func writeEvent(c echo.Context, event string, v any) error {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		c.Logger().Error(err)
		return err
	}
	w := c.Response()
	for _, chunk := range [][]byte{[]byte("event: " + event + "\ndata: "), data, []byte("\n\n")} {
		if _, err := w.Write(chunk); err != nil {
			c.Logger().Error(err)
			return err
		}
	}
	return nil
}
