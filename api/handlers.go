// Package api exposes rooms over HTTP: snapshots, commands and a
// server-sent event stream.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boxboard/client"
	"boxboard/domain"
)

const postCommandMaxSize = 64 << 10

// Room is one replicated room.
type Room interface {
	Do(cmd domain.Command) (domain.Command, bool, error)
	Snapshot() domain.Snapshot
	Status() client.Status
	Watch(fn func(client.Update)) func()
}

// Rooms looks up rooms by name.
type Rooms interface {
	Room(name string) (Room, bool)
	Names() []string
}

// Authenticator turns an Authorization value into a Principal.
type Authenticator interface {
	Authenticate(header string) (Principal, error)
}

// Register wires up all API routes on the provided Echo instance. hub may
// be nil, in which case streams follow rooms through Watch alone. deduper
// may be nil, in which case retried commands are applied again.
func Register(e *echo.Echo, rooms Rooms, hub Fanout, auth Authenticator, deduper Deduper, logger log.FieldLogger) {
	e.GET("/healthz", healthz(rooms))
	e.GET("/api/rooms", listRooms(rooms, auth))
	e.GET("/api/rooms/:room/snapshot", getSnapshot(rooms, auth, logger))
	e.POST("/api/rooms/:room/commands", postCommands(rooms, auth, deduper, logger), CommandBodyMiddleware(postCommandMaxSize))
	e.GET("/api/rooms/:room/stream", streamRoom(rooms, hub, auth, logger))
}

type roomView struct {
	Room     string               `json:"room"`
	Status   client.Status        `json:"status"`
	Snapshot domain.Snapshot      `json:"snapshot"`
	Waiting  []domain.Person      `json:"waiting"`
	Assigned []domain.AssignedRow `json:"assigned"`
}

func newRoomView(name string, status client.Status, snap domain.Snapshot) roomView {
	return roomView{
		Room:     name,
		Status:   status,
		Snapshot: snap,
		Waiting:  snap.WaitingPeople(),
		Assigned: snap.AssignedRows(),
	}
}

type commandsResponse struct {
	Applied []appliedCommand `json:"applied"`
	Status  client.Status    `json:"status"`
}

type appliedCommand struct {
	domain.Command
	Changed   bool `json:"changed"`
	Duplicate bool `json:"duplicate,omitempty"`
}

type roomSummary struct {
	Name   string        `json:"name"`
	Status client.Status `json:"status"`
}

func healthz(rooms Rooms) echo.HandlerFunc {
	return func(c echo.Context) error {
		statuses := map[string]client.Status{}
		for _, name := range rooms.Names() {
			if r, ok := rooms.Room(name); ok {
				statuses[name] = r.Status()
			}
		}
		return c.JSON(http.StatusOK, map[string]any{"rooms": statuses})
	}
}

func listRooms(rooms Rooms, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := auth.Authenticate(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		names := rooms.Names()
		sort.Strings(names)
		out := make([]roomSummary, 0, len(names))
		for _, name := range names {
			if !p.CanAccess(name) {
				continue
			}
			if r, ok := rooms.Room(name); ok {
				out = append(out, roomSummary{Name: name, Status: r.Status()})
			}
		}
		return c.JSON(http.StatusOK, out)
	}
}

func getSnapshot(rooms Rooms, auth Authenticator, logger log.FieldLogger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/rooms/:room/snapshot")
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() { metrics.Log(c.Response().Status, err) }()

		name := c.Param("room")
		metrics.SetRoom(name)
		authStart := time.Now()
		p, authErr := auth.Authenticate(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}
		metrics.SetUser(p.UserID)
		if !p.CanAccess(name) {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusForbidden, errRoomForbidden.Error())
		}
		room, ok := rooms.Room(name)
		if !ok {
			metrics.SetErrorStage("room")
			return c.String(http.StatusNotFound, "unknown room")
		}
		return c.JSON(http.StatusOK, newRoomView(name, room.Status(), room.Snapshot()))
	}
}

func postCommands(rooms Rooms, auth Authenticator, deduper Deduper, logger log.FieldLogger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/rooms/:room/commands")
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() { metrics.Log(c.Response().Status, err) }()

		name := c.Param("room")
		metrics.SetRoom(name)
		authStart := time.Now()
		p, authErr := auth.Authenticate(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}
		metrics.SetUser(p.UserID)
		if !p.CanAccess(name) {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusForbidden, errRoomForbidden.Error())
		}
		room, ok := rooms.Room(name)
		if !ok {
			metrics.SetErrorStage("room")
			return c.String(http.StatusNotFound, "unknown room")
		}

		body, tooLarge, err := readCommandBody(c.Request().Body)
		if tooLarge {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusRequestEntityTooLarge, "command batch too large")
		}
		if err != nil {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		cmds := make([]domain.Command, 0, 4)
		if err := dec.Decode(&cmds); err != nil {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		for i, cmd := range cmds {
			if err := validateUnstamped(cmd); err != nil {
				metrics.SetErrorStage("validate")
				return c.String(http.StatusBadRequest, fmt.Sprintf("command %d: %v", i, err))
			}
		}

		fresh, claimed := claimCommandIDs(ctx, deduper, name, cmds, logger)

		applyStart := time.Now()
		resp := commandsResponse{Applied: make([]appliedCommand, 0, len(cmds))}
		noops := 0
		for i, cmd := range cmds {
			if !fresh[i] {
				noops++
				resp.Applied = append(resp.Applied, appliedCommand{Command: cmd, Duplicate: true})
				continue
			}
			stamped, changed, err := room.Do(cmd)
			if err != nil {
				metrics.SetErrorStage("apply")
				releaseCommandIDs(ctx, deduper, name, cmds[i:], claimed[i:], logger)
				if errors.Is(err, client.ErrClosed) {
					return c.String(http.StatusServiceUnavailable, err.Error())
				}
				return c.String(http.StatusBadRequest, err.Error())
			}
			if !changed {
				noops++
			}
			resp.Applied = append(resp.Applied, appliedCommand{Command: stamped, Changed: changed})
		}
		metrics.ObserveApply(time.Since(applyStart))
		metrics.SetCommands(len(cmds)-noops, noops)
		resp.Status = room.Status()
		return c.JSON(http.StatusOK, resp)
	}
}

// claimCommandIDs records the client-supplied command ids. fresh[i] is false
// for commands already applied by an earlier request; claimed[i] is true when
// this request recorded the id. A deduper failure applies everything.
func claimCommandIDs(ctx context.Context, deduper Deduper, room string, cmds []domain.Command, logger log.FieldLogger) (fresh, claimed []bool) {
	fresh = make([]bool, len(cmds))
	claimed = make([]bool, len(cmds))
	for i := range fresh {
		fresh[i] = true
	}
	if deduper == nil {
		return fresh, claimed
	}
	var ids []string
	var idx []int
	for i, cmd := range cmds {
		if cmd.ID != "" {
			ids = append(ids, cmd.ID)
			idx = append(idx, i)
		}
	}
	if len(ids) == 0 {
		return fresh, claimed
	}
	added, err := deduper.AddMany(ctx, room, ids)
	for j, i := range idx {
		if j < len(added) {
			claimed[i] = added[j]
		}
	}
	if err != nil {
		logger.WithError(err).WithField("room", room).Warn("deduper unavailable")
		releaseCommandIDs(ctx, deduper, room, cmds, claimed, logger)
		return fresh, make([]bool, len(cmds))
	}
	copy(fresh, claimed)
	for i, cmd := range cmds {
		if cmd.ID == "" {
			fresh[i] = true
		}
	}
	return fresh, claimed
}

func releaseCommandIDs(ctx context.Context, deduper Deduper, room string, cmds []domain.Command, claimed []bool, logger log.FieldLogger) {
	if deduper == nil {
		return
	}
	for i, ok := range claimed {
		if !ok || i >= len(cmds) {
			continue
		}
		if err := deduper.Remove(ctx, room, cmds[i].ID); err != nil {
			logger.WithError(err).WithField("command", cmds[i].ID).Warn("release command id")
		}
	}
}

// validateUnstamped checks a command before the room assigns its ids.
func validateUnstamped(cmd domain.Command) error {
	stamped := cmd
	stamped.Stamp(time.Now(), func() string { return "unstamped" })
	return stamped.Validate()
}
