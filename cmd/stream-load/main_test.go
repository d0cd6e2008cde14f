package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"boxboard/api"
	"boxboard/client"
	"boxboard/domain"
	"boxboard/fanout"
)

func TestCountStateEvents(t *testing.T) {
	stream := "event: status\ndata: {}\n\nevent: state\ndata: {}\n\n: ping\n\nevent: state\ndata: {\"a\":1}\n\nevent: state\ndata: {}"
	n := 0
	countStateEvents(strings.NewReader(stream), func() { n++ })
	if n != 2 {
		t.Fatalf("expected 2 complete state events, got %d", n)
	}
}

type oneRoom struct{ c *client.Client }

func (o oneRoom) Room(name string) (api.Room, bool) { return o.c, name == "main" }
func (o oneRoom) Names() []string                   { return []string{"main"} }

func TestLoadAgainstServer(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := fanout.NewHub(logger)
	room := client.New(client.Config{Room: "main", ID: "server"}, client.Options{Hub: hub, Logger: logger})
	e := echo.New()
	api.Register(e, oneRoom{room}, hub, api.NoAuth{}, nil, logger)
	srv := httptest.NewServer(e)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	added, err := postCommand(ctx, http.DefaultClient, srv.URL+"/api/rooms/main/commands", "", domain.Command{Type: domain.AddWaiting, Name: "load"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	snap := room.Snapshot()
	if _, ok := snap.Person(added.PersonID); !ok || added.PersonID == "" {
		t.Fatalf("expected created person, got %+v", added)
	}

	stats := &loadStats{}
	streamCtx, stopStream := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		holdStream(streamCtx, http.DefaultClient, srv.URL+"/api/rooms/main/stream", "", stats)
	}()
	go writeLoop(streamCtx, http.DefaultClient, srv.URL+"/api/rooms/main/commands", "", 10*time.Millisecond, stats)

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadUint64(&stats.states) < 3 || atomic.LoadUint64(&stats.writes) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: states=%d writes=%d", atomic.LoadUint64(&stats.states), atomic.LoadUint64(&stats.writes))
		}
		time.Sleep(10 * time.Millisecond)
	}
	stopStream()
	<-done
	if atomic.LoadUint64(&stats.failures) != 0 {
		t.Fatalf("unexpected connection failures: %d", stats.failures)
	}
}
