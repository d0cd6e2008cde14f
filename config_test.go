package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boxboard/api"
	"boxboard/domain"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(envMap(map[string]string{"AUTH_DISABLED": "true"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.RemoteBackend != backendNone || cfg.SeedBoxes != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Rooms) != 1 || cfg.Rooms[0] != "main" {
		t.Fatalf("unexpected rooms: %v", cfg.Rooms)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boxboard.yaml")
	yaml := "listenAddr: \":9000\"\nrooms: [front, back]\ndebounce: 300ms\nseedBoxes: 3\nauthDisabled: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(envMap(map[string]string{
		"CONFIG_FILE":   path,
		"ROOMS":         " lobby, ,bar ",
		"POLL_INTERVAL": "1s",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9000" || cfg.Debounce != 300*time.Millisecond || cfg.SeedBoxes != 3 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if strings.Join(cfg.Rooms, ",") != "lobby,bar" {
		t.Fatalf("env rooms should win, got %v", cfg.Rooms)
	}
	if cfg.PollInterval != time.Second {
		t.Fatalf("unexpected poll interval %v", cfg.PollInterval)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"bad duration":    {"AUTH_DISABLED": "1", "DEBOUNCE": "soon"},
		"bad seed":        {"AUTH_DISABLED": "1", "SEED_BOXES": "-1"},
		"redis no conn":   {"AUTH_DISABLED": "1", "REMOTE_BACKEND": "redis"},
		"tables no conn":  {"AUTH_DISABLED": "1", "REMOTE_BACKEND": "aztables"},
		"unknown backend": {"AUTH_DISABLED": "1", "REMOTE_BACKEND": "s3"},
		"unknown local":   {"AUTH_DISABLED": "1", "LOCAL_STORE": "tape"},
		"no auth":         {},
		"missing file":    {"AUTH_DISABLED": "1", "CONFIG_FILE": "/nonexistent/boxboard.yaml"},
	}
	for name, env := range cases {
		if _, err := loadConfig(envMap(env)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRedisOptions(t *testing.T) {
	opts := redisOptions("cache.example:6380,password=secret,ssl=True,abortConnect=False")
	if opts.Addr != "cache.example:6380" || opts.Password != "secret" || opts.TLSConfig == nil {
		t.Fatalf("unexpected options: %+v", opts)
	}
	opts = redisOptions("redis://:pw@localhost:6379/2")
	if opts.Addr != "localhost:6379" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected url options: %+v", opts)
	}
}

func TestRoomRegistryBuildsClients(t *testing.T) {
	cfg := defaultConfig()
	cfg.Rooms = []string{"a", "b", "a"}
	cfg.LocalStore = localMemory
	cfg.RemoteBackend = backendMemory
	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	reg, err := newRoomRegistry(cfg, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(reg.Names(), ","); got != "a,b" {
		t.Fatalf("unexpected names %q", got)
	}
	var rooms api.Rooms = reg
	if _, ok := rooms.Room("a"); !ok {
		t.Fatalf("expected room a")
	}
	if _, ok := rooms.Room("c"); ok {
		t.Fatalf("unexpected room c")
	}
}

func TestRoomRegistrySharesStatesWithStreams(t *testing.T) {
	cfg := defaultConfig()
	cfg.Rooms = []string{"front"}
	cfg.LocalStore = localMemory
	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	reg, err := newRoomRegistry(cfg, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := echo.New()
	api.Register(e, reg, reg.hub, api.NoAuth{}, nil, logger)
	srv := httptest.NewServer(e)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer reg.close(context.Background())

	// Another context of the room, the way a stream joins it.
	sub := reg.hub.Subscribe("front", "tab-2", 16)
	defer sub.Close()

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/rooms/front/commands",
		strings.NewReader(`[{"type":"add-waiting","name":"Kim"}]`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	for {
		select {
		case msg := <-sub.C:
			snap, _ := domain.Decode(msg.Payload)
			if len(snap.People) == 1 && snap.People[0].Name == "Kim" {
				return
			}
		case <-ctx.Done():
			t.Fatal("published state never reached the other context")
		}
	}
}

func TestNewAuthenticator(t *testing.T) {
	auth, err := newAuthenticator(config{AuthDisabled: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := auth.(api.NoAuth); !ok {
		t.Fatalf("expected NoAuth, got %T", auth)
	}
	auth, err = newAuthenticator(config{LocalAuthSharedSecret: "s"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a, ok := auth.(*api.Auth); !ok || !a.LocalMode() {
		t.Fatalf("expected HS256 auth, got %T", auth)
	}
}
