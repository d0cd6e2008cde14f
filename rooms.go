package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"boxboard/api"
	"boxboard/client"
	"boxboard/fanout"
	"boxboard/storage"
)

// roomRegistry holds one client per configured room. Clients and streams
// of a room meet on the shared hub. It is read-only after construction.
type roomRegistry struct {
	names   []string
	clients map[string]*client.Client
	local   storage.LocalStore
	remote  storage.Backend
	hub     *fanout.Hub
}

func (r *roomRegistry) Room(name string) (api.Room, bool) {
	c, ok := r.clients[name]
	if !ok {
		return nil, false
	}
	return c, true
}

func (r *roomRegistry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func newLocalStore(cfg config) (storage.LocalStore, error) {
	switch cfg.LocalStore {
	case localFile:
		return storage.NewFileStore(cfg.LocalStorePath)
	case localSQLite:
		return storage.NewSQLiteStore(cfg.LocalStorePath)
	default:
		return storage.NewMemoryStore(), nil
	}
}

func newRemoteBackend(cfg config, logger log.FieldLogger) (storage.Backend, error) {
	switch cfg.RemoteBackend {
	case backendMemory:
		return storage.NewMemoryBackend(), nil
	case backendRedis:
		return storage.NewRedisBackend(redis.NewClient(redisOptions(cfg.RedisConnectionString)), logger), nil
	case backendAzTables:
		tc, err := storage.NewTableClient(cfg.StorageConnectionString, cfg.RoomsTable)
		if err != nil {
			return nil, err
		}
		return storage.NewTableBackend(tc, cfg.RemotePollInterval, logger), nil
	default:
		return nil, nil
	}
}

// newRoomRegistry builds the shared stores and one client per room.
func newRoomRegistry(cfg config, logger *log.Logger) (*roomRegistry, error) {
	local, err := newLocalStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("local store: %w", err)
	}
	remote, err := newRemoteBackend(cfg, logger)
	if err != nil {
		_ = local.Close()
		return nil, fmt.Errorf("remote backend: %w", err)
	}

	hub := fanout.NewHub(logger)
	reg := &roomRegistry{clients: map[string]*client.Client{}, local: local, remote: remote, hub: hub}
	for _, name := range cfg.Rooms {
		if _, dup := reg.clients[name]; dup {
			continue
		}
		reg.clients[name] = client.New(client.Config{
			Room:         name,
			Debounce:     cfg.Debounce,
			PollInterval: cfg.PollInterval,
			SeedBoxes:    cfg.SeedBoxes,
		}, client.Options{Local: local, Hub: hub, Remote: remote, Logger: logger})
		reg.names = append(reg.names, name)
	}
	return reg, nil
}

// start loads every room concurrently. A room whose remote is unreachable
// still starts in degraded mode.
func (r *roomRegistry) start(ctx context.Context) error {
	// Clients keep ctx for their background loops, so it must outlive Wait.
	var g errgroup.Group
	for _, name := range r.names {
		c := r.clients[name]
		g.Go(func() error { return c.Start(ctx) })
	}
	return g.Wait()
}

// close flushes pending commits and releases the stores.
func (r *roomRegistry) close(ctx context.Context) {
	for _, name := range r.names {
		if err := r.clients[name].Close(ctx); err != nil {
			log.WithError(err).WithField("room", name).Warn("final commit failed")
		}
	}
	if r.remote != nil {
		if err := r.remote.Close(); err != nil {
			log.WithError(err).Warn("close remote backend")
		}
	}
	if err := r.local.Close(); err != nil {
		log.WithError(err).Warn("close local store")
	}
}
