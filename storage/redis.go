package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	roomKeyPrefix     = "boxboard:room:"
	roomUpdatesPrefix = "boxboard:room-updates:"
)

// RedisBackend stores each room document under one key, commits with
// WATCH/MULTI/EXEC and announces commits on a per-room channel.
type RedisBackend struct {
	rc          *redis.Client
	logger      log.FieldLogger
	maxAttempts int
	now         func() time.Time
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(rc *redis.Client, logger log.FieldLogger) *RedisBackend {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisBackend{rc: rc, logger: logger, maxAttempts: DefaultMaxAttempts, now: time.Now}
}

func roomKey(room string) string     { return roomKeyPrefix + room }
func roomChannel(room string) string { return roomUpdatesPrefix + room }

func (r *RedisBackend) Ensure(ctx context.Context, room string) error {
	data, err := EncodeDocument(Document{})
	if err != nil {
		return err
	}
	return r.rc.SetNX(ctx, roomKey(room), data, 0).Err()
}

func (r *RedisBackend) Load(ctx context.Context, room string) (Document, error) {
	data, err := r.rc.Get(ctx, roomKey(room)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return DecodeDocument(data)
}

func (r *RedisBackend) Transact(ctx context.Context, room, writerID string, fn TxFunc) (Document, error) {
	key := roomKey(room)
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		var committed Document
		var encoded []byte
		err := r.rc.Watch(ctx, func(tx *redis.Tx) error {
			current := Document{}
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				if current, err = DecodeDocument(data); err != nil {
					return err
				}
			}
			payload, err := fn(current)
			if err != nil {
				return err
			}
			if payload == nil {
				committed = current
				return nil
			}
			committed = nextDocument(current, writerID, r.now(), payload)
			if encoded, err = EncodeDocument(committed); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			r.logger.WithFields(log.Fields{"room": room, "attempt": attempt}).Debug("room document changed during transaction, retrying")
			continue
		}
		if err != nil {
			return Document{}, err
		}
		if encoded != nil {
			if err := r.rc.Publish(ctx, roomChannel(room), encoded).Err(); err != nil {
				r.logger.WithError(err).WithField("room", room).Warn("publish room update")
			}
		}
		return committed, nil
	}
	return Document{}, fmt.Errorf("room %s: %w", room, ErrTooManyConflicts)
}

// Subscribe listens on the room channel and reconnects when the channel
// closes. After every (re)connect the current document is delivered so
// updates missed while disconnected are not lost.
func (r *RedisBackend) Subscribe(ctx context.Context, room string, fn func(Document)) error {
	channel := roomChannel(room)
	for {
		sub := r.rc.Subscribe(ctx, channel)
		if _, err := sub.Receive(ctx); err != nil {
			sub.Close()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		if doc, err := r.Load(ctx, room); err == nil {
			fn(doc)
		}
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return nil
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				doc, err := DecodeDocument([]byte(msg.Payload))
				if err != nil {
					r.logger.WithError(err).WithField("room", room).Error("unable to parse room update")
					continue
				}
				fn(doc)
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		r.logger.WithField("room", room).Error("pubsub channel closed, reconnecting")
		if !pause(ctx, time.Second) {
			return nil
		}
	}
}

func (r *RedisBackend) Close() error { return r.rc.Close() }

// pause waits for d and reports false if ctx ended first.
func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
