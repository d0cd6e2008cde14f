package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper records command ids already applied to a room so retried posts
// are not applied twice.
type Deduper interface {
	AddMany(ctx context.Context, room string, ids []string) ([]bool, error)
	Remove(ctx context.Context, room, id string) error
}

// RedisDeduper stores applied command ids in Redis so every instance sees them.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(room, id string) string {
	return fmt.Sprintf("boxboard:dedupe:%s:%s", room, id)
}

// AddMany records the ids in one pipeline. The result is true for ids that
// were not seen before.
func (r *RedisDeduper) AddMany(ctx context.Context, room string, ids []string) ([]bool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	results := make([]bool, len(ids))
	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.SetNX(ctx, r.key(room, id), 1, r.ttl)
		}
		return nil
	})
	if err != nil {
		return results, err
	}
	if len(cmds) != len(ids) {
		return results, fmt.Errorf("deduper pipeline mismatch: expected %d results, got %d", len(ids), len(cmds))
	}
	for i, cmd := range cmds {
		boolCmd, ok := cmd.(*redis.BoolCmd)
		if !ok {
			return results, fmt.Errorf("unexpected redis response type %T", cmd)
		}
		val, cmdErr := boolCmd.Result()
		if cmdErr != nil {
			return results, cmdErr
		}
		results[i] = val
	}
	return results, nil
}

// Remove forgets an id so a failed command can be retried.
func (r *RedisDeduper) Remove(ctx context.Context, room, id string) error {
	return r.client.Del(ctx, r.key(room, id)).Err()
}
