package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisCheckpointPrefix = "gms:last_synced:"

// RedisCheckpoint implements CheckpointStore on Redis. It is useful for
// daemon deployments that keep records in DynamoDB but want a cheap shared
// checkpoint, or for local setups without AWS access.
type RedisCheckpoint struct {
	client *redis.Client
}

// NewRedisCheckpoint connects to the given Redis URL (redis:// or
// rediss://) and verifies connectivity before returning.
func NewRedisCheckpoint(url string) (*RedisCheckpoint, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("connecting to redis", err)
	}

	return &RedisCheckpoint{client: client}, nil
}

func (r *RedisCheckpoint) LastSynced(ctx context.Context, source string) (time.Time, error) {
	val, err := r.client.Get(ctx, redisCheckpointPrefix+source).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, unavailable("redis GET checkpoint for "+source, err)
	}

	epoch, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing checkpoint for %s: %w", source, err)
	}
	return time.Unix(epoch, 0).UTC(), nil
}

// AdvanceLastSynced performs the compare-and-swap with a WATCH/MULTI
// transaction: if the key changes between the read and the write, the
// transaction fails and the conflict is surfaced to the caller.
func (r *RedisCheckpoint) AdvanceLastSynced(ctx context.Context, source string, prev, next time.Time) error {
	key := redisCheckpointPrefix + source

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if !prev.IsZero() {
				return ErrCheckpointConflict
			}
		case err != nil:
			return unavailable("redis GET checkpoint for "+source, err)
		default:
			epoch, parseErr := strconv.ParseInt(current, 10, 64)
			if parseErr != nil {
				return fmt.Errorf("parsing checkpoint for %s: %w", source, parseErr)
			}
			if prev.IsZero() || epoch != prev.Unix() {
				return ErrCheckpointConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, strconv.FormatInt(next.Unix(), 10), 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrCheckpointConflict
	}
	return err
}

func (r *RedisCheckpoint) Close() error {
	return r.client.Close()
}
