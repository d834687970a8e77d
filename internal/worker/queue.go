package worker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// PollTimeout is how long a consumer blocks waiting for an item. Must be >= 1s to satisfy Redis.
const PollTimeout = 1 * time.Second

// ErrEmpty is returned by Queue.Pop when nothing arrived within the timeout.
var ErrEmpty = errors.New("queue empty")

// Queue is the list primitive the persist pipeline runs on.
type Queue interface {
	Push(ctx context.Context, key string, items ...[]byte) error
	// Pop blocks up to timeout. A zero timeout returns immediately.
	Pop(ctx context.Context, key string, timeout time.Duration) (string, error)
	Len(ctx context.Context, key string) (int64, error)
}

// RedisQueue is a Queue over Redis lists (RPUSH / BLPOP).
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue creates a new RedisQueue.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Push(ctx context.Context, key string, items ...[]byte) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) == 1 {
		return q.rdb.RPush(ctx, key, items[0]).Err()
	}
	pipe := q.rdb.Pipeline()
	for _, it := range items {
		pipe.RPush(ctx, key, it)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Pop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		v, err := q.rdb.LPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return "", ErrEmpty
		}
		return v, err
	}
	res, err := q.rdb.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", ErrEmpty
	}
	return res[1], nil
}

func (q *RedisQueue) Len(ctx context.Context, key string) (int64, error) {
	return q.rdb.LLen(ctx, key).Result()
}
