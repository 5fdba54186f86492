package worker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// PollTimeout must be >= 1s to satisfy Redis.
const PollTimeout = 1 * time.Second

// errEmpty reports that a poll timed out with nothing queued.
var errEmpty = errors.New("queue empty")

// Queue is the list-backed job queue the workers drain.
type Queue interface {
	Pop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	Push(ctx context.Context, key string, items ...[]byte) error
}

// RedisQueue implements Queue with BLPOP and RPUSH.
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue creates a RedisQueue.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Pop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	result, err := q.rdb.BLPop(ctx, timeout, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errEmpty
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, errEmpty
	}
	return []byte(result[1]), nil
}

func (q *RedisQueue) Push(ctx context.Context, key string, items ...[]byte) error {
	if len(items) == 0 {
		return nil
	}
	pipe := q.rdb.Pipeline()
	for _, it := range items {
		pipe.RPush(ctx, key, it)
	}
	_, err := pipe.Exec(ctx)
	return err
}
