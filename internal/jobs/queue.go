// internal/jobs/queue.go
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docgen/internal/common/logger"

	"github.com/redis/go-redis/v9"
)

var (
	ErrQueueFull   = errors.New("QUEUE_FULL")
	ErrQueueClosed = errors.New("QUEUE_CLOSED")
)

// Queue hands job ids from the API to the workers.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue blocks until a job id is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}

// NewQueue resolves the configured backend once at startup.
func NewQueue(cfg *Config, rdb *redis.Client, log logger.Logger) (Queue, error) {
	switch cfg.QueueBackend {
	case "memory":
		return NewMemoryQueue(cfg.QueueSize), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis queue requires a redis client")
		}
		return NewRedisQueue(rdb, cfg.QueueKey, cfg.PollTimeout, log), nil
	default:
		if rdb != nil {
			return NewRedisQueue(rdb, cfg.QueueKey, cfg.PollTimeout, log), nil
		}
		return NewMemoryQueue(cfg.QueueSize), nil
	}
}

// MemoryQueue is a bounded in-process queue.
type MemoryQueue struct {
	items     chan string
	done      chan struct{}
	closeOnce sync.Once
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1
	}
	return &MemoryQueue{
		items: make(chan string, size),
		done:  make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.items <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.items:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-q.done:
		// Drain what is left before reporting closure.
		select {
		case id := <-q.items:
			return id, nil
		default:
			return "", ErrQueueClosed
		}
	}
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.items)), nil
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// RedisQueue is a list shared by every instance: LPUSH on enqueue and
// BRPOP on dequeue.
type RedisQueue struct {
	client      *redis.Client
	key         string
	pollTimeout time.Duration
	logger      logger.Logger
}

func NewRedisQueue(client *redis.Client, key string, pollTimeout time.Duration, log logger.Logger) *RedisQueue {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &RedisQueue{
		client:      client,
		key:         key,
		pollTimeout: pollTimeout,
		logger: log.WithFields(map[string]interface{}{
			"component": "redis-job-queue",
			"key":       key,
		}),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.key, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("dequeue: %w", err)
		}
		// BRPOP replies with [key, value].
		if len(res) == 2 {
			return res[1], nil
		}
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	return nil
}

