// Package redis implements the run queue on a Redis list so several API
// replicas can share one pool of workers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

const (
	defaultKey         = "atelier:runs"
	defaultPollTimeout = 2 * time.Second
)

// Config locates the Redis list.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// PollTimeout bounds one BRPOP so cancellation is noticed promptly.
	PollTimeout time.Duration
}

// client is the subset of *goredis.Client the queue needs.
type client interface {
	LPush(ctx context.Context, key string, values ...any) *goredis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *goredis.StringSliceCmd
	LLen(ctx context.Context, key string) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Queue pushes with LPUSH and pops with BRPOP, giving FIFO order.
type Queue struct {
	client      client
	key         string
	pollTimeout time.Duration
}

var _ crawler.Queue = (*Queue)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis queue addr is required")
	}
	c := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newWithClient(c, cfg), nil
}

func newWithClient(c client, cfg Config) *Queue {
	key := cfg.Key
	if key == "" {
		key = defaultKey
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	return &Queue{client: c, key: key, pollTimeout: poll}
}

// Enqueue appends item to the list.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// Dequeue blocks until an item arrives or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		vals, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return crawler.QueueItem{}, fmt.Errorf("redis brpop: %w", err)
		}
		// BRPOP replies with [key, value].
		if len(vals) != 2 {
			return crawler.QueueItem{}, fmt.Errorf("redis brpop: unexpected reply of %d elements", len(vals))
		}
		var item crawler.QueueItem
		if err := json.Unmarshal([]byte(vals[1]), &item); err != nil {
			return crawler.QueueItem{}, fmt.Errorf("decode queue item: %w", err)
		}
		return item, nil
	}
}

// Len reports the list length.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	return n, nil
}

// Ping checks connectivity for readiness probes.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
