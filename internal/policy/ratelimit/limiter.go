// Package ratelimit paces outbound page loads with a token bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
	"github.com/JakeFAU/atelier-crawler/internal/metrics"
)

var _ crawler.Limiter = (*Limiter)(nil)

// Config sets the bucket every host starts with. RPS <= 0 disables pacing.
type Config struct {
	RPS   float64
	Burst int
}

// Limiter hands out one token bucket per host so a slow listing host does not
// hold back page loads elsewhere.
type Limiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Limiter{
		limit:   limit,
		burst:   max(cfg.Burst, 1),
		buckets: map[string]*rate.Limiter{},
	}
}

// Wait blocks until rawURL's host may be loaded again or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := crawler.Host(rawURL)
	if l.limit == rate.Inf {
		return ctx.Err()
	}
	start := time.Now()
	if err := l.bucket(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Hosts reports how many hosts have been paced so far.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[host] = b
	}
	return b
}
