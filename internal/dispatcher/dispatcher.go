// Package dispatcher fans queued crawl runs out to a pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

// restartDelay spaces out restarts of a worker that keeps panicking.
const restartDelay = time.Second

// Runner consumes the queue until ctx ends or the queue closes.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher owns the worker pool and is the API's way into the queue.
type Dispatcher struct {
	queue   crawler.Queue
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher. A nil logger discards output.
func New(queue crawler.Queue, workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: queue, workers: workers, logger: logger}
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts every worker and returns once all of them have stopped. A worker
// that panics is logged and started again while ctx is live; the run it held
// stays in its last recorded state.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.supervise(ctx, i, w)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) supervise(ctx context.Context, slot int, w Runner) {
	for {
		if !d.runGuarded(ctx, slot, w) || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// runGuarded reports whether w panicked.
func (d *Dispatcher) runGuarded(ctx context.Context, slot int, w Runner) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			d.logger.Error("worker panicked; restarting",
				zap.Int("worker", slot),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	w.Run(ctx)
	return false
}

// Enqueue puts a run on the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue %s: %w", item.RunID, err)
	}
	return nil
}
