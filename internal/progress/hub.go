package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - TerminalWait: how long Emit may block to enqueue a run-terminal event
//     when the buffer is full (default 1s). Other events are dropped at once.
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	TerminalWait   time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	defaultTerminalWait   = time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub fans run events out to sinks on a single background goroutine.
//
// Emit never blocks for page and progress events. Terminal events (RUN_DONE,
// RUN_FAILED, RUN_TIMEOUT) wait up to TerminalWait for buffer space, since
// they drive run notifications. Within one batch only the latest RUN_PROGRESS
// of each run is delivered; earlier ones carry stale running totals.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropLog rate.Sometimes
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.TerminalWait <= 0 {
		cfg.TerminalWait = defaultTerminalWait
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an Event for batching. Invalid events and events emitted
// after Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	if evt.Stage.Terminal() && h.waitForRoom(evt) {
		return
	}
	h.drop(evt)
}

func (h *Hub) waitForRoom(evt Event) bool {
	timer := time.NewTimer(h.cfg.TerminalWait)
	defer timer.Stop()
	select {
	case h.events <- evt:
		return true
	case <-timer.C:
		return false
	case <-h.stopCh:
		return false
	}
}

func (h *Hub) drop(evt Event) {
	h.dropped.Add(1)
	h.dropLog.Do(func() {
		h.logger.Warn("progress events dropped due to backpressure",
			zap.Int64("dropped_total", h.dropped.Load()),
			zap.String("last_stage", string(evt.Stage)),
			zap.String("run_id", evt.RunID),
		)
	})
}

// Dropped reports how many events were lost to backpressure.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close drains remaining events, flushes sinks, closes them and waits for the
// background goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := newBatch(h.cfg.MaxBatchEvents)
	deadline := newFlushDeadline(h.cfg.MaxBatchWait)
	defer deadline.stop()

	for {
		select {
		case evt := <-h.events:
			if b.add(evt) >= h.cfg.MaxBatchEvents {
				h.flush(b.take())
				deadline.stop()
			} else {
				deadline.arm()
			}
		case <-deadline.C():
			deadline.fired()
			h.flush(b.take())
		case <-h.stopCh:
			h.drain(b)
			h.closeSinks()
			return
		}
	}
}

// drain moves whatever is still buffered into final batches.
func (h *Hub) drain(b *batch) {
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) >= h.cfg.MaxBatchEvents {
				h.flush(b.take())
			}
		default:
			h.flush(b.take())
			return
		}
	}
}

func (h *Hub) flush(events []Event) {
	if len(events) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, events); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(events)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// batch accumulates events, keeping only the newest RUN_PROGRESS per run.
type batch struct {
	events   []Event
	progress map[string]int
}

func newBatch(capacity int) *batch {
	return &batch{
		events:   make([]Event, 0, capacity),
		progress: map[string]int{},
	}
}

// add appends evt and returns the batch length.
func (b *batch) add(evt Event) int {
	if evt.Stage == StageRunProgress {
		if i, ok := b.progress[evt.RunID]; ok {
			b.events[i] = evt
			return len(b.events)
		}
		b.progress[evt.RunID] = len(b.events)
	}
	b.events = append(b.events, evt)
	return len(b.events)
}

// take returns a copy of the pending events and resets the batch.
func (b *batch) take() []Event {
	if len(b.events) == 0 {
		return nil
	}
	out := append([]Event(nil), b.events...)
	b.events = b.events[:0]
	clear(b.progress)
	return out
}

// flushDeadline is a restartable timer that starts on the first event of a
// batch and is not pushed back by later ones.
type flushDeadline struct {
	wait   time.Duration
	timer  *time.Timer
	active bool
}

func newFlushDeadline(wait time.Duration) *flushDeadline {
	t := time.NewTimer(wait)
	t.Stop()
	return &flushDeadline{wait: wait, timer: t}
}

func (d *flushDeadline) C() <-chan time.Time {
	return d.timer.C
}

func (d *flushDeadline) arm() {
	if d.active {
		return
	}
	d.timer.Reset(d.wait)
	d.active = true
}

func (d *flushDeadline) fired() {
	d.active = false
}

func (d *flushDeadline) stop() {
	if !d.active {
		return
	}
	d.timer.Stop()
	d.active = false
}
