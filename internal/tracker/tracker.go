// Package tracker owns the lifecycle of crawl runs: it creates them, applies
// status transitions and reports every accepted change as a progress event.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
	"github.com/JakeFAU/atelier-crawler/internal/progress"
)

// UnknownSpider names runs synthesized for an advance on a missing run.
const UnknownSpider = "unknown"

// Detail carries optional data for a transition.
type Detail struct {
	Items *int
	Error *string
}

// Tracker applies run status transitions. Status tracking is best effort:
// store failures during Advance are logged, never returned.
type Tracker struct {
	store   crawler.RunStore
	clock   crawler.Clock
	emitter progress.Emitter
	logger  *zap.Logger

	// advanceMu serializes the read-modify-write in Advance; sibling pages
	// report progress concurrently.
	advanceMu sync.Mutex
}

// New builds a Tracker. emitter may be nil.
func New(store crawler.RunStore, clock crawler.Clock, emitter progress.Emitter, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, clock: clock, emitter: emitter, logger: logger}
}

// Create records a new PENDING run.
func (t *Tracker) Create(ctx context.Context, runID, spiderName string) (crawler.Run, error) {
	now := t.clock.Now()
	run := crawler.Run{
		ID:         runID,
		SpiderName: spiderName,
		Status:     crawler.RunStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return crawler.Run{}, fmt.Errorf("create run: %w", err)
	}
	t.emit(run, now)
	return run, nil
}

// Get returns the current state of a run.
func (t *Tracker) Get(ctx context.Context, runID string) (crawler.Run, error) {
	return t.store.GetRun(ctx, runID)
}

// List returns runs matching filter.
func (t *Tracker) List(ctx context.Context, filter crawler.RunFilter) ([]crawler.Run, error) {
	return t.store.ListRuns(ctx, filter)
}

// Advance moves a run to status. Invalid or backward transitions and any
// change after a terminal status are ignored and the current run is
// returned. A PROGRESS update whose item count is below the stored count is
// also ignored, so the running total never goes backwards. An unknown run is
// synthesized first so the caller never fails.
func (t *Tracker) Advance(ctx context.Context, runID string, status crawler.RunStatus, detail Detail) crawler.Run {
	t.advanceMu.Lock()
	defer t.advanceMu.Unlock()

	logger := t.logger.With(zap.String("run_id", runID), zap.String("status", string(status)))
	if !status.Valid() {
		logger.Warn("ignoring unknown run status")
		return t.current(ctx, runID)
	}

	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			logger.Warn("advancing unknown run; synthesizing record")
		} else {
			logger.Error("load run failed; synthesizing record", zap.Error(err))
		}
		run = crawler.Run{
			ID:         runID,
			SpiderName: UnknownSpider,
			Status:     crawler.RunStatusPending,
			CreatedAt:  t.clock.Now(),
		}
	} else if !allowed(run.Status, status) {
		logger.Debug("ignoring run transition", zap.String("from", string(run.Status)))
		return run
	} else if stale(run, status, detail) {
		logger.Debug("ignoring stale progress",
			zap.Int("stored_items", run.ItemsScraped),
			zap.Int("items", *detail.Items),
		)
		return run
	}

	now := t.clock.Now()
	run.Status = status
	run.UpdatedAt = now
	if detail.Items != nil {
		run.ItemsScraped = max(*detail.Items, 0)
	}
	if detail.Error != nil {
		msg := *detail.Error
		run.ErrorMessage = &msg
	}
	if status.IsTerminal() {
		run.CompletedAt = &now
	}

	if err := t.store.SaveRun(ctx, run); err != nil {
		logger.Error("save run failed", zap.Error(err))
	}
	t.emit(run, now)
	return run
}

func (t *Tracker) current(ctx context.Context, runID string) crawler.Run {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return crawler.Run{ID: runID}
	}
	return run
}

func (t *Tracker) emit(run crawler.Run, now time.Time) {
	if t.emitter == nil {
		return
	}
	evt := progress.Event{
		RunID:  run.ID,
		TS:     now,
		Stage:  progress.StageForStatus(run.Status),
		Spider: run.SpiderName,
		Status: run.Status,
		Items:  run.ItemsScraped,
	}
	if run.ErrorMessage != nil {
		evt.Note = *run.ErrorMessage
	}
	if run.Status.IsTerminal() && !run.CreatedAt.IsZero() {
		evt.Dur = max(now.Sub(run.CreatedAt), 0)
	}
	t.emitter.Emit(evt)
}

var rank = map[crawler.RunStatus]int{
	crawler.RunStatusPending:  0,
	crawler.RunStatusStarted:  1,
	crawler.RunStatusProgress: 2,
}

// allowed encodes PENDING → STARTED → PROGRESS* → terminal, with FAILED and
// TIMEOUT reachable from any non-terminal status.
// stale reports whether a PROGRESS update would lower the running total.
func stale(run crawler.Run, status crawler.RunStatus, detail Detail) bool {
	return status == crawler.RunStatusProgress &&
		run.Status == crawler.RunStatusProgress &&
		detail.Items != nil &&
		*detail.Items < run.ItemsScraped
}

func allowed(from, to crawler.RunStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case crawler.RunStatusFailed, crawler.RunStatusTimeout:
		return true
	case crawler.RunStatusSuccess:
		return from == crawler.RunStatusStarted || from == crawler.RunStatusProgress
	case crawler.RunStatusProgress:
		return from == crawler.RunStatusStarted || from == crawler.RunStatusProgress
	default:
		return rank[to] > rank[from]
	}
}
