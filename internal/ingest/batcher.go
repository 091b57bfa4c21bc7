// Package ingest submits crawled records to the record store in independent
// batches, skipping URLs the store already holds.
package ingest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
	"github.com/JakeFAU/atelier-crawler/internal/metrics"
)

const (
	defaultBatchSize   = 50
	defaultConcurrency = 4
)

// Config controls batching.
type Config struct {
	BatchSize   int
	Concurrency int
	// Retry governs per-batch write retries; nil writes each batch once.
	Retry crawler.RetryPolicy
}

// BatchError reports a batch whose write failed after all retries.
type BatchError struct {
	// Index is the 1-based position of the batch in the submission.
	Index int
	Size  int
	Err   error
}

func (e BatchError) Error() string {
	return fmt.Sprintf("batch %d (%d records): %v", e.Index, e.Size, e.Err)
}

func (e BatchError) Unwrap() error {
	return e.Err
}

// Result summarizes one submission.
type Result struct {
	// Accepted counts records the store newly created.
	Accepted int
	// Submitted counts records that survived filtering and were sent.
	Submitted int
	// Skipped counts records dropped as already stored or repeated.
	Skipped int
	Batches int
	Errors  []BatchError
}

// Batcher writes records to a RecordStore.
type Batcher struct {
	store  crawler.RecordStore
	cfg    Config
	logger *zap.Logger
}

// New constructs a Batcher.
func New(store crawler.RecordStore, cfg Config, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Batcher{store: store, cfg: cfg, logger: logger}
}

// Submit reads the stored URL snapshot once, filters every batch against it
// and against URLs taken by earlier batches, then writes the filtered batches.
// Batch failures are collected in the Result and never abort the others.
func (b *Batcher) Submit(ctx context.Context, records []crawler.Record) Result {
	var res Result
	if len(records) == 0 {
		return res
	}

	seen := b.snapshot(ctx)
	batches := b.filter(records, seen, &res)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for i, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		index := i + 1
		g.Go(func() error {
			created, err := b.write(gctx, batch)
			metrics.ObserveBatch(err, len(created))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.logger.Error("batch write failed",
					zap.Int("batch", index),
					zap.Int("size", len(batch)),
					zap.Error(err),
				)
				res.Errors = append(res.Errors, BatchError{Index: index, Size: len(batch), Err: err})
				return nil
			}
			res.Accepted += len(created)
			b.logger.Debug("batch written",
				zap.Int("batch", index),
				zap.Int("size", len(batch)),
				zap.Int("created", len(created)),
			)
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(res.Errors, func(a, b BatchError) int { return a.Index - b.Index })
	return res
}

// snapshot returns the URL keys already stored. A failed read degrades to
// an empty set since the store enforces uniqueness anyway.
func (b *Batcher) snapshot(ctx context.Context) map[string]struct{} {
	seen := make(map[string]struct{})
	urls, err := b.store.ListURLs(ctx)
	if err != nil {
		b.logger.Warn("url snapshot failed; assuming empty store", zap.Error(err))
		return seen
	}
	for _, u := range urls {
		seen[crawler.URLKey(u)] = struct{}{}
	}
	return seen
}

// filter partitions records in order, dropping every URL already in seen.
func (b *Batcher) filter(records []crawler.Record, seen map[string]struct{}, res *Result) [][]crawler.Record {
	var batches [][]crawler.Record
	for start := 0; start < len(records); start += b.cfg.BatchSize {
		end := min(start+b.cfg.BatchSize, len(records))
		batch := make([]crawler.Record, 0, end-start)
		for _, rec := range records[start:end] {
			key := crawler.URLKey(rec.URL)
			if _, dup := seen[key]; dup {
				res.Skipped++
				continue
			}
			seen[key] = struct{}{}
			batch = append(batch, rec)
		}
		res.Submitted += len(batch)
		batches = append(batches, batch)
	}
	res.Batches = len(batches)
	return batches
}

func (b *Batcher) write(ctx context.Context, batch []crawler.Record) ([]crawler.StoredRecord, error) {
	var created []crawler.StoredRecord
	err := crawler.Retry(ctx, b.cfg.Retry, func(ctx context.Context) error {
		out, err := b.store.BatchUpsert(ctx, batch)
		if err != nil {
			return fmt.Errorf("batch upsert: %w", err)
		}
		created = out
		return nil
	})
	return created, err
}
