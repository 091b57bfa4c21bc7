package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
	"github.com/JakeFAU/atelier-crawler/internal/storage/memory"
)

// flakyStore fails every write of a batch whose first URL is in failing and
// can fail the snapshot read.
type flakyStore struct {
	*memory.RecordStore
	failSnapshot bool
	failing      map[string]bool

	mu      sync.Mutex
	writes  [][]crawler.Record
	attempt map[string]int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{RecordStore: memory.NewRecordStore(), failing: map[string]bool{}, attempt: map[string]int{}}
}

func (s *flakyStore) ListURLs(ctx context.Context) ([]string, error) {
	if s.failSnapshot {
		return nil, errors.New("store unavailable")
	}
	return s.RecordStore.ListURLs(ctx)
}

func (s *flakyStore) BatchUpsert(ctx context.Context, records []crawler.Record) ([]crawler.StoredRecord, error) {
	s.mu.Lock()
	s.writes = append(s.writes, records)
	first := records[0].URL
	s.attempt[first]++
	fail := s.failing[first]
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return s.RecordStore.BatchUpsert(ctx, records)
}

func makeRecords(n int) []crawler.Record {
	out := make([]crawler.Record, n)
	for i := range out {
		out[i] = crawler.Record{
			Title: fmt.Sprintf("Atelier %d", i),
			URL:   fmt.Sprintf("https://wecandoo.fr/atelier/%03d", i),
		}
	}
	return out
}

func fastRetry() crawler.RetryPolicy {
	return crawler.NewExponentialRetryPolicy(2, time.Millisecond, time.Millisecond)
}

func TestSubmitPartialBatchFailure(t *testing.T) {
	t.Parallel()

	store := newFlakyStore()
	records := makeRecords(120)
	store.failing[records[50].URL] = true

	res := New(store, Config{Retry: fastRetry()}, nil).Submit(context.Background(), records)
	require.Equal(t, 70, res.Accepted)
	require.Equal(t, 120, res.Submitted)
	require.Equal(t, 3, res.Batches)
	require.Len(t, res.Errors, 1)
	require.Equal(t, 2, res.Errors[0].Index)
	require.Equal(t, 50, res.Errors[0].Size)
	require.Contains(t, res.Errors[0].Error(), "batch 2 (50 records)")
	require.Equal(t, 2, store.attempt[records[50].URL])

	sizes := map[int]int{}
	for _, w := range store.writes {
		sizes[len(w)]++
	}
	require.Equal(t, map[int]int{50: 3, 20: 1}, sizes)
}

func TestSubmitSkipsExistingAndResubmissionAcceptsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFlakyStore()
	records := makeRecords(10)
	_, err := store.RecordStore.BatchUpsert(ctx, records[:4])
	require.NoError(t, err)

	b := New(store, Config{BatchSize: 3}, nil)
	first := b.Submit(ctx, records)
	require.Equal(t, 6, first.Accepted)
	require.Equal(t, 4, first.Skipped)
	require.Empty(t, first.Errors)

	second := b.Submit(ctx, records)
	require.Zero(t, second.Accepted)
	require.Zero(t, second.Submitted)
	require.Equal(t, 10, second.Skipped)
}

func TestSubmitDropsRepeatsAcrossBatches(t *testing.T) {
	t.Parallel()

	store := newFlakyStore()
	records := makeRecords(3)
	repeat := records[0]
	repeat.URL = "HTTPS://wecandoo.fr/atelier/000"
	records = append(records, repeat, records[1])

	res := New(store, Config{BatchSize: 2}, nil).Submit(context.Background(), records)
	require.Equal(t, 3, res.Accepted)
	require.Equal(t, 3, res.Submitted)
	require.Equal(t, 2, res.Skipped)
	require.Len(t, store.writes, 2)
}

func TestSubmitSnapshotFailureDegrades(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFlakyStore()
	records := makeRecords(5)
	_, err := store.RecordStore.BatchUpsert(ctx, records[:2])
	require.NoError(t, err)
	store.failSnapshot = true

	res := New(store, Config{}, nil).Submit(ctx, records)
	require.Equal(t, 5, res.Submitted)
	require.Equal(t, 3, res.Accepted)
	require.Empty(t, res.Errors)
}

func TestSubmitEmpty(t *testing.T) {
	t.Parallel()

	store := newFlakyStore()
	res := New(store, Config{}, nil).Submit(context.Background(), nil)
	require.Equal(t, Result{}, res)
	require.Empty(t, store.writes)
}

func TestBatchErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := error(BatchError{Index: 1, Size: 2, Err: cause})
	require.ErrorIs(t, err, cause)
}
