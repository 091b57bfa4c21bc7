package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRunStore()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	run := crawler.Run{ID: "run-1", SpiderName: "wecandoo", Status: crawler.RunStatusPending, CreatedAt: created}

	require.NoError(t, store.CreateRun(ctx, run))
	require.Error(t, store.CreateRun(ctx, run))

	done := created.Add(time.Minute)
	run.Status = crawler.RunStatusSuccess
	run.ItemsScraped = 3
	run.CompletedAt = &done
	require.NoError(t, store.SaveRun(ctx, run))

	late := run
	late.Status = crawler.RunStatusFailed
	later := done.Add(time.Minute)
	late.CompletedAt = &later
	require.NoError(t, store.SaveRun(ctx, late))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, crawler.RunStatusSuccess, got.Status)
	require.Equal(t, done, *got.CompletedAt)

	_, err = store.GetRun(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRunStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []crawler.RunStatus{crawler.RunStatusSuccess, crawler.RunStatusFailed, crawler.RunStatusSuccess} {
		require.NoError(t, store.CreateRun(ctx, crawler.Run{
			ID:        string(rune('a' + i)),
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := store.ListRuns(ctx, crawler.RunFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, ids(all))

	success := crawler.RunStatusSuccess
	filtered, err := store.ListRuns(ctx, crawler.RunFilter{Status: &success, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(filtered))

	empty, err := store.ListRuns(ctx, crawler.RunFilter{Offset: 10})
	require.NoError(t, err)
	require.Empty(t, empty)
}

func ids(runs []crawler.Run) []string {
	out := make([]string, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.ID)
	}
	return out
}
