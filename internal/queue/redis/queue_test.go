package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

// fakeClient models one Redis list in memory.
type fakeClient struct {
	mu      sync.Mutex
	lists   map[string][]string
	pushErr error
	popErr  error
	closed  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{lists: map[string][]string{}}
}

func (f *fakeClient) LPush(_ context.Context, key string, values ...any) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return goredis.NewIntResult(0, f.pushErr)
	}
	for _, v := range values {
		var s string
		switch typed := v.(type) {
		case []byte:
			s = string(typed)
		case string:
			s = typed
		}
		f.lists[key] = append([]string{s}, f.lists[key]...)
	}
	return goredis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeClient) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *goredis.StringSliceCmd {
	if f.popErr != nil {
		return goredis.NewStringSliceResult(nil, f.popErr)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		list := f.lists[keys[0]]
		if n := len(list); n > 0 {
			v := list[n-1]
			f.lists[keys[0]] = list[:n-1]
			f.mu.Unlock()
			return goredis.NewStringSliceResult([]string{keys[0], v}, nil)
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return goredis.NewStringSliceResult(nil, ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
	return goredis.NewStringSliceResult(nil, goredis.Nil)
}

func (f *fakeClient) LLen(_ context.Context, key string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return goredis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeClient) Ping(context.Context) *goredis.StatusCmd {
	return goredis.NewStatusResult("PONG", nil)
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestQueueIsFIFO(t *testing.T) {
	t.Parallel()

	fake := newFakeClient()
	q := newWithClient(fake, Config{PollTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, crawler.QueueItem{RunID: "a", Spider: "wecandoo"}))
	require.NoError(t, q.Enqueue(ctx, crawler.QueueItem{RunID: "b", Spider: "wecandoo", Attempt: 2}))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", first.RunID)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", second.RunID)
	require.Equal(t, 2, second.Attempt)

	require.NoError(t, q.Ping(ctx))
	require.NoError(t, q.Close())
	require.True(t, fake.closed)
}

func TestDequeueKeepsPollingUntilCanceled(t *testing.T) {
	t.Parallel()

	q := newWithClient(newFakeClient(), Config{PollTimeout: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueSurfacesRedisErrors(t *testing.T) {
	t.Parallel()

	fake := newFakeClient()
	fake.pushErr = errors.New("READONLY")
	fake.popErr = errors.New("connection refused")
	q := newWithClient(fake, Config{})

	require.ErrorContains(t, q.Enqueue(context.Background(), crawler.QueueItem{RunID: "x"}), "READONLY")
	_, err := q.Dequeue(context.Background())
	require.ErrorContains(t, err, "connection refused")
}

func TestDequeueRejectsGarbage(t *testing.T) {
	t.Parallel()

	fake := newFakeClient()
	fake.lists[defaultKey] = []string{"not json"}
	_, err := newWithClient(fake, Config{}).Dequeue(context.Background())
	require.ErrorContains(t, err, "decode queue item")
}

func TestNewRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
