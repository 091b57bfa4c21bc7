package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageRunStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 1, hub.Dropped())
}

// TestHubTerminalEventWaitsForRoom checks a terminal event survives a full
// buffer that drains within TerminalWait.
func TestHubTerminalEventWaitsForRoom(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{TerminalWait: time.Second},
		events: make(chan Event),
		stopCh: make(chan struct{}),
		logger: zap.NewNop(),
	}
	received := make(chan Event, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		received <- <-hub.events
	}()

	hub.Emit(sampleEvent(StageRunDone))
	require.Equal(t, StageRunDone, (<-received).Stage)
	require.Zero(t, hub.Dropped())
}

// TestHubTerminalEventDroppedAfterWait bounds how long Emit can block.
func TestHubTerminalEventDroppedAfterWait(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{TerminalWait: 20 * time.Millisecond},
		events: make(chan Event),
		stopCh: make(chan struct{}),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageRunFailed))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.EqualValues(t, 1, hub.Dropped())
}

// TestHubCoalescesProgressPerRun keeps only the newest RUN_PROGRESS of a run
// inside one batch.
func TestHubCoalescesProgressPerRun(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(sampleEvent(StageRunStart))
	for i := 1; i <= 3; i++ {
		evt := sampleEvent(StageRunProgress)
		evt.Items = i * 10
		hub.Emit(evt)
	}
	other := sampleEvent(StageRunProgress)
	other.RunID = "other-run"
	other.Items = 5
	hub.Emit(other)
	hub.Emit(sampleEvent(StageRunDone))
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	stages := make([]Stage, 0, len(batches[0]))
	for _, evt := range batches[0] {
		stages = append(stages, evt.Stage)
	}
	require.Equal(t, []Stage{StageRunStart, StageRunProgress, StageRunProgress, StageRunDone}, stages)
	require.Equal(t, 30, batches[0][1].Items)
	require.Equal(t, 5, batches[0][2].Items)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		RunID:  "0190f5a4-7c1e-7000-8000-000000000001",
		TS:     time.Now(),
		Stage:  stage,
		Spider: "wecandoo",
	}
	if stage == StagePageDone {
		evt.URL = "https://wecandoo.fr/ateliers"
		evt.Page = 1
	}
	return evt
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)

	hub.Emit(Event{Stage: StageRunStart, TS: time.Now()})
	hub.Emit(Event{RunID: "r", Stage: StagePageDone, TS: time.Now()})
	hub.Emit(sampleEvent(StagePageDone))
	require.NoError(t, hub.Close(context.Background()))

	var total int
	for _, b := range sink.Batches() {
		total += len(b)
	}
	require.Equal(t, 1, total)

	// Emit after Close is ignored.
	hub.Emit(sampleEvent(StageRunDone))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEvent(StageRunDone).Validate())
	require.Error(t, Event{RunID: "r", TS: time.Now(), Stage: "BOGUS"}.Validate())
	require.Error(t, Event{RunID: "r", Stage: StageRunDone}.Validate())

	neg := sampleEvent(StageRunProgress)
	neg.Items = -1
	require.Error(t, neg.Validate())
}

func TestStageForStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, StageRunQueued, StageForStatus(crawler.RunStatusPending))
	require.Equal(t, StageRunProgress, StageForStatus(crawler.RunStatusProgress))
	require.Equal(t, StageRunTimeout, StageForStatus(crawler.RunStatusTimeout))
	require.True(t, StageForStatus(crawler.RunStatusSuccess).Terminal())
	require.False(t, StageRunStart.Terminal())
	require.Equal(t, Stage(""), StageForStatus("nope"))
}
