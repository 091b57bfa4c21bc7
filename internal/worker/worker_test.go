package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/atelier-crawler/internal/clock/system"
	"github.com/JakeFAU/atelier-crawler/internal/crawler"
	"github.com/JakeFAU/atelier-crawler/internal/ingest"
	"github.com/JakeFAU/atelier-crawler/internal/progress"
	queuememory "github.com/JakeFAU/atelier-crawler/internal/queue/memory"
	"github.com/JakeFAU/atelier-crawler/internal/spider"
	"github.com/JakeFAU/atelier-crawler/internal/storage/memory"
	"github.com/JakeFAU/atelier-crawler/internal/tracker"
	"github.com/JakeFAU/atelier-crawler/internal/walker"
)

const (
	page1URL = "https://wecandoo.fr/ateliers"
	page2URL = "https://wecandoo.fr/ateliers?page=2"
)

func card(slug, title string) string {
	return fmt.Sprintf(`<a href="/atelier/%s"><h3>%s</h3><span class="w-typo--h6"><span>45 €</span></span></a>`, slug, title)
}

func listing(parts ...string) string {
	return "<html><body>" + strings.Join(parts, "\n") + "</body></html>"
}

// siteRenderer serves fixed pages; block makes it wait for cancellation.
type siteRenderer struct {
	pages map[string]string
	errs  map[string]error
	block bool
}

func (s *siteRenderer) Render(ctx context.Context, req crawler.RenderRequest) (crawler.Page, error) {
	if s.block {
		<-ctx.Done()
		return crawler.Page{}, &crawler.RenderError{URL: req.URL, Op: "wait", Err: ctx.Err()}
	}
	if err, ok := s.errs[req.URL]; ok {
		return crawler.Page{}, err
	}
	html, ok := s.pages[req.URL]
	if !ok {
		return crawler.Page{}, &crawler.RenderError{URL: req.URL, Op: "navigate", Err: errors.New("404")}
	}
	return crawler.Page{URL: req.URL, HTML: html}, nil
}

// failingBatchStore rejects every write whose first URL is listed.
type failingBatchStore struct {
	*memory.RecordStore
	failFirst map[string]bool
}

func (s *failingBatchStore) BatchUpsert(ctx context.Context, records []crawler.Record) ([]crawler.StoredRecord, error) {
	if s.failFirst[records[0].URL] {
		return nil, errors.New("connection reset by peer")
	}
	return s.RecordStore.BatchUpsert(ctx, records)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) count(stage progress.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Stage == stage {
			n++
		}
	}
	return n
}

type harness struct {
	worker  *Worker
	tracker *tracker.Tracker
	records crawler.RecordStore
	events  *recordingEmitter
}

func newHarness(t *testing.T, renderer crawler.Renderer, records crawler.RecordStore, queue crawler.Queue, cfg Config) *harness {
	t.Helper()
	if records == nil {
		records = memory.NewRecordStore()
	}
	events := &recordingEmitter{}
	clock := system.New()
	runs := tracker.New(memory.NewRunStore(), clock, events, nil)
	w := New(
		queue,
		spider.NewRegistry(nil),
		walker.New(renderer, nil, nil, nil, walker.Config{}, nil),
		ingest.New(records, ingest.Config{}, nil),
		runs,
		events,
		clock,
		cfg,
		nil,
	)
	return &harness{worker: w, tracker: runs, records: records, events: events}
}

func (h *harness) start(t *testing.T, runID string) crawler.QueueItem {
	t.Helper()
	_, err := h.tracker.Create(context.Background(), runID, spider.Wecandoo)
	require.NoError(t, err)
	return crawler.QueueItem{RunID: runID, Spider: spider.Wecandoo}
}

func TestProcessTwoPageCrawlSucceeds(t *testing.T) {
	t.Parallel()

	renderer := &siteRenderer{pages: map[string]string{
		page1URL: listing(card("poterie", "Poterie"), card("bijoux", "Bijoux"), `<a href="/ateliers?page=2">2</a>`),
		page2URL: listing(card("poterie", "Poterie"), card("vannerie", "Vannerie")),
	}}
	h := newHarness(t, renderer, nil, nil, Config{})

	final := h.worker.Process(context.Background(), h.start(t, "run-ok"))
	require.Equal(t, crawler.RunStatusSuccess, final.Status)
	require.Equal(t, 3, final.ItemsScraped)
	require.Nil(t, final.ErrorMessage)
	require.NotNil(t, final.CompletedAt)

	stored, err := h.records.ListURLs(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 3)
	require.Equal(t, 2, h.events.count(progress.StagePageDone))
	require.Equal(t, 1, h.events.count(progress.StageRunDone))

	got, err := h.tracker.Get(context.Background(), "run-ok")
	require.NoError(t, err)
	require.Equal(t, crawler.RunStatusSuccess, got.Status)
}

func TestProcessRenderTimeoutOnFirstPage(t *testing.T) {
	t.Parallel()

	renderer := &siteRenderer{errs: map[string]error{
		page1URL: &crawler.RenderError{URL: page1URL, Op: "wait", Err: context.DeadlineExceeded},
	}}
	h := newHarness(t, renderer, nil, nil, Config{})

	final := h.worker.Process(context.Background(), h.start(t, "run-slow"))
	require.Equal(t, crawler.RunStatusTimeout, final.Status)
	require.Zero(t, final.ItemsScraped)
	require.NotNil(t, final.ErrorMessage)
	require.Contains(t, *final.ErrorMessage, page1URL)

	stored, err := h.records.ListURLs(context.Background())
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestProcessBudgetExceeded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &siteRenderer{block: true}, nil, nil, Config{Budget: 30 * time.Millisecond})

	final := h.worker.Process(context.Background(), h.start(t, "run-budget"))
	require.Equal(t, crawler.RunStatusTimeout, final.Status)
	require.Equal(t, "timeout: crawl wecandoo exceeded 30ms", *final.ErrorMessage)
}

func TestProcessPartialBatchFailureKeepsSuccess(t *testing.T) {
	t.Parallel()

	cards := make([]string, 0, 120)
	for i := range 120 {
		cards = append(cards, card(fmt.Sprintf("a%03d", i), fmt.Sprintf("Atelier %d", i)))
	}
	store := &failingBatchStore{
		RecordStore: memory.NewRecordStore(),
		failFirst:   map[string]bool{"https://wecandoo.fr/atelier/a050": true},
	}
	h := newHarness(t, &siteRenderer{pages: map[string]string{page1URL: listing(cards...)}}, store, nil, Config{})

	final := h.worker.Process(context.Background(), h.start(t, "run-partial"))
	require.Equal(t, crawler.RunStatusSuccess, final.Status)
	require.Equal(t, 70, final.ItemsScraped)
	require.NotNil(t, final.ErrorMessage)
	require.Contains(t, *final.ErrorMessage, "batch 2")
}

func TestProcessUnknownSpiderFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &siteRenderer{}, nil, nil, Config{})
	_, err := h.tracker.Create(context.Background(), "run-x", "nope")
	require.NoError(t, err)

	final := h.worker.Process(context.Background(), crawler.QueueItem{RunID: "run-x", Spider: "nope"})
	require.Equal(t, crawler.RunStatusFailed, final.Status)
	require.Contains(t, *final.ErrorMessage, "unknown spider")
}

type panickingWalker struct{}

func (panickingWalker) Walk(context.Context, spider.Spider, walker.Options) (walker.Result, error) {
	panic("selector exploded")
}

func TestProcessRecoversPanics(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &siteRenderer{}, nil, nil, Config{})
	h.worker.walker = panickingWalker{}

	final := h.worker.Process(context.Background(), h.start(t, "run-panic"))
	require.Equal(t, crawler.RunStatusFailed, final.Status)
	require.Equal(t, "panic: selector exploded", *final.ErrorMessage)
}

func TestRunConsumesQueueUntilClosed(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(4)
	renderer := &siteRenderer{pages: map[string]string{page1URL: listing(card("poterie", "Poterie"))}}
	h := newHarness(t, renderer, nil, q, Config{})

	item := h.start(t, "run-queued")
	require.NoError(t, q.Enqueue(context.Background(), item))

	done := make(chan struct{})
	go func() {
		h.worker.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		run, err := h.tracker.Get(context.Background(), "run-queued")
		return err == nil && run.Status == crawler.RunStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}
