package crawler

import (
	"context"
	"io"
	"time"
)

// Renderer loads one listing page and returns its final HTML.
type Renderer interface {
	Render(ctx context.Context, request RenderRequest) (Page, error)
}

// RecordStore persists ateliers with uniqueness by URL.
type RecordStore interface {
	List(ctx context.Context, filter ListFilter) ([]StoredRecord, error)
	Get(ctx context.Context, id int64) (StoredRecord, error)
	ListURLs(ctx context.Context) ([]string, error)
	BatchUpsert(ctx context.Context, records []Record) ([]StoredRecord, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// RunStore persists the run-status log keyed by run ID.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	SaveRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for crawl runs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Limiter throttles requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for snapshot naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
