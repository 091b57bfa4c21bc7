package crawler

import "time"

// RunStatus represents the lifecycle state of a crawl run.
type RunStatus string

// Run status values persisted in the run log.
const (
	RunStatusPending  RunStatus = "PENDING"
	RunStatusStarted  RunStatus = "STARTED"
	RunStatusProgress RunStatus = "PROGRESS"
	RunStatusSuccess  RunStatus = "SUCCESS"
	RunStatusFailed   RunStatus = "FAILED"
	RunStatusTimeout  RunStatus = "TIMEOUT"
)

// IsTerminal reports whether no further transitions are permitted.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusTimeout:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusStarted, RunStatusProgress,
		RunStatusSuccess, RunStatusFailed, RunStatusTimeout:
		return true
	default:
		return false
	}
}

// RawRecord is an item as extracted from markup. A nil field is absent.
type RawRecord struct {
	Title    *string
	URL      *string
	Category *string
	Price    *string
	Duration *string
	Location *string
}

// Record is a normalized atelier ready for storage.
type Record struct {
	Title    string  `json:"title" validate:"required"`
	URL      string  `json:"url" validate:"required"`
	Category *string `json:"category,omitempty"`
	Price    *int    `json:"price,omitempty" validate:"omitempty,gte=0"`
	Duration *string `json:"duration,omitempty"`
	Location *string `json:"location,omitempty"`
}

// StoredRecord is the durable form of a Record with its store-assigned identity.
type StoredRecord struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Record
}

// Run is the audit row tracking one crawl-and-ingest execution.
type Run struct {
	ID           string     `json:"run_id"`
	SpiderName   string     `json:"spider_name"`
	Status       RunStatus  `json:"status"`
	ItemsScraped int        `json:"items_scraped"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ListFilter narrows record listings.
type ListFilter struct {
	Offset   int
	Limit    int
	Category string
}

// RunFilter narrows run listings. A nil Status matches every run.
type RunFilter struct {
	Status *RunStatus
	Limit  int
	Offset int
}

// QueueItem wraps a run ready to execute.
type QueueItem struct {
	RunID     string `json:"run_id"`
	Spider    string `json:"spider"`
	Attempt   int    `json:"attempt"`
	Submitted int64  `json:"submitted"`
}

// RenderRequest describes one listing page to render.
type RenderRequest struct {
	URL          string
	ItemSelector string
}

// Page is the rendered output of one listing page.
type Page struct {
	URL       string
	HTML      string
	ItemCount int
	Duration  time.Duration
}
