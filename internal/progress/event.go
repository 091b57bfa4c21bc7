package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunQueued   Stage = "RUN_QUEUED"
	StageRunStart    Stage = "RUN_START"
	StageRunProgress Stage = "RUN_PROGRESS"
	StageRunDone     Stage = "RUN_DONE"
	StageRunFailed   Stage = "RUN_FAILED"
	StageRunTimeout  Stage = "RUN_TIMEOUT"
	StagePageDone    Stage = "PAGE_DONE"
)

// Terminal reports whether the stage closes a run.
func (s Stage) Terminal() bool {
	switch s {
	case StageRunDone, StageRunFailed, StageRunTimeout:
		return true
	default:
		return false
	}
}

// StageForStatus maps a run status onto its lifecycle stage.
func StageForStatus(status crawler.RunStatus) Stage {
	switch status {
	case crawler.RunStatusPending:
		return StageRunQueued
	case crawler.RunStatusStarted:
		return StageRunStart
	case crawler.RunStatusProgress:
		return StageRunProgress
	case crawler.RunStatusSuccess:
		return StageRunDone
	case crawler.RunStatusFailed:
		return StageRunFailed
	case crawler.RunStatusTimeout:
		return StageRunTimeout
	default:
		return ""
	}
}

// Event captures a single step of a crawl run.
type Event struct {
	// RunID identifies the run the event belongs to.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage  Stage
	Spider string
	// Status is the run status after the transition, for lifecycle stages.
	Status crawler.RunStatus
	// URL and Page locate a PAGE_DONE event.
	URL  string
	Page int
	// Items is the running count of accepted records.
	Items int
	// Dur is page render time for PAGE_DONE and run wall time for terminal stages.
	Dur time.Duration
	// Note carries error text or other low-volume context.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunQueued, StageRunStart, StageRunProgress, StageRunDone, StageRunFailed, StageRunTimeout:
	case StagePageDone:
		if e.URL == "" {
			return errors.New("page done requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Items < 0 {
		return errors.New("items must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
