package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

// RunStore keeps the run-status log in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]crawler.Run
}

var _ crawler.RunStore = (*RunStore)(nil)

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]crawler.Run)}
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("run already exists")
	}
	s.runs[run.ID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.Run{}, crawler.ErrNotFound
	}
	return run, nil
}

// SaveRun inserts or replaces a run. A run that already completed is left
// untouched.
func (s *RunStore) SaveRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.runs[run.ID]; ok && current.CompletedAt != nil {
		return nil
	}
	s.runs[run.ID] = run
	return nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, filter crawler.RunFilter) ([]crawler.Run, error) {
	s.mu.RLock()
	runs := make([]crawler.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Offset >= len(runs) {
		return []crawler.Run{}, nil
	}
	runs = runs[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(runs) {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}
