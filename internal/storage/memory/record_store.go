// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

// RecordStore keeps ateliers in memory, unique by crawler.URLKey.
type RecordStore struct {
	mu      sync.RWMutex
	nextID  int64
	records []crawler.StoredRecord
	byKey   map[string]int64
	now     func() time.Time
}

var _ crawler.RecordStore = (*RecordStore)(nil)

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		byKey: make(map[string]int64),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// List returns records in insertion order.
func (s *RecordStore) List(_ context.Context, filter crawler.ListFilter) ([]crawler.StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]crawler.StoredRecord, 0)
	skipped := 0
	for _, rec := range s.records {
		if filter.Category != "" && (rec.Category == nil || !strings.EqualFold(*rec.Category, filter.Category)) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get fetches a record by ID.
func (s *RecordStore) Get(_ context.Context, id int64) (crawler.StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return crawler.StoredRecord{}, crawler.ErrNotFound
}

// ListURLs returns every stored URL.
func (s *RecordStore) ListURLs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	urls := make([]string, 0, len(s.records))
	for _, rec := range s.records {
		urls = append(urls, rec.URL)
	}
	return urls, nil
}

// BatchUpsert inserts records whose URL is not yet stored and returns the
// created rows. Existing and repeated URLs are skipped silently.
func (s *RecordStore) BatchUpsert(_ context.Context, records []crawler.Record) ([]crawler.StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := make([]crawler.StoredRecord, 0, len(records))
	for _, rec := range records {
		key := crawler.URLKey(rec.URL)
		if _, exists := s.byKey[key]; exists {
			continue
		}
		s.nextID++
		stored := crawler.StoredRecord{ID: s.nextID, CreatedAt: s.now(), Record: rec}
		s.byKey[key] = stored.ID
		s.records = append(s.records, stored)
		created = append(created, stored)
	}
	return created, nil
}

// DeleteAll removes every record and returns how many were deleted.
func (s *RecordStore) DeleteAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.records))
	s.records = nil
	s.byKey = make(map[string]int64)
	return n, nil
}
