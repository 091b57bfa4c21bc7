// Package dedup tracks atelier URLs already seen during one crawl run.
package dedup

import (
	"sync"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

// Index is a per-run set of item URLs keyed by crawler.URLKey.
// It is safe for concurrent use by sibling page walks.
type Index struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// New returns an empty Index.
func New() *Index {
	return &Index{seen: make(map[string]struct{})}
}

// Seen reports whether url was marked.
func (i *Index) Seen(url string) bool {
	key := crawler.URLKey(url)
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.seen[key]
	return ok
}

// Mark records url.
func (i *Index) Mark(url string) {
	key := crawler.URLKey(url)
	if key == "" {
		return
	}
	i.mu.Lock()
	i.seen[key] = struct{}{}
	i.mu.Unlock()
}

// MarkIfNew records url and returns true when it had not been seen.
func (i *Index) MarkIfNew(url string) bool {
	key := crawler.URLKey(url)
	if key == "" {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.seen[key]; ok {
		return false
	}
	i.seen[key] = struct{}{}
	return true
}

// Len returns the number of distinct URLs marked.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.seen)
}
