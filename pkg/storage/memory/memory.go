// Package memory provides an in-memory transport.StreamLedger for tests and
// single-instance deployments. Records are lost when the process restarts.
// An optional size bound evicts the least recently written record.
package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/storage"
	"github.com/rhuss/chatrelay/pkg/transport"
)

// entry holds a stored record and its metadata.
type entry struct {
	rec      *api.StreamRecord
	tenantID string
	lruElem  *list.Element // position in LRU list
}

// Ledger is an in-memory StreamLedger with optional LRU eviction.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*entry
	lruList *list.List // front = most recently written, back = oldest
	maxSize int        // 0 = unlimited
}

// Ensure Ledger implements transport.StreamLedger at compile time.
var _ transport.StreamLedger = (*Ledger)(nil)

// New creates a new in-memory ledger. If maxSize is 0, the ledger grows
// without limit. If maxSize > 0, the oldest record is evicted when the
// limit is reached.
func New(maxSize int) *Ledger {
	return &Ledger{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// SaveStream stores a copy of rec. Saving an ID twice returns
// storage.ErrConflict.
func (l *Ledger) SaveStream(ctx context.Context, rec *api.StreamRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[rec.ID]; exists {
		return storage.ErrConflict
	}

	if l.maxSize > 0 && len(l.entries) >= l.maxSize {
		l.evictOldest()
	}

	cp := *rec
	elem := l.lruList.PushFront(rec.ID)
	l.entries[rec.ID] = &entry{
		rec:      &cp,
		tenantID: storage.GetTenant(ctx),
		lruElem:  elem,
	}
	return nil
}

// GetStream retrieves a record by ID, scoped by tenant when one is present
// in the context.
func (l *Ledger) GetStream(ctx context.Context, id string) (*api.StreamRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[id]
	if !ok || !storage.Visible(ctx, e.tenantID) {
		return nil, storage.ErrNotFound
	}
	cp := *e.rec
	return &cp, nil
}

// ListStreams returns a page of records ordered by start time, newest
// first unless opts.Order is "asc".
func (l *Ledger) ListStreams(ctx context.Context, opts transport.ListOptions) (*api.StreamList, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matches []*api.StreamRecord
	for _, e := range l.entries {
		if !storage.Visible(ctx, e.tenantID) {
			continue
		}
		if opts.State != "" && e.rec.State != opts.State {
			continue
		}
		cp := *e.rec
		matches = append(matches, &cp)
	}

	asc := opts.Order == "asc"
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.StartedAt.Equal(b.StartedAt) {
			if asc {
				return a.StartedAt.Before(b.StartedAt)
			}
			return a.StartedAt.After(b.StartedAt)
		}
		if asc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	if opts.After != "" {
		idx := -1
		for i, r := range matches {
			if r.ID == opts.After {
				idx = i
				break
			}
		}
		if idx >= 0 {
			matches = matches[idx+1:]
		} else {
			matches = nil
		}
	}

	limit := clampLimit(opts.Limit)
	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}

	result := &api.StreamList{
		Object:  "list",
		Data:    matches,
		HasMore: hasMore,
	}
	if len(matches) > 0 {
		result.FirstID = matches[0].ID
		result.LastID = matches[len(matches)-1].ID
	}
	if result.Data == nil {
		result.Data = []*api.StreamRecord{}
	}
	return result, nil
}

// Len returns the number of stored records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// HealthCheck always returns nil for the in-memory ledger.
func (l *Ledger) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory ledger.
func (l *Ledger) Close() error {
	return nil
}

// evictOldest removes the least recently written record.
// Must be called with l.mu held.
func (l *Ledger) evictOldest() {
	back := l.lruList.Back()
	if back == nil {
		return
	}

	id := back.Value.(string)
	l.lruList.Remove(back)
	delete(l.entries, id)
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 20
	case n > 100:
		return 100
	}
	return n
}
