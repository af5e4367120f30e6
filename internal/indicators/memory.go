package indicators

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
)

// Writer is implemented by stores that accept indicator uploads.
type Writer interface {
	Upsert(ctx context.Context, items []ir.ThreatListItem) (int, error)
}

type memRecord struct {
	item      ir.ThreatListItem
	updatedAt time.Time
}

// MemoryStore keeps indicators in process with concurrent access protection.
// It pages like PostgresStore and is used when no database is configured.
type MemoryStore struct {
	mu         sync.RWMutex
	items      map[Cursor]memRecord
	defaultTTL time.Duration
	now        func() time.Time
}

// NewMemoryStore creates a store whose Cleanup drops indicators not updated
// within ttl. A ttl of zero keeps everything.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{items: make(map[Cursor]memRecord), defaultTTL: ttl, now: time.Now}
}

// Upsert inserts or replaces indicators by (index, id). Nothing is written
// when any item lacks an id.
func (m *MemoryStore) Upsert(_ context.Context, items []ir.ThreatListItem) (int, error) {
	for i, it := range items {
		if it.ID == "" {
			return 0, fmt.Errorf("item %d: %w", i, ErrMissingID)
		}
	}
	now := m.now().UTC()
	m.mu.Lock()
	for _, it := range items {
		m.items[Cursor{Index: it.Index, ID: it.ID}] = memRecord{item: it, updatedAt: now}
	}
	m.mu.Unlock()
	return len(items), nil
}

// Get returns an indicator by index and id.
func (m *MemoryStore) Get(index, id string) (ir.ThreatListItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.items[Cursor{Index: index, ID: id}]
	return r.item, ok
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// FetchPage returns up to q.Size indicators after q.After in (index, id) order.
func (m *MemoryStore) FetchPage(_ context.Context, q Query) (Page, error) {
	var indexes map[string]struct{}
	if len(q.Indexes) > 0 {
		indexes = make(map[string]struct{}, len(q.Indexes))
		for _, ix := range q.Indexes {
			indexes[ix] = struct{}{}
		}
	}

	m.mu.RLock()
	keys := make([]Cursor, 0, len(m.items))
	for k, r := range m.items {
		if indexes != nil {
			if _, ok := indexes[k.Index]; !ok {
				continue
			}
		}
		if !q.Since.IsZero() && r.updatedAt.Before(q.Since) {
			continue
		}
		if !q.After.IsZero() && !cursorLess(q.After, k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return cursorLess(keys[i], keys[j]) })

	size := pageSize(q.Size)
	if len(keys) > size {
		keys = keys[:size]
	}
	page := Page{Items: make([]ir.ThreatListItem, 0, len(keys))}
	for _, k := range keys {
		page.Items = append(page.Items, m.items[k].item)
	}
	m.mu.RUnlock()

	if len(keys) == size {
		page.Next = keys[len(keys)-1]
	}
	return page, nil
}

func cursorLess(a, b Cursor) bool {
	if a.Index != b.Index {
		return a.Index < b.Index
	}
	return a.ID < b.ID
}

// Cleanup removes indicators not updated within ttl (if ttl <= 0 uses the
// store default; if both are 0, no-op) and returns how many were removed.
func (m *MemoryStore) Cleanup(ttl time.Duration) int {
	effective := ttl
	if effective <= 0 {
		effective = m.defaultTTL
	}
	if effective <= 0 {
		return 0
	}
	cutoff := m.now().UTC().Add(-effective)
	removed := 0
	m.mu.Lock()
	for k, r := range m.items {
		if r.updatedAt.Before(cutoff) {
			delete(m.items, k)
			removed++
		}
	}
	m.mu.Unlock()
	return removed
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (m *MemoryStore) RunCleanup(ctx context.Context, interval time.Duration, onRemoved func(n int)) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Cleanup(0); n > 0 && onRemoved != nil {
				onRemoved(n)
			}
		}
	}
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Writer = (*MemoryStore)(nil)
	_ Writer = (*PostgresStore)(nil)
)
