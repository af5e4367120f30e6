package indicators

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ir "github.com/PhucNguyen204/threat-match/threat_match"
)

func memItem(index, id string) ir.ThreatListItem {
	return ir.ThreatListItem{ID: id, Index: index, Source: map[string]any{"ip": id}}
}

func TestMemoryStoreUpsertAndGet(t *testing.T) {
	m := NewMemoryStore(0)
	n, err := m.Upsert(context.Background(), []ir.ThreatListItem{memItem("ti", "1"), memItem("ti", "2")})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	replaced := memItem("ti", "1")
	replaced.Source["ip"] = "changed"
	_, err = m.Upsert(context.Background(), []ir.ThreatListItem{replaced})
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())

	got, ok := m.Get("ti", "1")
	require.True(t, ok)
	require.Equal(t, "changed", got.Source["ip"])
	_, ok = m.Get("other", "1")
	require.False(t, ok)

	_, err = m.Upsert(context.Background(), []ir.ThreatListItem{memItem("ti", "3"), {Index: "ti"}})
	require.True(t, errors.Is(err, ErrMissingID))
	require.Equal(t, 2, m.Len(), "rejected batch must not be partially written")
}

func TestMemoryStorePaging(t *testing.T) {
	m := NewMemoryStore(0)
	_, err := m.Upsert(context.Background(), []ir.ThreatListItem{
		memItem("b", "1"), memItem("a", "2"), memItem("a", "1"), memItem("c", "9"),
	})
	require.NoError(t, err)

	var seen []Cursor
	total, err := FetchAll(context.Background(), m, Query{Indexes: []string{"a", "b"}, Size: 2}, func(items []ir.ThreatListItem) error {
		for _, it := range items {
			seen = append(seen, Cursor{Index: it.Index, ID: it.ID})
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, []Cursor{{"a", "1"}, {"a", "2"}, {"b", "1"}}, seen)
}

func TestMemoryStoreSinceAndCleanup(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryStore(time.Hour)
	m.now = func() time.Time { return clock }

	_, err := m.Upsert(context.Background(), []ir.ThreatListItem{memItem("ti", "old")})
	require.NoError(t, err)
	clock = clock.Add(2 * time.Hour)
	_, err = m.Upsert(context.Background(), []ir.ThreatListItem{memItem("ti", "new")})
	require.NoError(t, err)

	page, err := m.FetchPage(context.Background(), Query{Since: clock.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "new", page.Items[0].ID)
	require.True(t, page.Next.IsZero())

	require.Equal(t, 1, m.Cleanup(0))
	require.Equal(t, 1, m.Len())
	require.Equal(t, 0, NewMemoryStore(0).Cleanup(0))
}

func TestMemoryStoreRunCleanupStops(t *testing.T) {
	m := NewMemoryStore(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunCleanup(ctx, time.Millisecond, nil)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunCleanup did not stop")
	}
}
