package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/developer-mesh/chat-search-gateway/internal/observability"
)

func newTestStore(maxSessions int, ttl time.Duration) *Store {
	return New(maxSessions, ttl, observability.NoopLogger{}, observability.NoopMetrics{})
}

func TestStore_StoreAndFetchFullPage(t *testing.T) {
	s := newTestStore(10, time.Minute)
	results := []Product{"a", "b", "c"}

	s.Store(context.Background(), "sess-1", results, 3)
	page := s.Fetch(context.Background(), "sess-1", 0, 10)

	assert.Equal(t, results, page.Products)
	assert.Equal(t, 3, page.NextOffset)
	assert.False(t, page.HasMore)
	assert.Equal(t, 3, page.TotalFound)
}

func TestStore_FetchPaginatesWithOffsetAndLimit(t *testing.T) {
	s := newTestStore(10, time.Minute)
	s.Store(context.Background(), "sess-1", []Product{"a", "b", "c", "d", "e"}, 5)

	page := s.Fetch(context.Background(), "sess-1", 2, 2)

	assert.Equal(t, []Product{"c", "d"}, page.Products)
	assert.Equal(t, 4, page.NextOffset)
	assert.True(t, page.HasMore)
}

func TestStore_FetchMissingSessionReturnsEmptyPage(t *testing.T) {
	s := newTestStore(10, time.Minute)

	page := s.Fetch(context.Background(), "nope", 0, 10)

	assert.Empty(t, page.Products)
	assert.False(t, page.HasMore)
}

func TestStore_FetchExpiredSessionReturnsEmptyPage(t *testing.T) {
	s := newTestStore(10, 10*time.Millisecond)
	s.Store(context.Background(), "sess-1", []Product{"a"}, 1)
	time.Sleep(20 * time.Millisecond)

	page := s.Fetch(context.Background(), "sess-1", 0, 10)

	assert.Empty(t, page.Products)
}

func TestStore_ClearRemovesSession(t *testing.T) {
	s := newTestStore(10, time.Minute)
	s.Store(context.Background(), "sess-1", []Product{"a"}, 1)

	s.Clear(context.Background(), "sess-1")

	page := s.Fetch(context.Background(), "sess-1", 0, 10)
	assert.Empty(t, page.Products)
}

func TestStore_EvictsOldestWhenOverCapacity(t *testing.T) {
	s := newTestStore(2, time.Minute)

	s.Store(context.Background(), "first", []Product{"a"}, 1)
	time.Sleep(2 * time.Millisecond)
	s.Store(context.Background(), "second", []Product{"b"}, 1)
	time.Sleep(2 * time.Millisecond)
	s.Store(context.Background(), "third", []Product{"c"}, 1)

	assert.Equal(t, 2, s.Len())
	page := s.Fetch(context.Background(), "first", 0, 10)
	assert.Empty(t, page.Products, "oldest session should have been evicted")
}

func TestStore_SweepExpiredRemovesOldEntries(t *testing.T) {
	s := newTestStore(10, 10*time.Millisecond)
	s.Store(context.Background(), "sess-1", []Product{"a"}, 1)
	time.Sleep(20 * time.Millisecond)

	removed := s.SweepExpired()

	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, s.Len())
}
