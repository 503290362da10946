package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestStore(maxItems int, ttl time.Duration) *Store {
	return New(maxItems, ttl, nil, nil)
}

func TestStore_AppendBoundsToMaxItems(t *testing.T) {
	s := newTestStore(2, time.Hour)

	s.Append("sess-1", Item{Query: "a"})
	s.Append("sess-1", Item{Query: "b"})
	s.Append("sess-1", Item{Query: "c"})

	items := s.Recent("sess-1", 10)
	assert.Len(t, items, 2)
	assert.Equal(t, "b", items[0].Query)
	assert.Equal(t, "c", items[1].Query)
}

func TestStore_RecentReturnsLastN(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.Append("sess-1", Item{Query: "a"})
	s.Append("sess-1", Item{Query: "b"})
	s.Append("sess-1", Item{Query: "c"})

	items := s.Recent("sess-1", 2)

	assert.Len(t, items, 2)
	assert.Equal(t, "b", items[0].Query)
	assert.Equal(t, "c", items[1].Query)
}

func TestStore_SweepExpiredRemovesOldItemsAndEmptiesKeys(t *testing.T) {
	s := newTestStore(10, time.Millisecond)
	s.Append("sess-1", Item{Query: "a", Timestamp: time.Now().Add(-time.Hour)})

	removed := s.SweepExpired()

	assert.Equal(t, 1, removed)
	assert.Empty(t, s.Recent("sess-1", 10))
}

func TestStore_SweepExpiredKeepsFreshItems(t *testing.T) {
	s := newTestStore(10, time.Hour)
	s.Append("sess-1", Item{Query: "a", Timestamp: time.Now()})

	removed := s.SweepExpired()

	assert.Equal(t, 0, removed)
	assert.Len(t, s.Recent("sess-1", 10), 1)
}

func TestStore_SweepExpiredNoopWhenTTLUnset(t *testing.T) {
	s := newTestStore(10, 0)
	s.Append("sess-1", Item{Query: "a", Timestamp: time.Now().Add(-24 * time.Hour)})

	removed := s.SweepExpired()

	assert.Equal(t, 0, removed)
	assert.Len(t, s.Recent("sess-1", 10), 1)
}
