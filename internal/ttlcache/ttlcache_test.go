package ttlcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	c, err := New[string](10, time.Minute)
	require.NoError(t, err)

	c.Put(context.Background(), "k", "v")

	v, ok := c.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestCache_MissingKey(t *testing.T) {
	c, err := New[string](10, time.Minute)
	require.NoError(t, err)

	_, ok := c.Get(context.Background(), "missing")
	assert.False(t, ok)
}

func TestCache_ExpiredEntryIsLazilyEvicted(t *testing.T) {
	c, err := New[string](10, 10*time.Millisecond)
	require.NoError(t, err)

	c.Put(context.Background(), "k", "v")
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_EvictsLRUOnOverflow(t *testing.T) {
	c, err := New[int](2, time.Minute)
	require.NoError(t, err)

	c.Put(context.Background(), "a", 1)
	c.Put(context.Background(), "b", 2)
	// touch "a" so "b" becomes the least recently used
	_, _ = c.Get(context.Background(), "a")
	c.Put(context.Background(), "c", 3)

	_, ok := c.Get(context.Background(), "b")
	assert.False(t, ok, "b should have been evicted as the LRU entry")

	_, ok = c.Get(context.Background(), "a")
	assert.True(t, ok)
	_, ok = c.Get(context.Background(), "c")
	assert.True(t, ok)
}

func TestCache_CleanupExpiredReturnsCount(t *testing.T) {
	c, err := New[string](10, 10*time.Millisecond)
	require.NoError(t, err)

	c.Put(context.Background(), "a", "1")
	c.Put(context.Background(), "b", "2")
	time.Sleep(20 * time.Millisecond)

	removed := c.CleanupExpired()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, c.Len())
}

func TestCache_ClearEmptiesCache(t *testing.T) {
	c, err := New[string](10, time.Minute)
	require.NoError(t, err)

	c.Put(context.Background(), "a", "1")
	c.Clear()

	assert.Equal(t, 0, c.Len())
}

func TestCache_StatsTracksHitCount(t *testing.T) {
	c, err := New[string](10, time.Minute)
	require.NoError(t, err)

	c.Put(context.Background(), "a", "1")
	_, _ = c.Get(context.Background(), "a")
	_, _ = c.Get(context.Background(), "a")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(2), stats.TotalHits)
}

type fakeMirror struct {
	store map[string][]byte
}

func newFakeMirror() *fakeMirror { return &fakeMirror{store: map[string][]byte{}} }

func (f *fakeMirror) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := f.store[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (f *fakeMirror) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.store[key] = value
	return nil
}

func (f *fakeMirror) Delete(_ context.Context, key string) error {
	delete(f.store, key)
	return nil
}

func TestCache_FallsBackToMirrorOnL1Miss(t *testing.T) {
	mirror := newFakeMirror()
	c, err := New[string](10, time.Minute, WithRedisMirror[string](mirror))
	require.NoError(t, err)

	c.Put(context.Background(), "k", "v")
	c.Clear() // L1 empty, mirror still has it

	v, ok := c.Get(context.Background(), "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}
