// Package history implements the process-wide, per-caller search history
// list: a bounded, TTL'd ordered sequence of past queries, appended to
// after every successful product search and swept by the janitor. The
// classifier does not read it; it works from caller-supplied history.
package history

import (
	"sync"
	"time"

	"github.com/developer-mesh/chat-search-gateway/internal/observability"
)

// Item is one past search: the query text, its extracted keywords, when
// it ran, and how many results it returned.
type Item struct {
	Query        string
	Keywords     []string
	Timestamp    time.Time
	ResultsCount int
}

// Store holds a bounded, TTL'd history list per caller key (the session
// ID). Built directly on a map guarded by a mutex, the same shape as
// internal/session's result cache, since both are process-wide mutable
// resources the janitor sweeps on the same cadence.
type Store struct {
	mu       sync.Mutex
	byKey    map[string][]Item
	maxItems int
	ttl      time.Duration
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// New creates a Store bounding each caller's history to maxItems entries
// and expiring entries older than ttl.
func New(maxItems int, ttl time.Duration, logger observability.Logger, metrics observability.MetricsClient) *Store {
	if maxItems <= 0 {
		maxItems = 20
	}
	if logger == nil {
		logger = observability.NoopLogger{}
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Store{
		byKey:    make(map[string][]Item),
		maxItems: maxItems,
		ttl:      ttl,
		logger:   logger,
		metrics:  metrics,
	}
}

// Append adds item to key's history, dropping the oldest entries once
// over maxItems.
func (s *Store) Append(key string, item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := append(s.byKey[key], item)
	if len(items) > s.maxItems {
		items = items[len(items)-s.maxItems:]
	}
	s.byKey[key] = items
	s.metrics.RecordGauge("history_store_keys", nil, float64(len(s.byKey)))
}

// Recent returns the last n items for key, oldest first.
func (s *Store) Recent(key string, n int) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.byKey[key]
	if n <= 0 || n >= len(items) {
		out := make([]Item, len(items))
		copy(out, items)
		return out
	}
	out := make([]Item, n)
	copy(out, items[len(items)-n:])
	return out
}

// SweepExpired drops items older than the store's TTL, removing any key
// left with an empty list.
func (s *Store) SweepExpired() int {
	if s.ttl <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, items := range s.byKey {
		kept := items[:0:0]
		for _, item := range items {
			if time.Since(item.Timestamp) > s.ttl {
				removed++
				continue
			}
			kept = append(kept, item)
		}
		if len(kept) == 0 {
			delete(s.byKey, key)
		} else {
			s.byKey[key] = kept
		}
	}
	if removed > 0 {
		s.metrics.IncrementCounter("history_items_expired_total", nil)
	}
	return removed
}
