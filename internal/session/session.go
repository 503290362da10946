// Package session implements the per-session result cache backing
// pagination: the pipeline stores the full ordered result list once per
// search, and the load-more endpoint slices out of it.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/developer-mesh/chat-search-gateway/internal/observability"
)

// Product is the minimal shape the session store needs to know about its
// cached results; the pipeline's richer result type satisfies this.
type Product interface{}

type record struct {
	results        []Product
	totalFound     int
	createdAt      time.Time
	lastAccessedAt time.Time
}

// Page is the result of a pagination fetch.
type Page struct {
	Products   []Product
	NextOffset int
	HasMore    bool
	TotalFound int
}

// Store is the session result cache. Built directly on a map guarded by
// a mutex rather than internal/ttlcache's generic LRU: eviction here is
// "oldest by creation timestamp" under maxSessions, not LRU-by-access, so
// the store keeps its own bookkeeping independent of the LRU tier.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*record
	maxSessions int
	ttl         time.Duration
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// New creates a Store evicting the oldest session once maxSessions is
// exceeded, and expiring entries older than ttl.
func New(maxSessions int, ttl time.Duration, logger observability.Logger, metrics observability.MetricsClient) *Store {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	if logger == nil {
		logger = observability.NoopLogger{}
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Store{
		sessions:    make(map[string]*record),
		maxSessions: maxSessions,
		ttl:         ttl,
		logger:      logger,
		metrics:     metrics,
	}
}

// Store persists a frozen copy of orderedResults under sessionID,
// evicting the oldest session(s) if the store is over capacity.
func (s *Store) Store(_ context.Context, sessionID string, orderedResults []Product, totalFound int) {
	frozen := make([]Product, len(orderedResults))
	copy(frozen, orderedResults)

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sessionID] = &record{
		results:        frozen,
		totalFound:     totalFound,
		createdAt:      now,
		lastAccessedAt: now,
	}
	s.metrics.RecordGauge("session_store_size", nil, float64(len(s.sessions)))

	s.evictOverCapacityLocked()
}

// evictOverCapacityLocked must be called with mu held.
func (s *Store) evictOverCapacityLocked() {
	if len(s.sessions) <= s.maxSessions {
		return
	}

	type keyed struct {
		id        string
		createdAt time.Time
	}
	ordered := make([]keyed, 0, len(s.sessions))
	for id, r := range s.sessions {
		ordered = append(ordered, keyed{id: id, createdAt: r.createdAt})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].createdAt.Before(ordered[j].createdAt) })

	toEvict := len(s.sessions) - s.maxSessions
	for i := 0; i < toEvict; i++ {
		delete(s.sessions, ordered[i].id)
		s.metrics.IncrementCounter("session_evictions_total", map[string]string{"reason": "capacity"})
	}
}

// Fetch returns a page of results starting at offset, up to limit items.
// A missing or expired session returns an empty, non-error page.
func (s *Store) Fetch(_ context.Context, sessionID string, offset, limit int) Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.sessions[sessionID]
	if !ok || time.Since(r.createdAt) > s.ttl {
		return Page{Products: []Product{}}
	}

	r.lastAccessedAt = time.Now()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(r.results) {
		return Page{Products: []Product{}, NextOffset: offset, HasMore: false, TotalFound: r.totalFound}
	}
	end := offset + limit
	if limit <= 0 || end > len(r.results) {
		end = len(r.results)
	}

	page := make([]Product, end-offset)
	copy(page, r.results[offset:end])

	return Page{
		Products:   page,
		NextOffset: end,
		HasMore:    end < len(r.results),
		TotalFound: r.totalFound,
	}
}

// Clear removes a session.
func (s *Store) Clear(_ context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// SweepExpired drops sessions older than the store's TTL and logs the age
// since last read for each.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.sessions {
		if time.Since(r.createdAt) > s.ttl {
			s.logger.Debug("session expired", map[string]interface{}{
				"session_id":      id,
				"age_seconds":     time.Since(r.createdAt).Seconds(),
				"idle_seconds":    time.Since(r.lastAccessedAt).Seconds(),
			})
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.metrics.IncrementCounter("session_evictions_total", map[string]string{"reason": "ttl"})
	}
	return removed
}

// Len reports the current number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
