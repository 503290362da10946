// Package searchengine implements the gateway's search engine client
// kNN semantic search, BM25 lexical search, and hybrid fusion of
// the two, against an Elasticsearch-compatible HTTP search endpoint.
package searchengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/developer-mesh/chat-search-gateway/internal/observability"
	"github.com/developer-mesh/chat-search-gateway/internal/resilience"
	"github.com/developer-mesh/chat-search-gateway/internal/retry"
)

// FusionStrategy selects how hybrid search combines semantic and lexical
// result lists.
type FusionStrategy string

// Fusion strategies.
const (
	FusionWeighted FusionStrategy = "weighted"
	FusionRRF      FusionStrategy = "rrf"
)

const defaultVectorField = "description_vector"
const rrfConstant = 30

// Config controls the search engine client's endpoint, index, and
// resilience knobs.
type Config struct {
	URL               string
	Username          string
	Password          string
	Index             string
	VectorField       string
	MaxCandidates     int
	BM25MinScore      float64
	RequestTimeout    time.Duration
	SemanticWeight    float32 // alpha in the weighted fusion strategy
	FusionStrategy    FusionStrategy
}

// Hit is a single search result as returned by the search engine, before
// category assignment or re-ranking.
type Hit struct {
	ID        string                 `json:"id"`
	Score     float64                `json:"score"`
	Source    map[string]interface{} `json:"source"`
	Highlight map[string][]string    `json:"highlight,omitempty"`
}

// LabeledVector pairs a semantic subquery label with its embedding, for
// the multi-semantic fan-out.
type LabeledVector struct {
	Label  string
	Vector []float32
}

// Client performs kNN, BM25, and hybrid searches.
type Client struct {
	cfg     Config
	http    *http.Client
	cb      *resilience.CircuitBreaker
	retryer retry.Policy
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New constructs a Client guarded by a circuit breaker and retry policy.
func New(cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Client {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 1000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.VectorField == "" {
		cfg.VectorField = defaultVectorField
	}
	if cfg.SemanticWeight <= 0 {
		cfg.SemanticWeight = 0.7
	}
	if cfg.FusionStrategy == "" {
		cfg.FusionStrategy = FusionWeighted
	}
	if logger == nil {
		logger = observability.NoopLogger{}
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	cb := resilience.NewCircuitBreaker("search_engine", resilience.CircuitBreakerConfig{
		FailureThreshold:    5,
		FailureRatio:        0.5,
		ResetTimeout:        30 * time.Second,
		SuccessThreshold:    2,
		MaxRequestsHalfOpen: 5,
		TimeoutThreshold:    cfg.RequestTimeout + time.Second,
		MinimumRequestCount: 10,
	}, logger, metrics)

	retryer := retry.NewExponentialBackoff(retry.Config{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      3,
		ShouldRetry:     isRetryableSearchError,
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		cb:      cb,
		retryer: retryer,
		logger:  logger.WithPrefix("search-engine-client"),
		metrics: metrics,
	}
}

func clampCandidates(k, minV, maxV int) int {
	v := 20 * k
	if v < minV {
		return minV
	}
	if v > maxV {
		return maxV
	}
	return v
}

// KNNSearch runs a semantic search against the configured vector field.
// If the field is non-default and returns zero hits, it retries once
// against the default field.
func (c *Client) KNNSearch(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	numCandidates := clampCandidates(k, 100, c.cfg.MaxCandidates)

	hits, err := c.knnSearchField(ctx, vector, k, numCandidates, c.cfg.VectorField)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 && c.cfg.VectorField != defaultVectorField {
		c.logger.Debug("knn search returned zero hits, retrying against default vector field", map[string]interface{}{
			"field": c.cfg.VectorField,
		})
		return c.knnSearchField(ctx, vector, k, numCandidates, defaultVectorField)
	}
	return hits, nil
}

func (c *Client) knnSearchField(ctx context.Context, vector []float32, k, numCandidates int, field string) ([]Hit, error) {
	body := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          field,
			"query_vector":   vector,
			"k":              k,
			"num_candidates": numCandidates,
		},
		"size": k,
	}
	return c.search(ctx, "knn", body)
}

// BM25Search runs the four-clause boosted lexical query over title/
// description/sku fields.
func (c *Client) BM25Search(ctx context.Context, query string, k int) ([]Hit, error) {
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"minimum_should_match": 1,
				"should": []interface{}{
					map[string]interface{}{
						"multi_match": map[string]interface{}{
							"query":  query,
							"type":   "phrase",
							"fields": []string{"title.ua^6", "title.ru^6"},
							"boost":  5.0,
						},
					},
					map[string]interface{}{
						"multi_match": map[string]interface{}{
							"query":     query,
							"type":      "best_fields",
							"fuzziness": "AUTO",
							"fields":    []string{"title.ua^5", "title.ru^5"},
							"boost":     4.0,
						},
					},
					map[string]interface{}{
						"multi_match": map[string]interface{}{
							"query":     query,
							"type":      "best_fields",
							"fuzziness": "AUTO",
							"fields":    []string{"description.ua^2", "description.ru^2"},
							"boost":     2.0,
						},
					},
					map[string]interface{}{
						"multi_match": map[string]interface{}{
							"query":  query,
							"type":   "best_fields",
							"fields": []string{"sku^3", "good_code^2", "uktzed^1"},
							"boost":  3.0,
						},
					},
				},
			},
		},
		"min_score": c.cfg.BM25MinScore,
		"highlight": map[string]interface{}{
			"fields": map[string]interface{}{
				"title":       map[string]interface{}{},
				"description": map[string]interface{}{},
			},
		},
		"size": k,
	}
	return c.search(ctx, "bm25", body)
}

// HybridSearch runs semantic and lexical search in parallel over
// candidate lists sized max(2k, 50), then fuses per cfg.FusionStrategy.
func (c *Client) HybridSearch(ctx context.Context, vector []float32, query string, k int) ([]Hit, error) {
	candidateSize := k * 2
	if candidateSize < 50 {
		candidateSize = 50
	}

	var semanticHits, lexicalHits []Hit
	var semanticErr, lexicalErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		semanticHits, semanticErr = c.KNNSearch(ctx, vector, candidateSize)
	}()
	go func() {
		defer wg.Done()
		lexicalHits, lexicalErr = c.BM25Search(ctx, query, candidateSize)
	}()
	wg.Wait()

	if semanticErr != nil {
		c.logger.Warn("hybrid search: semantic leg failed", map[string]interface{}{"error": semanticErr.Error()})
	}
	if lexicalErr != nil {
		c.logger.Warn("hybrid search: lexical leg failed", map[string]interface{}{"error": lexicalErr.Error()})
	}
	if semanticErr != nil && lexicalErr != nil {
		return nil, errors.Wrap(semanticErr, "both hybrid search legs failed")
	}

	var fused []Hit
	switch c.cfg.FusionStrategy {
	case FusionRRF:
		fused = fuseRRF(semanticHits, lexicalHits)
	default:
		fused = fuseWeighted(semanticHits, lexicalHits, c.cfg.SemanticWeight)
	}

	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

func fuseWeighted(semantic, lexical []Hit, alpha float32) []Hit {
	semanticMax := maxScore(semantic)
	lexicalMax := maxScore(lexical)

	wSemantic, wLexical := float64(alpha), float64(1-alpha)
	if len(semantic) == 0 {
		wSemantic, wLexical = 0, 1
	} else if len(lexical) == 0 {
		wSemantic, wLexical = 1, 0
	}

	combined := map[string]*Hit{}
	order := []string{}

	for _, h := range semantic {
		norm := 0.0
		if semanticMax > 0 {
			norm = h.Score / semanticMax
		}
		cp := h
		cp.Score = wSemantic * norm
		combined[h.ID] = &cp
		order = append(order, h.ID)
	}
	for _, h := range lexical {
		norm := 0.0
		if lexicalMax > 0 {
			norm = h.Score / lexicalMax
		}
		contribution := wLexical * norm
		if existing, ok := combined[h.ID]; ok {
			existing.Score += contribution
			if existing.Highlight == nil {
				existing.Highlight = h.Highlight
			}
		} else {
			cp := h
			cp.Score = contribution
			combined[h.ID] = &cp
			order = append(order, h.ID)
		}
	}

	return sortedHits(combined, order)
}

func fuseRRF(semantic, lexical []Hit) []Hit {
	combined := map[string]*Hit{}
	order := []string{}

	accumulate := func(hits []Hit) {
		for rank, h := range hits {
			contribution := 1.0 / float64(rrfConstant+rank+1)
			if existing, ok := combined[h.ID]; ok {
				existing.Score += contribution
			} else {
				cp := h
				cp.Score = contribution
				combined[h.ID] = &cp
				order = append(order, h.ID)
			}
		}
	}
	accumulate(semantic)
	accumulate(lexical)

	return sortedHits(combined, order)
}

func sortedHits(combined map[string]*Hit, order []string) []Hit {
	out := make([]Hit, 0, len(order))
	for _, id := range order {
		out = append(out, *combined[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func maxScore(hits []Hit) float64 {
	max := 0.0
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	return max
}

// MultiSemanticSearch fans out one kNN search per labeled vector,
// unbounded, in parallel. A subquery's failure is logged and becomes an
// empty list; it never aborts the batch.
func (c *Client) MultiSemanticSearch(ctx context.Context, queries []LabeledVector, k int) map[string][]Hit {
	results := make(map[string][]Hit, len(queries))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, q := range queries {
		q := q
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := c.KNNSearch(ctx, q.Vector, k)
			if err != nil {
				c.logger.Warn("multi-semantic subquery failed", map[string]interface{}{
					"label": q.Label,
					"error": err.Error(),
				})
				hits = []Hit{}
			}
			mu.Lock()
			results[q.Label] = hits
			mu.Unlock()
		}()
	}
	wg.Wait()

	return results
}

// search executes body against the index's _search endpoint, behind the
// circuit breaker and retry policy, and parses the raw hits.
func (c *Client) search(ctx context.Context, kind string, body map[string]interface{}) ([]Hit, error) {
	stop := c.metrics.StartTimer("search_engine_request_duration_seconds", map[string]string{"kind": kind})
	defer stop()

	result, err := c.cb.Execute(ctx, func() (interface{}, error) {
		var hits []Hit
		err := c.retryer.Execute(ctx, func(ctx context.Context) error {
			h, err := c.doSearch(ctx, body)
			if err != nil {
				return err
			}
			hits = h
			return nil
		})
		return hits, err
	})
	if err != nil {
		c.metrics.IncrementCounter("search_engine_requests_total", map[string]string{"kind": kind, "status": "error"})
		return nil, err
	}

	c.metrics.IncrementCounter("search_engine_requests_total", map[string]string{"kind": kind, "status": "ok"})
	return result.([]Hit), nil
}

func (c *Client) doSearch(ctx context.Context, body map[string]interface{}) ([]Hit, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search request")
	}

	url := fmt.Sprintf("%s/%s/_search", c.cfg.URL, c.cfg.Index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build search request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &searchError{cause: err, retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &searchError{cause: err, retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &searchError{
			cause:     errors.Errorf("search engine returned status %d: %s", resp.StatusCode, string(raw)),
			retryable: resp.StatusCode >= 500,
		}
	}

	return parseSearchResponse(raw)
}

type esResponse struct {
	Hits struct {
		Hits []struct {
			ID        string                 `json:"_id"`
			Score     float64                `json:"_score"`
			Source    map[string]interface{} `json:"_source"`
			Highlight map[string][]string    `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
}

func parseSearchResponse(raw []byte) ([]Hit, error) {
	var resp esResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to parse search response")
	}

	hits := make([]Hit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score, Source: h.Source, Highlight: h.Highlight})
	}
	return hits, nil
}

type searchError struct {
	cause     error
	retryable bool
}

func (e *searchError) Error() string { return e.cause.Error() }

func isRetryableSearchError(err error) bool {
	var se *searchError
	if errors.As(err, &se) {
		return se.retryable
	}
	return true
}
