// Package embedding implements the gateway's embedding client:
// cache-first lookup, a three-shape HTTP fallback protocol against an
// upstream that doesn't commit to one request body format, and bounded
// concurrency for batch calls.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/developer-mesh/chat-search-gateway/internal/observability"
	"github.com/developer-mesh/chat-search-gateway/internal/retry"
	"github.com/developer-mesh/chat-search-gateway/internal/ttlcache"
)

// Config controls the embedding client's remote endpoint and resilience knobs.
type Config struct {
	URL             string
	Model           string
	Dimension       int
	SingleTimeout   time.Duration
	MaxConcurrent   int
	CacheSize       int
	CacheTTL        time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
}

// Client generates text embeddings, caching results and falling back
// across the three payload shapes the upstream accepts.
type Client struct {
	cfg        Config
	httpClient *http.Client
	cache      *ttlcache.Cache[[]float32]
	sem        *semaphore.Weighted
	retryer    retry.Policy
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// requestShape is one of the three payload shapes tried in order.
type requestShape struct {
	name string
	body func(model, text string) interface{}
}

var requestShapes = []requestShape{
	{name: "prompt", body: func(model, text string) interface{} {
		return map[string]string{"model": model, "prompt": text}
	}},
	{name: "input", body: func(model, text string) interface{} {
		return map[string]string{"model": model, "input": text}
	}},
	{name: "input_list", body: func(model, text string) interface{} {
		return map[string]interface{}{"model": model, "input": []string{text}}
	}},
}

// New constructs a Client. When cfg.RedisAddr is set, the embedding cache
// mirrors to Redis for cross-restart durability; otherwise it runs
// LRU-only.
func New(cfg Config, logger observability.Logger, metrics observability.MetricsClient) (*Client, error) {
	if cfg.SingleTimeout <= 0 {
		cfg.SingleTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 5000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if logger == nil {
		logger = observability.NoopLogger{}
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	opts := []ttlcache.Option[[]float32]{
		ttlcache.WithLogger[[]float32](logger),
		ttlcache.WithMetrics[[]float32](metrics, "embedding"),
	}
	if cfg.RedisAddr != "" {
		mirror, err := ttlcache.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "embedding")
		if err != nil {
			return nil, errors.Wrap(err, "failed to construct embedding cache redis mirror")
		}
		opts = append(opts, ttlcache.WithRedisMirror[[]float32](mirror))
	}

	cache, err := ttlcache.New[[]float32](cfg.CacheSize, cfg.CacheTTL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to construct embedding cache")
	}

	retryer := retry.NewExponentialBackoff(retry.Config{
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      3,
		ShouldRetry:     isRetryableTransportError,
	})

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.SingleTimeout},
		cache:      cache,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		retryer:    retryer,
		logger:     logger.WithPrefix("embedding-client"),
		metrics:    metrics,
	}, nil
}

// cacheKey hashes model, dimension, and text so entries don't collide
// across configuration changes.
func (c *Client) cacheKey(text string) string {
	h := sha256.New()
	h.Write([]byte(c.cfg.Model))
	h.Write([]byte{0})
	h.Write([]byte(fmt.Sprintf("%d", c.cfg.Dimension)))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Embed returns the embedding vector for text, or nil if text is empty or
// every upstream attempt failed. The pipeline must treat nil as a
// degrade-not-crash signal, never an error.
func (c *Client) Embed(ctx context.Context, text string) []float32 {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	key := c.cacheKey(text)
	if v, ok := c.cache.Get(ctx, key); ok {
		c.metrics.IncrementCounter("embedding_cache_result", map[string]string{"result": "hit"})
		return v
	}
	c.metrics.IncrementCounter("embedding_cache_result", map[string]string{"result": "miss"})

	vec := c.embedRemote(ctx, text)
	if vec != nil {
		c.cache.Put(ctx, key, vec)
	}
	return vec
}

// EmbedBatch embeds each text under a bounded concurrency gate, preserving
// input order. Per-item failures become nil entries, never abort the batch.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))

	type job struct {
		idx  int
		text string
	}
	jobs := make(chan job, len(texts))
	for i, t := range texts {
		jobs <- job{idx: i, text: t}
	}
	close(jobs)

	done := make(chan struct{}, len(texts))
	for j := range jobs {
		j := j
		if err := c.sem.Acquire(ctx, 1); err != nil {
			out[j.idx] = nil
			done <- struct{}{}
			continue
		}
		go func() {
			defer c.sem.Release(1)
			out[j.idx] = c.Embed(ctx, j.text)
			done <- struct{}{}
		}()
	}
	for range texts {
		<-done
	}

	return out
}

func (c *Client) embedRemote(ctx context.Context, text string) []float32 {
	for _, shape := range requestShapes {
		var vec []float32
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.SingleTimeout)
		err := c.retryer.Execute(callCtx, func(ctx context.Context) error {
			v, err := c.doRequest(ctx, shape, text)
			if err != nil {
				return err
			}
			vec = v
			return nil
		})
		cancel()

		if err == nil && len(vec) == c.cfg.Dimension {
			return vec
		}
		if err != nil {
			c.logger.Debug("embedding shape attempt failed", map[string]interface{}{
				"shape": shape.name,
				"error": err.Error(),
			})
		}
	}

	c.logger.Warn("embedding request failed across all shapes", map[string]interface{}{
		"model": c.cfg.Model,
	})
	return nil
}

func (c *Client) doRequest(ctx context.Context, shape requestShape, text string) ([]float32, error) {
	body, err := json.Marshal(shape.body(c.cfg.Model, text))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal embedding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{cause: err, retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{cause: err, retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &transportError{
			cause:     errors.Errorf("embedding endpoint returned status %d", resp.StatusCode),
			retryable: isRetryableStatusCode(resp.StatusCode),
		}
	}

	return parseEmbeddingResponse(respBody)
}

// parseEmbeddingResponse accepts "embedding", "embeddings", or
// "data[0].embedding"; if the inner value is a list of lists, the first
// row is taken.
func parseEmbeddingResponse(body []byte) ([]float32, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, errors.Wrap(err, "embedding response is not a JSON object")
	}

	if raw, ok := generic["embedding"]; ok {
		return decodeVectorOrMatrix(raw)
	}
	if raw, ok := generic["embeddings"]; ok {
		return decodeVectorOrMatrix(raw)
	}
	if raw, ok := generic["data"]; ok {
		var rows []struct {
			Embedding json.RawMessage `json:"embedding"`
		}
		if err := json.Unmarshal(raw, &rows); err != nil || len(rows) == 0 {
			return nil, errors.New("embedding response data[] missing or empty")
		}
		return decodeVectorOrMatrix(rows[0].Embedding)
	}

	return nil, errors.New("embedding response has none of embedding/embeddings/data keys")
}

func decodeVectorOrMatrix(raw json.RawMessage) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err == nil {
		return vec, nil
	}
	var matrix [][]float32
	if err := json.Unmarshal(raw, &matrix); err == nil {
		if len(matrix) == 0 {
			return nil, errors.New("embedding response matrix is empty")
		}
		return matrix[0], nil
	}
	return nil, errors.New("embedding response value is neither a vector nor a matrix")
}

// transportError distinguishes retryable transport/timeout failures from
// permanent 4xx rejections, which are never worth retrying.
type transportError struct {
	cause     error
	retryable bool
}

func (e *transportError) Error() string { return e.cause.Error() }

func isRetryableTransportError(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return te.retryable
	}
	// network/timeout errors without a status code are retryable.
	return true
}

func isRetryableStatusCode(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// CacheStats exposes the embedding cache's size/hit-count snapshot for
// /cache/stats.
func (c *Client) CacheStats() ttlcache.Stats {
	return c.cache.Stats()
}

// CleanupExpiredCache is invoked by the janitor.
func (c *Client) CleanupExpiredCache() int {
	return c.cache.CleanupExpired()
}

// ClearCache empties the embedding cache (used by /cache/clear).
func (c *Client) ClearCache() {
	c.cache.Clear()
}
