package searchengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func esResponseBody(ids ...string) map[string]interface{} {
	hits := make([]map[string]interface{}, 0, len(ids))
	for i, id := range ids {
		hits = append(hits, map[string]interface{}{
			"_id":    id,
			"_score": float64(len(ids) - i),
			"_source": map[string]interface{}{
				"title": "product " + id,
			},
		})
	}
	return map[string]interface{}{"hits": map[string]interface{}{"hits": hits}}
}

func TestClient_KNNSearch_ParsesHits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(esResponseBody("p1", "p2"))
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, Index: "products", VectorField: "title_vector", RequestTimeout: time.Second}, nil, nil)
	hits, err := c.KNNSearch(context.Background(), []float32{0.1, 0.2}, 5)

	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "p1", hits[0].ID)
}

func TestClient_KNNSearch_RetriesDefaultFieldOnZeroHits(t *testing.T) {
	var fields []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		knn := body["knn"].(map[string]interface{})
		field := knn["field"].(string)
		fields = append(fields, field)

		if field == "title_vector" {
			_ = json.NewEncoder(w).Encode(esResponseBody())
			return
		}
		_ = json.NewEncoder(w).Encode(esResponseBody("fallback-hit"))
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, Index: "products", VectorField: "title_vector", RequestTimeout: time.Second}, nil, nil)
	hits, err := c.KNNSearch(context.Background(), []float32{0.1}, 5)

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "fallback-hit", hits[0].ID)
	assert.Equal(t, []string{"title_vector", defaultVectorField}, fields)
}

func TestClient_BM25Search_SendsFourShouldClauses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		should := body["query"].(map[string]interface{})["bool"].(map[string]interface{})["should"].([]interface{})
		assert.Len(t, should, 4)
		_ = json.NewEncoder(w).Encode(esResponseBody("p1"))
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, Index: "products", BM25MinScore: 1.0, RequestTimeout: time.Second}, nil, nil)
	hits, err := c.BM25Search(context.Background(), "red shoes", 10)

	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestClient_HybridSearch_WeightedFusionPrefersSemanticByDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, isKNN := body["knn"]; isKNN {
			_ = json.NewEncoder(w).Encode(esResponseBody("semantic-1"))
			return
		}
		_ = json.NewEncoder(w).Encode(esResponseBody("lexical-1"))
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, Index: "products", RequestTimeout: time.Second}, nil, nil)
	hits, err := c.HybridSearch(context.Background(), []float32{0.1}, "query", 5)

	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "semantic-1", hits[0].ID)
}

func TestClient_HybridSearch_PartialFailureDegradesGracefully(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, isKNN := body["knn"]; isKNN {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(esResponseBody("lexical-only"))
	}))
	defer server.Close()

	c := New(Config{
		URL: server.URL, Index: "products", RequestTimeout: time.Second,
	}, nil, nil)
	// override retry to avoid slow backoff loop in the test
	c.retryer = noRetryPolicy{}

	hits, err := c.HybridSearch(context.Background(), []float32{0.1}, "query", 5)

	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "lexical-only", hits[0].ID)
}

func TestClient_MultiSemanticSearch_PerSubqueryFailureBecomesEmptyListNotAbort(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		// first request fails, rest succeed, exercising per-subquery isolation
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(esResponseBody("ok-hit"))
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, Index: "products", RequestTimeout: time.Second}, nil, nil)
	c.retryer = noRetryPolicy{}

	results := c.MultiSemanticSearch(context.Background(), []LabeledVector{
		{Label: "one", Vector: []float32{0.1}},
		{Label: "two", Vector: []float32{0.2}},
		{Label: "three", Vector: []float32{0.3}},
	}, 5)

	require.Len(t, results, 3)
	totalHits := 0
	for _, hits := range results {
		totalHits += len(hits)
	}
	assert.Equal(t, 2, totalHits, "exactly one subquery should have degraded to an empty list")
}

// noRetryPolicy short-circuits the retry loop so tests don't pay for
// exponential backoff sleeps when exercising the non-retry path.
type noRetryPolicy struct{}

func (noRetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
func (noRetryPolicy) NextDelay(int) time.Duration { return 0 }
