package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string, dimension int) *Client {
	t.Helper()
	c, err := New(Config{
		URL:           url,
		Model:         "test-model",
		Dimension:     dimension,
		SingleTimeout: time.Second,
		MaxConcurrent: 2,
	}, nil, nil)
	require.NoError(t, err)
	return c
}

func TestClient_Embed_EmptyTextReturnsNilWithoutCall(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)
	vec := c.Embed(context.Background(), "   ")

	assert.Nil(t, vec)
	assert.False(t, called)
}

func TestClient_Embed_AcceptsEmbeddingKeyShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, hasPrompt := body["prompt"]
		require.True(t, hasPrompt, "first shape tried should be {model, prompt}")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float32{0.1, 0.2, 0.3}})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)
	vec := c.Embed(context.Background(), "hello world")

	require.Len(t, vec, 3)
	assert.InDelta(t, float32(0.2), vec[1], 0.0001)
}

func TestClient_Embed_CachesSecondCall(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float32{1, 2}})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2)

	v1 := c.Embed(context.Background(), "same text")
	v2 := c.Embed(context.Background(), "same text")

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, calls)
}

func TestClient_Embed_FallsBackAcrossShapesAndParsesDataField(t *testing.T) {
	attempt := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)

		if _, ok := body["input"]; !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, isList := body["input"].([]interface{}); !isList {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"embedding": []float32{9, 8, 7}}},
		})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)
	vec := c.Embed(context.Background(), "needs third shape")

	require.Len(t, vec, 3)
	assert.Equal(t, float32(9), vec[0])
}

func TestClient_Embed_AllShapesFailReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 3)
	vec := c.Embed(context.Background(), "never works")

	assert.Nil(t, vec)
}

func TestClient_EmbedBatch_PreservesOrderAndDegradesPerItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		bad := body["prompt"] == "bad" || body["input"] == "bad"
		if list, ok := body["input"].([]interface{}); ok && len(list) == 1 && list[0] == "bad" {
			bad = true
		}
		if bad {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float32{1, 1}})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 2)
	vecs := c.EmbedBatch(context.Background(), []string{"good-1", "bad", "good-2"})

	require.Len(t, vecs, 3)
	assert.NotNil(t, vecs[0])
	assert.Nil(t, vecs[1])
	assert.NotNil(t, vecs[2])
}
