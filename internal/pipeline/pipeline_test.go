package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/chat-search-gateway/internal/category"
	"github.com/developer-mesh/chat-search-gateway/internal/history"
	"github.com/developer-mesh/chat-search-gateway/internal/llm"
	"github.com/developer-mesh/chat-search-gateway/internal/searchengine"
	"github.com/developer-mesh/chat-search-gateway/internal/session"
)

type fakeEmbedding struct {
	vectors map[string][]float32
}

func (f *fakeEmbedding) EmbedBatch(_ context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectors[t]
	}
	return out
}

type fakeSearch struct {
	bySubquery map[string][]searchengine.Hit
}

func (f *fakeSearch) MultiSemanticSearch(_ context.Context, queries []searchengine.LabeledVector, _ int) map[string][]searchengine.Hit {
	out := make(map[string][]searchengine.Hit, len(queries))
	for _, q := range queries {
		out[q.Label] = f.bySubquery[q.Label]
	}
	return out
}

type fakeLLM struct {
	classifyResult *llm.ClassifyResult
	classifyErr    error
	rerankResult   *llm.RerankResult
	rerankErr      error
}

func (f *fakeLLM) Classify(context.Context, string, []llm.HistoryItem, *llm.DialogContext) (*llm.ClassifyResult, error) {
	return f.classifyResult, f.classifyErr
}

func (f *fakeLLM) Rerank(context.Context, string, []llm.Candidate) (*llm.RerankResult, error) {
	return f.rerankResult, f.rerankErr
}

type fakeSessionStore struct {
	stored []session.Product
}

func (f *fakeSessionStore) Store(_ context.Context, _ string, orderedResults []session.Product, _ int) {
	f.stored = orderedResults
}

type fakeHistoryStore struct {
	appended []history.Item
}

func (f *fakeHistoryStore) Append(_ string, item history.Item) {
	f.appended = append(f.appended, item)
}

func newTestPipeline(embed *fakeEmbedding, search *fakeSearch, llmClient *fakeLLM, store *fakeSessionStore) *Pipeline {
	return New(Config{}, embed, search, llmClient, category.New(nil, nil), store, nil, nil, nil)
}

func TestRun_InvalidQueryShortCircuitsBeforeClassify(t *testing.T) {
	p := newTestPipeline(&fakeEmbedding{}, &fakeSearch{}, &fakeLLM{}, &fakeSessionStore{})

	outcome := p.Run(context.Background(), "1", "sess", 10, "", nil, nil, nil)

	assert.Equal(t, KindInvalid, outcome.Kind)
}

func TestRun_GreetingShortCircuits(t *testing.T) {
	p := newTestPipeline(&fakeEmbedding{}, &fakeSearch{}, &fakeLLM{
		classifyResult: &llm.ClassifyResult{Action: llm.ActionGreeting, AssistantMessage: "Hello!"},
	}, &fakeSessionStore{})

	outcome := p.Run(context.Background(), "hello there", "sess", 10, "", nil, nil, nil)

	require.Equal(t, KindGreeting, outcome.Kind)
	assert.Equal(t, "Hello!", outcome.AssistantMessage)
}

func TestRun_ClarificationProducesCategoryButtons(t *testing.T) {
	p := newTestPipeline(&fakeEmbedding{}, &fakeSearch{}, &fakeLLM{
		classifyResult: &llm.ClassifyResult{Action: llm.ActionClarification, Categories: []string{"shoes", "hats"}},
	}, &fakeSessionStore{})

	outcome := p.Run(context.Background(), "what do you have?", "sess", 10, "", nil, nil, nil)

	require.Equal(t, KindClarification, outcome.Kind)
	require.Len(t, outcome.Actions, 2)
	assert.Equal(t, "search_category", outcome.Actions[0].Type)
}

func TestRun_NoEmbeddingsSucceedReturnsError(t *testing.T) {
	p := newTestPipeline(&fakeEmbedding{vectors: map[string][]float32{}}, &fakeSearch{}, &fakeLLM{
		classifyResult: &llm.ClassifyResult{Action: llm.ActionProductSearch, SemanticSubqueries: []string{"red shoes"}},
	}, &fakeSessionStore{})

	outcome := p.Run(context.Background(), "red shoes please", "sess", 10, "", nil, nil, nil)

	assert.Equal(t, KindError, outcome.Kind)
}

func TestRun_ProductSearchMergesFiltersAndRecommends(t *testing.T) {
	embed := &fakeEmbedding{vectors: map[string][]float32{"red shoes": {0.1, 0.2}}}
	search := &fakeSearch{bySubquery: map[string][]searchengine.Hit{
		"red shoes": {
			{ID: "p1", Score: 10, Source: map[string]interface{}{"title": "Red Running Shoes"}},
			{ID: "p2", Score: 1, Source: map[string]interface{}{"title": "Blue Hat"}},
		},
	}}
	llmClient := &fakeLLM{
		classifyResult: &llm.ClassifyResult{Action: llm.ActionProductSearch, SemanticSubqueries: []string{"red shoes"}},
		rerankResult: &llm.RerankResult{
			Entries: []llm.RerankEntry{{ProductIndex: 0, RelevanceScore: 0.9, Bucket: llm.BucketMustHave}},
			AssistantMessage: "Here are some options.",
		},
	}
	store := &fakeSessionStore{}
	p := newTestPipeline(embed, search, llmClient, store)

	outcome := p.Run(context.Background(), "red shoes please", "sess", 10, "", nil, nil, nil)

	require.Equal(t, KindProductResults, outcome.Kind)
	require.NotEmpty(t, outcome.Results)
	assert.Equal(t, "p1", outcome.Results[0].ID)
	assert.Contains(t, outcome.Recommendations, "p1")
	assert.NotEmpty(t, store.stored)
}

func TestRun_UnknownSelectedCategoryAddsNotice(t *testing.T) {
	embed := &fakeEmbedding{vectors: map[string][]float32{"shoes": {0.1}}}
	search := &fakeSearch{bySubquery: map[string][]searchengine.Hit{
		"shoes": {{ID: "p1", Score: 10, Source: map[string]interface{}{"title": "Shoes"}}},
	}}
	llmClient := &fakeLLM{
		classifyResult: &llm.ClassifyResult{Action: llm.ActionProductSearch, SemanticSubqueries: []string{"shoes"}},
		rerankErr:      assertErr{},
	}
	p := newTestPipeline(embed, search, llmClient, &fakeSessionStore{})

	outcome := p.Run(context.Background(), "shoes", "sess", 10, "nonexistent_category", nil, nil, nil)

	assert.Contains(t, outcome.AssistantMessage, "Unavailable category")
}

func TestRun_RecommendationsStayWithinKTruncatedResults(t *testing.T) {
	embed := &fakeEmbedding{vectors: map[string][]float32{"red shoes": {0.1, 0.2}}}
	search := &fakeSearch{bySubquery: map[string][]searchengine.Hit{
		"red shoes": {
			{ID: "p1", Score: 10, Source: map[string]interface{}{"title": "Red Running Shoes"}},
			{ID: "p2", Score: 9, Source: map[string]interface{}{"title": "Red Trail Shoes"}},
		},
	}}
	llmClient := &fakeLLM{
		classifyResult: &llm.ClassifyResult{Action: llm.ActionProductSearch, SemanticSubqueries: []string{"red shoes"}},
		rerankResult: &llm.RerankResult{
			Entries: []llm.RerankEntry{
				{ProductIndex: 0, RelevanceScore: 0.9, Bucket: llm.BucketMustHave},
				{ProductIndex: 1, RelevanceScore: 0.8, Bucket: llm.BucketMustHave},
			},
			AssistantMessage: "Here are some options.",
		},
	}
	p := newTestPipeline(embed, search, llmClient, &fakeSessionStore{})

	// k=1 truncates Results to a single product; Recommendations must
	// shrink with it, not keep referencing the dropped p2.
	outcome := p.Run(context.Background(), "red shoes please", "sess", 1, "", nil, nil, nil)

	require.Len(t, outcome.Results, 1)
	assert.Equal(t, "p1", outcome.Results[0].ID)
	for _, id := range outcome.Recommendations {
		assert.Contains(t, []string{"p1"}, id)
	}
	assert.NotContains(t, outcome.Recommendations, "p2")
}

func TestRun_RecommendationsStayWithinCategoryFilteredResults(t *testing.T) {
	schema := []category.Node{
		{Code: "toys", Label: "Toys", Keywords: []string{"toy"}},
		{Code: "electronics", Label: "Electronics", Keywords: []string{"gadget"}},
	}
	embed := &fakeEmbedding{vectors: map[string][]float32{"gifts": {0.1, 0.2}}}
	search := &fakeSearch{bySubquery: map[string][]searchengine.Hit{
		"gifts": {
			{ID: "p1", Score: 10, Source: map[string]interface{}{"title": "Cool Gadget"}},
			{ID: "p2", Score: 9, Source: map[string]interface{}{"title": "Fun Toy"}},
		},
	}}
	llmClient := &fakeLLM{
		classifyResult: &llm.ClassifyResult{Action: llm.ActionProductSearch, SemanticSubqueries: []string{"gifts"}},
		rerankResult: &llm.RerankResult{
			Entries: []llm.RerankEntry{
				{ProductIndex: 0, RelevanceScore: 0.9, Bucket: llm.BucketMustHave},
				{ProductIndex: 1, RelevanceScore: 0.8, Bucket: llm.BucketMustHave},
			},
			AssistantMessage: "Here are some options.",
		},
	}
	store := &fakeSessionStore{}
	p := New(Config{}, embed, search, llmClient, category.New(schema, nil), store, nil, nil, nil)

	// Filtering to "toys" drops p1 (electronics); a recommendation for p1
	// must not survive alongside a Results list that no longer has it.
	outcome := p.Run(context.Background(), "gifts for kids", "sess", 10, "toys", nil, nil, nil)

	require.Len(t, outcome.Results, 1)
	assert.Equal(t, "p2", outcome.Results[0].ID)
	assert.NotContains(t, outcome.Recommendations, "p1")
	for _, id := range outcome.Recommendations {
		assert.Equal(t, "p2", id)
	}
}

func TestRun_ProductSearchAppendsHistoryItem(t *testing.T) {
	embed := &fakeEmbedding{vectors: map[string][]float32{"red running shoes": {0.1, 0.2}}}
	search := &fakeSearch{bySubquery: map[string][]searchengine.Hit{
		"red running shoes": {{ID: "p1", Score: 10, Source: map[string]interface{}{"title": "Red Running Shoes"}}},
	}}
	llmClient := &fakeLLM{
		classifyResult: &llm.ClassifyResult{Action: llm.ActionProductSearch, SemanticSubqueries: []string{"red running shoes"}},
		rerankResult:   &llm.RerankResult{Entries: []llm.RerankEntry{{ProductIndex: 0, Bucket: llm.BucketMustHave}}},
	}
	hist := &fakeHistoryStore{}
	p := New(Config{}, embed, search, llmClient, category.New(nil, nil), &fakeSessionStore{}, hist, nil, nil)

	outcome := p.Run(context.Background(), "red running shoes", "sess", 10, "", nil, nil, nil)

	require.Equal(t, KindProductResults, outcome.Kind)
	require.Len(t, hist.appended, 1)
	assert.Equal(t, "red running shoes", hist.appended[0].Query)
	assert.Contains(t, hist.appended[0].Keywords, "red")
	assert.Contains(t, hist.appended[0].Keywords, "running")
	assert.Contains(t, hist.appended[0].Keywords, "shoes")
	assert.Equal(t, 1, hist.appended[0].ResultsCount)
}

func TestRun_FailedEmbeddingDoesNotAppendHistoryItem(t *testing.T) {
	hist := &fakeHistoryStore{}
	p := New(Config{}, &fakeEmbedding{vectors: map[string][]float32{}}, &fakeSearch{}, &fakeLLM{
		classifyResult: &llm.ClassifyResult{Action: llm.ActionProductSearch, SemanticSubqueries: []string{"nothing"}},
	}, category.New(nil, nil), &fakeSessionStore{}, hist, nil, nil)

	outcome := p.Run(context.Background(), "nothing at all", "sess", 10, "", nil, nil, nil)

	assert.Equal(t, KindError, outcome.Kind)
	assert.Empty(t, hist.appended)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
