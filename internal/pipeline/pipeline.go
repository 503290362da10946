// Package pipeline orchestrates the chat search pipeline: one
// operation, run, that classifies a query, fans it out into embedded
// subqueries, searches, fuses and thresholds the results, categorizes
// and re-ranks them concurrently, persists them for pagination, and
// returns a tagged outcome.
package pipeline

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/developer-mesh/chat-search-gateway/internal/category"
	"github.com/developer-mesh/chat-search-gateway/internal/history"
	"github.com/developer-mesh/chat-search-gateway/internal/llm"
	"github.com/developer-mesh/chat-search-gateway/internal/observability"
	"github.com/developer-mesh/chat-search-gateway/internal/searchengine"
	"github.com/developer-mesh/chat-search-gateway/internal/session"
)

// OutcomeKind tags the variant a Outcome carries.
type OutcomeKind string

const (
	KindGreeting      OutcomeKind = "greeting"
	KindInvalid       OutcomeKind = "invalid"
	KindClarification OutcomeKind = "clarification"
	KindNoResults     OutcomeKind = "no_results"
	KindProductResults OutcomeKind = "product_results"
	KindError         OutcomeKind = "error"
)

// Product is the outbound shape of a single search result: the same
// fields as the inbound hit, plus the fused score and optional
// re-ranker annotations.
type Product struct {
	ID           string              `json:"id"`
	Score        float64             `json:"score"`
	Source       map[string]interface{} `json:"source"`
	Highlight    map[string][]string `json:"highlight,omitempty"`
	Category     string              `json:"category,omitempty"`
	Bucket       string              `json:"bucket,omitempty"`
	RelevanceReason string           `json:"relevance_reason,omitempty"`
}

// Action is a button the client can render (e.g. for clarification).
type Action struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// Outcome is the tagged result of one run() call.
type Outcome struct {
	Kind             OutcomeKind
	AssistantMessage string
	Categories       []string
	Results          []Product
	Recommendations  []string
	CategoriesPayload []category.Facet
	DialogContext    *llm.DialogContext
	Actions          []Action
}

// StatusSink receives status events as the pipeline progresses, for the
// streaming delivery mode. Implementations must not block.
type StatusSink interface {
	Status(event string)
}

// Config carries the pipeline's tuning knobs.
type Config struct {
	ScoreThresholdRatio float64
	MinScoreAbsolute    float64
	SubqueryWeightDecay float64
	MaxKPerSubquery     int
	MaxChatDisplayItems int
}

// EmbeddingClient is the narrow interface the pipeline needs from
// internal/embedding.
type EmbeddingClient interface {
	EmbedBatch(ctx context.Context, texts []string) [][]float32
}

// SearchClient is the narrow interface the pipeline needs from
// internal/searchengine.
type SearchClient interface {
	MultiSemanticSearch(ctx context.Context, queries []searchengine.LabeledVector, k int) map[string][]searchengine.Hit
}

// LLMClient is the narrow interface the pipeline needs from internal/llm.
type LLMClient interface {
	Classify(ctx context.Context, query string, history []llm.HistoryItem, dialog *llm.DialogContext) (*llm.ClassifyResult, error)
	Rerank(ctx context.Context, query string, candidates []llm.Candidate) (*llm.RerankResult, error)
}

// SessionStore is the narrow interface the pipeline needs from
// internal/session.
type SessionStore interface {
	Store(ctx context.Context, sessionID string, orderedResults []session.Product, totalFound int)
}

// HistoryStore is the narrow interface the pipeline needs from
// internal/history.
type HistoryStore interface {
	Append(key string, item history.Item)
}

// Pipeline wires the gateway's component clients into one run() operation.
type Pipeline struct {
	cfg       Config
	embedding EmbeddingClient
	search    SearchClient
	llmClient LLMClient
	categories *category.Engine
	sessions  SessionStore
	history   HistoryStore
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// New builds a Pipeline from its collaborators. history may be nil, in
// which case no history item is appended after a successful search.
func New(cfg Config, embedding EmbeddingClient, search SearchClient, llmClient LLMClient, categories *category.Engine, sessions SessionStore, historyStore HistoryStore, logger observability.Logger, metrics observability.MetricsClient) *Pipeline {
	if cfg.MaxKPerSubquery <= 0 {
		cfg.MaxKPerSubquery = 30
	}
	if cfg.MaxChatDisplayItems <= 0 {
		cfg.MaxChatDisplayItems = 20
	}
	if cfg.SubqueryWeightDecay <= 0 || cfg.SubqueryWeightDecay > 1 {
		cfg.SubqueryWeightDecay = 0.85
	}
	if logger == nil {
		logger = observability.NoopLogger{}
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Pipeline{
		cfg: cfg, embedding: embedding, search: search, llmClient: llmClient,
		categories: categories, sessions: sessions, history: historyStore,
		logger: logger, metrics: metrics,
	}
}

var repeatedCharRun = regexp.MustCompile(`(.)\1{7,}`)
var onlyDigitsOrSymbols = regexp.MustCompile(`^[^\p{L}]+$`)
var wordSplit = regexp.MustCompile(`[^\p{L}\p{N}]+`)

var historyStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"for": true, "of": true, "with": true, "to": true, "in": true,
	"on": true, "me": true, "please": true, "show": true, "find": true,
}

// extractKeywords pulls the lowercase, deduplicated, stopword-filtered
// tokens out of a query, for the history item's keyword list.
func extractKeywords(query string) []string {
	words := wordSplit.Split(strings.ToLower(query), -1)
	seen := make(map[string]bool, len(words))
	keywords := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) < 3 || historyStopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
	}
	return keywords
}

// Run executes one full pipeline pass for a user query.
func (p *Pipeline) Run(ctx context.Context, query, sessionID string, k int, selectedCategory string, dialog *llm.DialogContext, history []llm.HistoryItem, sink StatusSink) Outcome {
	defer p.metrics.StartTimer("pipeline_run_duration_seconds", nil)()

	// 1. Validate
	if outcome, invalid := p.validate(query); invalid {
		return outcome
	}

	// 2. Classify
	classified, err := p.llmClient.Classify(ctx, query, history, dialog)
	if err != nil {
		p.logger.Error("classify failed", map[string]interface{}{"error": err.Error()})
		return Outcome{Kind: KindError, AssistantMessage: "Sorry, I couldn't process that. Please try again."}
	}

	switch classified.Action {
	case llm.ActionGreeting:
		return Outcome{Kind: KindGreeting, AssistantMessage: classified.AssistantMessage}
	case llm.ActionInvalid:
		return Outcome{Kind: KindInvalid, AssistantMessage: classified.AssistantMessage}
	case llm.ActionClarification:
		actions := make([]Action, 0, len(classified.Categories))
		for _, c := range classified.Categories {
			actions = append(actions, Action{Type: "search_category", Label: c, Value: c})
		}
		return Outcome{
			Kind: KindClarification, AssistantMessage: classified.AssistantMessage,
			Categories: classified.Categories, Actions: actions,
			DialogContext: dialog,
		}
	}

	// 3. Plan
	subqueries := classified.SemanticSubqueries
	if len(subqueries) == 0 {
		subqueries = []string{query}
	}
	p.emitStatus(sink, "searching")

	// 4. Embed
	vectors := p.embedding.EmbedBatch(ctx, subqueries)
	labeled := make([]searchengine.LabeledVector, 0, len(vectors))
	validSubqueries := make([]string, 0, len(vectors))
	for i, v := range vectors {
		if v == nil {
			continue
		}
		labeled = append(labeled, searchengine.LabeledVector{Label: subqueries[i], Vector: v})
		validSubqueries = append(validSubqueries, subqueries[i])
	}
	if len(labeled) == 0 {
		return Outcome{Kind: KindError, AssistantMessage: "Sorry, I couldn't process your query. Please try again."}
	}

	// 5. Fan-out search
	kPerSubquery := clampInt(50/len(labeled), 10, p.cfg.MaxKPerSubquery)
	resultsBySubquery := p.search.MultiSemanticSearch(ctx, labeled, kPerSubquery)

	// 6. Merge with weighted ranks
	merged := p.mergeWeighted(validSubqueries, resultsBySubquery)
	if len(merged) == 0 {
		return Outcome{Kind: KindNoResults, AssistantMessage: "No matching products found. Try another phrasing."}
	}

	// 7. Adaptive thresholding
	survivors, relaxedMessage := p.threshold(merged)
	if len(survivors) == 0 {
		return Outcome{Kind: KindNoResults, AssistantMessage: "No matching products found. Try another phrasing."}
	}

	// 8/9. Categorize and re-rank concurrently
	top30 := survivors
	if len(top30) > 30 {
		top30 = top30[:30]
	}
	top25 := survivors
	if len(top25) > 25 {
		top25 = top25[:25]
	}

	var categorized []category.Bucket
	var facets []category.Facet
	var rerankEntries []llm.RerankEntry
	var assistantMessage string

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		categorized, facets = p.categorize(top30)
	}()
	go func() {
		defer wg.Done()
		rerankEntries, assistantMessage = p.rerank(ctx, query, top25)
	}()
	wg.Wait()
	p.emitStatus(sink, "recommending")

	// 10. Compose final order
	ordered, recommendedIDs := p.compose(survivors, rerankEntries)

	// category codes per product id, from the categorize step
	codeByID := make(map[string]string, len(categorized))
	for _, b := range categorized {
		for _, id := range b.ProductIDs {
			codeByID[id] = b.Node.Code
		}
	}
	for i := range ordered {
		ordered[i].Category = codeByID[ordered[i].ID]
	}

	// 11. Apply category filter
	unavailableNotice := ""
	if selectedCategory != "" {
		if _, ok := p.categories.Lookup(selectedCategory); ok {
			filtered := make([]Product, 0, len(ordered))
			for _, r := range ordered {
				if r.Category == selectedCategory {
					filtered = append(filtered, r)
				}
			}
			ordered = filtered
			recommendedIDs = intersectRecommended(recommendedIDs, ordered)
		} else {
			unavailableNotice = " (Unavailable category, showing all results.)"
		}
	}

	if relaxedMessage != "" {
		assistantMessage = relaxedMessage + assistantMessage
	}
	assistantMessage += unavailableNotice

	// 12. Persist for pagination
	preCap := make([]session.Product, len(ordered))
	for i, r := range ordered {
		preCap[i] = r
	}
	p.sessions.Store(ctx, sessionID, preCap, len(survivors))

	if p.history != nil {
		p.history.Append(sessionID, history.Item{
			Query:        query,
			Keywords:     extractKeywords(query),
			Timestamp:    time.Now(),
			ResultsCount: len(survivors),
		})
	}

	displayCap := p.cfg.MaxChatDisplayItems
	if k > 0 && k < displayCap {
		displayCap = k
	}
	if displayCap > 0 && displayCap < len(ordered) {
		ordered = ordered[:displayCap]
		recommendedIDs = intersectRecommended(recommendedIDs, ordered)
	}

	// recommended bucket facet, always first
	if len(recommendedIDs) > 0 {
		facets = append([]category.Facet{{Code: category.RecommendedCode, Label: "Recommended", Emoji: "⭐", Special: true, Count: len(recommendedIDs)}}, facets...)
	}

	return Outcome{
		Kind:             KindProductResults,
		AssistantMessage: assistantMessage,
		Results:          ordered,
		Recommendations:  recommendedIDs,
		CategoriesPayload: facets,
		DialogContext:    dialog,
	}
}

func (p *Pipeline) emitStatus(sink StatusSink, event string) {
	if sink != nil {
		sink.Status(event)
	}
}

// validate implements step 1: length, pure-digit/symbol, and repeated
// character checks.
func (p *Pipeline) validate(query string) (Outcome, bool) {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) < 2 || len(trimmed) > 500 {
		return Outcome{Kind: KindInvalid, AssistantMessage: "Please enter a query between 2 and 500 characters."}, true
	}
	if onlyDigitsOrSymbols.MatchString(trimmed) {
		return Outcome{Kind: KindInvalid, AssistantMessage: "Please describe what product you're looking for."}, true
	}
	if repeatedCharRun.MatchString(trimmed) {
		return Outcome{Kind: KindInvalid, AssistantMessage: "That doesn't look like a valid query."}, true
	}
	return Outcome{}, false
}

// mergeWeighted implements step 6: per-subquery rank decay weighting
// with a co-occurrence bonus when a product survives under more than
// one subquery.
func (p *Pipeline) mergeWeighted(subqueries []string, bySubquery map[string][]searchengine.Hit) []Product {
	combined := make(map[string]*Product)
	order := make([]string, 0)

	for i, sq := range subqueries {
		weight := pow(p.cfg.SubqueryWeightDecay, i)
		for _, hit := range bySubquery[sq] {
			weighted := hit.Score * weight
			if existing, ok := combined[hit.ID]; ok {
				newScore := existing.Score
				if weighted > newScore {
					newScore = weighted
				}
				existing.Score = newScore + 0.05
			} else {
				combined[hit.ID] = &Product{ID: hit.ID, Score: weighted, Source: hit.Source, Highlight: hit.Highlight}
				order = append(order, hit.ID)
			}
		}
	}

	out := make([]Product, 0, len(combined))
	for _, id := range order {
		out = append(out, *combined[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// threshold implements step 7's adaptive thresholding, with a single
// relax-and-retry pass when the filter empties the list.
func (p *Pipeline) threshold(merged []Product) ([]Product, string) {
	m := 0.0
	for _, r := range merged {
		if r.Score > m {
			m = r.Score
		}
	}
	if m == 0 {
		return nil, ""
	}

	ratio, absBaseMultiplier := thresholdParams(len(merged))
	absBase := absBaseMultiplier * p.cfg.MinScoreAbsolute
	cutoff := absBase
	if ratio*m > cutoff {
		cutoff = ratio * m
	}

	survivors := filterAbove(merged, cutoff)
	if len(survivors) > 0 {
		return survivors, ""
	}

	relaxed := filterAbove(merged, cutoff*0.5)
	if len(relaxed) > 30 {
		relaxed = relaxed[:30]
	}
	if len(relaxed) == 0 {
		return nil, ""
	}
	return relaxed, "No exact matches were found, here are similar items. "
}

func thresholdParams(n int) (ratio, absBaseMultiplier float64) {
	switch {
	case n < 5:
		return 0.25, 0.50
	case n < 15:
		return 0.30, 0.70
	case n < 50:
		return 0.35, 0.85
	default:
		return 0.40, 1.00
	}
}

func filterAbove(products []Product, cutoff float64) []Product {
	out := make([]Product, 0, len(products))
	for _, r := range products {
		if r.Score >= cutoff {
			out = append(out, r)
		}
	}
	return out
}

func (p *Pipeline) categorize(products []Product) ([]category.Bucket, []category.Facet) {
	catProducts := make([]category.Product, 0, len(products))
	for _, r := range products {
		catProducts = append(catProducts, category.Product{ID: r.ID, Title: sourceString(r.Source, "title"), Description: sourceString(r.Source, "description")})
	}
	buckets := p.categories.Assign(catProducts)
	buckets = p.categories.RollUp(buckets)
	return buckets, category.Shape(buckets)
}

func (p *Pipeline) rerank(ctx context.Context, query string, products []Product) ([]llm.RerankEntry, string) {
	candidates := make([]llm.Candidate, 0, len(products))
	for i, r := range products {
		candidates = append(candidates, llm.Candidate{
			Index: i, Title: sourceString(r.Source, "title"), Description: sourceString(r.Source, "description"), ESScore: r.Score,
		})
	}

	result, err := p.llmClient.Rerank(ctx, query, candidates)
	if err != nil {
		p.logger.Warn("rerank failed, falling back to local ranker", map[string]interface{}{"error": err.Error()})
		p.metrics.IncrementCounter("rerank_fallback_total", nil)
		return llm.LocalRank(query, candidates), ""
	}
	return result.Entries, result.AssistantMessage
}

// compose implements step 10: re-ranked products first (in their
// order), then remaining candidates by combined score. The list is not
// capped here; Run persists it whole and applies the display cap after.
func (p *Pipeline) compose(survivors []Product, entries []llm.RerankEntry) ([]Product, []string) {
	byIndex := make(map[int]Product, len(survivors))
	top25n := len(survivors)
	if top25n > 25 {
		top25n = 25
	}
	for i := 0; i < top25n; i++ {
		byIndex[i] = survivors[i]
	}

	ordered := make([]Product, 0, len(survivors))
	used := make(map[string]bool, len(entries))
	recommended := make([]string, 0, len(entries))

	for _, e := range entries {
		r, ok := byIndex[e.ProductIndex]
		if !ok {
			continue
		}
		r.Bucket = string(e.Bucket)
		r.RelevanceReason = e.Reason
		ordered = append(ordered, r)
		used[r.ID] = true
		recommended = append(recommended, r.ID)
	}

	for _, r := range survivors {
		if !used[r.ID] {
			ordered = append(ordered, r)
		}
	}

	return ordered, recommended
}

// intersectRecommended keeps only the ids that still appear in ordered,
// preserving recommended's original order. Recommendations must always be
// a subset of the results they're paired with.
func intersectRecommended(recommended []string, ordered []Product) []string {
	present := make(map[string]bool, len(ordered))
	for _, r := range ordered {
		present[r.ID] = true
	}
	kept := make([]string, 0, len(recommended))
	for _, id := range recommended {
		if present[id] {
			kept = append(kept, id)
		}
	}
	return kept
}

func sourceString(source map[string]interface{}, key string) string {
	if source == nil {
		return ""
	}
	if v, ok := source[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
