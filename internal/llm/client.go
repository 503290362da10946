// Package llm implements the gateway's LLM assistant: a unified
// query classifier and a result re-ranker, both built over one
// JSON-over-HTTP chat-completions protocol. Both operations sit behind a
// gobreaker.CircuitBreaker in addition to the shared retry policy, since
// an LLM outage is exactly the correlated-failure condition circuit
// breakers exist for.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/developer-mesh/chat-search-gateway/internal/observability"
	"github.com/developer-mesh/chat-search-gateway/internal/retry"
)

// Action is the classifier's top-level decision.
type Action string

// Classifier actions.
const (
	ActionGreeting       Action = "greeting"
	ActionInvalid        Action = "invalid"
	ActionClarification  Action = "clarification"
	ActionProductSearch  Action = "product_search"
)

// Bucket is a re-ranker recommendation tier.
type Bucket string

// Re-ranker buckets.
const (
	BucketMustHave    Bucket = "must_have"
	BucketGoodToHave  Bucket = "good_to_have"
	BucketAlsoConsider Bucket = "also_consider"
)

// HistoryItem is one prior turn, supplied by the caller (history is
// client-owned, never persisted by the core.
type HistoryItem struct {
	Query string
	Reply string
}

// DialogContext is the opaque client-supplied context, of which only two
// fields are meaningful to the classifier.
type DialogContext struct {
	ClarificationAsked bool `json:"clarification_asked"`
	CategoriesSuggested []string `json:"categories_suggested"`
}

// ClassifyResult is the classifier's validated output.
type ClassifyResult struct {
	Action              Action
	Confidence          float64
	AssistantMessage    string
	SemanticSubqueries  []string
	Categories          []string
}

// Candidate is one product offered to the re-ranker.
type Candidate struct {
	Index       int
	Title       string
	Description string
	ESScore     float64
}

// RerankEntry is one re-ranker output row.
type RerankEntry struct {
	ProductIndex   int
	RelevanceScore float64
	Reason         string
	Bucket         Bucket
}

// RerankResult bundles the re-ranker's entries with its assistant message.
type RerankResult struct {
	Entries          []RerankEntry
	AssistantMessage string
}

// Config controls the LLM client's endpoint and resilience knobs.
type Config struct {
	URL                    string
	APIKey                 string
	Model                  string
	Temperature            float64
	ClassifyMaxTokens      int
	RerankMaxTokens        int
	ClassifyTimeout        time.Duration
	RerankTimeout          time.Duration
}

// Client talks to the chat-completions endpoint for classification and
// re-ranking.
type Client struct {
	cfg           Config
	http          *http.Client
	classifyCB    *gobreaker.CircuitBreaker[string]
	rerankCB      *gobreaker.CircuitBreaker[string]
	retryer       retry.Policy
	logger        observability.Logger
	metrics       observability.MetricsClient
}

// New constructs a Client. ClassifyTimeout defaults to 15s
// (gptAnalyzeTimeoutSeconds), RerankTimeout to 30s (gptRecoTimeoutSeconds).
func New(cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Client {
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = 15 * time.Second
	}
	if cfg.RerankTimeout <= 0 {
		cfg.RerankTimeout = 30 * time.Second
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.ClassifyMaxTokens <= 0 {
		cfg.ClassifyMaxTokens = 500
	}
	if cfg.RerankMaxTokens <= 0 {
		cfg.RerankMaxTokens = 1500
	}
	if logger == nil {
		logger = observability.NoopLogger{}
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	onStateChange := func(name string, from, to gobreaker.State) {
		logger.Info("llm circuit breaker state changed", map[string]interface{}{
			"breaker": name, "from": from.String(), "to": to.String(),
		})
		metrics.RecordGauge("llm_circuit_breaker_state", map[string]string{"breaker": name}, float64(to))
	}

	classifyCB := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "llm_classifier",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: onStateChange,
	})

	rerankCB := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "llm_reranker",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: onStateChange,
	})

	retryer := retry.NewExponentialBackoff(retry.Config{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     4 * time.Second,
		MaxElapsedTime:  10 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      2,
		ShouldRetry:     isRetryableLLMError,
	})

	return &Client{
		cfg:        cfg,
		http:       &http.Client{},
		classifyCB: classifyCB,
		rerankCB:   rerankCB,
		retryer:    retryer,
		logger:     logger.WithPrefix("llm-client"),
		metrics:    metrics,
	}
}

// Classify runs the unified classifier operation. A hard timeout or parse
// failure is returned as an error; the pipeline must surface it to the
// user rather than silently falling back to direct search, since
// semantic subqueries are material to recall.
func (c *Client) Classify(ctx context.Context, query string, history []HistoryItem, dialog *DialogContext) (*ClassifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ClassifyTimeout)
	defer cancel()

	stop := c.metrics.StartTimer("llm_classify_duration_seconds", nil)
	defer stop()

	prompt := buildClassifyPrompt(query, history, dialog)

	content, err := c.classifyCB.Execute(func() (string, error) {
		var out string
		err := c.retryer.Execute(ctx, func(ctx context.Context) error {
			resp, err := c.chatCompletion(ctx, prompt, c.cfg.ClassifyMaxTokens)
			if err != nil {
				return err
			}
			out = resp
			return nil
		})
		return out, err
	})
	if err != nil {
		c.metrics.IncrementCounter("llm_classify_requests_total", map[string]string{"status": "error"})
		return nil, errors.Wrap(err, "classifier call failed")
	}

	result, err := parseClassifyResponse(content)
	if err != nil {
		c.metrics.IncrementCounter("llm_classify_requests_total", map[string]string{"status": "parse_error"})
		return nil, errors.Wrap(err, "failed to parse classifier response")
	}

	if dialog != nil && dialog.ClarificationAsked && result.Action == ActionClarification {
		result.Action = ActionProductSearch
	}
	if result.Action == ActionProductSearch && len(result.SemanticSubqueries) == 0 {
		result.SemanticSubqueries = []string{query}
	}

	c.metrics.IncrementCounter("llm_classify_requests_total", map[string]string{"status": "ok"})
	return result, nil
}

// Rerank runs the re-ranker operation over up to 25 candidates, keeping
// entries with relevance >= 0.4 and backfilling to at least 7 from the
// candidate list when fewer than 5 survive. On any failure, the caller
// should fall back to LocalRank.
func (c *Client) Rerank(ctx context.Context, query string, candidates []Candidate) (*RerankResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RerankTimeout)
	defer cancel()

	stop := c.metrics.StartTimer("llm_rerank_duration_seconds", nil)
	defer stop()

	if len(candidates) > 25 {
		candidates = candidates[:25]
	}
	prompt := buildRerankPrompt(query, candidates)

	content, err := c.rerankCB.Execute(func() (string, error) {
		var out string
		err := c.retryer.Execute(ctx, func(ctx context.Context) error {
			resp, err := c.chatCompletion(ctx, prompt, c.cfg.RerankMaxTokens)
			if err != nil {
				return err
			}
			out = resp
			return nil
		})
		return out, err
	})
	if err != nil {
		c.metrics.IncrementCounter("llm_rerank_requests_total", map[string]string{"status": "error"})
		return nil, errors.Wrap(err, "re-ranker call failed")
	}

	result, err := parseRerankResponse(content)
	if err != nil {
		c.metrics.IncrementCounter("llm_rerank_requests_total", map[string]string{"status": "parse_error"})
		return nil, errors.Wrap(err, "failed to parse re-ranker response")
	}

	result.Entries = filterAndBackfill(result.Entries, candidates)
	c.metrics.IncrementCounter("llm_rerank_requests_total", map[string]string{"status": "ok"})
	return result, nil
}

// filterAndBackfill keeps entries with relevance >= 0.4 and a valid
// index, then backfills from candidates (by normalized ES score, bucket
// also_consider) until at least 7 entries are present, provided at least
// 5 candidates were offered.
func filterAndBackfill(entries []RerankEntry, candidates []Candidate) []RerankEntry {
	byIndex := map[int]Candidate{}
	for _, c := range candidates {
		byIndex[c.Index] = c
	}

	kept := make([]RerankEntry, 0, len(entries))
	used := map[int]bool{}
	for _, e := range entries {
		if _, ok := byIndex[e.ProductIndex]; !ok {
			continue
		}
		if e.RelevanceScore < 0.4 {
			continue
		}
		kept = append(kept, e)
		used[e.ProductIndex] = true
	}

	if len(kept) >= 5 || len(candidates) < 5 {
		return kept
	}

	maxScore := 0.0
	for _, c := range candidates {
		if c.ESScore > maxScore {
			maxScore = c.ESScore
		}
	}

	for _, c := range candidates {
		if len(kept) >= 7 {
			break
		}
		if used[c.Index] {
			continue
		}
		norm := 0.0
		if maxScore > 0 {
			norm = c.ESScore / maxScore
		}
		kept = append(kept, RerankEntry{
			ProductIndex:   c.Index,
			RelevanceScore: norm,
			Bucket:         BucketAlsoConsider,
		})
		used[c.Index] = true
	}

	return kept
}

// LocalRank is the fallback when both re-ranker attempts fail: normalize
// ES score by the max, add a 0.05 bonus per query token present in the
// title (capped at 0.3), keep entries >= 0.5, or take the top 3
// unconditionally if none qualify.
func LocalRank(query string, candidates []Candidate) []RerankEntry {
	if len(candidates) == 0 {
		return nil
	}

	maxScore := 0.0
	for _, c := range candidates {
		if c.ESScore > maxScore {
			maxScore = c.ESScore
		}
	}
	tokens := strings.Fields(strings.ToLower(query))

	type scored = struct {
		c     Candidate
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		norm := 0.0
		if maxScore > 0 {
			norm = c.ESScore / maxScore
		}
		bonus := 0.0
		title := strings.ToLower(c.Title)
		for _, tok := range tokens {
			if tok != "" && strings.Contains(title, tok) {
				bonus += 0.05
			}
		}
		if bonus > 0.3 {
			bonus = 0.3
		}
		ranked = append(ranked, scored{c: c, score: norm + bonus})
	}

	qualifying := make([]scored, 0, len(ranked))
	for _, r := range ranked {
		if r.score >= 0.5 {
			qualifying = append(qualifying, r)
		}
	}
	if len(qualifying) == 0 {
		sortScoredDesc(ranked)
		top := ranked
		if len(top) > 3 {
			top = top[:3]
		}
		return toEntries(top)
	}

	sortScoredDesc(qualifying)
	return toEntries(qualifying)
}

func toEntries(ranked []struct {
	c     Candidate
	score float64
}) []RerankEntry {
	out := make([]RerankEntry, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, RerankEntry{ProductIndex: r.c.Index, RelevanceScore: r.score, Bucket: BucketGoodToHave})
	}
	return out
}

func sortScoredDesc(ranked []struct {
	c     Candidate
	score float64
}) {
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].score > ranked[j-1].score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
}

// chatCompletion posts one request to the chat-completions endpoint and
// returns choices[0].message.content.
func (c *Client) chatCompletion(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body := map[string]interface{}{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"max_tokens":      maxTokens,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal chat completion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "failed to build chat completion request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &llmError{cause: err, retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &llmError{
			cause:     errors.Errorf("llm endpoint returned status %d", resp.StatusCode),
			retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &llmError{cause: err, retryable: true}
	}

	if len(parsed.Choices) == 0 {
		return "", &llmError{cause: errors.New("llm response has no choices"), retryable: false}
	}

	return parsed.Choices[0].Message.Content, nil
}

type llmError struct {
	cause     error
	retryable bool
}

func (e *llmError) Error() string { return e.cause.Error() }

func isRetryableLLMError(err error) bool {
	var le *llmError
	if errors.As(err, &le) {
		return le.retryable
	}
	return true
}

func buildClassifyPrompt(query string, history []HistoryItem, dialog *DialogContext) string {
	var b strings.Builder
	b.WriteString("Classify the following user query into one JSON object with fields ")
	b.WriteString(`action (greeting|invalid|clarification|product_search), confidence (0-1), `)
	b.WriteString(`assistant_message, semantic_subqueries (2-5 items, product_search only), `)
	b.WriteString("categories (4-8 items, clarification only).\n")

	if dialog != nil && dialog.ClarificationAsked {
		b.WriteString("The previous turn already asked for clarification; do not choose clarification again.\n")
	}
	if len(history) > 0 {
		b.WriteString("Recent history:\n")
		n := len(history)
		if n > 3 {
			n = 3
		}
		for _, h := range history[len(history)-n:] {
			fmt.Fprintf(&b, "- query: %s / reply: %s\n", h.Query, h.Reply)
		}
	}
	fmt.Fprintf(&b, "Query: %s\n", query)
	return b.String()
}

func buildRerankPrompt(query string, candidates []Candidate) string {
	var b strings.Builder
	b.WriteString("Re-rank the candidate products against the query. Return one JSON object with fields ")
	b.WriteString("entries (list of {product_index, relevance_score 0-1, reason, bucket}) and assistant_message.\n")
	fmt.Fprintf(&b, "Query: %s\n", query)
	b.WriteString("Candidates:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "[%d] %s - %s (score=%.3f)\n", c.Index, c.Title, c.Description, c.ESScore)
	}
	return b.String()
}
