// Package httpapi is the gateway's inbound HTTP surface: a
// gin router exposing direct search, the conversational pipeline in
// request/response and streaming modes, pagination, and operational
// endpoints.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/developer-mesh/chat-search-gateway/internal/embedding"
	"github.com/developer-mesh/chat-search-gateway/internal/llm"
	"github.com/developer-mesh/chat-search-gateway/internal/observability"
	"github.com/developer-mesh/chat-search-gateway/internal/pipeline"
	"github.com/developer-mesh/chat-search-gateway/internal/searchengine"
	"github.com/developer-mesh/chat-search-gateway/internal/session"
)

// Config controls router-level concerns: CORS origins and the request
// timeout applied to every handler.
type Config struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	SlowMode       bool
	SSEDelay       time.Duration
}

// Server bundles the gateway's collaborators behind the HTTP surface.
type Server struct {
	cfg        Config
	pipeline   *pipeline.Pipeline
	sessions   *session.Store
	embedding  *embedding.Client
	search     *searchengine.Client
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// New builds a Server. Pass nil metrics registry access via
// observability.MetricsClient's own constructor; this Server only reads it.
func New(cfg Config, pl *pipeline.Pipeline, sessions *session.Store, embeddingClient *embedding.Client, searchClient *searchengine.Client, logger observability.Logger, metrics observability.MetricsClient) *Server {
	if logger == nil {
		logger = observability.NoopLogger{}
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{cfg: cfg, pipeline: pl, sessions: sessions, embedding: embeddingClient, search: searchClient, logger: logger, metrics: metrics}
}

// Router builds the gin.Engine with every route wired in.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestIDMiddleware())
	r.Use(s.corsMiddleware())
	r.Use(s.timeoutMiddleware())

	r.POST("/search", s.handleSearch)
	r.POST("/chat/search", s.handleChatSearch)
	r.GET("/chat/search/sse", s.handleChatSearchSSE)
	r.POST("/chat/search/load-more", s.handleLoadMore)

	r.GET("/health", s.handleHealth)
	r.GET("/live", s.handleLive)
	r.GET("/ready", s.handleReady)

	r.GET("/stats", s.handleStats)
	r.GET("/cache/stats", s.handleCacheStats)
	r.POST("/cache/clear", s.handleCacheClear)

	return r
}

// requestIDMiddleware assigns a correlation id to every request, echoed
// in the response and carried into entry/exit log lines.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		start := time.Now()
		c.Next()
		s.logger.Info("request handled", map[string]interface{}{
			"request_id": requestID,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	allowAll := false
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// searchRequest is the /search request body.
type searchRequest struct {
	Query    string  `json:"query"`
	K        int     `json:"k"`
	MinScore float64 `json:"minScore"`
	Mode     string  `json:"mode"`
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.K <= 0 {
		req.K = 10
	}

	var hits []searchengine.Hit
	var err error

	switch req.Mode {
	case "bm25":
		hits, err = s.search.BM25Search(c.Request.Context(), req.Query, req.K)
	case "knn":
		vector := s.embedding.Embed(c.Request.Context(), req.Query)
		if vector == nil {
			c.JSON(http.StatusOK, gin.H{"results": []searchengine.Hit{}})
			return
		}
		hits, err = s.search.KNNSearch(c.Request.Context(), vector, req.K)
	default:
		vector := s.embedding.Embed(c.Request.Context(), req.Query)
		hits, err = s.search.HybridSearch(c.Request.Context(), vector, req.Query, req.K)
	}

	if err != nil {
		s.logger.Error("direct search failed", map[string]interface{}{"error": err.Error(), "mode": req.Mode})
		c.JSON(http.StatusBadGateway, gin.H{"error": "search failed"})
		return
	}

	filtered := make([]searchengine.Hit, 0, len(hits))
	for _, h := range hits {
		if h.Score >= req.MinScore {
			filtered = append(filtered, h)
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": filtered})
}

// chatSearchRequest is the /chat/search request body.
type chatSearchRequest struct {
	Query            string              `json:"query"`
	SessionID        string              `json:"sessionId"`
	K                int                 `json:"k"`
	DialogContext    *llm.DialogContext  `json:"dialogContext"`
	SearchHistory    []llm.HistoryItem   `json:"searchHistory"`
	SelectedCategory string              `json:"selectedCategory"`
}

func (s *Server) handleChatSearch(c *gin.Context) {
	var req chatSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.K <= 0 {
		req.K = 20
	}

	outcome := s.pipeline.Run(c.Request.Context(), req.Query, req.SessionID, req.K, req.SelectedCategory, req.DialogContext, req.SearchHistory, nil)
	c.JSON(http.StatusOK, outcomeToWire(outcome))
}

func outcomeToWire(o pipeline.Outcome) gin.H {
	return gin.H{
		"kind":              o.Kind,
		"assistantMessage":  o.AssistantMessage,
		"categories":        o.Categories,
		"results":           o.Results,
		"recommendations":   o.Recommendations,
		"categoriesPayload": o.CategoriesPayload,
		"dialogContext":     o.DialogContext,
		"actions":           o.Actions,
	}
}

// sseSink adapts gin's SSE writer to the pipeline's StatusSink.
type sseSink struct {
	c *gin.Context
}

func (sink *sseSink) Status(event string) {
	sink.c.SSEvent("status", gin.H{"event": event})
	sink.c.Writer.Flush()
}

func (s *Server) handleChatSearchSSE(c *gin.Context) {
	query := decodeB64Param(c, "query")
	sessionID := c.Query("sessionId")
	k := queryInt(c, "k", 20)
	selectedCategory := decodeB64Param(c, "selectedCategory")

	var dialog *llm.DialogContext
	if raw := decodeB64Param(c, "dialogContext"); raw != "" {
		dialog = &llm.DialogContext{}
		_ = json.Unmarshal([]byte(raw), dialog)
	}
	var history []llm.HistoryItem
	if raw := decodeB64Param(c, "searchHistory"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &history)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	c.Request = c.Request.WithContext(ctx)

	sink := &sseSink{c: c}
	sink.Status("thinking")

	outcome := s.pipeline.Run(ctx, query, sessionID, k, selectedCategory, dialog, history, sink)

	switch outcome.Kind {
	case pipeline.KindProductResults:
		c.SSEvent("candidates", gin.H{"results": outcome.Results})
		c.Writer.Flush()
		if len(outcome.CategoriesPayload) > 0 {
			c.SSEvent("categories", outcome.CategoriesPayload)
			c.Writer.Flush()
		}
		if len(outcome.Recommendations) > 0 {
			c.SSEvent("recommendations", outcome.Recommendations)
			c.Writer.Flush()
		}
	case pipeline.KindNoResults:
		c.SSEvent("no_results", gin.H{"message": outcome.AssistantMessage})
		c.Writer.Flush()
	case pipeline.KindError:
		c.SSEvent("error", gin.H{"message": outcome.AssistantMessage})
		c.Writer.Flush()
		return
	default:
		s.streamAssistantMessage(c, outcome.AssistantMessage)
	}

	c.SSEvent("final", outcomeToWire(outcome))
	c.Writer.Flush()
}

func (s *Server) streamAssistantMessage(c *gin.Context, message string) {
	c.SSEvent("assistant_start", gin.H{})
	c.Writer.Flush()
	for _, r := range message {
		c.SSEvent("assistant_delta", gin.H{"char": string(r)})
		c.Writer.Flush()
		if s.cfg.SlowMode && s.cfg.SSEDelay > 0 {
			time.Sleep(s.cfg.SSEDelay)
		}
	}
	c.SSEvent("assistant_end", gin.H{})
	c.Writer.Flush()
}

func decodeB64Param(c *gin.Context, key string) string {
	raw := c.Query(key)
	if raw == "" {
		return ""
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return raw
	}
	return string(decoded)
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// loadMoreRequest is the /chat/search/load-more request body.
type loadMoreRequest struct {
	SessionID string `json:"sessionId"`
	Offset    int    `json:"offset"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleLoadMore(c *gin.Context) {
	var req loadMoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	page := s.sessions.Fetch(c.Request.Context(), req.SessionID, req.Offset, req.Limit)
	c.JSON(http.StatusOK, gin.H{
		"products":   page.Products,
		"nextOffset": page.NextOffset,
		"hasMore":    page.HasMore,
		"totalFound": page.TotalFound,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "live"})
}

func (s *Server) handleReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.Len()})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.embedding.CacheStats())
}

func (s *Server) handleCacheClear(c *gin.Context) {
	s.embedding.ClearCache()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
