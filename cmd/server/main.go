package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/developer-mesh/chat-search-gateway/internal/category"
	"github.com/developer-mesh/chat-search-gateway/internal/config"
	"github.com/developer-mesh/chat-search-gateway/internal/delivery/httpapi"
	"github.com/developer-mesh/chat-search-gateway/internal/embedding"
	"github.com/developer-mesh/chat-search-gateway/internal/history"
	"github.com/developer-mesh/chat-search-gateway/internal/janitor"
	"github.com/developer-mesh/chat-search-gateway/internal/llm"
	"github.com/developer-mesh/chat-search-gateway/internal/observability"
	"github.com/developer-mesh/chat-search-gateway/internal/pipeline"
	"github.com/developer-mesh/chat-search-gateway/internal/searchengine"
	"github.com/developer-mesh/chat-search-gateway/internal/session"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := observability.NewLogger("chat-search-gateway")
	metrics := observability.NewPrometheusMetrics(prometheus.NewRegistry())

	embeddingClient, err := embedding.New(embedding.Config{
		URL:           cfg.Embedding.URL,
		Model:         cfg.Embedding.Model,
		Dimension:     cfg.Embedding.Dimension,
		SingleTimeout: time.Duration(cfg.Embedding.SingleTimeoutSeconds) * time.Second,
		MaxConcurrent: cfg.Embedding.MaxConcurrent,
		CacheSize:     cfg.Embedding.CacheSize,
		CacheTTL:      time.Duration(cfg.Embedding.CacheTTLSeconds) * time.Second,
		RedisAddr:     cfg.Embedding.RedisAddr,
		RedisPassword: cfg.Embedding.RedisPassword,
		RedisDB:       cfg.Embedding.RedisDB,
	}, logger, metrics)
	if err != nil {
		log.Fatalf("failed to construct embedding client: %v", err)
	}

	searchClient := searchengine.New(searchengine.Config{
		URL:            cfg.Elastic.URL,
		Username:       cfg.Elastic.Username,
		Password:       cfg.Elastic.Password,
		Index:          cfg.Elastic.Index,
		VectorField:    cfg.Elastic.VectorField,
		RequestTimeout: time.Duration(cfg.Elastic.RequestTimeoutSeconds) * time.Second,
	}, logger, metrics)

	llmClient := llm.New(llm.Config{
		URL:               cfg.LLM.URL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		ClassifyMaxTokens: cfg.LLM.ClassifyMaxTokens,
		RerankMaxTokens:   cfg.LLM.RerankMaxTokens,
		ClassifyTimeout:   time.Duration(cfg.LLM.ClassifyTimeoutSeconds) * time.Second,
		RerankTimeout:     time.Duration(cfg.LLM.RerankTimeoutSeconds) * time.Second,
	}, logger, metrics)

	categoryEngine := category.New(nil, logger)

	sessionStore := session.New(cfg.Session.MaxSessions, time.Duration(cfg.Session.SearchResultsTTLSeconds)*time.Second, logger, metrics)

	historyStore := history.New(cfg.Session.MaxSearchHistory, time.Duration(cfg.Session.SearchHistoryTTLDays)*24*time.Hour, logger, metrics)

	pl := pipeline.New(pipeline.Config{
		ScoreThresholdRatio: cfg.Chat.ScoreThresholdRatio,
		MinScoreAbsolute:    cfg.Chat.MinScoreAbsolute,
		SubqueryWeightDecay: cfg.Chat.SubqueryWeightDecay,
		MaxKPerSubquery:     cfg.Chat.MaxKPerSubquery,
		MaxChatDisplayItems: cfg.Chat.MaxChatDisplayItems,
	}, embeddingClient, searchClient, llmClient, categoryEngine, sessionStore, historyStore, logger, metrics)

	cleanupJanitor := janitor.New(time.Duration(cfg.Janitor.CleanupIntervalSeconds)*time.Second, embeddingClient, sessionStore, historyStore, logger, metrics)
	cleanupJanitor.Start(ctx)
	defer cleanupJanitor.Stop()

	server := httpapi.New(httpapi.Config{
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.RequestTimeout(),
		SlowMode:       cfg.Streaming.SlowMode,
		SSEDelay:       time.Duration(cfg.Streaming.DelaySeconds) * time.Second,
	}, pl, sessionStore, embeddingClient, searchClient, logger, metrics)

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses must not be cut off by a fixed write deadline
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		logger.Info("starting server", map[string]interface{}{"address": cfg.Server.ListenAddress, "environment": cfg.Environment})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("received shutdown signal", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("server stopped gracefully", nil)
}
