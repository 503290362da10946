// Package config loads the gateway's typed configuration once at
// startup from environment variables and in-code defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ElasticConfig holds the search engine client's connection settings.
type ElasticConfig struct {
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	Index         string `mapstructure:"index"`
	VectorField   string `mapstructure:"vector_field"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// EmbeddingConfig holds the embedding client's settings.
type EmbeddingConfig struct {
	URL                string `mapstructure:"url"`
	Model              string `mapstructure:"model"`
	Dimension          int    `mapstructure:"dimension"`
	SingleTimeoutSeconds int  `mapstructure:"single_timeout_seconds"`
	MaxConcurrent      int    `mapstructure:"max_concurrent"`
	CacheSize          int    `mapstructure:"cache_size"`
	CacheTTLSeconds    int    `mapstructure:"cache_ttl_seconds"`
	RedisAddr          string `mapstructure:"redis_addr"`
	RedisPassword      string `mapstructure:"redis_password"`
	RedisDB            int    `mapstructure:"redis_db"`
}

// LLMConfig holds the LLM assistant's settings.
type LLMConfig struct {
	URL                    string  `mapstructure:"url"`
	APIKey                 string  `mapstructure:"api_key"`
	Model                  string  `mapstructure:"model"`
	Temperature            float64 `mapstructure:"temperature"`
	ClassifyMaxTokens      int     `mapstructure:"classify_max_tokens"`
	RerankMaxTokens        int     `mapstructure:"rerank_max_tokens"`
	ClassifyTimeoutSeconds int     `mapstructure:"classify_timeout_seconds"`
	RerankTimeoutSeconds   int     `mapstructure:"rerank_timeout_seconds"`
}

// ChatConfig holds the search pipeline's fusion/threshold tuning knobs.
type ChatConfig struct {
	ScoreThresholdRatio  float64 `mapstructure:"score_threshold_ratio"`
	MinScoreAbsolute     float64 `mapstructure:"min_score_absolute"`
	SubqueryWeightDecay  float64 `mapstructure:"subquery_weight_decay"`
	MaxKPerSubquery      int     `mapstructure:"max_k_per_subquery"`
	MaxChatDisplayItems  int     `mapstructure:"max_chat_display_items"`
}

// SessionConfig holds session store limits.
type SessionConfig struct {
	MaxSessions              int `mapstructure:"max_sessions"`
	SearchResultsTTLSeconds  int `mapstructure:"search_results_ttl_seconds"`
	MaxSearchHistory         int `mapstructure:"max_search_history"`
	SearchHistoryTTLDays     int `mapstructure:"search_history_ttl_days"`
}

// StreamingConfig holds SSE pacing knobs.
type StreamingConfig struct {
	SlowMode     bool `mapstructure:"slow_mode"`
	DelaySeconds int  `mapstructure:"delay_seconds"`
}

// JanitorConfig holds the background sweep's cadence.
type JanitorConfig struct {
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddress         string   `mapstructure:"listen_address"`
	CORSOrigins           []string `mapstructure:"cors_origins"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
}

// Config is the complete, typed application configuration.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Elastic     ElasticConfig   `mapstructure:"elastic"`
	Embedding   EmbeddingConfig `mapstructure:"embedding"`
	LLM         LLMConfig       `mapstructure:"llm"`
	Chat        ChatConfig      `mapstructure:"chat"`
	Session     SessionConfig   `mapstructure:"session"`
	Streaming   StreamingConfig `mapstructure:"streaming"`
	Janitor     JanitorConfig   `mapstructure:"janitor"`
}

// Load reads configuration from environment variables (prefixed
// GATEWAY_) layered over in-code defaults, then validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.request_timeout_seconds", 30)

	v.SetDefault("elastic.url", "http://localhost:9200")
	v.SetDefault("elastic.index", "products")
	v.SetDefault("elastic.vector_field", "description_vector")
	v.SetDefault("elastic.request_timeout_seconds", 10)
	v.SetDefault("elastic.username", "")
	v.SetDefault("elastic.password", "")

	v.SetDefault("embedding.url", "http://localhost:8081/embed")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("embedding.single_timeout_seconds", 10)
	v.SetDefault("embedding.max_concurrent", 2)
	v.SetDefault("embedding.cache_size", 10000)
	v.SetDefault("embedding.cache_ttl_seconds", 3600)
	v.SetDefault("embedding.redis_addr", "")
	v.SetDefault("embedding.redis_password", "")
	v.SetDefault("embedding.redis_db", 0)

	v.SetDefault("llm.url", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.classify_max_tokens", 400)
	v.SetDefault("llm.rerank_max_tokens", 800)
	v.SetDefault("llm.classify_timeout_seconds", 15)
	v.SetDefault("llm.rerank_timeout_seconds", 30)

	v.SetDefault("chat.score_threshold_ratio", 0.3)
	v.SetDefault("chat.min_score_absolute", 0.5)
	v.SetDefault("chat.subquery_weight_decay", 0.85)
	v.SetDefault("chat.max_k_per_subquery", 30)
	v.SetDefault("chat.max_chat_display_items", 20)

	v.SetDefault("session.max_sessions", 10000)
	v.SetDefault("session.search_results_ttl_seconds", 1800)
	v.SetDefault("session.max_search_history", 20)
	v.SetDefault("session.search_history_ttl_days", 30)

	v.SetDefault("streaming.slow_mode", false)
	v.SetDefault("streaming.delay_seconds", 0)

	v.SetDefault("janitor.cleanup_interval_seconds", 300)
}

// Validate fails fast on configuration that would make the server
// misbehave rather than fail to start.
func (c *Config) Validate() error {
	if c.Server.RequestTimeoutSeconds < 5 || c.Server.RequestTimeoutSeconds > 300 {
		c.Server.RequestTimeoutSeconds = clampInt(c.Server.RequestTimeoutSeconds, 5, 300)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.MaxConcurrent <= 0 {
		return fmt.Errorf("embedding.max_concurrent must be positive, got %d", c.Embedding.MaxConcurrent)
	}
	if c.Elastic.URL == "" {
		return fmt.Errorf("elastic.url must be set")
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("session.max_sessions must be positive, got %d", c.Session.MaxSessions)
	}
	if c.Chat.SubqueryWeightDecay <= 0 || c.Chat.SubqueryWeightDecay > 1 {
		return fmt.Errorf("chat.subquery_weight_decay must be in (0,1], got %f", c.Chat.SubqueryWeightDecay)
	}
	return nil
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

// RequestTimeout returns the configured request timeout as a Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}
