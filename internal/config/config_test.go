package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, 0.85, cfg.Chat.SubqueryWeightDecay)
	assert.Equal(t, 30, cfg.Server.RequestTimeoutSeconds)
}

func TestLoad_EnvironmentOverridesDefault(t *testing.T) {
	os.Setenv("GATEWAY_EMBEDDING_DIMENSION", "768")
	defer os.Unsetenv("GATEWAY_EMBEDDING_DIMENSION")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
}

func TestValidate_RejectsNonPositiveDimension(t *testing.T) {
	cfg := &Config{Embedding: EmbeddingConfig{Dimension: 0, MaxConcurrent: 1}, Elastic: ElasticConfig{URL: "http://x"}, Session: SessionConfig{MaxSessions: 1}, Chat: ChatConfig{SubqueryWeightDecay: 0.5}}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidate_ClampsRequestTimeoutIntoRange(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{RequestTimeoutSeconds: 1000},
		Embedding: EmbeddingConfig{Dimension: 8, MaxConcurrent: 1},
		Elastic:   ElasticConfig{URL: "http://x"},
		Session:   SessionConfig{MaxSessions: 1},
		Chat:      ChatConfig{SubqueryWeightDecay: 0.5},
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 300, cfg.Server.RequestTimeoutSeconds)
}

func TestValidate_RejectsMissingElasticURL(t *testing.T) {
	cfg := &Config{
		Embedding: EmbeddingConfig{Dimension: 8, MaxConcurrent: 1},
		Session:   SessionConfig{MaxSessions: 1},
		Chat:      ChatConfig{SubqueryWeightDecay: 0.5},
	}
	assert.Error(t, cfg.Validate())
}
