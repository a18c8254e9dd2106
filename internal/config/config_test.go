package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{DSN: "postgres://localhost/kxpipe"},
		Redis:    RedisConfig{URL: "redis://localhost:6379"},
		LLM: LLMConfig{
			BaseURL:        "https://llm.internal/v1",
			ChatModel:      "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		VectorIndex: VectorIndexConfig{
			BaseURL:      "https://vectors.internal",
			EmbeddingDim: 1536,
		},
	}
}

func TestValidateAcceptsFullyPopulatedConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsNilConfig(t *testing.T) {
	var cfg *Config
	err := cfg.Validate()
	assert.EqualError(t, err, "config is nil")
}

func TestValidateRejectsMissingDatabaseDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Database.DSN = "   "
	assert.EqualError(t, cfg.Validate(), "database.dsn must be set")
}

func TestValidateRejectsMissingRedisURL(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.URL = ""
	assert.EqualError(t, cfg.Validate(), "redis.url must be set")
}

func TestValidateRejectsMissingLLMBaseURLOrChatModel(t *testing.T) {
	cfg := validConfig()
	cfg.LLM.BaseURL = ""
	assert.EqualError(t, cfg.Validate(), "llm.baseURL and llm.chatModel must be set")

	cfg = validConfig()
	cfg.LLM.ChatModel = ""
	assert.EqualError(t, cfg.Validate(), "llm.baseURL and llm.chatModel must be set")
}

func TestValidateRejectsMissingEmbeddingModel(t *testing.T) {
	cfg := validConfig()
	cfg.LLM.EmbeddingModel = ""
	assert.EqualError(t, cfg.Validate(), "llm.embeddingModel must be set")
}

func TestValidateRejectsMissingVectorIndexBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.VectorIndex.BaseURL = ""
	assert.EqualError(t, cfg.Validate(), "vectorIndex.baseURL must be set")
}

func TestValidateRejectsNonPositiveEmbeddingDim(t *testing.T) {
	cfg := validConfig()
	cfg.VectorIndex.EmbeddingDim = 0
	assert.EqualError(t, cfg.Validate(), "vectorIndex.embeddingDim must be positive")

	cfg.VectorIndex.EmbeddingDim = -1
	assert.EqualError(t, cfg.Validate(), "vectorIndex.embeddingDim must be positive")
}

const sampleYAML = `
database:
  dsn: postgres://localhost/kxpipe
redis:
  url: redis://localhost:6379
fetcher:
  userAgent: kxpipe-bot/1.0
  timeoutMs: 15000
  rodEnabled: true
  rodTimeoutMs: 30000
ratelimit:
  delayMinMs: 500
  delayMaxMs: 2000
  dailyLimit: 10000
retry:
  maxRetries: 5
  baseDelayMs: 200
  maxDelayMs: 5000
  exponentialBase: 2.0
crawlWorker:
  scrapeConcurrency: 4
  crawlConcurrency: 2
  pollIntervalMs: 1000
llmWorker:
  minPermits: 1
  maxPermits: 8
  startPermits: 2
  claimCount: 4
llm:
  baseURL: https://llm.internal/v1
  apiKey: secret
  chatModel: gpt-4o-mini
  embeddingModel: text-embedding-3-small
  rerankModel: rerank-1
  timeoutMs: 20000
vectorIndex:
  baseURL: https://vectors.internal
  apiKey: secret
  collection: facts
  embeddingDim: 1536
chunk:
  maxTokens: 2000
  overlapTokens: 200
recovery:
  enabled: true
  intervalMinutes: 30
  maxBatches: 5
  batchSize: 50
  maxConcurrency: 4
alert:
  webhookURL: https://hooks.internal/alerts
  throttleSeconds: 300
retention:
  enabled: true
  cleanupIntervalMinutes: 60
  jobRetentionDays: 30
logging:
  level: debug
  format: console
`

func TestLoadDecodesYAMLIntoConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "postgres://localhost/kxpipe", cfg.Database.DSN)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.True(t, cfg.Fetcher.RodEnabled)
	assert.Equal(t, 15000, cfg.Fetcher.TimeoutMs)
	assert.Equal(t, int64(10000), cfg.RateLimit.DailyLimit)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 2.0, cfg.Retry.ExponentialBase)
	assert.Equal(t, 4, cfg.CrawlWorker.ScrapeConcurrency)
	assert.Equal(t, 8, cfg.LLMWorker.MaxPermits)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.ChatModel)
	assert.Equal(t, 1536, cfg.VectorIndex.EmbeddingDim)
	assert.Equal(t, 2000, cfg.Chunk.MaxTokens)
	assert.True(t, cfg.Recovery.Enabled)
	assert.Equal(t, 300, cfg.Alert.ThrottleSeconds)
	assert.True(t, cfg.Retention.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoadReturnsErrorForMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  dsn: [unterminated"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
