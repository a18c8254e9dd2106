// Package config loads and validates the worker daemon's YAML
// configuration: plain nested structs decoded with gopkg.in/yaml.v3,
// followed by a fail-fast Validate pass. There is no HTTP/auth/bootstrap
// configuration surface here — this daemon has no API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig points at the relational store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig points at the Redis instance backing the rate limiter and
// LLM request queue.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// FetcherConfig controls the crawl worker's fetch engines.
type FetcherConfig struct {
	UserAgent      string `yaml:"userAgent"`
	TimeoutMs      int    `yaml:"timeoutMs"`
	RodEnabled     bool   `yaml:"rodEnabled"`
	RodTimeoutMs   int    `yaml:"rodTimeoutMs"`
}

// RateLimitConfig controls per-domain pacing and daily quota.
type RateLimitConfig struct {
	DelayMinMs int   `yaml:"delayMinMs"`
	DelayMaxMs int   `yaml:"delayMaxMs"`
	DailyLimit int64 `yaml:"dailyLimit"`
}

// RetryConfig controls the exponential-backoff retry helper.
type RetryConfig struct {
	MaxRetries      int     `yaml:"maxRetries"`
	BaseDelayMs     int     `yaml:"baseDelayMs"`
	MaxDelayMs      int     `yaml:"maxDelayMs"`
	ExponentialBase float64 `yaml:"exponentialBase"`
}

// CrawlWorkerConfig sizes the scrape/crawl job runners.
type CrawlWorkerConfig struct {
	ScrapeConcurrency int `yaml:"scrapeConcurrency"`
	CrawlConcurrency  int `yaml:"crawlConcurrency"`
	PollIntervalMs    int `yaml:"pollIntervalMs"`
}

// LLMWorkerConfig sizes the adaptive-concurrency LLM worker pool.
type LLMWorkerConfig struct {
	MinPermits     int `yaml:"minPermits"`
	MaxPermits     int `yaml:"maxPermits"`
	StartPermits   int `yaml:"startPermits"`
	ClaimCount     int `yaml:"claimCount"`
}

// LLMConfig configures the OpenAI-compatible chat/embedding/rerank
// endpoint.
type LLMConfig struct {
	BaseURL        string `yaml:"baseURL"`
	APIKey         string `yaml:"apiKey"`
	ChatModel      string `yaml:"chatModel"`
	EmbeddingModel string `yaml:"embeddingModel"`
	RerankModel    string `yaml:"rerankModel"`
	TimeoutMs      int    `yaml:"timeoutMs"`
}

// VectorIndexConfig points at the vector store collaborator.
type VectorIndexConfig struct {
	BaseURL      string `yaml:"baseURL"`
	APIKey       string `yaml:"apiKey"`
	Collection   string `yaml:"collection"`
	EmbeddingDim int    `yaml:"embeddingDim"`
}

// ChunkConfig controls markdown chunking.
type ChunkConfig struct {
	MaxTokens     int `yaml:"maxTokens"`
	OverlapTokens int `yaml:"overlapTokens"`
}

// RecoveryConfig controls the orphaned-extraction recovery sweep.
type RecoveryConfig struct {
	Enabled        bool `yaml:"enabled"`
	IntervalMin    int  `yaml:"intervalMinutes"`
	MaxBatches     int  `yaml:"maxBatches"`
	BatchSize      int  `yaml:"batchSize"`
	MaxConcurrency int  `yaml:"maxConcurrency"`
}

// AlertConfig configures the webhook alerting collaborator.
type AlertConfig struct {
	WebhookURL       string `yaml:"webhookURL"`
	ThrottleSeconds  int    `yaml:"throttleSeconds"`
}

// RetentionConfig controls TTL deletion of old jobs/artifacts.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	JobRetentionDays       int  `yaml:"jobRetentionDays"`
}

// LoggingConfig controls the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the worker daemon's full configuration surface.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Fetcher     FetcherConfig     `yaml:"fetcher"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Retry       RetryConfig       `yaml:"retry"`
	CrawlWorker CrawlWorkerConfig `yaml:"crawlWorker"`
	LLMWorker   LLMWorkerConfig   `yaml:"llmWorker"`
	LLM         LLMConfig         `yaml:"llm"`
	VectorIndex VectorIndexConfig `yaml:"vectorIndex"`
	Chunk       ChunkConfig       `yaml:"chunk"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Alert       AlertConfig       `yaml:"alert"`
	Retention   RetentionConfig   `yaml:"retention"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Load reads and decodes the YAML config at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate performs fail-fast sanity checks on required config fields.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return errors.New("database.dsn must be set")
	}
	if strings.TrimSpace(cfg.Redis.URL) == "" {
		return errors.New("redis.url must be set")
	}
	if strings.TrimSpace(cfg.LLM.BaseURL) == "" || strings.TrimSpace(cfg.LLM.ChatModel) == "" {
		return errors.New("llm.baseURL and llm.chatModel must be set")
	}
	if strings.TrimSpace(cfg.LLM.EmbeddingModel) == "" {
		return errors.New("llm.embeddingModel must be set")
	}
	if strings.TrimSpace(cfg.VectorIndex.BaseURL) == "" {
		return errors.New("vectorIndex.baseURL must be set")
	}
	if cfg.VectorIndex.EmbeddingDim <= 0 {
		return errors.New("vectorIndex.embeddingDim must be positive")
	}
	return nil
}
