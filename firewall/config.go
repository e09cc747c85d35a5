// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"os"
	"strconv"
	"time"
)

// Config holds all tunables for the firewall service. Every field can
// be overridden through the environment.
type Config struct {
	// Transport
	Port string

	// Backends
	RedisURL     string // empty disables the L2 cache and vector index
	DatabaseURL  string // empty disables the Postgres sink
	EmbeddingURL string // empty disables the semantic detector
	EmbeddingKey string

	// Detection files
	PatternsFile string
	PolicyFile   string

	// Pipeline limits
	Deadline       time.Duration
	MaxPromptBytes int
	MaxBatchSize   int
	MaxFindings    int
	MaxEmbedChars  int
	SemanticTopK   int

	// Semantic detection
	SemanticThreshold float64

	// Cache
	CacheL1Size int
	CacheTTLL1  time.Duration
	CacheTTLL2  time.Duration

	// Sink
	SinkQueueSize int
	SinkWorkers   int
}

// LoadConfig reads configuration from the environment with defaults.
func LoadConfig() Config {
	return Config{
		Port:         getEnv("PORT", "8080"),
		RedisURL:     getEnv("REDIS_URL", ""),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		EmbeddingURL: getEnv("EMBEDDING_URL", ""),
		EmbeddingKey: getEnv("EMBEDDING_API_KEY", ""),

		PatternsFile: getEnv("REGEX_PATTERNS_FILE", "config/patterns.yaml"),
		PolicyFile:   getEnv("POLICY_CONFIG_FILE", "config/policies.yaml"),

		Deadline:       time.Duration(getEnvInt("DEADLINE_MS", 150)) * time.Millisecond,
		MaxPromptBytes: getEnvInt("MAX_PROMPT_BYTES", 64*1024),
		MaxBatchSize:   getEnvInt("MAX_BATCH_SIZE", 100),
		MaxFindings:    getEnvInt("MAX_FINDINGS", 64),
		MaxEmbedChars:  getEnvInt("MAX_EMBED_CHARS", 2048),
		SemanticTopK:   getEnvInt("SEMANTIC_TOP_K", 5),

		SemanticThreshold: getEnvFloat("SEMANTIC_THRESHOLD", 0.85),

		CacheL1Size: getEnvInt("CACHE_L1_SIZE", 1000),
		CacheTTLL1:  time.Duration(getEnvInt("CACHE_TTL_L1", 300)) * time.Second,
		CacheTTLL2:  time.Duration(getEnvInt("CACHE_TTL_L2", 3600)) * time.Second,

		SinkQueueSize: getEnvInt("SINK_QUEUE_SIZE", 1000),
		SinkWorkers:   getEnvInt("SINK_WORKERS", 2),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
