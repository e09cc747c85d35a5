// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"promptgate/platform/shared/logger"
)

// Run wires every component from the environment and serves HTTP
// until SIGINT/SIGTERM. Pattern or policy load failures are fatal; a
// missing Redis or Postgres only disables the optional tiers.
func Run() {
	cfg := LoadConfig()
	mainLog := logger.New("firewall")

	patterns, err := NewFilePatternProvider(cfg.PatternsFile)
	if err != nil {
		log.Fatalf("Failed to load patterns: %v", err)
	}
	policies, err := NewFilePolicyProvider(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("Failed to load policies: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse Redis URL: %v", err)
		}
		redisClient = redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			mainLog.Warn("", "Redis unreachable, running with L1 cache only", map[string]interface{}{
				"error": err.Error(),
			})
			redisClient = nil
		}
		cancel()
	}

	detectors := []Detector{
		NewRegexDetector(patterns, cfg.MaxFindings),
	}
	if cfg.EmbeddingURL != "" && redisClient != nil {
		embedder := NewHTTPEmbedder(cfg.EmbeddingURL, cfg.EmbeddingKey, getEnv("EMBEDDING_MODEL", "text-embedding-3-small"))
		index := NewRedisVectorIndex(redisClient)
		detectors = append(detectors, NewSemanticDetector(embedder, index, cfg.MaxEmbedChars, cfg.SemanticTopK))
	} else {
		mainLog.Warn("", "semantic detector disabled", map[string]interface{}{
			"embedding_url_set": cfg.EmbeddingURL != "",
			"redis_available":   redisClient != nil,
		})
	}

	cache := NewResultCache(redisClient, cfg.CacheL1Size, cfg.CacheTTLL1, cfg.CacheTTLL2)

	var sink DetectionSink = NoopSink{}
	var pgSink *PostgresSink
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		if err := db.Ping(); err != nil {
			mainLog.Warn("", "database unreachable, sink disabled", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			pgSink = NewPostgresSink(db, cfg.SinkQueueSize, cfg.SinkWorkers)
			sink = pgSink
		}
	}

	pipeline := NewPipeline(detectors, policies, NewPolicyEngine(), cache, sink, cfg)
	server := NewServer(pipeline, sink)

	// Hot reload on file change; snapshots swap atomically.
	watchDone := make(chan struct{})
	go func() {
		if err := patterns.Watch(watchDone); err != nil {
			mainLog.ErrorWithErr("", "pattern watcher stopped", err, nil)
		}
	}()
	go func() {
		if err := policies.Watch(watchDone); err != nil {
			mainLog.ErrorWithErr("", "policy watcher stopped", err, nil)
		}
	}()

	router := mux.NewRouter()
	router.Use(server.recoverPanics)
	router.HandleFunc("/health", server.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/api/v1/prompts/validate", server.handleValidate).Methods("POST")
	router.HandleFunc("/api/v1/prompts/validate/batch", server.handleValidateBatch).Methods("POST")
	router.HandleFunc("/api/v1/prompts/statistics", server.handleStatistics).Methods("GET")

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(router)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		mainLog.Info("", "firewall listening", map[string]interface{}{
			"port":      cfg.Port,
			"detectors": len(detectors),
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	mainLog.Info("", "shutting down", nil)
	close(watchDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		mainLog.ErrorWithErr("", "HTTP shutdown failed", err, nil)
	}
	if pgSink != nil {
		if err := pgSink.Close(shutdownCtx); err != nil {
			mainLog.ErrorWithErr("", "sink shutdown failed", err, nil)
		}
	}
}
