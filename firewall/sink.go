// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"promptgate/platform/shared/logger"
)

// NoopSink discards results. Used when no database is configured.
type NoopSink struct{}

// Publish implements DetectionSink.
func (NoopSink) Publish(*ValidationResult) {}

// PostgresSink persists decisions and findings through a bounded
// queue. Publish never blocks: when the queue is saturated the entry
// is dropped and counted. Sink failures never influence verdicts.
type PostgresSink struct {
	db    *sql.DB
	queue chan *ValidationResult
	wg    sync.WaitGroup
	log   *logger.Logger

	// mu orders Publish sends against Close closing the queue; a send
	// racing the close would panic.
	mu      sync.RWMutex
	closed  bool
	dropped uint64
	written uint64
	failed  uint64
}

// NewPostgresSink starts the sink workers.
func NewPostgresSink(db *sql.DB, queueSize, workers int) *PostgresSink {
	s := &PostgresSink{
		db:    db,
		queue: make(chan *ValidationResult, queueSize),
		log:   logger.New("detection-sink"),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Publish implements DetectionSink with bounded-send semantics.
func (s *PostgresSink) Publish(result *ValidationResult) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- result:
	default:
		atomic.AddUint64(&s.dropped, 1)
		promSinkDropped.Inc()
	}
}

func (s *PostgresSink) worker() {
	defer s.wg.Done()

	for result := range s.queue {
		var err error
		for retry := 0; retry < 3; retry++ {
			if err = s.write(result); err == nil {
				atomic.AddUint64(&s.written, 1)
				break
			}
			// Exponential backoff
			time.Sleep(time.Millisecond * time.Duration(100*(retry+1)))
		}
		if err != nil {
			atomic.AddUint64(&s.failed, 1)
			s.log.ErrorWithErr(result.RequestID, "sink write failed after retries", err, nil)
		}
	}
}

// write stores one prompt record and its findings. The prompt text is
// never persisted, only its fingerprint.
func (s *PostgresSink) write(result *ValidationResult) error {
	promptRowID := uuid.New().String()

	_, err := s.db.Exec(`
		INSERT INTO prompts (id, content_hash, user_id, policy_id, policy_version, status, is_safe, latency_ms, detection_count, cached, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		promptRowID,
		result.Fingerprint,
		nullable(result.UserID),
		result.PolicyID,
		result.PolicyVersion,
		string(result.Status),
		result.IsSafe,
		result.LatencyMS,
		len(result.Findings),
		result.Cached,
		result.Timestamp,
	)
	if err != nil {
		return err
	}

	for _, f := range result.Findings {
		positions, _ := json.Marshal(f.MatchSpans)
		metadata, _ := json.Marshal(f.Metadata)
		_, err := s.db.Exec(`
			INSERT INTO detections (id, prompt_id, detection_type, matched_pattern, confidence_score, severity, category, blocked, match_positions, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			f.ID,
			promptRowID,
			string(f.Type),
			f.PatternName,
			f.Confidence,
			string(f.Severity),
			f.Category,
			result.Status == StatusBlocked,
			positions,
			metadata,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue, waiting up to the context deadline.
func (s *PostgresSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("", "sink shutdown complete", map[string]interface{}{
			"written": atomic.LoadUint64(&s.written),
			"failed":  atomic.LoadUint64(&s.failed),
			"dropped": atomic.LoadUint64(&s.dropped),
		})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports queue counters for the statistics endpoint.
func (s *PostgresSink) Stats() map[string]interface{} {
	return map[string]interface{}{
		"written": atomic.LoadUint64(&s.written),
		"failed":  atomic.LoadUint64(&s.failed),
		"dropped": atomic.LoadUint64(&s.dropped),
		"pending": len(s.queue),
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
