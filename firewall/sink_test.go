// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockedResult() *ValidationResult {
	return &ValidationResult{
		Verdict: Verdict{
			Status:  StatusBlocked,
			Message: "Blocked by rule 'block_credentials': openai_api_key (critical)",
			Findings: []Finding{{
				ID:          "finding-1",
				Type:        DetectionTypeRegex,
				PatternName: "openai_api_key",
				Category:    "api_keys",
				Severity:    SeverityCritical,
				Confidence:  1.0,
				MatchSpans:  []Span{{Start: 14, End: 49}},
				Metadata:    map[string]string{"match_count": "1"},
			}},
		},
		RequestID:     "req-1",
		Fingerprint:   Fingerprint("default", 1, "some prompt"),
		UserID:        "user-1",
		PolicyID:      "default",
		PolicyVersion: 1,
		LatencyMS:     4.2,
		Timestamp:     time.Now().UTC(),
	}
}

func TestPostgresSinkWritesPromptAndFindings(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	result := blockedResult()

	mock.ExpectExec("INSERT INTO prompts").
		WithArgs(sqlmock.AnyArg(), result.Fingerprint, "user-1", "default", 1,
			"blocked", false, 4.2, 1, false, result.Timestamp).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO detections").
		WithArgs("finding-1", sqlmock.AnyArg(), "regex", "openai_api_key", 1.0,
			"critical", "api_keys", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sink := NewPostgresSink(db, 10, 1)
	sink.Publish(result)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
	stats := sink.Stats()
	assert.Equal(t, uint64(1), stats["written"])
	assert.Equal(t, uint64(0), stats["failed"])
}

func TestPostgresSinkNullUserID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	result := blockedResult()
	result.UserID = ""
	result.Findings = nil

	mock.ExpectExec("INSERT INTO prompts").
		WithArgs(sqlmock.AnyArg(), result.Fingerprint, nil, "default", 1,
			"blocked", false, 4.2, 0, false, result.Timestamp).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sink := NewPostgresSink(db, 10, 1)
	sink.Publish(result)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSinkRetriesThenCounts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	result := blockedResult()
	result.Findings = nil

	// Fails twice, succeeds on the third attempt.
	mock.ExpectExec("INSERT INTO prompts").WillReturnError(assert.AnError)
	mock.ExpectExec("INSERT INTO prompts").WillReturnError(assert.AnError)
	mock.ExpectExec("INSERT INTO prompts").WillReturnResult(sqlmock.NewResult(1, 1))

	sink := NewPostgresSink(db, 10, 1)
	sink.Publish(result)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, uint64(1), sink.Stats()["written"])
}

func TestPostgresSinkDropsWhenSaturated(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// No workers: the queue fills and overflow is dropped, never blocked.
	sink := &PostgresSink{db: db, queue: make(chan *ValidationResult, 1)}
	sink.Publish(blockedResult())
	sink.Publish(blockedResult())
	sink.Publish(blockedResult())

	assert.Equal(t, uint64(2), sink.Stats()["dropped"])
	assert.Equal(t, 1, sink.Stats()["pending"])
}

func TestPostgresSinkConcurrentPublishAndClose(t *testing.T) {
	// No workers and no database: this exercises only the queue
	// lifecycle, where a send racing the close would panic.
	sink := NewPostgresSink(nil, 4, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				sink.Publish(blockedResult())
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
	wg.Wait()
}

func TestPostgresSinkPublishAfterClose(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewPostgresSink(db, 10, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
	require.NoError(t, sink.Close(ctx), "double close is a no-op")

	// Must not panic on the closed queue.
	sink.Publish(blockedResult())
}
