// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func captureOutput(fn func()) string {
	var buf bytes.Buffer
	prev := log.Writer()
	prevFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(prev)
		log.SetFlags(prevFlags)
	}()
	fn()
	return buf.String()
}

func TestNewLogger(t *testing.T) {
	l := New("pipeline")
	if l.Component != "pipeline" {
		t.Errorf("expected component 'pipeline', got %q", l.Component)
	}
	if l.InstanceID == "" {
		t.Error("expected non-empty instance id")
	}
}

func TestLogProducesValidJSON(t *testing.T) {
	l := New("cache")

	out := captureOutput(func() {
		l.Info("req-123", "cache hit", map[string]interface{}{"tier": "l1"})
	})

	line := strings.TrimSpace(out)
	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v (line: %s)", err, line)
	}

	if entry.Level != INFO {
		t.Errorf("expected level INFO, got %s", entry.Level)
	}
	if entry.Component != "cache" {
		t.Errorf("expected component 'cache', got %q", entry.Component)
	}
	if entry.RequestID != "req-123" {
		t.Errorf("expected request id 'req-123', got %q", entry.RequestID)
	}
	if entry.Fields["tier"] != "l1" {
		t.Errorf("expected tier field 'l1', got %v", entry.Fields["tier"])
	}
}

func TestInfoWithDuration(t *testing.T) {
	l := New("pipeline")

	out := captureOutput(func() {
		l.InfoWithDuration("req-9", "validation completed", 12.5, nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry.Fields["duration_ms"] != 12.5 {
		t.Errorf("expected duration_ms 12.5, got %v", entry.Fields["duration_ms"])
	}
}

func TestErrorWithErr(t *testing.T) {
	l := New("sink")

	out := captureOutput(func() {
		l.ErrorWithErr("", "sink write failed", errTest, nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry.Level != ERROR {
		t.Errorf("expected level ERROR, got %s", entry.Level)
	}
	if entry.Fields["error"] != "boom" {
		t.Errorf("expected error field 'boom', got %v", entry.Fields["error"])
	}
}

var errTest = errTestType{}

type errTestType struct{}

func (errTestType) Error() string { return "boom" }
