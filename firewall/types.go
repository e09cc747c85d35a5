// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DetectionType identifies which detector produced a finding.
type DetectionType string

const (
	DetectionTypeRegex      DetectionType = "regex"
	DetectionTypeSemantic   DetectionType = "semantic"
	DetectionTypePolicy     DetectionType = "policy"
	DetectionTypeContextual DetectionType = "contextual"
)

// Severity represents how serious a finding is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric ordering of a severity. Unknown severities
// rank below info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// ParseSeverity validates a severity string from configuration.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("%w: unknown severity %q", ErrPatternLoad, s)
	}
	return sev, nil
}

// Action is a policy rule outcome.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
	ActionLog   Action = "log"
)

// actionRank orders actions by precedence: block > warn > log > allow.
var actionRank = map[Action]int{
	ActionAllow: 0,
	ActionLog:   1,
	ActionWarn:  2,
	ActionBlock: 3,
}

// Status is the final decision for a validated prompt.
type Status string

const (
	StatusAllowed Status = "allowed"
	StatusBlocked Status = "blocked"
	StatusWarned  Status = "warned"
	StatusError   Status = "error"
)

// Span is a half-open [start, end) byte range into the prompt text.
// It serializes as a two-element JSON array to match the wire format.
type Span struct {
	Start int
	End   int
}

// MarshalJSON serializes the span as [start, end].
func (s Span) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.Start, s.End})
}

// UnmarshalJSON parses a [start, end] array.
func (s *Span) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	s.Start, s.End = pair[0], pair[1]
	return nil
}

// Finding is a single detection event produced by one detector.
// Regex findings always carry confidence 1.0; semantic findings carry
// the similarity score.
type Finding struct {
	ID          string            `json:"id"`
	Type        DetectionType     `json:"detection_type"`
	PatternName string            `json:"matched_pattern"`
	Category    string            `json:"category"`
	Severity    Severity          `json:"severity"`
	Confidence  float64           `json:"confidence_score"`
	MatchSpans  []Span            `json:"match_positions"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Verdict is the policy engine's decision over a finding set.
type Verdict struct {
	Status      Status    `json:"status"`
	IsSafe      bool      `json:"is_safe"`
	MatchedRule string    `json:"matched_rule,omitempty"`
	Message     string    `json:"message"`
	Findings    []Finding `json:"detections"`
}

// ValidateRequest is a single prompt validation request.
type ValidateRequest struct {
	Prompt   string            `json:"prompt"`
	UserID   string            `json:"user_id,omitempty"`
	PolicyID string            `json:"policy_id,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

// ValidationResult is the full outcome of one pipeline run.
type ValidationResult struct {
	Verdict

	RequestID         string    `json:"request_id"`
	Fingerprint       string    `json:"prompt_fingerprint"`
	UserID            string    `json:"-"`
	PolicyID          string    `json:"policy_id"`
	PolicyVersion     int       `json:"policy_version"`
	LatencyMS         float64   `json:"latency_ms"`
	Cached            bool      `json:"cached"`
	Timestamp         time.Time `json:"timestamp"`
	DegradedDetectors []string  `json:"degraded_detectors,omitempty"`
	Truncated         bool      `json:"truncated,omitempty"`
}

// DetectInput carries per-call parameters into a detector.
type DetectInput struct {
	Text              string
	SemanticThreshold float64
	Categories        []string // optional category filter, nil means all
}

// Detector is the minimal contract every detection layer implements.
// The returned bool reports degradation: the detector failed or timed
// out and its findings (if any) are incomplete.
type Detector interface {
	Name() string
	Detect(ctx context.Context, in DetectInput) ([]Finding, bool)
}

// Embedder produces a fixed-dimensional vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reference is a known-sensitive entry returned by a vector index
// search, scored against the query vector.
type Reference struct {
	ID         string
	Label      string
	Category   string
	Severity   Severity
	Similarity float64
}

// ReferenceEntry is a vector index record to insert.
type ReferenceEntry struct {
	ID       string
	Label    string
	Category string
	Severity Severity
	Vector   []float32
}

// VectorIndex is an approximate nearest-neighbor store over reference
// embeddings.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, topK int) ([]Reference, error)
	Add(ctx context.Context, entry ReferenceEntry) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// PolicyProvider returns the active policy snapshot by identifier.
type PolicyProvider interface {
	Get(policyID string) (*Policy, error)
	Lists() *PolicyLists
	ActiveVersion(policyID string) (int, bool)
}

// PatternProvider supplies the compiled pattern snapshot.
type PatternProvider interface {
	Snapshot() *PatternSet
}

// DetectionSink consumes completed validation results for downstream
// persistence. Publish must never block the pipeline.
type DetectionSink interface {
	Publish(result *ValidationResult)
}
