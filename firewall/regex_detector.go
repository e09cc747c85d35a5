// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"promptgate/platform/shared/logger"
)

// contextWindow is how far (in bytes) around a match a context term
// may appear and still count.
const contextWindow = 64

// contextualConfidence is the fixed confidence of trigger-phrase
// findings; they are weaker evidence than an exact regex match.
const contextualConfidence = 0.8

// RegexDetector scans prompts with the compiled pattern snapshot.
// It is CPU-only and degrades only when cancelled mid-scan; a pattern
// that panics at match time is skipped for the current call.
type RegexDetector struct {
	patterns    PatternProvider
	maxFindings int
	log         *logger.Logger
}

// NewRegexDetector builds the deterministic detection layer.
func NewRegexDetector(patterns PatternProvider, maxFindings int) *RegexDetector {
	return &RegexDetector{
		patterns:    patterns,
		maxFindings: maxFindings,
		log:         logger.New("regex-detector"),
	}
}

// Name implements Detector.
func (d *RegexDetector) Name() string { return "regex" }

// Detect implements Detector. The pattern snapshot is captured once at
// entry; a concurrent reload never changes the rules mid-call.
func (d *RegexDetector) Detect(ctx context.Context, in DetectInput) ([]Finding, bool) {
	set := d.patterns.Snapshot()

	var findings []Finding
	for _, category := range set.Categories() {
		if !categoryEnabled(category, in.Categories) {
			continue
		}
		for _, pat := range set.ByCategory[category] {
			if ctx.Err() != nil {
				// Deadline hit mid-scan: the findings collected so far
				// are still valid evidence, but the scan is incomplete
				// and must not be mistaken for a clean empty result.
				return dedupeSameCategory(findings), true
			}
			if !pat.Enabled {
				continue
			}
			if f, ok := d.scanPattern(pat, in.Text); ok {
				findings = append(findings, f)
				if len(findings) >= d.maxFindings {
					return dedupeSameCategory(findings), false
				}
			}
		}
	}

	findings = append(findings, d.scanContextual(set, in.Text)...)
	if len(findings) > d.maxFindings {
		findings = findings[:d.maxFindings]
	}
	return dedupeSameCategory(findings), false
}

// scanPattern runs one pattern over the text and returns a finding
// covering its validated matches. A panic inside a validator skips the
// pattern for this call only.
func (d *RegexDetector) scanPattern(pat *Pattern, text string) (f Finding, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("", "pattern match failed, skipping for this call", map[string]interface{}{
				"pattern": pat.Name,
				"panic":   fmt.Sprint(r),
			})
			ok = false
		}
	}()

	raw := pat.Regex.FindAllStringIndex(text, -1)
	if raw == nil {
		return Finding{}, false
	}

	var spans []Span
	for _, m := range raw {
		start, end := m[0], m[1]
		if pat.Validator != nil && !pat.Validator(text[start:end]) {
			continue
		}
		if len(pat.ContextTerms) > 0 && !hasContextTerm(text, start, end, pat.ContextTerms) {
			continue
		}
		spans = append(spans, Span{Start: start, End: end})
	}
	if len(spans) == 0 {
		return Finding{}, false
	}

	return Finding{
		ID:          uuid.New().String(),
		Type:        DetectionTypeRegex,
		PatternName: pat.Name,
		Category:    pat.Category,
		Severity:    pat.Severity,
		Confidence:  1.0,
		MatchSpans:  spans,
		Metadata: map[string]string{
			"description": pat.Description,
			"match_count": strconv.Itoa(len(spans)),
		},
	}, true
}

// scanContextual emits findings for trigger phrases such as
// "my password is". These are substring checks, not regexes.
func (d *RegexDetector) scanContextual(set *PatternSet, text string) []Finding {
	if len(set.Contextual) == 0 {
		return nil
	}

	lower := strings.ToLower(text)
	var findings []Finding
	for _, cp := range set.Contextual {
		trigger := strings.ToLower(cp.Trigger)
		idx := strings.Index(lower, trigger)
		if idx < 0 {
			continue
		}
		findings = append(findings, Finding{
			ID:          uuid.New().String(),
			Type:        DetectionTypeContextual,
			PatternName: trigger,
			Category:    "contextual",
			Severity:    cp.Severity,
			Confidence:  contextualConfidence,
			MatchSpans:  []Span{{Start: idx, End: idx + len(trigger)}},
			Metadata: map[string]string{
				"trigger": trigger,
			},
		})
	}
	return findings
}

// hasContextTerm reports whether any term occurs within the window
// around the match. This filters words like "password" appearing with
// no secret nearby.
func hasContextTerm(text string, start, end int, terms []string) bool {
	winStart := start - contextWindow
	if winStart < 0 {
		winStart = 0
	}
	winEnd := end + contextWindow
	if winEnd > len(text) {
		winEnd = len(text)
	}
	window := strings.ToLower(text[winStart:winEnd])
	for _, term := range terms {
		if strings.Contains(window, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

// categoryEnabled applies the optional category filter.
func categoryEnabled(category string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, c := range filter {
		if c == category {
			return true
		}
	}
	return false
}

// dedupeSameCategory drops same-category findings whose span sets are
// identical, keeping the higher severity; ties break by pattern name
// ascending. Overlapping matches across categories are all kept.
func dedupeSameCategory(findings []Finding) []Finding {
	if len(findings) < 2 {
		return findings
	}

	best := make(map[string]int, len(findings)) // key -> index into out
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		key := f.Category + "\x00" + spansKey(f.MatchSpans)
		if i, dup := best[key]; dup {
			if betterFinding(f, out[i]) {
				out[i] = f
			}
			continue
		}
		best[key] = len(out)
		out = append(out, f)
	}
	return out
}

// betterFinding reports whether a should replace b under the overlap
// policy: higher severity wins, ties broken by name ascending.
func betterFinding(a, b Finding) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	return a.PatternName < b.PatternName
}

// spansKey serializes a span list into a map key.
func spansKey(spans []Span) string {
	var sb strings.Builder
	for _, s := range spans {
		sb.WriteString(strconv.Itoa(s.Start))
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(s.End))
		sb.WriteByte(',')
	}
	return sb.String()
}
