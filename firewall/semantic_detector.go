// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"promptgate/platform/shared/logger"
)

// SemanticDetector composes an embedder and a vector index. A failure
// in either backend degrades the detector (empty findings, degraded
// flag set); it never fails the request.
type SemanticDetector struct {
	embedder      Embedder
	index         VectorIndex
	maxEmbedChars int
	topK          int
	log           *logger.Logger
}

// NewSemanticDetector builds the similarity-based detection layer.
func NewSemanticDetector(embedder Embedder, index VectorIndex, maxEmbedChars, topK int) *SemanticDetector {
	return &SemanticDetector{
		embedder:      embedder,
		index:         index,
		maxEmbedChars: maxEmbedChars,
		topK:          topK,
		log:           logger.New("semantic-detector"),
	}
}

// Name implements Detector.
func (d *SemanticDetector) Name() string { return "semantic" }

// Detect implements Detector. Findings cover the whole prompt; the
// similarity score doubles as confidence.
func (d *SemanticDetector) Detect(ctx context.Context, in DetectInput) ([]Finding, bool) {
	// Truncation counts characters, not bytes: a byte cut could split a
	// multi-byte rune and send invalid UTF-8 to the backend.
	text := in.Text
	if utf8.RuneCountInString(text) > d.maxEmbedChars {
		runes := []rune(text)
		text = string(runes[:d.maxEmbedChars])
	}

	vector, err := d.embedder.Embed(ctx, text)
	if err != nil {
		d.log.ErrorWithErr("", "embedding failed", fmt.Errorf("%w: %v", ErrDetectorDegraded, err), nil)
		return nil, true
	}

	refs, err := d.index.Search(ctx, vector, d.topK)
	if err != nil {
		d.log.ErrorWithErr("", "vector search failed", fmt.Errorf("%w: %v", ErrDetectorDegraded, err), nil)
		return nil, true
	}

	var findings []Finding
	for _, ref := range refs {
		if ref.Similarity < in.SemanticThreshold {
			continue
		}
		if !categoryEnabled(ref.Category, in.Categories) {
			continue
		}
		findings = append(findings, Finding{
			ID:          uuid.New().String(),
			Type:        DetectionTypeSemantic,
			PatternName: ref.Label,
			Category:    ref.Category,
			Severity:    ref.Severity,
			Confidence:  ref.Similarity,
			MatchSpans:  []Span{{Start: 0, End: len(in.Text)}},
			Metadata: map[string]string{
				"similarity":   fmt.Sprintf("%.4f", ref.Similarity),
				"reference_id": ref.ID,
			},
		})
	}
	return findings, false
}
