// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"promptgate/platform/shared/logger"
)

// Pipeline orchestrates a validation call end to end: cache lookup,
// parallel detector fan-out under a shared deadline, policy
// evaluation, cache population, and sink notification.
type Pipeline struct {
	detectors []Detector
	policies  PolicyProvider
	engine    *PolicyEngine
	cache     *ResultCache
	sink      DetectionSink
	cfg       Config
	log       *logger.Logger

	// Rolling counters for the statistics endpoint.
	statValidations uint64
	statBlocked     uint64
	statWarned      uint64
	statErrors      uint64
	statCacheHits   uint64
	statDegraded    uint64
}

// NewPipeline wires the pipeline. The sink must be non-nil; pass
// NoopSink when persistence is disabled.
func NewPipeline(detectors []Detector, policies PolicyProvider, engine *PolicyEngine, cache *ResultCache, sink DetectionSink, cfg Config) *Pipeline {
	return &Pipeline{
		detectors: detectors,
		policies:  policies,
		engine:    engine,
		cache:     cache,
		sink:      sink,
		cfg:       cfg,
		log:       logger.New("pipeline"),
	}
}

// detectorOutcome is one detector's contribution to a request.
type detectorOutcome struct {
	name     string
	findings []Finding
	degraded bool
}

// Validate runs the full pipeline for a single prompt. Input and
// policy-lookup failures produce error-status results; they never
// propagate as Go errors.
func (p *Pipeline) Validate(ctx context.Context, req ValidateRequest) *ValidationResult {
	start := time.Now()
	requestID := uuid.New().String()
	atomic.AddUint64(&p.statValidations, 1)

	if req.Prompt == "" {
		return p.errorResult(requestID, req, start, "prompt must not be empty")
	}
	if len(req.Prompt) > p.cfg.MaxPromptBytes {
		return p.errorResult(requestID, req, start,
			fmt.Sprintf("prompt exceeds maximum size of %d bytes", p.cfg.MaxPromptBytes))
	}

	pol, err := p.policies.Get(req.PolicyID)
	if err != nil {
		return p.errorResult(requestID, req, start, err.Error())
	}

	fingerprint := Fingerprint(pol.PolicyID, pol.Version, req.Prompt)

	if entry, ok := p.cache.Get(ctx, fingerprint, pol.Version); ok {
		atomic.AddUint64(&p.statCacheHits, 1)
		result := &ValidationResult{
			Verdict:       entry.Verdict,
			RequestID:     requestID,
			Fingerprint:   fingerprint,
			UserID:        req.UserID,
			PolicyID:      entry.PolicyID,
			PolicyVersion: entry.PolicyVersion,
			LatencyMS:     msSince(start),
			Cached:        true,
			Timestamp:     time.Now().UTC(),
		}
		promValidationsTotal.WithLabelValues(string(result.Status), result.PolicyID).Inc()
		p.log.InfoWithDuration(requestID, "validation served from cache", result.LatencyMS, map[string]interface{}{
			"fingerprint": fingerprint,
			"status":      result.Status,
		})
		return result
	}

	findings, degraded, truncated := p.fanOut(ctx, DetectInput{
		Text:              req.Prompt,
		SemanticThreshold: pol.SemanticThreshold,
	})

	verdict := p.engine.Evaluate(pol, p.policies.Lists(), req.Prompt, findings)

	result := &ValidationResult{
		Verdict:           verdict,
		RequestID:         requestID,
		Fingerprint:       fingerprint,
		UserID:            req.UserID,
		PolicyID:          pol.PolicyID,
		PolicyVersion:     pol.Version,
		LatencyMS:         msSince(start),
		Cached:            false,
		Timestamp:         time.Now().UTC(),
		DegradedDetectors: degraded,
		Truncated:         truncated,
	}

	p.recordMetrics(result)

	// Only complete safe results are cacheable: a degraded run may
	// have missed findings a healthy one would produce.
	if verdict.Status == StatusAllowed && len(verdict.Findings) == 0 && len(degraded) == 0 && !truncated {
		p.cache.Put(ctx, &CacheEntry{
			Verdict:       verdict,
			Fingerprint:   fingerprint,
			PolicyID:      pol.PolicyID,
			PolicyVersion: pol.Version,
		})
	}

	p.sink.Publish(result)

	p.log.InfoWithDuration(requestID, "validation completed", result.LatencyMS, map[string]interface{}{
		"fingerprint": fingerprint,
		"status":      result.Status,
		"findings":    len(verdict.Findings),
		"degraded":    degraded,
	})
	return result
}

// ValidateBatch validates up to MaxBatchSize prompts in parallel under
// one shared deadline. Results preserve input order; individual
// failures never fail siblings.
func (p *Pipeline) ValidateBatch(ctx context.Context, reqs []ValidateRequest) ([]*ValidationResult, error) {
	if len(reqs) > p.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch size %d exceeds maximum %d", ErrInputInvalid, len(reqs), p.cfg.MaxBatchSize)
	}

	results := make([]*ValidationResult, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Validate(ctx, reqs[i])
		}(i)
	}
	wg.Wait()
	return results, nil
}

// fanOut dispatches all detectors concurrently with a shared deadline
// and merges their findings. Detectors that miss the deadline are
// reported degraded; findings already produced are kept and the
// truncated flag is set.
func (p *Pipeline) fanOut(ctx context.Context, in DetectInput) ([]Finding, []string, bool) {
	detCtx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	outcomes := make(chan detectorOutcome, len(p.detectors))
	for _, det := range p.detectors {
		go func(det Detector) {
			findings, degraded := det.Detect(detCtx, in)
			outcomes <- detectorOutcome{name: det.Name(), findings: findings, degraded: degraded}
		}(det)
	}

	pending := make(map[string]bool, len(p.detectors))
	for _, det := range p.detectors {
		pending[det.Name()] = true
	}

	var all []Finding
	var degraded []string
	truncated := false

collect:
	for range p.detectors {
		select {
		case out := <-outcomes:
			delete(pending, out.name)
			all = append(all, out.findings...)
			if out.degraded {
				degraded = append(degraded, out.name)
			}
		case <-detCtx.Done():
			// Cancelled in-flight detectors contribute the empty set,
			// but anything that finished in the same instant is kept.
			truncated = true
		drain:
			for {
				select {
				case out := <-outcomes:
					delete(pending, out.name)
					all = append(all, out.findings...)
					if out.degraded {
						degraded = append(degraded, out.name)
					}
				default:
					break drain
				}
			}
			break collect
		}
	}
	for name := range pending {
		degraded = append(degraded, name)
	}
	sort.Strings(degraded)

	for _, name := range degraded {
		atomic.AddUint64(&p.statDegraded, 1)
		promDetectorDegraded.WithLabelValues(name).Inc()
	}

	return mergeFindings(all), degraded, truncated
}

// mergeFindings deduplicates by (type, pattern_name, match spans) and
// sorts deterministically so verdict messages and tests are stable
// regardless of detector completion order.
func mergeFindings(findings []Finding) []Finding {
	seen := make(map[string]bool, len(findings))
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		key := string(f.Type) + "\x00" + f.PatternName + "\x00" + spansKey(f.MatchSpans)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.PatternName != b.PatternName {
			return a.PatternName < b.PatternName
		}
		return firstSpanStart(a) < firstSpanStart(b)
	})
	return out
}

func firstSpanStart(f Finding) int {
	if len(f.MatchSpans) == 0 {
		return 0
	}
	return f.MatchSpans[0].Start
}

// errorResult builds the error-status result used for input and
// policy-lookup failures.
func (p *Pipeline) errorResult(requestID string, req ValidateRequest, start time.Time, message string) *ValidationResult {
	atomic.AddUint64(&p.statErrors, 1)
	policyID := req.PolicyID
	if policyID == "" {
		policyID = DefaultPolicyID
	}
	promValidationsTotal.WithLabelValues(string(StatusError), policyID).Inc()

	return &ValidationResult{
		Verdict: Verdict{
			Status:  StatusError,
			IsSafe:  false,
			Message: message,
		},
		RequestID: requestID,
		UserID:    req.UserID,
		PolicyID:  policyID,
		LatencyMS: msSince(start),
		Timestamp: time.Now().UTC(),
	}
}

func (p *Pipeline) recordMetrics(result *ValidationResult) {
	promValidationsTotal.WithLabelValues(string(result.Status), result.PolicyID).Inc()
	promValidationDuration.WithLabelValues(result.PolicyID).Observe(result.LatencyMS)
	for _, f := range result.Findings {
		promDetectionsTotal.WithLabelValues(string(f.Type), string(f.Severity)).Inc()
	}

	switch result.Status {
	case StatusBlocked:
		atomic.AddUint64(&p.statBlocked, 1)
	case StatusWarned:
		atomic.AddUint64(&p.statWarned, 1)
	}
}

// Statistics returns rolling in-process counters for the statistics
// endpoint.
func (p *Pipeline) Statistics() map[string]interface{} {
	names := make([]string, 0, len(p.detectors))
	for _, d := range p.detectors {
		names = append(names, d.Name())
	}
	return map[string]interface{}{
		"validations":   atomic.LoadUint64(&p.statValidations),
		"blocked":       atomic.LoadUint64(&p.statBlocked),
		"warned":        atomic.LoadUint64(&p.statWarned),
		"errors":        atomic.LoadUint64(&p.statErrors),
		"cache_hits":    atomic.LoadUint64(&p.statCacheHits),
		"degraded":      atomic.LoadUint64(&p.statDegraded),
		"cache_l1_size": p.cache.L1Len(),
		"detectors":     names,
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
