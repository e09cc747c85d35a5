// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"encoding/json"
	"fmt"
	"net/http"

	"promptgate/platform/shared/logger"
)

// Server exposes the pipeline over HTTP. Blocked and warned verdicts
// are still 200 responses: the decision is the payload, not a
// transport failure.
type Server struct {
	pipeline *Pipeline
	sink     DetectionSink
	log      *logger.Logger
}

// NewServer builds the HTTP layer over a wired pipeline.
func NewServer(pipeline *Pipeline, sink DetectionSink) *Server {
	return &Server{
		pipeline: pipeline,
		sink:     sink,
		log:      logger.New("http"),
	}
}

// batchRequest is the wire shape of a batch validation call.
type batchRequest struct {
	Prompts []ValidateRequest `json:"prompts"`
}

type batchResponse struct {
	Results []*ValidationResult `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleValidate handles POST /api/v1/prompts/validate.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	result := s.pipeline.Validate(r.Context(), req)
	writeJSON(w, http.StatusOK, result)
}

// handleValidateBatch handles POST /api/v1/prompts/validate/batch.
func (s *Server) handleValidateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	results, err := s.pipeline.ValidateBatch(r.Context(), req.Prompts)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Results: results})
}

// handleStatistics handles GET /api/v1/prompts/statistics.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats := s.pipeline.Statistics()
	if ps, ok := s.sink.(*PostgresSink); ok {
		stats["sink"] = ps.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, persistent := s.sink.(*PostgresSink)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "promptgate-firewall",
		"components": map[string]interface{}{
			"detectors":     len(s.pipeline.detectors),
			"cache_l1_size": s.pipeline.cache.L1Len(),
			"cache_l2":      s.pipeline.cache.l2 != nil,
			"sink":          persistent,
		},
	})
}

// recoverPanics converts a handler panic into a 500 response. This is
// the only path that surfaces an internal error to the transport
// layer; everything else is recovered inside the pipeline.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.ErrorWithErr("", "handler panic", fmt.Errorf("%w: %v", ErrInternal, rec), map[string]interface{}{
					"path": r.URL.Path,
				})
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: ErrInternal.Error()})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Too late for a status change; nothing useful to do.
		_ = err
	}
}
