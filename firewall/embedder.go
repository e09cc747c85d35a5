// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"promptgate/platform/shared/logger"
)

// HTTPEmbedder calls an OpenAI-compatible embeddings endpoint. Calls
// run through a circuit breaker so a dead backend degrades the
// semantic detector immediately instead of burning the per-request
// deadline on connection timeouts.
type HTTPEmbedder struct {
	url     string
	apiKey  string
	model   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

// embedRequest is the wire shape sent to the embedding backend.
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewHTTPEmbedder builds the embedding client. The model name is part
// of the index contract: vectors from different models are not
// comparable.
func NewHTTPEmbedder(url, apiKey, model string) *HTTPEmbedder {
	log := logger.New("embedder")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embedder",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("", "embedder breaker state change", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})
	return &HTTPEmbedder{
		url:     url,
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{},
		breaker: breaker,
		log:     log,
	}
}

// Embed implements Embedder. The caller's deadline is honored through
// the request context.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

func (e *HTTPEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read a little of the body for the log; backends put the
		// reason there.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("embedding backend returned %d: %s", resp.StatusCode, snippet)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding response decode: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding backend returned no vector")
	}
	return parsed.Data[0].Embedding, nil
}
