// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEmbedderHappyPath(t *testing.T) {
	var gotAuth string
	var gotReq embedRequest

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer backend.Close()

	e := NewHTTPEmbedder(backend.URL, "test-key", "text-embedding-3-small")
	vector, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)

	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "text-embedding-3-small", gotReq.Model)
	assert.Equal(t, "hello world", gotReq.Input)
}

func TestHTTPEmbedderBackendError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	e := NewHTTPEmbedder(backend.URL, "", "m")
	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPEmbedderEmptyVector(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	defer backend.Close()

	e := NewHTTPEmbedder(backend.URL, "", "m")
	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no vector")
}

func TestHTTPEmbedderBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer backend.Close()

	e := NewHTTPEmbedder(backend.URL, "", "m")
	for i := 0; i < 5; i++ {
		_, err := e.Embed(context.Background(), "x")
		require.Error(t, err)
	}

	// Breaker is open now: calls fail fast without touching the backend.
	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, 5, calls)
}
