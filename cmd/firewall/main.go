// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the PromptGate firewall service.
//
// The firewall sits between application clients and downstream LLM
// providers, inspects each outgoing prompt, and decides whether it is
// safe to forward, must be blocked, or should be warned and logged.
//
// Usage:
//
//	./firewall
//
// Environment Variables:
//
//	PORT                - HTTP server port (default: 8080)
//	REDIS_URL           - Redis URL for the shared cache tier and vector index
//	DATABASE_URL        - PostgreSQL connection string for the detection sink
//	EMBEDDING_URL       - embeddings backend for the semantic detector
//	REGEX_PATTERNS_FILE - pattern file path (default: config/patterns.yaml)
//	POLICY_CONFIG_FILE  - policy file path (default: config/policies.yaml)
package main

import (
	"promptgate/platform/firewall"
)

func main() {
	firewall.Run()
}
