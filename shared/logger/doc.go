// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

// Package logger provides structured JSON logging shared across
// PromptGate services. Every entry carries the component name, the
// instance id, and the request id so log lines from concurrent
// validations can be correlated.
package logger
