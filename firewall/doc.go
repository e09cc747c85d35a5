// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

// Package firewall is the PromptGate detection and decision engine.
//
// A validation request flows through a two-tier result cache, a
// parallel detector fan-out (deterministic regex patterns plus
// semantic nearest-neighbor search), and a policy engine that maps the
// merged finding set to a verdict. Every suspending subcall honors the
// per-request deadline; backend failures degrade individual detectors
// instead of failing the request.
//
// Only safe results (allowed, zero findings) are ever cached, so
// policy or pattern changes can never be masked by a stale verdict.
package firewall
