// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import "errors"

// Error kinds form a closed set. Input, policy-lookup, and
// policy-shape failures surface as error-status results; everything
// else is recovered inside the component that hit it.
var (
	// ErrInputInvalid covers empty and oversized prompts.
	ErrInputInvalid = errors.New("invalid input")

	// ErrPolicyNotFound means the requested policy id is unknown.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrPolicyMalformed means the policy file could not be parsed
	// into the closed rule set.
	ErrPolicyMalformed = errors.New("policy malformed")

	// ErrPatternLoad means the pattern file failed to load or a
	// pattern failed to compile. Fatal at startup.
	ErrPatternLoad = errors.New("pattern load failed")

	// ErrDetectorDegraded is internal: a detector failed or timed
	// out. Never surfaced to callers.
	ErrDetectorDegraded = errors.New("detector degraded")

	// ErrInternal is reserved for programmer errors and is the only
	// kind allowed to escape to the transport layer.
	ErrInternal = errors.New("internal error")
)
