// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintShape(t *testing.T) {
	fp := Fingerprint("default", 1, "hello")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), fp)
}

func TestFingerprintStability(t *testing.T) {
	base := Fingerprint("default", 1, "hello world")

	assert.Equal(t, base, Fingerprint("default", 1, "hello world"),
		"same inputs must produce the same fingerprint")

	assert.NotEqual(t, base, Fingerprint("default", 2, "hello world"),
		"policy version change must change the fingerprint")
	assert.NotEqual(t, base, Fingerprint("strict", 1, "hello world"),
		"policy id change must change the fingerprint")
	assert.NotEqual(t, base, Fingerprint("default", 1, "hello worlds"),
		"text change must change the fingerprint")
}

func TestFingerprintSeparatorPreventsAmbiguity(t *testing.T) {
	// Without NUL separators these two would concatenate identically.
	a := Fingerprint("ab", 1, "c")
	b := Fingerprint("a", 1, "b1c")
	assert.NotEqual(t, a, b)
}
