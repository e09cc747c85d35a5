// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Fingerprint identifies a (policy_id, policy_version, prompt) triple.
// It is SHA-256 over the three components joined by NUL separators so
// that no concatenation of distinct inputs can collide, encoded as
// lowercase hex. Policy edits bump the version and therefore change
// every fingerprint under that policy.
func Fingerprint(policyID string, policyVersion int, text string) string {
	h := sha256.New()
	h.Write([]byte(policyID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(policyVersion)))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
