// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"fmt"
	"strings"
)

// MatchValidator decides whether a regex match is a real secret.
// Validators run on the matched substring only and must be cheap: they
// execute inline on the detection path.
type MatchValidator func(match string) bool

// validators maps pattern file validator names to implementations.
// "none" and the empty string skip validation.
var validators = map[string]MatchValidator{
	"luhn":              luhnValid,
	"private_key_fence": privateKeyFenced,
}

// lookupValidator resolves a validator name from the pattern file.
func lookupValidator(name string) (MatchValidator, error) {
	if name == "" || name == "none" {
		return nil, nil
	}
	v, ok := validators[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown validator %q", ErrPatternLoad, name)
	}
	return v, nil
}

// luhnValid reports whether the digits in the candidate pass the Luhn
// checksum. Spaces and dashes are ignored; anything else disqualifies
// the candidate. Card numbers are 13-19 digits.
func luhnValid(candidate string) bool {
	var digits []int
	for _, r := range candidate {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, int(r-'0'))
		case r == ' ' || r == '-':
			// separator, skip
		default:
			return false
		}
	}

	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// privateKeyFenced reports whether the candidate carries the expected
// PEM header/footer fencing for a private key block.
func privateKeyFenced(candidate string) bool {
	if !strings.Contains(candidate, "-----BEGIN") || !strings.Contains(candidate, "PRIVATE KEY-----") {
		return false
	}
	// A body without its closing fence is a truncated paste, not a key.
	return strings.Contains(candidate, "-----END")
}
