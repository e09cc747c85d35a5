// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"fmt"
	"strings"

	"promptgate/platform/shared/logger"
)

// PolicyEngine maps a finding set to a verdict under a policy.
// It is stateless; all inputs arrive per call.
type PolicyEngine struct {
	log *logger.Logger
}

// NewPolicyEngine creates the decision layer.
func NewPolicyEngine() *PolicyEngine {
	return &PolicyEngine{log: logger.New("policy-engine")}
}

// Evaluate produces the verdict for one validation call. The findings
// slice is returned on the verdict unchanged even when the policy is
// disabled, for observability.
func (e *PolicyEngine) Evaluate(pol *Policy, lists *PolicyLists, text string, findings []Finding) Verdict {
	if !pol.Enabled {
		return Verdict{
			Status:   StatusAllowed,
			IsSafe:   true,
			Message:  "policy disabled",
			Findings: findings,
		}
	}

	if lists != nil {
		if what, hit := denylistHit(&lists.Deny, text); hit {
			return Verdict{
				Status:   StatusBlocked,
				Message:  fmt.Sprintf("Blocked by denylist: %s", what),
				Findings: findings,
			}
		}
		if allowlistHit(&lists.Allow, text) {
			return Verdict{
				Status:   StatusAllowed,
				IsSafe:   true,
				Message:  "Prompt matches allowlist",
				Findings: findings,
			}
		}
	}

	// First pass: the highest-precedence action any enabled rule
	// emits. Second pass semantics are folded in: matched_rule is the
	// first rule (in order) that emitted the winning action, and the
	// message references the finding that triggered it.
	winning := Action("")
	var winningRule *Rule
	var winningFinding *Finding

	for i := range pol.Rules {
		rule := &pol.Rules[i]
		if !rule.Enabled {
			continue
		}
		matched := firstMatch(rule.Match, findings)
		if matched == nil {
			continue
		}
		if winning == "" || actionRank[rule.Action] > actionRank[winning] {
			winning = rule.Action
			winningRule = rule
			winningFinding = matched
		}
	}

	if winning == "" {
		if len(findings) == 0 {
			if pol.DefaultAction == ActionAllow {
				return Verdict{Status: StatusAllowed, IsSafe: true, Message: "Prompt is safe"}
			}
			return actionVerdict(pol.DefaultAction, "", nil, findings)
		}
		return actionVerdict(pol.DefaultAction, "", nil, findings)
	}

	return actionVerdict(winning, winningRule.Name, winningFinding, findings)
}

// actionVerdict maps a winning action to the final verdict shape.
func actionVerdict(action Action, ruleName string, f *Finding, findings []Finding) Verdict {
	v := Verdict{
		MatchedRule: ruleName,
		Findings:    findings,
	}

	switch action {
	case ActionBlock:
		v.Status = StatusBlocked
		if f != nil {
			v.Message = fmt.Sprintf("Blocked by rule '%s': %s (%s)", ruleName, f.PatternName, f.Severity)
		} else {
			v.Message = "Blocked by policy default action"
		}
	case ActionWarn:
		v.Status = StatusWarned
		if f != nil {
			v.Message = fmt.Sprintf("Warning from rule '%s': %s (%s)", ruleName, f.PatternName, f.Severity)
		} else {
			v.Message = "Warned by policy default action"
		}
	default: // allow, log
		v.Status = StatusAllowed
		v.IsSafe = true
		if len(findings) == 0 {
			v.Message = "Prompt is safe"
		} else {
			v.Message = "Allowed with warnings"
		}
	}
	return v
}

// firstMatch returns the first finding satisfying the predicate, or
// nil.
func firstMatch(m RuleMatch, findings []Finding) *Finding {
	for i := range findings {
		if m.Matches(findings[i]) {
			return &findings[i]
		}
	}
	return nil
}

// denylistHit checks keywords, phrases, then regex patterns.
func denylistHit(deny *DenyList, text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range deny.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return fmt.Sprintf("keyword %q", kw), true
		}
	}
	for _, ph := range deny.Phrases {
		if strings.Contains(lower, strings.ToLower(ph)) {
			return fmt.Sprintf("phrase %q", ph), true
		}
	}
	for _, re := range deny.Patterns {
		if re.MatchString(text) {
			return fmt.Sprintf("pattern %q", re.String()), true
		}
	}
	return "", false
}

// allowlistHit checks case-insensitive substring patterns.
func allowlistHit(allow *AllowList, text string) bool {
	lower := strings.ToLower(text)
	for _, p := range allow.Patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
