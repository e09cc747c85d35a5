// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"fmt"
	"os"
	"regexp"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"promptgate/platform/shared/logger"
)

// DefaultPolicyID is used when a request names no policy.
const DefaultPolicyID = "default"

// RuleMatch is the closed predicate set a rule may express over a
// finding: category membership, a severity floor, and a detection-type
// filter. Empty fields match everything.
type RuleMatch struct {
	Categories  []string        `yaml:"categories"`
	MinSeverity Severity        `yaml:"min_severity"`
	Types       []DetectionType `yaml:"types"`
}

// Matches reports whether the finding satisfies the predicate.
func (m RuleMatch) Matches(f Finding) bool {
	if len(m.Categories) > 0 {
		found := false
		for _, c := range m.Categories {
			if f.Category == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.MinSeverity != "" && f.Severity.Rank() < m.MinSeverity.Rank() {
		return false
	}
	if len(m.Types) > 0 {
		found := false
		for _, t := range m.Types {
			if f.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Rule maps matching findings to an action. Rules are evaluated in
// file order.
type Rule struct {
	Name    string
	Enabled bool
	Match   RuleMatch
	Action  Action
	Index   int
}

// Policy is a versioned, named rule set.
type Policy struct {
	PolicyID          string
	Version           int
	Enabled           bool
	Rules             []Rule
	SemanticThreshold float64
	DefaultAction     Action
}

// DenyList blocks prompts before rule evaluation.
type DenyList struct {
	Keywords []string
	Phrases  []string
	Patterns []*regexp.Regexp
}

// AllowList short-circuits prompts to allowed before rule evaluation.
type AllowList struct {
	Patterns []string // case-insensitive substrings
}

// PolicyLists bundles the allow/deny lists shared by all policies.
type PolicyLists struct {
	Allow AllowList
	Deny  DenyList
}

// policySnapshot is the immutable unit swapped on reload.
type policySnapshot struct {
	policies map[string]*Policy
	lists    *PolicyLists
}

// YAML DTOs. Booleans default to true when omitted, which zero values
// cannot express, hence the pointers.

type policyFile struct {
	Policies  []policyDef `yaml:"policies"`
	Allowlist struct {
		Patterns []string `yaml:"patterns"`
	} `yaml:"allowlist"`
	Denylist struct {
		Keywords []string `yaml:"keywords"`
		Phrases  []string `yaml:"phrases"`
		Patterns []string `yaml:"patterns"`
	} `yaml:"denylist"`

	// Single-policy layout: the whole document is one policy.
	policyDef `yaml:",inline"`
}

type policyDef struct {
	PolicyID          string    `yaml:"policy_id"`
	Version           int       `yaml:"version"`
	Enabled           *bool     `yaml:"enabled"`
	SemanticThreshold *float64  `yaml:"semantic_threshold"`
	DefaultAction     string    `yaml:"default_action"`
	Rules             []ruleDef `yaml:"rules"`
}

type ruleDef struct {
	Name    string    `yaml:"name"`
	Enabled *bool     `yaml:"enabled"`
	Match   RuleMatch `yaml:"match"`
	Action  string    `yaml:"action"`
}

func parseAction(s string, fallback Action) (Action, error) {
	if s == "" {
		return fallback, nil
	}
	a := Action(s)
	if _, ok := actionRank[a]; !ok {
		return "", fmt.Errorf("%w: unknown action %q", ErrPolicyMalformed, s)
	}
	return a, nil
}

func buildPolicy(def policyDef) (*Policy, error) {
	if def.PolicyID == "" {
		return nil, fmt.Errorf("%w: policy without policy_id", ErrPolicyMalformed)
	}
	if def.Version < 1 {
		return nil, fmt.Errorf("%w: policy %q needs version >= 1", ErrPolicyMalformed, def.PolicyID)
	}

	defaultAction, err := parseAction(def.DefaultAction, ActionAllow)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", def.PolicyID, err)
	}

	threshold := 0.85
	if def.SemanticThreshold != nil {
		threshold = *def.SemanticThreshold
		if threshold < 0 || threshold > 1 {
			return nil, fmt.Errorf("%w: policy %q semantic_threshold out of range", ErrPolicyMalformed, def.PolicyID)
		}
	}

	enabled := true
	if def.Enabled != nil {
		enabled = *def.Enabled
	}

	pol := &Policy{
		PolicyID:          def.PolicyID,
		Version:           def.Version,
		Enabled:           enabled,
		SemanticThreshold: threshold,
		DefaultAction:     defaultAction,
	}

	for i, rd := range def.Rules {
		if rd.Name == "" {
			return nil, fmt.Errorf("%w: policy %q rule %d has no name", ErrPolicyMalformed, def.PolicyID, i)
		}
		action, err := parseAction(rd.Action, "")
		if err != nil || rd.Action == "" {
			return nil, fmt.Errorf("%w: policy %q rule %q has invalid action %q", ErrPolicyMalformed, def.PolicyID, rd.Name, rd.Action)
		}
		if rd.Match.MinSeverity != "" {
			if _, err := ParseSeverity(string(rd.Match.MinSeverity)); err != nil {
				return nil, fmt.Errorf("%w: policy %q rule %q: invalid min_severity %q", ErrPolicyMalformed, def.PolicyID, rd.Name, rd.Match.MinSeverity)
			}
		}
		ruleEnabled := true
		if rd.Enabled != nil {
			ruleEnabled = *rd.Enabled
		}
		pol.Rules = append(pol.Rules, Rule{
			Name:    rd.Name,
			Enabled: ruleEnabled,
			Match:   rd.Match,
			Action:  action,
			Index:   i,
		})
	}

	return pol, nil
}

// compilePolicySnapshot parses the policy file. The file may hold a
// `policies:` list or a single top-level policy document.
func compilePolicySnapshot(data []byte) (*policySnapshot, error) {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyMalformed, err)
	}

	defs := pf.Policies
	if len(defs) == 0 && pf.PolicyID != "" {
		defs = []policyDef{pf.policyDef}
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no policies defined", ErrPolicyMalformed)
	}

	snap := &policySnapshot{
		policies: make(map[string]*Policy, len(defs)),
		lists:    &PolicyLists{},
	}

	for _, def := range defs {
		pol, err := buildPolicy(def)
		if err != nil {
			return nil, err
		}
		if _, dup := snap.policies[pol.PolicyID]; dup {
			return nil, fmt.Errorf("%w: duplicate policy_id %q", ErrPolicyMalformed, pol.PolicyID)
		}
		snap.policies[pol.PolicyID] = pol
	}

	snap.lists.Allow.Patterns = pf.Allowlist.Patterns
	snap.lists.Deny.Keywords = pf.Denylist.Keywords
	snap.lists.Deny.Phrases = pf.Denylist.Phrases
	for _, p := range pf.Denylist.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("%w: denylist pattern %q: %v", ErrPolicyMalformed, p, err)
		}
		snap.lists.Deny.Patterns = append(snap.lists.Deny.Patterns, re)
	}

	return snap, nil
}

// FilePolicyProvider loads policies from a YAML file and publishes
// immutable snapshots, swapped atomically on reload.
type FilePolicyProvider struct {
	path     string
	snapshot atomic.Value // *policySnapshot
	log      *logger.Logger
}

// NewFilePolicyProvider loads the policy file; a parse failure at
// startup is fatal.
func NewFilePolicyProvider(path string) (*FilePolicyProvider, error) {
	p := &FilePolicyProvider{
		path: path,
		log:  logger.New("policy-provider"),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Get implements PolicyProvider.
func (p *FilePolicyProvider) Get(policyID string) (*Policy, error) {
	if policyID == "" {
		policyID = DefaultPolicyID
	}
	snap := p.snapshot.Load().(*policySnapshot)
	pol, ok := snap.policies[policyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPolicyNotFound, policyID)
	}
	return pol, nil
}

// Lists implements PolicyProvider.
func (p *FilePolicyProvider) Lists() *PolicyLists {
	return p.snapshot.Load().(*policySnapshot).lists
}

// ActiveVersion implements PolicyProvider. Used by the cache staleness
// check.
func (p *FilePolicyProvider) ActiveVersion(policyID string) (int, bool) {
	if policyID == "" {
		policyID = DefaultPolicyID
	}
	snap := p.snapshot.Load().(*policySnapshot)
	pol, ok := snap.policies[policyID]
	if !ok {
		return 0, false
	}
	return pol.Version, true
}

// PolicyIDs returns the loaded policy ids, for statistics.
func (p *FilePolicyProvider) PolicyIDs() []string {
	snap := p.snapshot.Load().(*policySnapshot)
	ids := make([]string, 0, len(snap.policies))
	for id := range snap.policies {
		ids = append(ids, id)
	}
	return ids
}

// Reload re-reads the policy file. On failure the previous snapshot
// stays published.
func (p *FilePolicyProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyMalformed, err)
	}
	snap, err := compilePolicySnapshot(data)
	if err != nil {
		return err
	}
	p.snapshot.Store(snap)
	p.log.Info("", "policies loaded", map[string]interface{}{
		"file":  p.path,
		"count": len(snap.policies),
	})
	return nil
}

// Watch reloads the policy file when it changes on disk.
func (p *FilePolicyProvider) Watch(done <-chan struct{}) error {
	return watchFile(p.path, done, p.log, p.Reload)
}
