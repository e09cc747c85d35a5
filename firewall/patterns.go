// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"promptgate/platform/shared/logger"
)

// Pattern is one compiled deterministic detection rule.
type Pattern struct {
	Name         string
	Category     string
	Regex        *regexp.Regexp
	RegexStr     string
	Severity     Severity
	Validator    MatchValidator
	ValidatorStr string
	ContextTerms []string
	Description  string
	Enabled      bool
}

// ContextualPattern is a trigger phrase that emits a lower-confidence
// contextual finding when it appears anywhere in the prompt.
type ContextualPattern struct {
	Trigger  string
	Severity Severity
}

// PatternSet is an immutable snapshot of all compiled patterns.
// Snapshots are swapped atomically on reload; callers hold the
// reference they got at call entry for the duration of the call.
type PatternSet struct {
	ByCategory map[string][]*Pattern
	Contextual []ContextualPattern
	LoadedAt   time.Time
	Total      int
}

// Categories returns the category names in sorted order.
func (ps *PatternSet) Categories() []string {
	cats := make([]string, 0, len(ps.ByCategory))
	for c := range ps.ByCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

// patternFile mirrors the YAML pattern file layout.
type patternFile struct {
	Patterns   map[string][]patternDef `yaml:"patterns"`
	Contextual []contextualDef         `yaml:"contextual_patterns"`
}

type patternDef struct {
	Name         string   `yaml:"name"`
	Regex        string   `yaml:"regex"`
	Severity     string   `yaml:"severity"`
	Validator    string   `yaml:"validator"`
	ContextTerms []string `yaml:"context_terms"`
	Description  string   `yaml:"description"`
	Enabled      *bool    `yaml:"enabled"`
}

type contextualDef struct {
	Trigger  string `yaml:"trigger"`
	Severity string `yaml:"severity"`
}

// compilePatternSet parses and compiles a pattern file. Any malformed
// pattern is fatal: a firewall running with a partial rule set would
// silently under-detect.
func compilePatternSet(data []byte) (*PatternSet, error) {
	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatternLoad, err)
	}

	set := &PatternSet{
		ByCategory: make(map[string][]*Pattern, len(pf.Patterns)),
		LoadedAt:   time.Now().UTC(),
	}

	for category, defs := range pf.Patterns {
		seen := make(map[string]bool, len(defs))
		for _, def := range defs {
			if def.Name == "" {
				return nil, fmt.Errorf("%w: unnamed pattern in category %q", ErrPatternLoad, category)
			}
			if seen[def.Name] {
				return nil, fmt.Errorf("%w: duplicate pattern %q in category %q", ErrPatternLoad, def.Name, category)
			}
			seen[def.Name] = true

			sev, err := ParseSeverity(def.Severity)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", def.Name, err)
			}

			// Patterns match case-insensitively, as secrets are often
			// pasted in mixed case.
			re, err := regexp.Compile("(?i)" + def.Regex)
			if err != nil {
				return nil, fmt.Errorf("%w: pattern %q: %v", ErrPatternLoad, def.Name, err)
			}

			validator, err := lookupValidator(def.Validator)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", def.Name, err)
			}

			enabled := true
			if def.Enabled != nil {
				enabled = *def.Enabled
			}

			set.ByCategory[category] = append(set.ByCategory[category], &Pattern{
				Name:         def.Name,
				Category:     category,
				Regex:        re,
				RegexStr:     def.Regex,
				Severity:     sev,
				Validator:    validator,
				ValidatorStr: def.Validator,
				ContextTerms: def.ContextTerms,
				Description:  def.Description,
				Enabled:      enabled,
			})
			set.Total++
		}
	}

	for _, def := range pf.Contextual {
		sev, err := ParseSeverity(def.Severity)
		if err != nil {
			return nil, fmt.Errorf("contextual pattern %q: %w", def.Trigger, err)
		}
		if def.Trigger == "" {
			return nil, fmt.Errorf("%w: contextual pattern with empty trigger", ErrPatternLoad)
		}
		set.Contextual = append(set.Contextual, ContextualPattern{
			Trigger:  def.Trigger,
			Severity: sev,
		})
	}

	return set, nil
}

// FilePatternProvider loads patterns from a YAML file and publishes
// immutable snapshots, swapped atomically on reload.
type FilePatternProvider struct {
	path     string
	snapshot atomic.Value // *PatternSet
	log      *logger.Logger
}

// NewFilePatternProvider loads the pattern file. A load failure here
// is fatal by contract.
func NewFilePatternProvider(path string) (*FilePatternProvider, error) {
	p := &FilePatternProvider{
		path: path,
		log:  logger.New("pattern-provider"),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Snapshot returns the current immutable pattern set.
func (p *FilePatternProvider) Snapshot() *PatternSet {
	return p.snapshot.Load().(*PatternSet)
}

// Reload re-reads and re-compiles the pattern file. On failure the
// previous snapshot stays published.
func (p *FilePatternProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPatternLoad, err)
	}
	set, err := compilePatternSet(data)
	if err != nil {
		return err
	}
	p.snapshot.Store(set)
	p.log.Info("", "patterns loaded", map[string]interface{}{
		"file":       p.path,
		"categories": len(set.ByCategory),
		"total":      set.Total,
		"contextual": len(set.Contextual),
	})
	return nil
}

// Watch reloads the pattern file when it changes on disk. Blocks until
// the watcher is closed or an unrecoverable watch error occurs. Reload
// failures keep the old snapshot and are logged.
func (p *FilePatternProvider) Watch(done <-chan struct{}) error {
	return watchFile(p.path, done, p.log, p.Reload)
}

// watchFile is the shared fsnotify loop behind pattern and policy
// auto-reload. Editors replace files with rename+create, so both Write
// and Create events trigger a reload.
func watchFile(path string, done <-chan struct{}, log *logger.Logger, reload func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: watching the file directly breaks on
	// atomic-replace saves.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	base := filepath.Base(path)
	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := reload(); err != nil {
				log.ErrorWithErr("", "reload failed, keeping previous snapshot", err, map[string]interface{}{
					"file": path,
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.ErrorWithErr("", "file watcher error", err, map[string]interface{}{"file": path})
		}
	}
}
