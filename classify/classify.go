/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package classify maps raw check results onto the failure taxonomy and
// extracts affected file paths from free-text check output.
//
// Classification is an ordered keyword scan: rules are evaluated in
// precedence order (security > build > test > type > linting > format)
// so that a check named "security-lint" classifies as a security issue
// rather than a lint failure. The rule list is pluggable so new
// ecosystems can be added without touching control flow.
package classify

import (
	"fmt"
	"io"
	"strings"

	"chainguard.dev/cimender/checks"
	"gopkg.in/yaml.v3"
)

// Rule associates an error type with the keywords that identify it.
// Keywords are matched case-insensitively against both the check name
// and its output text.
type Rule struct {
	Type     checks.ErrorType `yaml:"type"`
	Keywords []string         `yaml:"keywords"`
}

// DefaultRules returns the built-in rule list in precedence order.
func DefaultRules() []Rule {
	return []Rule{
		{Type: checks.ErrorTypeSecurity, Keywords: []string{"security", "codeql", "audit", "vulnerability", "snyk", "trivy"}},
		{Type: checks.ErrorTypeBuild, Keywords: []string{"build", "compile", "bundle"}},
		{Type: checks.ErrorTypeTest, Keywords: []string{"test", "pytest", "jest", "spec", "vitest"}},
		{Type: checks.ErrorTypeType, Keywords: []string{"type", "tsc", "mypy", "typecheck"}},
		{Type: checks.ErrorTypeLinting, Keywords: []string{"lint", "eslint", "ruff-check", "pylint", "golangci"}},
		{Type: checks.ErrorTypeFormat, Keywords: []string{"format", "prettier", "black", "gofmt", "rustfmt"}},
	}
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRules replaces the built-in rule list. Rules are evaluated in the
// order given; the first rule with a matching keyword wins.
func WithRules(rules []Rule) Option {
	return func(c *Classifier) {
		c.rules = rules
	}
}

// Classifier maps check runs onto the error taxonomy.
type Classifier struct {
	rules []Rule
}

// New constructs a Classifier with the default rule list unless
// overridden by options.
func New(opts ...Option) *Classifier {
	c := &Classifier{rules: DefaultRules()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadRules parses a YAML rule list, preserving document order. The
// expected shape is:
//
//	rules:
//	  - type: security_issue
//	    keywords: [security, codeql]
func LoadRules(r io.Reader) ([]Rule, error) {
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("rule list is empty")
	}
	for i, rule := range doc.Rules {
		if rule.Type == "" {
			return nil, fmt.Errorf("rule %d is missing a type", i)
		}
		if len(rule.Keywords) == 0 {
			return nil, fmt.Errorf("rule %d (%s) has no keywords", i, rule.Type)
		}
	}
	return doc.Rules, nil
}

// Classify returns exactly one error type for the given run, falling
// back to ErrorTypeUnknown when no rule matches.
func (c *Classifier) Classify(run checks.CheckRun) checks.ErrorType {
	haystack := strings.ToLower(run.Name + "\n" + run.Output)
	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(haystack, kw) {
				return rule.Type
			}
		}
	}
	return checks.ErrorTypeUnknown
}

// Detail builds a FailureDetail for a failed run: classification,
// summary text, and affected files. The suggested fix is left empty for
// the caller to populate.
func (c *Classifier) Detail(run checks.CheckRun) checks.FailureDetail {
	return checks.FailureDetail{
		CheckName:     run.Name,
		Type:          c.Classify(run),
		Summary:       summarize(run),
		AffectedFiles: ExtractAffectedFiles(run.Output),
		DetailsURL:    run.DetailsURL,
	}
}

// summarize condenses a run's output into a single human-facing line.
func summarize(run checks.CheckRun) string {
	for _, line := range strings.Split(run.Output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return fmt.Sprintf("Check %q failed without output", run.Name)
}
