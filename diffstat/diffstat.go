/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package diffstat measures unified diffs: changed-line counts feed the
// remediation engine's size guardrail.
package diffstat

import (
	"fmt"

	"github.com/waigani/diffparser"
)

// Stat summarizes a unified diff.
type Stat struct {
	Added   int
	Removed int
	Files   []string
}

// Changed is the guardrail quantity: added plus removed lines.
func (s Stat) Changed() int {
	return s.Added + s.Removed
}

// Count parses a unified diff and tallies added and removed lines. An
// empty diff yields a zero Stat.
func Count(diff string) (Stat, error) {
	if diff == "" {
		return Stat{}, nil
	}

	parsed, err := diffparser.Parse(diff)
	if err != nil {
		return Stat{}, fmt.Errorf("parsing diff: %w", err)
	}

	var s Stat
	for _, f := range parsed.Files {
		name := f.NewName
		if name == "" {
			name = f.OrigName
		}
		if name != "" {
			s.Files = append(s.Files, name)
		}
		for _, h := range f.Hunks {
			for _, l := range h.WholeRange.Lines {
				switch l.Mode {
				case diffparser.ADDED:
					s.Added++
				case diffparser.REMOVED:
					s.Removed++
				}
			}
		}
	}
	return s, nil
}
