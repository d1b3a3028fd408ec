/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package classify

import (
	"regexp"
	"strings"
)

// extractors is the family of path extractors applied to check output.
// Each extractor targets one tool's reporting style; matches are unioned
// across all of them in order.
var extractors = []*regexp.Regexp{
	// pytest node IDs: tests/test_api.py::test_get
	regexp.MustCompile(`([\w./-]+\.py)::[\w\[\]-]+`),
	// compiler diagnostics: src/main.ts(12,5): error TS2322
	regexp.MustCompile(`([\w./-]+\.\w+)\(\d+,\d+\)`),
	// colon-separated diagnostics: pkg/server.go:42:7: undefined
	regexp.MustCompile(`([\w./-]+\.\w+):\d+(?::\d+)?`),
	// Python tracebacks: File "app/handlers.py", line 7
	regexp.MustCompile(`File "([^"]+)"`),
	// bare paths with a known source extension
	regexp.MustCompile(`(?:^|[\s"'` + "`" + `(\[])((?:[\w.-]+/)*[\w.-]+\.(?:go|py|js|jsx|ts|tsx|rs|java|rb|c|cc|cpp|h|hpp|cs|swift|kt))`),
}

// ExtractAffectedFiles pulls file paths out of free-text check output.
// Matches from every extractor are unioned, deduplicated, and returned
// in first-seen order.
func ExtractAffectedFiles(output string) []string {
	var files []string
	seen := make(map[string]bool)
	for _, re := range extractors {
		for _, m := range re.FindAllStringSubmatch(output, -1) {
			path := strings.TrimSpace(m[1])
			if path == "" || seen[path] {
				continue
			}
			seen[path] = true
			files = append(files, path)
		}
	}
	return files
}
