/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package classify

import (
	"strings"
	"testing"

	"chainguard.dev/cimender/checks"
	"github.com/google/go-cmp/cmp"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		run  checks.CheckRun
		want checks.ErrorType
	}{
		{
			name: "test failure by name",
			run:  checks.CheckRun{Name: "unit-tests"},
			want: checks.ErrorTypeTest,
		},
		{
			name: "pytest in output",
			run:  checks.CheckRun{Name: "ci", Output: "pytest exited with code 1"},
			want: checks.ErrorTypeTest,
		},
		{
			name: "lint failure",
			run:  checks.CheckRun{Name: "eslint"},
			want: checks.ErrorTypeLinting,
		},
		{
			name: "format failure",
			run:  checks.CheckRun{Name: "check", Output: "prettier found style issues"},
			want: checks.ErrorTypeFormat,
		},
		{
			name: "type error",
			run:  checks.CheckRun{Name: "typecheck", Output: "tsc reported 3 errors"},
			want: checks.ErrorTypeType,
		},
		{
			name: "build error",
			run:  checks.CheckRun{Name: "build / compile"},
			want: checks.ErrorTypeBuild,
		},
		{
			name: "security issue",
			run:  checks.CheckRun{Name: "codeql-analysis"},
			want: checks.ErrorTypeSecurity,
		},
		{
			name: "security wins over lint",
			run:  checks.CheckRun{Name: "security-lint"},
			want: checks.ErrorTypeSecurity,
		},
		{
			name: "build wins over test",
			run:  checks.CheckRun{Name: "build-and-test"},
			want: checks.ErrorTypeBuild,
		},
		{
			name: "test wins over type",
			run:  checks.CheckRun{Name: "ci", Output: "pytest failed: mypy/type stubs missing"},
			want: checks.ErrorTypeTest,
		},
		{
			name: "unknown fallback",
			run:  checks.CheckRun{Name: "mystery-job", Output: "something went wrong"},
			want: checks.ErrorTypeUnknown,
		},
		{
			name: "empty run",
			run:  checks.CheckRun{},
			want: checks.ErrorTypeUnknown,
		},
	}

	c := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.run); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.run.Name, got, tt.want)
			}
		})
	}
}

// TestClassifyTotality verifies classification always yields exactly one
// taxonomy value for arbitrary input.
func TestClassifyTotality(t *testing.T) {
	valid := map[checks.ErrorType]bool{
		checks.ErrorTypeTest:     true,
		checks.ErrorTypeLinting:  true,
		checks.ErrorTypeFormat:   true,
		checks.ErrorTypeType:     true,
		checks.ErrorTypeBuild:    true,
		checks.ErrorTypeSecurity: true,
		checks.ErrorTypeUnknown:  true,
	}

	c := New()
	inputs := []checks.CheckRun{
		{},
		{Name: strings.Repeat("x", 4096)},
		{Name: "ci", Output: "\x00\xff binary garbage"},
		{Name: "ALL THE KEYWORDS", Output: "security build test type lint format"},
	}
	for _, run := range inputs {
		if got := c.Classify(run); !valid[got] {
			t.Errorf("Classify(%q) returned %q, not in taxonomy", run.Name, got)
		}
	}
}

func TestLoadRules(t *testing.T) {
	doc := `
rules:
  - type: security_issue
    keywords: [security, sast]
  - type: linting_error
    keywords: [lint]
`
	rules, err := LoadRules(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("LoadRules() returned %d rules, want 2", len(rules))
	}
	if rules[0].Type != checks.ErrorTypeSecurity {
		t.Errorf("first rule type = %q, want %q", rules[0].Type, checks.ErrorTypeSecurity)
	}

	c := New(WithRules(rules))
	if got := c.Classify(checks.CheckRun{Name: "sast-scan"}); got != checks.ErrorTypeSecurity {
		t.Errorf("Classify with loaded rules = %q, want security_issue", got)
	}
}

func TestLoadRulesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: "rules: []"},
		{name: "missing type", doc: "rules:\n  - keywords: [lint]"},
		{name: "missing keywords", doc: "rules:\n  - type: linting_error"},
		{name: "not yaml", doc: "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadRules(strings.NewReader(tt.doc)); err == nil {
				t.Error("LoadRules() succeeded, want error")
			}
		})
	}
}

func TestExtractAffectedFiles(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{
			name:   "pytest node ids",
			output: "FAILED tests/test_api.py::test_get - AssertionError\nFAILED tests/test_api.py::test_post",
			want:   []string{"tests/test_api.py"},
		},
		{
			name:   "tsc diagnostics",
			output: "src/main.ts(12,5): error TS2322\nsrc/util.ts(3,1): error TS2304",
			want:   []string{"src/main.ts", "src/util.ts"},
		},
		{
			name:   "go diagnostics",
			output: "pkg/server.go:42:7: undefined: foo",
			want:   []string{"pkg/server.go"},
		},
		{
			name:   "python traceback",
			output: `Traceback (most recent call last):\n  File "app/handlers.py", line 7, in handle`,
			want:   []string{"app/handlers.py"},
		},
		{
			name:   "bare path",
			output: "error in src/index.js near the top",
			want:   []string{"src/index.js"},
		},
		{
			name:   "dedup across extractors",
			output: "tests/test_api.py::test_get failed, see tests/test_api.py line 10",
			want:   []string{"tests/test_api.py"},
		},
		{
			name:   "no paths",
			output: "everything is broken",
			want:   nil,
		},
		{
			name:   "empty output",
			output: "",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractAffectedFiles(tt.output)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ExtractAffectedFiles() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDetail(t *testing.T) {
	c := New()
	run := checks.CheckRun{
		Name:       "eslint",
		Status:     checks.StatusCompleted,
		Conclusion: checks.ConclusionFailure,
		Output:     "src/app.ts(1,1): 'x' is assigned a value but never used",
		DetailsURL: "https://ci.example.com/runs/123",
	}

	d := c.Detail(run)
	if d.Type != checks.ErrorTypeLinting {
		t.Errorf("Detail().Type = %q, want linting_error", d.Type)
	}
	if d.CheckName != "eslint" {
		t.Errorf("Detail().CheckName = %q", d.CheckName)
	}
	if d.Summary == "" {
		t.Error("Detail().Summary is empty")
	}
	if len(d.AffectedFiles) != 1 || d.AffectedFiles[0] != "src/app.ts" {
		t.Errorf("Detail().AffectedFiles = %v, want [src/app.ts]", d.AffectedFiles)
	}
	if d.DetailsURL != run.DetailsURL {
		t.Errorf("Detail().DetailsURL = %q", d.DetailsURL)
	}
}
