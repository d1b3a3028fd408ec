/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package suggest maps a classified failure onto a remediation hint: a
// command to run, whether it is safe to run automatically, and how it
// would be executed.
package suggest

import (
	"fmt"
	"io"
	"path"
	"strings"

	"chainguard.dev/cimender/checks"
	"gopkg.in/yaml.v3"
)

// Strategy is how a suggested fix would be executed.
type Strategy string

const (
	// StrategyDeterministic fixes are produced by running a known tool.
	StrategyDeterministic Strategy = "deterministic"
	// StrategyAI fixes need code understanding and are out of
	// deterministic scope.
	StrategyAI Strategy = "ai"
	// StrategyManual fixes need a human decision.
	StrategyManual Strategy = "manual"
)

// Suggestion is a remediation hint for one failure.
type Suggestion struct {
	Command     string
	AutoFixable bool
	Strategy    Strategy
	// Confidence is in [0, 1].
	Confidence float64
}

// Language is the ecosystem inferred from affected file extensions.
type Language string

const (
	LanguagePython  Language = "python"
	LanguageNode    Language = "node"
	LanguageGo      Language = "go"
	LanguageRust    Language = "rust"
	LanguageUnknown Language = "unknown"
)

// languagePrecedence is the fixed tie-break when multiple ecosystems
// appear among the affected files.
var languagePrecedence = []Language{LanguagePython, LanguageNode, LanguageGo, LanguageRust}

var extensionLanguages = map[string]Language{
	".py":  LanguagePython,
	".js":  LanguageNode,
	".jsx": LanguageNode,
	".ts":  LanguageNode,
	".tsx": LanguageNode,
	".go":  LanguageGo,
	".rs":  LanguageRust,
}

// InferLanguage picks the ecosystem for a set of affected files. When
// files from multiple ecosystems are present, Python wins over Node,
// which wins over Go, which wins over Rust.
func InferLanguage(files []string) Language {
	present := make(map[Language]bool)
	for _, f := range files {
		if lang, ok := extensionLanguages[strings.ToLower(path.Ext(f))]; ok {
			present[lang] = true
		}
	}
	for _, lang := range languagePrecedence {
		if present[lang] {
			return lang
		}
	}
	return LanguageUnknown
}

// commandTable maps (error type, language) to a command template. The
// {files} placeholder is replaced with the affected file list.
type commandTable map[checks.ErrorType]map[Language]string

func defaultCommands() commandTable {
	return commandTable{
		checks.ErrorTypeLinting: {
			LanguagePython: "ruff check --fix {files}",
			LanguageNode:   "npx eslint --fix {files}",
			LanguageGo:     "golangci-lint run --fix {files}",
			LanguageRust:   "cargo clippy --fix --allow-dirty",
		},
		checks.ErrorTypeFormat: {
			LanguagePython: "black {files}",
			LanguageNode:   "npx prettier --write {files}",
			LanguageGo:     "gofmt -w {files}",
			LanguageRust:   "cargo fmt",
		},
		checks.ErrorTypeTest: {
			LanguagePython: "pytest {files}",
			LanguageNode:   "npm test",
			LanguageGo:     "go test ./...",
			LanguageRust:   "cargo test",
		},
		checks.ErrorTypeType: {
			LanguagePython: "mypy {files}",
			LanguageNode:   "npx tsc --noEmit",
			LanguageGo:     "go vet ./...",
			LanguageRust:   "cargo check",
		},
		checks.ErrorTypeBuild: {
			LanguagePython: "pip install -e .",
			LanguageNode:   "npm run build",
			LanguageGo:     "go build ./...",
			LanguageRust:   "cargo build",
		},
		checks.ErrorTypeSecurity: {
			LanguagePython: "pip-audit --fix",
			LanguageNode:   "npm audit fix",
			LanguageGo:     "govulncheck ./...",
			LanguageRust:   "cargo audit",
		},
	}
}

// genericCommands are project-wide fallbacks used when no affected files
// were extracted.
var genericCommands = map[checks.ErrorType]string{
	checks.ErrorTypeLinting: "run the project linter with --fix",
	checks.ErrorTypeFormat:  "run the project formatter",
	checks.ErrorTypeTest:    "re-run the failing test suite locally",
	checks.ErrorTypeType:    "run the project type checker",
	checks.ErrorTypeBuild:   "re-run the project build locally",
}

// Option configures an Engine.
type Option func(*Engine)

// Engine produces Suggestions from classified failures.
type Engine struct {
	commands commandTable
}

// NewEngine constructs an Engine with the built-in command table.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{commands: defaultCommands()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadCommands parses a YAML command-table override:
//
//	commands:
//	  linting_error:
//	    python: "ruff check --fix {files}"
//
// Entries merge over the built-in table; unknown languages are rejected.
func LoadCommands(r io.Reader) (Option, error) {
	var doc struct {
		Commands map[checks.ErrorType]map[Language]string `yaml:"commands"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding commands: %w", err)
	}
	for et, byLang := range doc.Commands {
		for lang := range byLang {
			switch lang {
			case LanguagePython, LanguageNode, LanguageGo, LanguageRust:
			default:
				return nil, fmt.Errorf("unknown language %q for %s", lang, et)
			}
		}
	}
	return func(e *Engine) {
		for et, byLang := range doc.Commands {
			if e.commands[et] == nil {
				e.commands[et] = make(map[Language]string)
			}
			for lang, cmd := range byLang {
				e.commands[et][lang] = cmd
			}
		}
	}, nil
}

// Suggest builds a Suggestion for the failure.
//
// Only linting and format failures are auto-fixable here: they carry a
// deterministic strategy with confidence 0.95. Test, type, and build
// failures need code understanding (ai strategy); security issues and
// unknown failures are left to a human (manual strategy).
//
// Note: the remediation engine is independently willing to auto-fix
// dependency vulnerabilities even though this table marks security
// issues manual. That asymmetry is inherited behavior; see DESIGN.md.
func (e *Engine) Suggest(summary string, errorType checks.ErrorType, affectedFiles []string) Suggestion {
	s := Suggestion{
		Command:  e.commandFor(errorType, affectedFiles),
		Strategy: StrategyManual,
	}

	switch errorType {
	case checks.ErrorTypeLinting, checks.ErrorTypeFormat:
		s.AutoFixable = true
		s.Strategy = StrategyDeterministic
		s.Confidence = 0.95
	case checks.ErrorTypeTest, checks.ErrorTypeType, checks.ErrorTypeBuild:
		s.Strategy = StrategyAI
		s.Confidence = 0.5
	case checks.ErrorTypeSecurity:
		s.Confidence = 0.3
		if strings.Contains(strings.ToLower(summary), "dependency") {
			// Dependency bumps are more mechanical than code-level
			// security fixes, but still routed to a human here.
			s.Confidence = 0.4
		}
	default:
		s.Confidence = 0.1
	}
	return s
}

func (e *Engine) commandFor(errorType checks.ErrorType, files []string) string {
	lang := InferLanguage(files)
	if lang == LanguageUnknown || len(files) == 0 {
		return genericCommands[errorType]
	}
	tmpl, ok := e.commands[errorType][lang]
	if !ok {
		return genericCommands[errorType]
	}
	return ExpandCommand(tmpl, files)
}

// ExpandCommand substitutes the {files} placeholder in a command
// template with the space-joined file list.
func ExpandCommand(tmpl string, files []string) string {
	return strings.ReplaceAll(tmpl, "{files}", strings.Join(files, " "))
}
