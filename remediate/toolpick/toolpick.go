/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package toolpick detects which fix tool to run for a language, in a
// deterministic preference order: a dedicated tool on PATH or in the
// project first, then a generic package-script fallback, then nothing.
// Detection never mutates the workspace, so the dry-run and real paths
// share it.
package toolpick

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	"chainguard.dev/cimender/suggest"
)

// Kind selects between lint and format tool families.
type Kind string

const (
	KindLint   Kind = "lint"
	KindFormat Kind = "format"
)

// Tool is a detected fix tool.
type Tool struct {
	Name string
	// template carries a {files} placeholder for the affected files.
	template string
	// StagePaths overrides which paths get staged after the fix runs;
	// empty means stage the affected files.
	StagePaths []string
}

// NewTool builds a Tool from a command template. The template may carry
// a {files} placeholder for the affected files.
func NewTool(name, template string) Tool {
	return Tool{Name: name, template: template}
}

// Command renders the shell command for the given affected files. Tools
// whose template has no placeholder ignore the file list.
func (t Tool) Command(files []string) string {
	return suggest.ExpandCommand(t.template, files)
}

// lookPath is swapped out by tests.
var lookPath = exec.LookPath

// candidate is one entry in a preference-ordered tool list.
type candidate struct {
	tool Tool
	// binary must resolve on PATH, unless a project-local probe
	// matches first.
	binary string
	// script names a package.json script that serves as a fallback.
	script string
}

var candidates = map[suggest.Language]map[Kind][]candidate{
	suggest.LanguagePython: {
		KindLint: {
			{binary: "ruff", tool: Tool{Name: "ruff", template: "ruff check --fix {files}"}},
			{binary: "autopep8", tool: Tool{Name: "autopep8", template: "autopep8 --in-place {files}"}},
		},
		KindFormat: {
			{binary: "black", tool: Tool{Name: "black", template: "black {files}"}},
			{binary: "ruff", tool: Tool{Name: "ruff-format", template: "ruff format {files}"}},
		},
	},
	suggest.LanguageNode: {
		KindLint: {
			{binary: "eslint", tool: Tool{Name: "eslint", template: "npx eslint --fix {files}"}},
			{script: "lint", tool: Tool{Name: "npm-lint", template: "npm run lint -- --fix"}},
		},
		KindFormat: {
			{binary: "prettier", tool: Tool{Name: "prettier", template: "npx prettier --write {files}"}},
			{script: "format", tool: Tool{Name: "npm-format", template: "npm run format"}},
		},
	},
	suggest.LanguageGo: {
		KindLint: {
			{binary: "golangci-lint", tool: Tool{Name: "golangci-lint", template: "golangci-lint run --fix"}},
		},
		KindFormat: {
			{binary: "gofmt", tool: Tool{Name: "gofmt", template: "gofmt -w {files}"}},
		},
	},
	suggest.LanguageRust: {
		KindLint: {
			{binary: "cargo", tool: Tool{Name: "clippy", template: "cargo clippy --fix --allow-dirty"}},
		},
		KindFormat: {
			{binary: "cargo", tool: Tool{Name: "rustfmt", template: "cargo fmt"}},
		},
	},
}

// Detector probes a workspace directory for available tools.
type Detector struct {
	dir string
}

// New constructs a Detector rooted at dir.
func New(dir string) *Detector {
	return &Detector{dir: dir}
}

// Detect returns the preferred available tool for the language and
// kind, or false when none is available.
func (d *Detector) Detect(lang suggest.Language, kind Kind) (Tool, bool) {
	for _, c := range d.languageCandidates(lang, kind) {
		if c.binary != "" && d.binaryAvailable(c.binary) {
			return c.tool, true
		}
		if c.script != "" && d.hasPackageScript(c.script) {
			return c.tool, true
		}
	}
	return Tool{}, false
}

func (d *Detector) languageCandidates(lang suggest.Language, kind Kind) []candidate {
	byKind, ok := candidates[lang]
	if !ok {
		return nil
	}
	return byKind[kind]
}

// binaryAvailable checks the project-local node_modules/.bin before
// PATH, matching how npx resolves tools.
func (d *Detector) binaryAvailable(name string) bool {
	if d.dir != "" {
		local := filepath.Join(d.dir, "node_modules", ".bin", name)
		if info, err := os.Stat(local); err == nil && !info.IsDir() {
			return true
		}
	}
	_, err := lookPath(name)
	return err == nil
}

func (d *Detector) hasPackageScript(name string) bool {
	data, err := os.ReadFile(filepath.Join(d.dir, "package.json"))
	if err != nil {
		return false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}
	_, ok := pkg.Scripts[name]
	return ok
}

// dependencyFixes maps manifest files to the dependency-vulnerability
// fix for their ecosystem, in probe order.
var dependencyFixes = []struct {
	manifest string
	tool     Tool
}{
	{manifest: "package-lock.json", tool: Tool{Name: "npm-audit", template: "npm audit fix", StagePaths: []string{"package-lock.json", "package.json"}}},
	{manifest: "requirements.txt", tool: Tool{Name: "pip-audit", template: "pip-audit --fix -r requirements.txt", StagePaths: []string{"requirements.txt"}}},
	{manifest: "go.mod", tool: Tool{Name: "go-get", template: "go get -u ./... && go mod tidy", StagePaths: []string{"go.mod", "go.sum"}}},
	{manifest: "Cargo.lock", tool: Tool{Name: "cargo-update", template: "cargo update", StagePaths: []string{"Cargo.lock"}}},
}

// DetectDependencyFix probes the workspace for a dependency manifest
// and returns the ecosystem's dependency-update tool.
func (d *Detector) DetectDependencyFix() (Tool, bool) {
	for _, df := range dependencyFixes {
		if _, err := os.Stat(filepath.Join(d.dir, df.manifest)); err == nil {
			return df.tool, true
		}
	}
	return Tool{}, false
}
