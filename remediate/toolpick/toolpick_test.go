/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package toolpick

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"chainguard.dev/cimender/suggest"
)

// withPath fakes PATH resolution for the duration of a test.
func withPath(t *testing.T, available ...string) {
	t.Helper()
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })
	lookPath = func(name string) (string, error) {
		for _, a := range available {
			if a == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", errors.New("not found")
	}
}

func TestDetectPreferenceOrder(t *testing.T) {
	tests := []struct {
		name     string
		lang     suggest.Language
		kind     Kind
		onPath   []string
		wantTool string
		wantOK   bool
	}{
		{name: "ruff preferred for python lint", lang: suggest.LanguagePython, kind: KindLint, onPath: []string{"ruff", "autopep8"}, wantTool: "ruff", wantOK: true},
		{name: "autopep8 fallback", lang: suggest.LanguagePython, kind: KindLint, onPath: []string{"autopep8"}, wantTool: "autopep8", wantOK: true},
		{name: "no python linter", lang: suggest.LanguagePython, kind: KindLint, wantOK: false},
		{name: "black preferred for python format", lang: suggest.LanguagePython, kind: KindFormat, onPath: []string{"black", "ruff"}, wantTool: "black", wantOK: true},
		{name: "ruff format fallback", lang: suggest.LanguagePython, kind: KindFormat, onPath: []string{"ruff"}, wantTool: "ruff-format", wantOK: true},
		{name: "gofmt", lang: suggest.LanguageGo, kind: KindFormat, onPath: []string{"gofmt"}, wantTool: "gofmt", wantOK: true},
		{name: "cargo clippy", lang: suggest.LanguageRust, kind: KindLint, onPath: []string{"cargo"}, wantTool: "clippy", wantOK: true},
		{name: "unknown language", lang: suggest.LanguageUnknown, kind: KindLint, onPath: []string{"ruff"}, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withPath(t, tt.onPath...)
			d := New(t.TempDir())
			tool, ok := d.Detect(tt.lang, tt.kind)
			if ok != tt.wantOK {
				t.Fatalf("Detect() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && tool.Name != tt.wantTool {
				t.Errorf("Detect() tool = %q, want %q", tool.Name, tt.wantTool)
			}
		})
	}
}

func TestDetectPackageScriptFallback(t *testing.T) {
	withPath(t) // nothing on PATH
	dir := t.TempDir()
	pkg := `{"name": "app", "scripts": {"lint": "eslint ."}}`
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(pkg), 0o644); err != nil {
		t.Fatal(err)
	}

	d := New(dir)
	tool, ok := d.Detect(suggest.LanguageNode, KindLint)
	if !ok {
		t.Fatal("Detect() ok = false, want package-script fallback")
	}
	if tool.Name != "npm-lint" {
		t.Errorf("tool = %q, want npm-lint", tool.Name)
	}

	// No "format" script, so format detection fails.
	if _, ok := d.Detect(suggest.LanguageNode, KindFormat); ok {
		t.Error("Detect(format) ok = true, want false")
	}
}

func TestDetectLocalNodeBin(t *testing.T) {
	withPath(t) // nothing on PATH
	dir := t.TempDir()
	bin := filepath.Join(dir, "node_modules", ".bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bin, "eslint"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	d := New(dir)
	tool, ok := d.Detect(suggest.LanguageNode, KindLint)
	if !ok || tool.Name != "eslint" {
		t.Errorf("Detect() = (%q, %v), want local eslint", tool.Name, ok)
	}
}

func TestToolCommand(t *testing.T) {
	withPath(t, "ruff")
	d := New(t.TempDir())
	tool, ok := d.Detect(suggest.LanguagePython, KindLint)
	if !ok {
		t.Fatal("Detect() ok = false")
	}
	got := tool.Command([]string{"a.py", "b.py"})
	if got != "ruff check --fix a.py b.py" {
		t.Errorf("Command() = %q", got)
	}
}

func TestDetectDependencyFix(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "package-lock.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := New(dir)
	tool, ok := d.DetectDependencyFix()
	if !ok {
		t.Fatal("DetectDependencyFix() ok = false, want true")
	}
	if tool.Name != "npm-audit" {
		t.Errorf("tool = %q, want npm-audit", tool.Name)
	}
	if len(tool.StagePaths) == 0 {
		t.Error("StagePaths is empty, want lockfile paths")
	}

	if _, ok := New(t.TempDir()).DetectDependencyFix(); ok {
		t.Error("DetectDependencyFix() in empty dir = true, want false")
	}
}
