/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package remediate executes automated fixes for classified check
// failures. A fix is a transaction against the working tree: snapshot,
// execute, guardrail checks, optional verification, then publish as a
// branch/commit/PR, with rollback whenever a later step fails.
//
// Only a fixed category set is eligible: linting and format failures,
// plus dependency-only security issues. Everything else is declined
// with a structured reason; remediation outcomes are values, never
// errors.
package remediate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"chainguard.dev/cimender/checks"
	"chainguard.dev/cimender/diffstat"
	"chainguard.dev/cimender/remediate/toolpick"
	"chainguard.dev/cimender/suggest"
	"github.com/chainguard-dev/clog"
)

const (
	defaultMaxAttempts     = 2
	defaultMaxChangedLines = 1000
	defaultVerifyTimeout   = 120 * time.Second
	defaultFixTimeout      = 5 * time.Minute
	defaultBranchPrefix    = "cimender/fix"
	defaultRemote          = "origin"
)

// dependencyKeywords identify a security failure as a dependency
// vulnerability, the only security category the engine will auto-fix.
// The suggestion engine independently marks all security issues as
// manual; the engine's gate is authoritative.
var dependencyKeywords = []string{"dependency", "dependencies", "audit", "lockfile", "dependabot"}

// Option configures an Engine.
type Option func(*Engine)

// WithVerifier attaches a post-fix verifier. When set, every real fix
// must pass verification before publishing.
func WithVerifier(v Verifier) Option {
	return func(e *Engine) {
		e.verifier = v
	}
}

// WithMaxAttempts bounds real fix attempts per (subject, error type).
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// WithMaxChangedLines sets the diff-size guardrail.
func WithMaxChangedLines(n int) Option {
	return func(e *Engine) {
		e.maxChangedLines = n
	}
}

// WithVerifyTimeout bounds verifier runs.
func WithVerifyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.verifyTimeout = d
	}
}

// WithFixTimeout bounds fix-command runs.
func WithFixTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.fixTimeout = d
	}
}

// WithBranchPrefix overrides the remediation branch name prefix.
func WithBranchPrefix(prefix string) Option {
	return func(e *Engine) {
		e.branchPrefix = prefix
	}
}

// WithRemote overrides the push remote.
func WithRemote(remote string) Option {
	return func(e *Engine) {
		e.remote = remote
	}
}

// WithAttemptTTL bounds how long attempt counts are remembered.
func WithAttemptTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.attempts.ttl = ttl
	}
}

// Engine decides fixability and executes remediation transactions.
type Engine struct {
	vcs      VCS
	pr       PRCreator
	detector ToolDetector
	runner   CommandRunner
	verifier Verifier

	maxAttempts     int
	maxChangedLines int
	verifyTimeout   time.Duration
	fixTimeout      time.Duration
	branchPrefix    string
	remote          string

	attempts *attemptStore
	metrics  *Metrics

	// mu serializes fix transactions: the working tree is a singleton
	// shared resource.
	mu sync.Mutex

	now    func() time.Time
	suffix func() string
}

// New constructs an Engine over the given collaborators.
func New(vcs VCS, pr PRCreator, detector ToolDetector, runner CommandRunner, opts ...Option) *Engine {
	e := &Engine{
		vcs:             vcs,
		pr:              pr,
		detector:        detector,
		runner:          runner,
		maxAttempts:     defaultMaxAttempts,
		maxChangedLines: defaultMaxChangedLines,
		verifyTimeout:   defaultVerifyTimeout,
		fixTimeout:      defaultFixTimeout,
		branchPrefix:    defaultBranchPrefix,
		remote:          defaultRemote,
		attempts:        newAttemptStore(0, 0),
		metrics:         NewMetrics(),
		now:             time.Now,
		suffix:          randomSuffix,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Metrics returns a snapshot of the session counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// ResetMetrics clears the session counters.
func (e *Engine) ResetMetrics() {
	e.metrics.Reset()
}

// ExportMetrics renders the session counters as JSON.
func (e *Engine) ExportMetrics() ([]byte, error) {
	return e.metrics.Export()
}

// AttemptFix runs one remediation transaction for the failure. With
// dryRun set it only simulates: no workspace mutation, no branch or PR,
// and no real-attempt accounting. Every outcome, including declines and
// guardrail trips, is returned as a Result, never an error.
func (e *Engine) AttemptFix(ctx context.Context, failure checks.FailureDetail, subjectID string, dryRun bool) *Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	res := e.attemptFix(ctx, failure, subjectID, dryRun)
	res.DryRun = dryRun
	res.Duration = e.now().Sub(start)
	e.metrics.record(failure.Type, res)

	log := clog.FromContext(ctx).With("subject", subjectID).With("error_type", failure.Type).With("dry_run", dryRun)
	if res.Success {
		log.With("changed_lines", res.ChangedLines).Info("Remediation succeeded")
	} else {
		log.With("reason", res.Reason).With("rolled_back", res.RolledBack).Info("Remediation did not apply")
	}
	return res
}

func (e *Engine) attemptFix(ctx context.Context, failure checks.FailureDetail, subjectID string, dryRun bool) *Result {
	// Gate 1: fixability. TYPE_ERROR is declined unconditionally, even
	// in dry-run: type errors are out of deterministic scope.
	switch failure.Type {
	case checks.ErrorTypeType:
		return &Result{Reason: ReasonLimitedCapability, Message: "type errors require code-level changes"}
	case checks.ErrorTypeLinting, checks.ErrorTypeFormat:
	case checks.ErrorTypeSecurity:
		if !isDependencyVulnerability(failure.Summary) {
			return &Result{Reason: ReasonNotAutoFixable, Message: "only dependency vulnerabilities are auto-fixable"}
		}
	default:
		return &Result{Reason: ReasonNotAutoFixable, Message: fmt.Sprintf("%s is not in the auto-fix allow-list", failure.Type)}
	}

	// Gate 2: attempt ceiling. Dry-run calls bypass the counter
	// entirely: they neither check nor increment it.
	if !dryRun {
		if n := e.attempts.count(subjectID, failure.Type); n >= e.maxAttempts {
			return &Result{Reason: ReasonMaxAttempts, Attempts: n, Message: fmt.Sprintf("%d attempts already made", n)}
		}
	}

	tool, declined := e.resolveTool(failure)
	if declined != nil {
		return declined
	}
	command := tool.Command(failure.AffectedFiles)

	if dryRun {
		return &Result{Success: true, Message: fmt.Sprintf("would run: `%s`", command)}
	}

	// Gate 3: a clean workspace. The diff guardrail measures everything
	// relative to HEAD, so pre-existing edits would count toward the
	// change ceiling and end up in the fix commit. Declining here does
	// not consume the attempt budget.
	dirty, err := e.vcs.HasUncommittedChanges(ctx)
	if err != nil {
		return &Result{Reason: ReasonExecutionFailed, Message: fmt.Sprintf("checking workspace state: %v", err)}
	}
	if dirty {
		return &Result{Reason: ReasonWorkspaceDirty, Message: "workspace has uncommitted changes"}
	}

	attempts := e.attempts.increment(subjectID, failure.Type)
	return e.execute(ctx, failure, tool, command, attempts)
}

// resolveTool picks the fix tool for the failure, or returns the
// decline Result when none is available.
func (e *Engine) resolveTool(failure checks.FailureDetail) (toolpick.Tool, *Result) {
	if failure.Type == checks.ErrorTypeSecurity {
		tool, ok := e.detector.DetectDependencyFix()
		if !ok {
			return toolpick.Tool{}, &Result{Reason: ReasonUnsupportedLang, Message: "no dependency manifest found"}
		}
		return tool, nil
	}

	lang := suggest.InferLanguage(failure.AffectedFiles)
	if lang == suggest.LanguageUnknown {
		return toolpick.Tool{}, &Result{Reason: ReasonUnsupportedLang, Message: "could not infer a language from the affected files"}
	}

	kind := toolpick.KindLint
	missing := ReasonNoLintTool
	if failure.Type == checks.ErrorTypeFormat {
		kind = toolpick.KindFormat
		missing = ReasonNoFormatTool
	}

	tool, ok := e.detector.Detect(lang, kind)
	if !ok {
		return toolpick.Tool{}, &Result{Reason: missing, Message: fmt.Sprintf("no %s tool available for %s", kind, lang)}
	}
	return tool, nil
}

// execute runs the real fix transaction. The snapshot is taken before
// any mutation; every failure after that point rolls back.
func (e *Engine) execute(ctx context.Context, failure checks.FailureDetail, tool toolpick.Tool, command string, attempts int) *Result {
	log := clog.FromContext(ctx)

	snap, err := e.vcs.Begin(ctx)
	if err != nil {
		return &Result{Reason: ReasonExecutionFailed, Attempts: attempts, Message: fmt.Sprintf("snapshotting workspace: %v", err)}
	}

	log.Infof("Running fix tool %s: %s", tool.Name, command)
	runRes, err := e.runner.RunShell(ctx, e.fixTimeout, command)
	if err != nil {
		msg := err.Error()
		if runRes != nil && runRes.Stderr != "" {
			msg = firstLine(runRes.Stderr)
		}
		e.rollback(ctx, snap)
		return &Result{Reason: ReasonExecutionFailed, RolledBack: true, Attempts: attempts, Message: msg}
	}

	diff, err := e.vcs.Diff(ctx)
	if err != nil {
		e.rollback(ctx, snap)
		return &Result{Reason: ReasonExecutionFailed, RolledBack: true, Attempts: attempts, Message: fmt.Sprintf("computing diff: %v", err)}
	}
	if strings.TrimSpace(diff) == "" {
		e.release(ctx, snap)
		return &Result{Reason: ReasonNoChanges, Attempts: attempts, Message: "fix tool made no changes"}
	}

	stat, err := diffstat.Count(diff)
	if err != nil {
		e.rollback(ctx, snap)
		return &Result{Reason: ReasonExecutionFailed, RolledBack: true, Attempts: attempts, Message: fmt.Sprintf("measuring diff: %v", err)}
	}
	if stat.Changed() > e.maxChangedLines {
		log.Warnf("Fix changed %d lines, over the %d-line ceiling; rolling back", stat.Changed(), e.maxChangedLines)
		e.rollback(ctx, snap)
		return &Result{Reason: ReasonTooManyChanges, RolledBack: true, ChangedLines: stat.Changed(), Attempts: attempts}
	}

	if e.verifier != nil {
		report, err := e.verifier.Run(ctx, e.verifyTimeout)
		if err != nil {
			e.rollback(ctx, snap)
			return &Result{Reason: ReasonVerificationFailed, RolledBack: true, VerificationFailed: true, Attempts: attempts, Message: fmt.Sprintf("verifier: %v", err)}
		}
		if !report.Success {
			e.rollback(ctx, snap)
			return &Result{Reason: ReasonVerificationFailed, RolledBack: true, VerificationFailed: true, VerifierErrors: report.Errors, Attempts: attempts}
		}
	}

	pr, err := e.publish(ctx, failure, tool, stat)
	if err != nil {
		log.Warnf("Publishing fix failed: %v", err)
		e.rollback(ctx, snap)
		return &Result{Reason: ReasonExecutionFailed, RolledBack: true, Attempts: attempts, Message: fmt.Sprintf("publishing fix: %v", err)}
	}

	e.release(ctx, snap)
	return &Result{Success: true, ChangedLines: stat.Changed(), PullRequest: pr, Attempts: attempts, Message: fmt.Sprintf("ran `%s`", command)}
}

// publish turns the applied fix into a branch, commit, and PR.
func (e *Engine) publish(ctx context.Context, failure checks.FailureDetail, tool toolpick.Tool, stat diffstat.Stat) (*PullRequestRef, error) {
	base, err := e.vcs.CurrentBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving base branch: %w", err)
	}

	category := fixCategory(failure.Type)
	branch := fmt.Sprintf("%s/%s-%s", e.branchPrefix, category, e.suffix())
	if err := e.vcs.CreateBranch(ctx, branch); err != nil {
		return nil, fmt.Errorf("creating branch %s: %w", branch, err)
	}

	paths := tool.StagePaths
	if len(paths) == 0 {
		paths = failure.AffectedFiles
	}
	if len(paths) == 0 {
		paths = stat.Files
	}
	if err := e.vcs.Stage(ctx, paths); err != nil {
		return nil, fmt.Errorf("staging %d path(s): %w", len(paths), err)
	}

	message := fmt.Sprintf("Fix %s issues reported by %s\n\nAutomated remediation (%d changed lines).", category, failure.CheckName, stat.Changed())
	if err := e.vcs.Commit(ctx, message); err != nil {
		return nil, fmt.Errorf("committing fix: %w", err)
	}

	if err := e.vcs.Push(ctx, e.remote, branch, true); err != nil {
		return nil, fmt.Errorf("pushing %s: %w", branch, err)
	}

	pr, err := e.pr.CreatePullRequest(ctx, PullRequestSpec{
		Title: fmt.Sprintf("Automated %s fix for %s", category, failure.CheckName),
		Body: fmt.Sprintf("Automated remediation of a %s failure on `%s`.\n\n- Check: %s\n- Affected files: %d\n- Changed lines: %d",
			category, base, failure.CheckName, len(failure.AffectedFiles), stat.Changed()),
		Head: branch,
		Base: base,
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull request: %w", err)
	}

	// The fix lives on the pushed branch now; put the workspace back on
	// the branch the next fix should start from.
	if err := e.vcs.Checkout(ctx, base); err != nil {
		clog.FromContext(ctx).Warnf("Returning to %s failed: %v", base, err)
	}
	return pr, nil
}

// rollback restores the snapshot, best-effort: a failed restore is
// logged and swallowed so it never masks the original failure reason.
func (e *Engine) rollback(ctx context.Context, snap Snapshot) {
	if err := snap.Rollback(ctx); err != nil {
		clog.FromContext(ctx).Warnf("Rollback failed: %v", err)
	}
}

// release discards the snapshot, keeping the working tree as-is.
func (e *Engine) release(ctx context.Context, snap Snapshot) {
	if err := snap.Commit(ctx); err != nil {
		clog.FromContext(ctx).Warnf("Releasing snapshot failed: %v", err)
	}
}

func isDependencyVulnerability(summary string) bool {
	text := strings.ToLower(summary)
	for _, kw := range dependencyKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func fixCategory(et checks.ErrorType) string {
	switch et {
	case checks.ErrorTypeLinting:
		return "lint"
	case checks.ErrorTypeFormat:
		return "format"
	case checks.ErrorTypeSecurity:
		return "deps"
	default:
		return "misc"
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
