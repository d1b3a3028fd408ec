/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package remediate

import (
	"context"
	"time"

	"chainguard.dev/cimender/execrunner"
	"chainguard.dev/cimender/remediate/toolpick"
	"chainguard.dev/cimender/suggest"
)

// Reason is a closed set of remediation outcome codes. Every outcome is
// a value the caller inspects; reasons are never raised as errors.
type Reason string

const (
	// Declined: the engine never dispatched a fix.
	ReasonNotAutoFixable    Reason = "not_auto_fixable"
	ReasonLimitedCapability Reason = "limited_auto_fix_capability"
	ReasonMaxAttempts       Reason = "max_attempts_reached"
	ReasonUnsupportedLang   Reason = "unsupported_language"
	ReasonNoLintTool        Reason = "no_lint_tool"
	ReasonNoFormatTool      Reason = "no_format_tool"
	ReasonNoChanges         Reason = "no_changes"
	ReasonWorkspaceDirty    Reason = "workspace_dirty"

	// Guardrails: always paired with RolledBack=true.
	ReasonTooManyChanges     Reason = "too_many_changes"
	ReasonVerificationFailed Reason = "verification_failed"

	// Execution failure: always paired with RolledBack=true.
	ReasonExecutionFailed Reason = "execution_failed"
)

// Result is the outcome of one AttemptFix call.
type Result struct {
	Success bool
	// Reason is empty on success.
	Reason  Reason
	Message string

	RolledBack         bool
	VerificationFailed bool
	VerifierErrors     []string

	ChangedLines int
	// Attempts is the real-attempt count for (subject, error type)
	// after this call.
	Attempts int

	PullRequest *PullRequestRef
	DryRun      bool
	Duration    time.Duration
}

// PullRequestSpec describes the PR opened for a successful fix.
type PullRequestSpec struct {
	Title  string
	Body   string
	Head   string
	Base   string
	Draft  bool
	Labels []string
}

// PullRequestRef identifies a created PR.
type PullRequestRef struct {
	Number int
	URL    string
}

// Snapshot is an open workspace snapshot. Commit discards the saved
// state and keeps the working tree as-is; Rollback restores the tree to
// the state captured at Begin.
type Snapshot interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// VCS is the local version-control collaborator. The engine treats the
// working tree as a singleton shared resource: callers must serialize
// AttemptFix invocations against the same workspace.
type VCS interface {
	CurrentBranch(ctx context.Context) (string, error)
	HasUncommittedChanges(ctx context.Context) (bool, error)
	Begin(ctx context.Context) (Snapshot, error)
	CreateBranch(ctx context.Context, name string) error
	Checkout(ctx context.Context, name string) error
	Stage(ctx context.Context, paths []string) error
	Commit(ctx context.Context, message string) error
	Push(ctx context.Context, remote, branch string, setUpstream bool) error
	Diff(ctx context.Context) (string, error)
}

// PRCreator opens pull requests on the hosting provider.
type PRCreator interface {
	CreatePullRequest(ctx context.Context, spec PullRequestSpec) (*PullRequestRef, error)
}

// VerifyReport is the outcome of a verification run.
type VerifyReport struct {
	Success bool
	Errors  []string
}

// Verifier optionally validates the workspace after a fix, bounded by
// the given timeout.
type Verifier interface {
	Run(ctx context.Context, timeout time.Duration) (*VerifyReport, error)
}

// CommandRunner executes fix commands with bounded time and output.
type CommandRunner interface {
	RunShell(ctx context.Context, timeout time.Duration, command string) (*execrunner.Result, error)
}

// ToolDetector probes the workspace for available fix tools.
type ToolDetector interface {
	Detect(lang suggest.Language, kind toolpick.Kind) (toolpick.Tool, bool)
	DetectDependencyFix() (toolpick.Tool, bool)
}
