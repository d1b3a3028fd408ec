/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package checks defines the data model shared by the CI poller and the
// remediation engine: check runs fetched from the hosting provider, the
// aggregated summary of a commit's checks, and the failure taxonomy.
package checks

import (
	"time"
)

// Status is the lifecycle state of a check run.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Conclusion is the terminal outcome of a completed check run. A check
// that has not completed yet has ConclusionNone.
type Conclusion string

const (
	ConclusionNone      Conclusion = ""
	ConclusionSuccess   Conclusion = "success"
	ConclusionFailure   Conclusion = "failure"
	ConclusionCancelled Conclusion = "cancelled"
	ConclusionSkipped   Conclusion = "skipped"
)

// CheckRun is a single CI job report for a commit. Check runs are
// ephemeral: they are fetched fresh on every poll and never persisted.
type CheckRun struct {
	Name       string
	Status     Status
	Conclusion Conclusion
	Output     string
	DetailsURL string

	// StartedAt and CompletedAt are populated when the provider reports
	// them. The poller uses the most recent completion to adapt its
	// interval for fast pipelines.
	StartedAt   time.Time
	CompletedAt time.Time
}

// Completed reports whether the run has reached a terminal state.
func (r CheckRun) Completed() bool {
	return r.Status == StatusCompleted
}

// ErrorType classifies a check failure into the remediation taxonomy.
// Classification always yields exactly one value; the classifier falls
// back to ErrorTypeUnknown rather than returning nothing.
type ErrorType string

const (
	ErrorTypeTest     ErrorType = "test_failure"
	ErrorTypeLinting  ErrorType = "linting_error"
	ErrorTypeFormat   ErrorType = "format_error"
	ErrorTypeType     ErrorType = "type_error"
	ErrorTypeBuild    ErrorType = "build_error"
	ErrorTypeSecurity ErrorType = "security_issue"
	ErrorTypeUnknown  ErrorType = "unknown"
)

// FailureDetail describes one failed check after classification.
type FailureDetail struct {
	CheckName string
	Type      ErrorType
	Summary   string
	// AffectedFiles preserves first-seen order and contains no
	// duplicates.
	AffectedFiles []string
	// SuggestedFix is a human-facing hint; empty when the suggestion
	// engine has nothing to offer.
	SuggestedFix string
	DetailsURL   string
}

// OverallStatus is the aggregate state of all checks on a commit.
type OverallStatus string

const (
	OverallPending OverallStatus = "pending"
	OverallSuccess OverallStatus = "success"
	OverallFailure OverallStatus = "failure"
)

// Summary aggregates the checks observed for a commit at one point in
// time. Invariant: Total == Passed+Failed+Pending+Skipped, and Overall
// is a pure function of the counts (see Overall).
type Summary struct {
	Total   int
	Passed  int
	Failed  int
	Pending int
	Skipped int
	Overall OverallStatus

	// Failures is ordered by the provider's ordering of check runs.
	Failures []FailureDetail

	StartedAt time.Time
	// Duration is zero until the summary reaches a terminal state.
	Duration time.Duration
}

// Overall computes the aggregate status from failure and pending counts:
// failure wins over pending, pending wins over success.
func Overall(failed, pending int) OverallStatus {
	switch {
	case failed > 0:
		return OverallFailure
	case pending > 0:
		return OverallPending
	default:
		return OverallSuccess
	}
}

// Tally counts runs by state. Cancelled runs count as failed; runs that
// completed without a conclusion count as pending, matching how the
// hosting provider reports stale or neutral runs.
func Tally(runs []CheckRun) (passed, failed, pending, skipped int) {
	for _, r := range runs {
		if !r.Completed() {
			pending++
			continue
		}
		switch r.Conclusion {
		case ConclusionSuccess:
			passed++
		case ConclusionFailure, ConclusionCancelled:
			failed++
		case ConclusionSkipped:
			skipped++
		default:
			pending++
		}
	}
	return passed, failed, pending, skipped
}
