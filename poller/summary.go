/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package poller

import (
	"time"

	"chainguard.dev/cimender/checks"
)

// buildSummary merges check runs and legacy commit statuses into one
// Summary. Statuses are folded in as pseudo check runs so the counts
// invariant (total = passed+failed+pending+skipped) holds across both
// reporting mechanisms.
func (p *Poller) buildSummary(runs []checks.CheckRun, statuses []CommitStatus, start time.Time) *checks.Summary {
	merged := make([]checks.CheckRun, 0, len(runs)+len(statuses))
	merged = append(merged, runs...)
	for _, st := range statuses {
		merged = append(merged, statusAsRun(st))
	}

	passed, failed, pending, skipped := checks.Tally(merged)
	s := &checks.Summary{
		Total:     len(merged),
		Passed:    passed,
		Failed:    failed,
		Pending:   pending,
		Skipped:   skipped,
		Overall:   checks.Overall(failed, pending),
		StartedAt: start,
	}

	for _, r := range merged {
		if !r.Completed() {
			continue
		}
		if r.Conclusion != checks.ConclusionFailure && r.Conclusion != checks.ConclusionCancelled {
			continue
		}
		detail := p.classifier.Detail(r)
		if p.suggester != nil {
			detail.SuggestedFix = p.suggester.Suggest(detail.Summary, detail.Type, detail.AffectedFiles).Command
		}
		s.Failures = append(s.Failures, detail)
	}

	return s
}

// statusAsRun maps a legacy commit status onto the check-run model.
func statusAsRun(st CommitStatus) checks.CheckRun {
	run := checks.CheckRun{Name: st.Context}
	switch st.State {
	case "success":
		run.Status = checks.StatusCompleted
		run.Conclusion = checks.ConclusionSuccess
	case "failure", "error":
		run.Status = checks.StatusCompleted
		run.Conclusion = checks.ConclusionFailure
	default:
		run.Status = checks.StatusInProgress
	}
	return run
}

// runNames partitions the current snapshot into failed and passed name
// sets for progress-delta reporting.
func runNames(runs []checks.CheckRun, statuses []CommitStatus) (failed, passed map[string]bool) {
	failed = make(map[string]bool)
	passed = make(map[string]bool)
	all := make([]checks.CheckRun, 0, len(runs)+len(statuses))
	all = append(all, runs...)
	for _, st := range statuses {
		all = append(all, statusAsRun(st))
	}
	for _, r := range all {
		if !r.Completed() {
			continue
		}
		switch r.Conclusion {
		case checks.ConclusionSuccess:
			passed[r.Name] = true
		case checks.ConclusionFailure, checks.ConclusionCancelled:
			failed[r.Name] = true
		}
	}
	return failed, passed
}
