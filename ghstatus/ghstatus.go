/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package ghstatus fetches check runs and commit statuses from GitHub,
// in the shape the poller consumes. Two providers are available: a REST
// provider built on the regular API client, and a GraphQL provider that
// fetches a commit's check suites in fewer round trips.
package ghstatus

import (
	"context"
	"fmt"
	"strings"

	"chainguard.dev/cimender/checks"
	"chainguard.dev/cimender/poller"
	"github.com/google/go-github/v84/github"
)

const perPage = 100

// RepoChecks fetches checks for one repository over the REST API.
type RepoChecks struct {
	client *github.Client
	owner  string
	repo   string
}

var _ poller.Provider = (*RepoChecks)(nil)

// ForRepo binds a REST client to one repository.
func ForRepo(client *github.Client, owner, repo string) *RepoChecks {
	return &RepoChecks{client: client, owner: owner, repo: repo}
}

// CheckRunsForCommit returns every check run reported for the ref,
// following pagination.
func (r *RepoChecks) CheckRunsForCommit(ctx context.Context, ref string) ([]checks.CheckRun, error) {
	var runs []checks.CheckRun
	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	for {
		result, resp, err := r.client.Checks.ListCheckRunsForRef(ctx, r.owner, r.repo, ref, opts)
		if err != nil {
			return nil, fmt.Errorf("listing check runs for %s: %w", ref, err)
		}
		for _, run := range result.CheckRuns {
			runs = append(runs, convertCheckRun(run))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return runs, nil
}

// CombinedStatusForRef returns the legacy commit statuses for the ref,
// following pagination.
func (r *RepoChecks) CombinedStatusForRef(ctx context.Context, ref string) ([]poller.CommitStatus, error) {
	var statuses []poller.CommitStatus
	opts := &github.ListOptions{PerPage: perPage}
	for {
		combined, resp, err := r.client.Repositories.GetCombinedStatus(ctx, r.owner, r.repo, ref, opts)
		if err != nil {
			return nil, fmt.Errorf("getting combined status for %s: %w", ref, err)
		}
		for _, st := range combined.Statuses {
			statuses = append(statuses, poller.CommitStatus{
				Context: st.GetContext(),
				State:   st.GetState(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return statuses, nil
}

// HeadSHA resolves a pull request number to its head commit.
func (r *RepoChecks) HeadSHA(ctx context.Context, prNumber int) (string, error) {
	pr, _, err := r.client.PullRequests.Get(ctx, r.owner, r.repo, prNumber)
	if err != nil {
		return "", fmt.Errorf("getting pull request #%d: %w", prNumber, err)
	}
	return pr.GetHead().GetSHA(), nil
}

func convertCheckRun(run *github.CheckRun) checks.CheckRun {
	out := checks.CheckRun{
		Name:       run.GetName(),
		Status:     normalizeStatus(run.GetStatus()),
		Conclusion: normalizeConclusion(run.GetConclusion()),
		DetailsURL: run.GetDetailsURL(),
	}
	if output := run.GetOutput(); output != nil {
		out.Output = joinOutput(output.GetTitle(), output.GetSummary(), output.GetText())
	}
	if ts := run.GetStartedAt(); !ts.IsZero() {
		out.StartedAt = ts.Time
	}
	if ts := run.GetCompletedAt(); !ts.IsZero() {
		out.CompletedAt = ts.Time
	}
	return out
}

// normalizeStatus folds GitHub's extended status vocabulary into the
// three-state lifecycle the poller works with.
func normalizeStatus(status string) checks.Status {
	switch strings.ToLower(status) {
	case "completed":
		return checks.StatusCompleted
	case "in_progress":
		return checks.StatusInProgress
	default:
		// queued, waiting, pending, requested
		return checks.StatusQueued
	}
}

// normalizeConclusion folds GitHub's conclusion vocabulary into the
// taxonomy's four terminal outcomes. Neutral counts as skipped;
// timeouts and action_required count as failures.
func normalizeConclusion(conclusion string) checks.Conclusion {
	switch strings.ToLower(conclusion) {
	case "":
		return checks.ConclusionNone
	case "success":
		return checks.ConclusionSuccess
	case "neutral", "skipped":
		return checks.ConclusionSkipped
	case "cancelled", "stale":
		return checks.ConclusionCancelled
	default:
		// failure, timed_out, action_required, startup_failure
		return checks.ConclusionFailure
	}
}

func joinOutput(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, strings.TrimSpace(p))
		}
	}
	return strings.Join(nonEmpty, "\n")
}
