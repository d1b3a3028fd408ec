/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package ghpr publishes remediation fixes as GitHub pull requests.
package ghpr

import (
	"context"
	"fmt"

	"chainguard.dev/cimender/remediate"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
)

// Option configures a Publisher.
type Option func(*Publisher)

// WithLabels sets labels applied to every created PR in addition to the
// per-fix labels.
func WithLabels(labels ...string) Option {
	return func(p *Publisher) {
		p.labels = labels
	}
}

// Publisher opens pull requests on one repository.
type Publisher struct {
	client *github.Client
	owner  string
	repo   string
	labels []string
}

var _ remediate.PRCreator = (*Publisher)(nil)

// New binds a client to one repository.
func New(client *github.Client, owner, repo string, opts ...Option) *Publisher {
	p := &Publisher{client: client, owner: owner, repo: repo}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreatePullRequest opens the PR described by spec and applies any
// configured labels.
func (p *Publisher) CreatePullRequest(ctx context.Context, spec remediate.PullRequestSpec) (*remediate.PullRequestRef, error) {
	log := clog.FromContext(ctx)
	log.Infof("Creating PR with head %s and base %s", spec.Head, spec.Base)

	pr, _, err := p.client.PullRequests.Create(ctx, p.owner, p.repo, &github.NewPullRequest{
		Title: github.Ptr(spec.Title),
		Body:  github.Ptr(spec.Body),
		Head:  github.Ptr(spec.Head),
		Base:  github.Ptr(spec.Base),
		Draft: github.Ptr(spec.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull request: %w", err)
	}

	// The PR exists at this point, so label trouble is cosmetic. Failing
	// here would roll back a fix that is already published.
	labels := append(append([]string{}, p.labels...), spec.Labels...)
	if len(labels) > 0 {
		if _, _, err := p.client.Issues.AddLabelsToIssue(ctx, p.owner, p.repo, pr.GetNumber(), labels); err != nil {
			log.Warnf("Labeling PR #%d failed: %v", pr.GetNumber(), err)
		}
	}

	log.Infof("Created PR #%d: %s", pr.GetNumber(), pr.GetHTMLURL())
	return &remediate.PullRequestRef{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
	}, nil
}
