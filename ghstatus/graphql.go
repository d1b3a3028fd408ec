/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package ghstatus

import (
	"context"
	"fmt"
	"net/http"

	"chainguard.dev/cimender/checks"
	"chainguard.dev/cimender/poller"
	"github.com/shurcooL/githubv4"
)

type gqlCheckRunNode struct {
	Name        string
	Status      string
	Conclusion  string
	DetailsUrl  string
	Title       string
	Summary     string
	Text        string
	StartedAt   githubv4.DateTime
	CompletedAt githubv4.DateTime
}

type gqlCheckRunsConnection struct {
	PageInfo struct {
		HasNextPage bool
		EndCursor   string
	}
	Nodes []gqlCheckRunNode
}

type gqlCheckSuiteNode struct {
	Id        string
	CheckRuns gqlCheckRunsConnection `graphql:"checkRuns(first: 100)"`
}

type gqlCheckSuitesConnection struct {
	PageInfo struct {
		HasNextPage bool
		EndCursor   string
	}
	Nodes []gqlCheckSuiteNode
}

type gqlStatusContext struct {
	Context string
	State   string // EXPECTED, ERROR, FAILURE, PENDING, SUCCESS
}

// GraphQLChecks fetches checks for one repository over the GraphQL API.
// Unlike the REST provider it needs one query per page of check suites
// rather than one per page of runs, so it is the better fit for commits
// with many suites.
type GraphQLChecks struct {
	client *githubv4.Client
	owner  string
	repo   string
}

var _ poller.Provider = (*GraphQLChecks)(nil)

// ForRepoGraphQL binds a GraphQL client to one repository. httpClient
// must carry the authentication transport.
func ForRepoGraphQL(httpClient *http.Client, owner, repo string) *GraphQLChecks {
	return &GraphQLChecks{
		client: githubv4.NewClient(httpClient),
		owner:  owner,
		repo:   repo,
	}
}

// CheckRunsForCommit returns every check run reported for the commit,
// following both the check-suite and per-suite check-run pagination.
func (g *GraphQLChecks) CheckRunsForCommit(ctx context.Context, ref string) ([]checks.CheckRun, error) {
	var runs []checks.CheckRun
	collect := func(nodes []gqlCheckRunNode) {
		for _, n := range nodes {
			runs = append(runs, convertGQLCheckRun(n))
		}
	}

	var query struct {
		Repository struct {
			Object struct {
				Commit struct {
					CheckSuites gqlCheckSuitesConnection `graphql:"checkSuites(first: 100)"`
				} `graphql:"... on Commit"`
			} `graphql:"object(oid: $sha)"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}
	variables := map[string]any{
		"owner": githubv4.String(g.owner),
		"repo":  githubv4.String(g.repo),
		"sha":   githubv4.GitObjectID(ref),
	}
	if err := g.client.Query(ctx, &query, variables); err != nil {
		return nil, fmt.Errorf("querying check suites for %s: %w", ref, err)
	}

	page := query.Repository.Object.Commit.CheckSuites
	if err := g.walkSuites(ctx, page, collect); err != nil {
		return nil, err
	}
	for page.PageInfo.HasNextPage {
		var err error
		page, err = g.suitesPage(ctx, ref, page.PageInfo.EndCursor)
		if err != nil {
			return nil, err
		}
		if err := g.walkSuites(ctx, page, collect); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (g *GraphQLChecks) walkSuites(ctx context.Context, suites gqlCheckSuitesConnection, collect func([]gqlCheckRunNode)) error {
	for _, suite := range suites.Nodes {
		collect(suite.CheckRuns.Nodes)
		if suite.CheckRuns.PageInfo.HasNextPage {
			if err := g.runsPages(ctx, suite.Id, suite.CheckRuns.PageInfo.EndCursor, collect); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *GraphQLChecks) suitesPage(ctx context.Context, sha, cursor string) (gqlCheckSuitesConnection, error) {
	var query struct {
		Repository struct {
			Object struct {
				Commit struct {
					CheckSuites gqlCheckSuitesConnection `graphql:"checkSuites(first: 100, after: $cursor)"`
				} `graphql:"... on Commit"`
			} `graphql:"object(oid: $sha)"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}
	variables := map[string]any{
		"owner":  githubv4.String(g.owner),
		"repo":   githubv4.String(g.repo),
		"sha":    githubv4.GitObjectID(sha),
		"cursor": githubv4.String(cursor),
	}
	if err := g.client.Query(ctx, &query, variables); err != nil {
		return gqlCheckSuitesConnection{}, fmt.Errorf("paginating check suites for %s: %w", sha, err)
	}
	return query.Repository.Object.Commit.CheckSuites, nil
}

func (g *GraphQLChecks) runsPages(ctx context.Context, suiteID, cursor string, collect func([]gqlCheckRunNode)) error {
	for {
		var query struct {
			Node struct {
				CheckSuite struct {
					CheckRuns gqlCheckRunsConnection `graphql:"checkRuns(first: 100, after: $cursor)"`
				} `graphql:"... on CheckSuite"`
			} `graphql:"node(id: $suiteId)"`
		}
		variables := map[string]any{
			"suiteId": githubv4.ID(suiteID),
			"cursor":  githubv4.String(cursor),
		}
		if err := g.client.Query(ctx, &query, variables); err != nil {
			return fmt.Errorf("paginating check runs: %w", err)
		}

		collect(query.Node.CheckSuite.CheckRuns.Nodes)

		if !query.Node.CheckSuite.CheckRuns.PageInfo.HasNextPage {
			return nil
		}
		cursor = query.Node.CheckSuite.CheckRuns.PageInfo.EndCursor
	}
}

// CombinedStatusForRef returns the legacy commit statuses for the
// commit.
func (g *GraphQLChecks) CombinedStatusForRef(ctx context.Context, ref string) ([]poller.CommitStatus, error) {
	var query struct {
		Repository struct {
			Object struct {
				Commit struct {
					Status struct {
						Contexts []gqlStatusContext
					}
				} `graphql:"... on Commit"`
			} `graphql:"object(oid: $sha)"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}
	variables := map[string]any{
		"owner": githubv4.String(g.owner),
		"repo":  githubv4.String(g.repo),
		"sha":   githubv4.GitObjectID(ref),
	}
	if err := g.client.Query(ctx, &query, variables); err != nil {
		return nil, fmt.Errorf("querying commit statuses for %s: %w", ref, err)
	}

	var statuses []poller.CommitStatus
	for _, c := range query.Repository.Object.Commit.Status.Contexts {
		statuses = append(statuses, poller.CommitStatus{
			Context: c.Context,
			State:   normalizeStatusState(c.State),
		})
	}
	return statuses, nil
}

func convertGQLCheckRun(n gqlCheckRunNode) checks.CheckRun {
	out := checks.CheckRun{
		Name:       n.Name,
		Status:     normalizeStatus(n.Status),
		Conclusion: normalizeConclusion(n.Conclusion),
		DetailsURL: n.DetailsUrl,
		Output:     joinOutput(n.Title, n.Summary, n.Text),
	}
	if !n.StartedAt.IsZero() {
		out.StartedAt = n.StartedAt.Time
	}
	if !n.CompletedAt.IsZero() {
		out.CompletedAt = n.CompletedAt.Time
	}
	return out
}

// normalizeStatusState lowers the GraphQL status-state vocabulary into
// the success/pending/failure/error strings the poller expects.
func normalizeStatusState(state string) string {
	switch state {
	case "SUCCESS":
		return "success"
	case "FAILURE":
		return "failure"
	case "ERROR":
		return "error"
	default:
		// EXPECTED, PENDING
		return "pending"
	}
}
