/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main polls a commit's CI checks to completion and attempts
// automated remediation of the failures it can fix, publishing each fix
// as a pull request.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chainguard.dev/cimender/checks"
	"chainguard.dev/cimender/classify"
	"chainguard.dev/cimender/execrunner"
	"chainguard.dev/cimender/ghpr"
	"chainguard.dev/cimender/ghstatus"
	"chainguard.dev/cimender/poller"
	"chainguard.dev/cimender/remediate"
	"chainguard.dev/cimender/remediate/toolpick"
	"chainguard.dev/cimender/suggest"
	"chainguard.dev/cimender/verifier"
	"chainguard.dev/cimender/workspace"
	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/google/go-github/v84/github"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/oauth2"
)

type config struct {
	MetricsPort int `env:"METRICS_PORT,default=2112"`

	Owner     string `env:"GITHUB_OWNER,required"`
	Repo      string `env:"GITHUB_REPO,required"`
	CommitSHA string `env:"COMMIT_SHA"`
	PRNumber  int    `env:"PR_NUMBER"`

	// Token auth, or GitHub App auth when the three app values are set.
	GitHubToken       string `env:"GITHUB_TOKEN"`
	AppID             int64  `env:"GITHUB_APP_ID"`
	AppInstallationID int64  `env:"GITHUB_APP_INSTALLATION_ID"`
	AppPrivateKey     string `env:"GITHUB_APP_PRIVATE_KEY"`

	UseGraphQL bool `env:"USE_GRAPHQL,default=false"`

	PollTimeout time.Duration `env:"POLL_TIMEOUT,default=10m"`
	FailFast    bool          `env:"FAIL_FAST,default=true"`
	RetryFlaky  bool          `env:"RETRY_FLAKY,default=true"`

	Remediate       bool          `env:"REMEDIATE,default=true"`
	DryRun          bool          `env:"DRY_RUN,default=false"`
	Workspace       string        `env:"WORKSPACE,default=."`
	VerifyCommand   string        `env:"VERIFY_COMMAND"`
	MaxAttempts     int           `env:"MAX_FIX_ATTEMPTS,default=2"`
	MaxChangedLines int           `env:"MAX_CHANGED_LINES,default=1000"`
	VerifyTimeout   time.Duration `env:"VERIFY_TIMEOUT,default=120s"`

	ClassifyRules   string `env:"CLASSIFY_RULES"`
	SuggestCommands string `env:"SUGGEST_COMMANDS"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}
	if cfg.CommitSHA == "" && cfg.PRNumber == 0 {
		clog.FatalContextf(ctx, "one of COMMIT_SHA or PR_NUMBER is required")
	}

	httpClient, tokenSource, err := newAuthClient(ctx, &cfg)
	if err != nil {
		clog.FatalContextf(ctx, "configuring GitHub auth: %v", err)
	}
	gh := github.NewClient(httpClient)
	rest := ghstatus.ForRepo(gh, cfg.Owner, cfg.Repo)

	go serveMetrics(ctx, cfg.MetricsPort)

	sha := cfg.CommitSHA
	if sha == "" {
		sha, err = rest.HeadSHA(ctx, cfg.PRNumber)
		if err != nil {
			clog.FatalContextf(ctx, "resolving PR #%d head: %v", cfg.PRNumber, err)
		}
		clog.InfoContextf(ctx, "PR #%d head is %s", cfg.PRNumber, sha)
	}

	var provider poller.Provider = rest
	if cfg.UseGraphQL {
		provider = ghstatus.ForRepoGraphQL(httpClient, cfg.Owner, cfg.Repo)
	}

	classifier, err := newClassifier(&cfg)
	if err != nil {
		clog.FatalContextf(ctx, "loading classification rules: %v", err)
	}
	suggester, err := newSuggester(&cfg)
	if err != nil {
		clog.FatalContextf(ctx, "loading suggestion commands: %v", err)
	}

	p := poller.New(provider,
		poller.WithClassifier(classifier),
		poller.WithSuggestionEngine(suggester),
	)
	result, err := p.WaitForChecks(ctx, sha, poller.Options{
		Timeout:    cfg.PollTimeout,
		FailFast:   cfg.FailFast,
		RetryFlaky: cfg.RetryFlaky,
		OnProgress: func(u poller.ProgressUpdate) {
			clog.InfoContextf(ctx, "Checks: %d passed, %d failed, %d pending (elapsed %s)",
				u.Summary.Passed, u.Summary.Failed, u.Summary.Pending, u.Elapsed.Round(time.Second))
		},
	})
	if err != nil {
		clog.FatalContextf(ctx, "waiting for checks: %v", err)
	}

	if result.Success {
		clog.InfoContextf(ctx, "All checks passed for %s in %s", sha, result.Duration.Round(time.Second))
		return
	}
	clog.InfoContextf(ctx, "%d check(s) failed for %s", result.Summary.Failed, sha)

	if !cfg.Remediate {
		os.Exit(1)
	}
	if remediated := runRemediation(ctx, &cfg, tokenSource, gh, sha, result.Summary.Failures); !remediated {
		os.Exit(1)
	}
}

// newAuthClient builds the authenticated HTTP client, from either a
// GitHub App installation or a static token.
func newAuthClient(ctx context.Context, cfg *config) (*http.Client, oauth2.TokenSource, error) {
	if cfg.AppID != 0 {
		itr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, cfg.AppID, cfg.AppInstallationID, cfg.AppPrivateKey)
		if err != nil {
			return nil, nil, fmt.Errorf("loading app key: %w", err)
		}
		clog.InfoContextf(ctx, "Using GitHub App auth (app %d, installation %d)", cfg.AppID, cfg.AppInstallationID)
		return &http.Client{Transport: itr}, &installationTokenSource{ctx: ctx, itr: itr}, nil
	}
	if cfg.GitHubToken == "" {
		return nil, nil, fmt.Errorf("no GITHUB_TOKEN and no GitHub App configured")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken})
	return oauth2.NewClient(ctx, ts), ts, nil
}

// installationTokenSource adapts the GitHub App transport to the oauth2
// token source the workspace uses for pushes.
type installationTokenSource struct {
	ctx context.Context
	itr *ghinstallation.Transport
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.itr.Token(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("getting installation token: %w", err)
	}
	return &oauth2.Token{AccessToken: token}, nil
}

func newClassifier(cfg *config) (*classify.Classifier, error) {
	if cfg.ClassifyRules == "" {
		return classify.New(), nil
	}
	f, err := os.Open(cfg.ClassifyRules)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rules, err := classify.LoadRules(f)
	if err != nil {
		return nil, err
	}
	return classify.New(classify.WithRules(rules)), nil
}

func newSuggester(cfg *config) (*suggest.Engine, error) {
	if cfg.SuggestCommands == "" {
		return suggest.NewEngine(), nil
	}
	f, err := os.Open(cfg.SuggestCommands)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	opt, err := suggest.LoadCommands(f)
	if err != nil {
		return nil, err
	}
	return suggest.NewEngine(opt), nil
}

// runRemediation attempts a fix for every failure and reports whether
// all of them were either fixed or simulated successfully.
func runRemediation(ctx context.Context, cfg *config, ts oauth2.TokenSource, gh *github.Client, sha string, failures []checks.FailureDetail) bool {
	repo, err := workspace.Open(cfg.Workspace, workspace.WithTokenSource(ts))
	if err != nil {
		clog.FatalContextf(ctx, "opening workspace %s: %v", cfg.Workspace, err)
	}

	opts := []remediate.Option{
		remediate.WithMaxAttempts(cfg.MaxAttempts),
		remediate.WithMaxChangedLines(cfg.MaxChangedLines),
		remediate.WithVerifyTimeout(cfg.VerifyTimeout),
	}
	if cfg.VerifyCommand != "" {
		opts = append(opts, remediate.WithVerifier(verifier.New(cfg.Workspace, cfg.VerifyCommand)))
	}
	engine := remediate.New(
		repo,
		ghpr.New(gh, cfg.Owner, cfg.Repo, ghpr.WithLabels("automated-fix")),
		toolpick.New(cfg.Workspace),
		execrunner.New(execrunner.WithDir(cfg.Workspace)),
		opts...,
	)

	allHandled := true
	for _, failure := range failures {
		res := engine.AttemptFix(ctx, failure, sha, cfg.DryRun)
		switch {
		case res.Success && res.PullRequest != nil:
			clog.InfoContextf(ctx, "Fixed %s (%s): %s", failure.CheckName, failure.Type, res.PullRequest.URL)
		case res.Success:
			clog.InfoContextf(ctx, "%s (%s): %s", failure.CheckName, failure.Type, res.Message)
		default:
			clog.InfoContextf(ctx, "Did not fix %s (%s): %s %s", failure.CheckName, failure.Type, res.Reason, res.Message)
			allHandled = false
		}
	}

	if data, err := engine.ExportMetrics(); err == nil {
		clog.InfoContextf(ctx, "Remediation metrics:\n%s", data)
	}
	return allHandled
}

func serveMetrics(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	clog.InfoContextf(ctx, "Serving metrics on :%d", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		clog.WarnContextf(ctx, "metrics server: %v", err)
	}
}
