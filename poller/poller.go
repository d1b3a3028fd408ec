/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package poller drives repeated reads of a commit's check status until
// the checks reach a terminal state, the caller's timeout expires, or a
// critical failure short-circuits the wait.
//
// Scheduling is adaptive: a fixed or exponential strategy chooses the
// next interval, halving it when the pipeline's checks complete quickly.
// Progress is reported through a callback, at most once per observed
// change in the counts.
package poller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chainguard.dev/cimender/checks"
	"chainguard.dev/cimender/classify"
	"chainguard.dev/cimender/suggest"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

const (
	// registrationGrace is how long a commit with zero reported checks
	// is presumed to be racing check registration rather than having no
	// checks configured.
	registrationGrace = 20 * time.Second

	// fastCheckThreshold triggers adaptive interval halving: when the
	// most recently completed check ran for less than this, the
	// pipeline is quick and worth polling faster.
	fastCheckThreshold = 10 * time.Second

	defaultTimeout         = 10 * time.Minute
	defaultInitialInterval = 5 * time.Second
	defaultMaxInterval     = 30 * time.Second
	defaultMultiplier      = 1.5
	defaultRetryDelay      = 10 * time.Second
)

// retryableKeywords mark a failure as presumptively flaky and eligible
// for a no-code-change retry.
var retryableKeywords = []string{"timeout", "network", "flaky"}

// CommitStatus is a legacy commit-status report attached to a commit.
type CommitStatus struct {
	Context string
	// State is one of success, pending, failure, error.
	State string
}

// Provider fetches check data for a commit reference.
type Provider interface {
	CheckRunsForCommit(ctx context.Context, ref string) ([]checks.CheckRun, error)
	CombinedStatusForRef(ctx context.Context, ref string) ([]CommitStatus, error)
}

// StrategyType selects how the poll interval evolves.
type StrategyType string

const (
	StrategyFixed       StrategyType = "fixed"
	StrategyExponential StrategyType = "exponential"
)

// Strategy configures the poll schedule.
type Strategy struct {
	Type            StrategyType
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// RetryOptions bound flaky-failure retries.
type RetryOptions struct {
	MaxRetries int
	RetryDelay time.Duration
}

// ProgressUpdate reports an observed change in the check counts.
type ProgressUpdate struct {
	Elapsed     time.Duration
	Summary     *checks.Summary
	NewlyFailed []string
	NewlyPassed []string
}

// Options configure a single WaitForChecks call.
type Options struct {
	Timeout    time.Duration
	Strategy   Strategy
	OnProgress func(ProgressUpdate)
	FailFast   bool
	RetryFlaky bool
	Retry      RetryOptions
}

// Result reason codes.
const (
	ReasonCriticalFailure = "critical_failure"
	ReasonNoChecks        = "no_checks"
)

// Result is the terminal outcome of a WaitForChecks call.
type Result struct {
	Success     bool
	Summary     *checks.Summary
	Duration    time.Duration
	RetriesUsed int
	// Reason is empty for ordinary completion.
	Reason string
}

// TimeoutError reports that the wall-clock budget elapsed before the
// checks reached a terminal state.
type TimeoutError struct {
	Ref     string
	Timeout time.Duration
	// LastSummary is the most recent observation, nil if no checks were
	// ever fetched successfully.
	LastSummary *checks.Summary
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("checks for %s did not complete within %s", e.Ref, e.Timeout)
}

// Option configures a Poller.
type Option func(*Poller)

// WithClassifier overrides the failure classifier.
func WithClassifier(c *classify.Classifier) Option {
	return func(p *Poller) {
		p.classifier = c
	}
}

// WithSuggestionEngine attaches a suggestion engine so failure details
// carry a suggested fix.
func WithSuggestionEngine(e *suggest.Engine) Option {
	return func(p *Poller) {
		p.suggester = e
	}
}

// Poller waits for a commit's checks to complete.
type Poller struct {
	provider   Provider
	classifier *classify.Classifier
	suggester  *suggest.Engine

	// Hooks for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Poller over the given provider.
func New(provider Provider, opts ...Option) *Poller {
	p := &Poller{
		provider:   provider,
		classifier: classify.New(),
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// sleepContext sleeps cooperatively: it wakes early when the context is
// cancelled and never leaves a timer pinning the process.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WaitForChecks polls the provider until the commit's checks reach a
// terminal state. It returns a Result for every terminal outcome
// (including failures); the only error conditions are provider
// transport errors, context cancellation, and *TimeoutError.
func (p *Poller) WaitForChecks(ctx context.Context, ref string, opts Options) (*Result, error) {
	opts = withDefaults(opts)
	log := clog.FromContext(ctx).With("ref", ref)

	start := p.now()
	interval := opts.Strategy.InitialInterval
	pollCount := 0
	retriesUsed := 0

	var (
		prev        *checks.Summary
		prevFailed  = map[string]bool{}
		prevPassed  = map[string]bool{}
		lastSummary *checks.Summary
	)

	for {
		elapsed := p.now().Sub(start)
		// Timeout is checked cooperatively once per iteration, so
		// cancellation granularity is one poll interval.
		if elapsed >= opts.Timeout {
			log.Warnf("Timed out after %s waiting for checks", elapsed)
			return nil, &TimeoutError{Ref: ref, Timeout: opts.Timeout, LastSummary: lastSummary}
		}

		runs, statuses, err := p.fetch(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("fetching check status: %w", err)
		}
		pollCount++

		summary := p.buildSummary(runs, statuses, start)
		lastSummary = summary

		// Registration race: a commit can briefly report zero checks
		// while CI is still registering them. Back off quietly instead
		// of spamming progress with an empty snapshot.
		if summary.Total == 0 {
			if elapsed < registrationGrace {
				wait := registrationBackoff(pollCount)
				log.Debugf("No checks registered yet, waiting %s", wait)
				if err := p.sleep(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			log.Infof("No checks configured for %s", ref)
			emitProgress(opts.OnProgress, ProgressUpdate{Elapsed: elapsed, Summary: summary})
			return &Result{Success: true, Summary: summary, Duration: elapsed, RetriesUsed: retriesUsed, Reason: ReasonNoChecks}, nil
		}

		failedNames, passedNames := runNames(runs, statuses)
		if changed(prev, summary) {
			emitProgress(opts.OnProgress, ProgressUpdate{
				Elapsed:     elapsed,
				Summary:     summary,
				NewlyFailed: newNames(failedNames, prevFailed),
				NewlyPassed: newNames(passedNames, prevPassed),
			})
		}
		prev = summary
		prevFailed = failedNames
		prevPassed = passedNames

		// Terminal: every check has completed.
		if summary.Pending == 0 {
			success := summary.Failed == 0
			if !success && opts.RetryFlaky && retriesUsed < opts.Retry.MaxRetries && hasRetryableFailure(summary.Failures) {
				retriesUsed++
				log.Infof("Failure looks flaky, retrying (%d/%d) after %s", retriesUsed, opts.Retry.MaxRetries, opts.Retry.RetryDelay)
				if err := p.sleep(ctx, opts.Retry.RetryDelay); err != nil {
					return nil, err
				}
				continue
			}
			summary.Duration = elapsed
			return &Result{Success: success, Summary: summary, Duration: elapsed, RetriesUsed: retriesUsed}, nil
		}

		// Fail fast on critical categories even while other checks are
		// still pending.
		if opts.FailFast && hasCriticalFailure(summary.Failures) {
			log.Warnf("Critical failure detected, aborting wait with %d checks pending", summary.Pending)
			summary.Duration = elapsed
			return &Result{Success: false, Summary: summary, Duration: elapsed, RetriesUsed: retriesUsed, Reason: ReasonCriticalFailure}, nil
		}

		interval = nextInterval(interval, opts.Strategy, lastCheckDuration(runs))
		log.Debugf("Checks pending (%d/%d), next poll in %s", summary.Pending, summary.Total, interval)
		if err := p.sleep(ctx, interval); err != nil {
			return nil, err
		}
	}
}

// fetch issues the two status reads concurrently; they are independent
// and merged only after both resolve.
func (p *Poller) fetch(ctx context.Context, ref string) ([]checks.CheckRun, []CommitStatus, error) {
	var (
		runs     []checks.CheckRun
		statuses []CommitStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		runs, err = p.provider.CheckRunsForCommit(gctx, ref)
		return err
	})
	g.Go(func() error {
		var err error
		statuses, err = p.provider.CombinedStatusForRef(gctx, ref)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return runs, statuses, nil
}

func withDefaults(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Strategy.Type == "" {
		opts.Strategy.Type = StrategyExponential
	}
	if opts.Strategy.InitialInterval <= 0 {
		opts.Strategy.InitialInterval = defaultInitialInterval
	}
	if opts.Strategy.MaxInterval <= 0 {
		opts.Strategy.MaxInterval = defaultMaxInterval
	}
	if opts.Strategy.Multiplier <= 1 {
		opts.Strategy.Multiplier = defaultMultiplier
	}
	if opts.Retry.RetryDelay <= 0 {
		opts.Retry.RetryDelay = defaultRetryDelay
	}
	return opts
}

func emitProgress(fn func(ProgressUpdate), u ProgressUpdate) {
	if fn != nil {
		fn(u)
	}
}

// changed reports whether the passed/failed/pending counts moved since
// the previous snapshot.
func changed(prev, cur *checks.Summary) bool {
	if prev == nil {
		return true
	}
	return prev.Passed != cur.Passed || prev.Failed != cur.Failed || prev.Pending != cur.Pending
}

func newNames(cur, prev map[string]bool) []string {
	var names []string
	for name := range cur {
		if !prev[name] {
			names = append(names, name)
		}
	}
	return names
}

func hasRetryableFailure(failures []checks.FailureDetail) bool {
	for _, f := range failures {
		text := strings.ToLower(f.Summary)
		for _, kw := range retryableKeywords {
			if strings.Contains(text, kw) {
				return true
			}
		}
	}
	return false
}

// criticalTypes short-circuit the wait when fail-fast is enabled.
var criticalTypes = map[checks.ErrorType]bool{
	checks.ErrorTypeTest:     true,
	checks.ErrorTypeBuild:    true,
	checks.ErrorTypeSecurity: true,
}

func hasCriticalFailure(failures []checks.FailureDetail) bool {
	for _, f := range failures {
		if criticalTypes[f.Type] {
			return true
		}
	}
	return false
}

// nextInterval advances the poll interval. The exponential strategy
// multiplies up to the cap; both strategies halve (bounded below by the
// initial interval) when the pipeline's checks are completing quickly.
// registrationBackoff doubles from one second per empty poll, capped at
// five seconds. The shift is clamped so large poll counts cannot wrap.
func registrationBackoff(pollCount int) time.Duration {
	shift := pollCount - 1
	if shift > 3 {
		shift = 3
	}
	return min(5*time.Second, time.Second<<uint(shift))
}

func nextInterval(current time.Duration, s Strategy, lastCheck time.Duration) time.Duration {
	next := current
	if s.Type == StrategyExponential {
		next = time.Duration(float64(current) * s.Multiplier)
		if next > s.MaxInterval {
			next = s.MaxInterval
		}
	}
	if lastCheck > 0 && lastCheck < fastCheckThreshold {
		next = max(next/2, s.InitialInterval)
	}
	return next
}

// lastCheckDuration returns the run time of the most recently completed
// check, or zero when nothing has completed with timing data.
func lastCheckDuration(runs []checks.CheckRun) time.Duration {
	var latest checks.CheckRun
	for _, r := range runs {
		if !r.Completed() || r.CompletedAt.IsZero() || r.StartedAt.IsZero() {
			continue
		}
		if r.CompletedAt.After(latest.CompletedAt) {
			latest = r
		}
	}
	if latest.CompletedAt.IsZero() {
		return 0
	}
	return latest.CompletedAt.Sub(latest.StartedAt)
}
