/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chainguard.dev/cimender/checks"
	"chainguard.dev/cimender/suggest"
)

// snapshot is one scripted observation of the commit's checks.
type snapshot struct {
	runs     []checks.CheckRun
	statuses []CommitStatus
}

// fakeProvider replays scripted snapshots; the final snapshot repeats
// forever. The two reads of one poll iteration run concurrently, so the
// snapshot index advances once per pair of calls and both reads observe
// the same snapshot regardless of order.
type fakeProvider struct {
	snapshots []snapshot

	mu    sync.Mutex
	reads int
	calls int
}

func (f *fakeProvider) step() snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.reads/2, len(f.snapshots)-1)
	f.reads++
	return f.snapshots[i]
}

func (f *fakeProvider) CheckRunsForCommit(_ context.Context, _ string) ([]checks.CheckRun, error) {
	s := f.step()
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return s.runs, nil
}

func (f *fakeProvider) CombinedStatusForRef(_ context.Context, _ string) ([]CommitStatus, error) {
	return f.step().statuses, nil
}

// newTestPoller wires a poller to a fake clock: sleeps advance the
// clock instead of blocking, so tests run instantly.
func newTestPoller(provider Provider, opts ...Option) (*Poller, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := New(provider, opts...)
	p.now = func() time.Time { return now }
	p.sleep = func(_ context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}
	return p, &now
}

func passingRun(name string) checks.CheckRun {
	return checks.CheckRun{Name: name, Status: checks.StatusCompleted, Conclusion: checks.ConclusionSuccess}
}

func failingRun(name, output string) checks.CheckRun {
	return checks.CheckRun{Name: name, Status: checks.StatusCompleted, Conclusion: checks.ConclusionFailure, Output: output}
}

func pendingRun(name string) checks.CheckRun {
	return checks.CheckRun{Name: name, Status: checks.StatusInProgress}
}

func TestWaitForChecksAllPassed(t *testing.T) {
	provider := &fakeProvider{snapshots: []snapshot{
		{runs: []checks.CheckRun{passingRun("a"), passingRun("b"), passingRun("c"), passingRun("d"), passingRun("e")}},
	}}
	p, _ := newTestPoller(provider)

	res, err := p.WaitForChecks(context.Background(), "deadbeef", Options{})
	if err != nil {
		t.Fatalf("WaitForChecks() error = %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want true")
	}
	if res.Summary.Total != 5 || res.Summary.Passed != 5 {
		t.Errorf("Summary = %+v, want total 5, passed 5", res.Summary)
	}
	if res.Summary.Overall != checks.OverallSuccess {
		t.Errorf("Overall = %q, want success", res.Summary.Overall)
	}
}

func TestWaitForChecksNoChecksConfigured(t *testing.T) {
	provider := &fakeProvider{snapshots: []snapshot{{}}}
	p, _ := newTestPoller(provider)

	var progress []ProgressUpdate
	res, err := p.WaitForChecks(context.Background(), "deadbeef", Options{
		OnProgress: func(u ProgressUpdate) { progress = append(progress, u) },
	})
	if err != nil {
		t.Fatalf("WaitForChecks() error = %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want true for a ref with no checks")
	}
	if res.Reason != ReasonNoChecks {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonNoChecks)
	}
	// Grace-window polls must not spam progress: exactly one event for
	// the terminal "no checks" observation.
	if len(progress) != 1 {
		t.Errorf("got %d progress events, want 1", len(progress))
	}
	// The grace window must actually be exhausted before concluding.
	if res.Duration < registrationGrace {
		t.Errorf("Duration = %s, want >= %s", res.Duration, registrationGrace)
	}
}

func TestWaitForChecksProgressDeltas(t *testing.T) {
	provider := &fakeProvider{snapshots: []snapshot{
		{runs: []checks.CheckRun{pendingRun("lint"), pendingRun("test")}},
		{runs: []checks.CheckRun{passingRun("lint"), pendingRun("test")}},
		// Unchanged counts: no progress event expected.
		{runs: []checks.CheckRun{passingRun("lint"), pendingRun("test")}},
		{runs: []checks.CheckRun{passingRun("lint"), failingRun("test", "1 test failed")}},
	}}
	p, _ := newTestPoller(provider)

	var progress []ProgressUpdate
	res, err := p.WaitForChecks(context.Background(), "deadbeef", Options{
		OnProgress: func(u ProgressUpdate) { progress = append(progress, u) },
	})
	if err != nil {
		t.Fatalf("WaitForChecks() error = %v", err)
	}
	if res.Success {
		t.Error("Success = true, want false")
	}
	if len(progress) != 3 {
		t.Fatalf("got %d progress events, want 3", len(progress))
	}
	if len(progress[1].NewlyPassed) != 1 || progress[1].NewlyPassed[0] != "lint" {
		t.Errorf("second update NewlyPassed = %v, want [lint]", progress[1].NewlyPassed)
	}
	if len(progress[2].NewlyFailed) != 1 || progress[2].NewlyFailed[0] != "test" {
		t.Errorf("third update NewlyFailed = %v, want [test]", progress[2].NewlyFailed)
	}
	// Progress events are strictly time-ordered.
	for i := 1; i < len(progress); i++ {
		if progress[i].Elapsed <= progress[i-1].Elapsed {
			t.Errorf("progress %d elapsed %s not after %s", i, progress[i].Elapsed, progress[i-1].Elapsed)
		}
	}
}

func TestWaitForChecksFailFast(t *testing.T) {
	provider := &fakeProvider{snapshots: []snapshot{
		{runs: []checks.CheckRun{failingRun("build", "compile error"), pendingRun("e2e")}},
	}}
	p, _ := newTestPoller(provider)

	res, err := p.WaitForChecks(context.Background(), "deadbeef", Options{FailFast: true})
	if err != nil {
		t.Fatalf("WaitForChecks() error = %v", err)
	}
	if res.Success {
		t.Error("Success = true, want false")
	}
	if res.Reason != ReasonCriticalFailure {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonCriticalFailure)
	}
	if res.Summary.Pending != 1 {
		t.Errorf("Pending = %d, want 1 (returned while checks remained)", res.Summary.Pending)
	}
}

func TestWaitForChecksNoFailFastForLint(t *testing.T) {
	provider := &fakeProvider{snapshots: []snapshot{
		{runs: []checks.CheckRun{failingRun("eslint", "2 problems"), pendingRun("e2e")}},
		{runs: []checks.CheckRun{failingRun("eslint", "2 problems"), passingRun("e2e")}},
	}}
	p, _ := newTestPoller(provider)

	res, err := p.WaitForChecks(context.Background(), "deadbeef", Options{FailFast: true})
	if err != nil {
		t.Fatalf("WaitForChecks() error = %v", err)
	}
	// A lint failure is not critical: the poller waits for the rest.
	if res.Reason == ReasonCriticalFailure {
		t.Error("lint failure triggered fail-fast, want full wait")
	}
	if res.Summary.Pending != 0 {
		t.Errorf("Pending = %d, want 0", res.Summary.Pending)
	}
}

func TestWaitForChecksRetriesFlaky(t *testing.T) {
	provider := &fakeProvider{snapshots: []snapshot{
		{runs: []checks.CheckRun{failingRun("integration", "connection reset: network unreachable")}},
		{runs: []checks.CheckRun{passingRun("integration")}},
	}}
	p, _ := newTestPoller(provider)

	res, err := p.WaitForChecks(context.Background(), "deadbeef", Options{
		RetryFlaky: true,
		Retry:      RetryOptions{MaxRetries: 2, RetryDelay: time.Second},
	})
	if err != nil {
		t.Fatalf("WaitForChecks() error = %v", err)
	}
	if !res.Success {
		t.Error("Success = false, want true after flaky retry")
	}
	if res.RetriesUsed != 1 {
		t.Errorf("RetriesUsed = %d, want 1", res.RetriesUsed)
	}
}

func TestWaitForChecksRetryBudgetExhausted(t *testing.T) {
	provider := &fakeProvider{snapshots: []snapshot{
		{runs: []checks.CheckRun{failingRun("integration", "timeout waiting for service")}},
	}}
	p, _ := newTestPoller(provider)

	res, err := p.WaitForChecks(context.Background(), "deadbeef", Options{
		RetryFlaky: true,
		Retry:      RetryOptions{MaxRetries: 2, RetryDelay: time.Second},
	})
	if err != nil {
		t.Fatalf("WaitForChecks() error = %v", err)
	}
	if res.Success {
		t.Error("Success = true, want false once retries are exhausted")
	}
	if res.RetriesUsed != 2 {
		t.Errorf("RetriesUsed = %d, want 2", res.RetriesUsed)
	}
}

func TestWaitForChecksNonFlakyFailureNotRetried(t *testing.T) {
	provider := &fakeProvider{snapshots: []snapshot{
		{runs: []checks.CheckRun{failingRun("unit", "assertion failed: want 2, got 3")}},
	}}
	p, _ := newTestPoller(provider)

	res, err := p.WaitForChecks(context.Background(), "deadbeef", Options{
		RetryFlaky: true,
		Retry:      RetryOptions{MaxRetries: 5, RetryDelay: time.Second},
	})
	if err != nil {
		t.Fatalf("WaitForChecks() error = %v", err)
	}
	if res.RetriesUsed != 0 {
		t.Errorf("RetriesUsed = %d, want 0 for a deterministic failure", res.RetriesUsed)
	}
}

func TestWaitForChecksTimeout(t *testing.T) {
	provider := &fakeProvider{snapshots: []snapshot{
		{runs: []checks.CheckRun{pendingRun("forever")}},
	}}
	p, _ := newTestPoller(provider)

	const timeout = time.Minute
	_, err := p.WaitForChecks(context.Background(), "deadbeef", Options{Timeout: timeout})

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if te.LastSummary == nil || te.LastSummary.Pending != 1 {
		t.Errorf("LastSummary = %+v, want pending snapshot", te.LastSummary)
	}
	// Termination bound: with a 30s max interval, the number of polls
	// before a one-minute timeout is small.
	if provider.calls > 15 {
		t.Errorf("provider polled %d times before timing out", provider.calls)
	}
}

func TestWaitForChecksContextCancelled(t *testing.T) {
	provider := &fakeProvider{snapshots: []snapshot{
		{runs: []checks.CheckRun{pendingRun("forever")}},
	}}
	p := New(provider)
	p.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.WaitForChecks(ctx, "deadbeef", Options{}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestWaitForChecksMergesCommitStatuses(t *testing.T) {
	provider := &fakeProvider{snapshots: []snapshot{
		{
			runs:     []checks.CheckRun{passingRun("checks/unit")},
			statuses: []CommitStatus{{Context: "legacy/jenkins", State: "failure"}, {Context: "legacy/sonar", State: "success"}},
		},
	}}
	p, _ := newTestPoller(provider)

	res, err := p.WaitForChecks(context.Background(), "deadbeef", Options{})
	if err != nil {
		t.Fatalf("WaitForChecks() error = %v", err)
	}
	s := res.Summary
	if s.Total != 3 || s.Passed != 2 || s.Failed != 1 {
		t.Errorf("Summary = %+v, want total 3, passed 2, failed 1", s)
	}
	if got := s.Passed + s.Failed + s.Pending + s.Skipped; got != s.Total {
		t.Errorf("counts sum to %d, want Total=%d", got, s.Total)
	}
	if len(s.Failures) != 1 || s.Failures[0].CheckName != "legacy/jenkins" {
		t.Errorf("Failures = %+v, want one for legacy/jenkins", s.Failures)
	}
}

func TestWaitForChecksSuggestedFix(t *testing.T) {
	provider := &fakeProvider{snapshots: []snapshot{
		{runs: []checks.CheckRun{failingRun("eslint", "src/app.ts(3,1): 'x' is never used")}},
	}}
	p, _ := newTestPoller(provider, WithSuggestionEngine(suggest.NewEngine()))

	res, err := p.WaitForChecks(context.Background(), "deadbeef", Options{})
	if err != nil {
		t.Fatalf("WaitForChecks() error = %v", err)
	}
	if len(res.Summary.Failures) != 1 {
		t.Fatalf("Failures = %+v, want 1", res.Summary.Failures)
	}
	if res.Summary.Failures[0].SuggestedFix == "" {
		t.Error("SuggestedFix is empty, want a populated hint")
	}
}

func TestNextInterval(t *testing.T) {
	strategy := Strategy{
		Type:            StrategyExponential,
		InitialInterval: 5 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      1.5,
	}

	tests := []struct {
		name      string
		strategy  Strategy
		current   time.Duration
		lastCheck time.Duration
		want      time.Duration
	}{
		{
			name:     "exponential grows",
			strategy: strategy,
			current:  10 * time.Second,
			want:     15 * time.Second,
		},
		{
			name:     "exponential capped",
			strategy: strategy,
			current:  25 * time.Second,
			want:     30 * time.Second,
		},
		{
			name:      "fast checks halve the interval",
			strategy:  strategy,
			current:   20 * time.Second,
			lastCheck: 3 * time.Second,
			want:      15 * time.Second,
		},
		{
			name:      "halving bounded by initial interval",
			strategy:  strategy,
			current:   5 * time.Second,
			lastCheck: time.Second,
			want:      5 * time.Second,
		},
		{
			name:     "fixed holds constant",
			strategy: Strategy{Type: StrategyFixed, InitialInterval: 7 * time.Second, MaxInterval: 30 * time.Second},
			current:  7 * time.Second,
			want:     7 * time.Second,
		},
		{
			name:      "slow checks leave interval alone",
			strategy:  strategy,
			current:   30 * time.Second,
			lastCheck: time.Minute,
			want:      30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextInterval(tt.current, tt.strategy, tt.lastCheck); got != tt.want {
				t.Errorf("nextInterval(%s) = %s, want %s", tt.current, got, tt.want)
			}
		})
	}
}

func TestRegistrationBackoff(t *testing.T) {
	tests := []struct {
		pollCount int
		want      time.Duration
	}{
		{pollCount: 1, want: time.Second},
		{pollCount: 2, want: 2 * time.Second},
		{pollCount: 3, want: 4 * time.Second},
		{pollCount: 4, want: 5 * time.Second},
		{pollCount: 10, want: 5 * time.Second},
		// A long-lived empty poll loop must not wrap the shift.
		{pollCount: 1 << 20, want: 5 * time.Second},
	}

	for _, tt := range tests {
		if got := registrationBackoff(tt.pollCount); got != tt.want {
			t.Errorf("registrationBackoff(%d) = %s, want %s", tt.pollCount, got, tt.want)
		}
	}
}

func TestLastCheckDuration(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	runs := []checks.CheckRun{
		{Name: "old", Status: checks.StatusCompleted, Conclusion: checks.ConclusionSuccess, StartedAt: base, CompletedAt: base.Add(time.Minute)},
		{Name: "recent", Status: checks.StatusCompleted, Conclusion: checks.ConclusionSuccess, StartedAt: base.Add(2 * time.Minute), CompletedAt: base.Add(2*time.Minute + 4*time.Second)},
		{Name: "running", Status: checks.StatusInProgress, StartedAt: base},
	}
	if got := lastCheckDuration(runs); got != 4*time.Second {
		t.Errorf("lastCheckDuration() = %s, want 4s", got)
	}
	if got := lastCheckDuration(nil); got != 0 {
		t.Errorf("lastCheckDuration(nil) = %s, want 0", got)
	}
}
