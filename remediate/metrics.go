/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package remediate

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chainguard.dev/cimender/checks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remediation_attempts_total",
			Help: "Total remediation attempts by error type and outcome",
		},
		[]string{"error_type", "outcome"},
	)

	reasonCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remediation_failures_total",
			Help: "Failed remediation attempts by reason code",
		},
		[]string{"reason"},
	)

	rollbackCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remediation_rollbacks_total",
			Help: "Remediation attempts that were rolled back",
		},
	)

	fixDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remediation_fix_duration_seconds",
			Help:    "Wall-clock duration of remediation attempts",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
)

// TypeStats is the per-error-type attempt breakdown.
type TypeStats struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// MetricsSnapshot is the exportable view of the engine's counters.
type MetricsSnapshot struct {
	TotalAttempts        int                             `json:"totalAttempts"`
	SuccessfulFixes      int                             `json:"successfulFixes"`
	FailedFixes          int                             `json:"failedFixes"`
	RollbackCount        int                             `json:"rollbackCount"`
	VerificationFailures int                             `json:"verificationFailures"`
	DryRunAttempts       int                             `json:"dryRunAttempts"`
	ByErrorType          map[checks.ErrorType]TypeStats  `json:"byErrorType"`
	ByReason             map[Reason]int                  `json:"byReason"`
	TotalFixDuration     time.Duration                   `json:"totalFixDuration"`
	AverageFixDuration   time.Duration                   `json:"averageFixDuration"`
	SessionStart         time.Time                       `json:"sessionStart"`
	LastUpdated          time.Time                       `json:"lastUpdated"`
}

// Metrics accumulates remediation outcomes for the process lifetime.
// It is resettable and exportable; Prometheus counters are updated
// alongside but are never reset.
type Metrics struct {
	mu sync.Mutex

	totalAttempts        int
	successfulFixes      int
	failedFixes          int
	rollbackCount        int
	verificationFailures int
	dryRunAttempts       int
	byErrorType          map[checks.ErrorType]TypeStats
	byReason             map[Reason]int
	totalDuration        time.Duration
	sessionStart         time.Time
	lastUpdated          time.Time

	now func() time.Time
}

// NewMetrics constructs an empty Metrics session.
func NewMetrics() *Metrics {
	m := &Metrics{now: time.Now}
	m.resetLocked()
	return m
}

func (m *Metrics) resetLocked() {
	m.totalAttempts = 0
	m.successfulFixes = 0
	m.failedFixes = 0
	m.rollbackCount = 0
	m.verificationFailures = 0
	m.dryRunAttempts = 0
	m.byErrorType = make(map[checks.ErrorType]TypeStats)
	m.byReason = make(map[Reason]int)
	m.totalDuration = 0
	m.sessionStart = m.now()
	m.lastUpdated = m.sessionStart
}

// Reset clears the session counters.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// record folds one attempt outcome into the counters.
func (m *Metrics) record(et checks.ErrorType, res *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastUpdated = m.now()
	m.totalDuration += res.Duration
	fixDuration.Observe(res.Duration.Seconds())

	if res.DryRun {
		m.dryRunAttempts++
		attemptsCounter.WithLabelValues(string(et), "dry_run").Inc()
		return
	}

	m.totalAttempts++
	ts := m.byErrorType[et]
	ts.Attempts++
	if res.Success {
		m.successfulFixes++
		ts.Successes++
		attemptsCounter.WithLabelValues(string(et), "success").Inc()
	} else {
		m.failedFixes++
		ts.Failures++
		m.byReason[res.Reason]++
		attemptsCounter.WithLabelValues(string(et), "failure").Inc()
		reasonCounter.WithLabelValues(string(res.Reason)).Inc()
	}
	m.byErrorType[et] = ts

	if res.RolledBack {
		m.rollbackCount++
		rollbackCounter.Inc()
	}
	if res.VerificationFailed {
		m.verificationFailures++
	}
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MetricsSnapshot{
		TotalAttempts:        m.totalAttempts,
		SuccessfulFixes:      m.successfulFixes,
		FailedFixes:          m.failedFixes,
		RollbackCount:        m.rollbackCount,
		VerificationFailures: m.verificationFailures,
		DryRunAttempts:       m.dryRunAttempts,
		ByErrorType:          make(map[checks.ErrorType]TypeStats, len(m.byErrorType)),
		ByReason:             make(map[Reason]int, len(m.byReason)),
		TotalFixDuration:     m.totalDuration,
		SessionStart:         m.sessionStart,
		LastUpdated:          m.lastUpdated,
	}
	for k, v := range m.byErrorType {
		s.ByErrorType[k] = v
	}
	for k, v := range m.byReason {
		s.ByReason[k] = v
	}
	if n := m.totalAttempts + m.dryRunAttempts; n > 0 {
		s.AverageFixDuration = m.totalDuration / time.Duration(n)
	}
	return s
}

// Export renders the snapshot as indented JSON.
func (m *Metrics) Export() ([]byte, error) {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling metrics: %w", err)
	}
	return data, nil
}
