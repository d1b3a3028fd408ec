/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package remediate

import (
	"sync"
	"time"

	"chainguard.dev/cimender/checks"
)

const (
	defaultAttemptTTL     = 6 * time.Hour
	defaultAttemptEntries = 1024
)

type attemptKey struct {
	subject   string
	errorType checks.ErrorType
}

type attemptEntry struct {
	count int
	last  time.Time
}

// attemptStore tracks real fix attempts per (subject, error type). It
// is bounded: entries expire after a TTL and the map is capped, so a
// long-lived daemon does not accumulate state for unrelated subjects.
type attemptStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[attemptKey]*attemptEntry
	now        func() time.Time
}

func newAttemptStore(ttl time.Duration, maxEntries int) *attemptStore {
	if ttl <= 0 {
		ttl = defaultAttemptTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultAttemptEntries
	}
	return &attemptStore{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[attemptKey]*attemptEntry),
		now:        time.Now,
	}
}

// count returns the live attempt count for the key, treating expired
// entries as zero.
func (s *attemptStore) count(subject string, et checks.ErrorType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	e, ok := s.entries[attemptKey{subject, et}]
	if !ok {
		return 0
	}
	return e.count
}

// increment bumps the attempt count for the key and returns the new
// value.
func (s *attemptStore) increment(subject string, et checks.ErrorType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()

	k := attemptKey{subject, et}
	e, ok := s.entries[k]
	if !ok {
		if len(s.entries) >= s.maxEntries {
			s.evictOldestLocked()
		}
		e = &attemptEntry{}
		s.entries[k] = e
	}
	e.count++
	e.last = s.now()
	return e.count
}

func (s *attemptStore) evictLocked() {
	cutoff := s.now().Add(-s.ttl)
	for k, e := range s.entries {
		if e.last.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

func (s *attemptStore) evictOldestLocked() {
	var (
		oldestKey attemptKey
		oldest    time.Time
		found     bool
	)
	for k, e := range s.entries {
		if !found || e.last.Before(oldest) {
			oldestKey, oldest, found = k, e.last, true
		}
	}
	if found {
		delete(s.entries, oldestKey)
	}
}
