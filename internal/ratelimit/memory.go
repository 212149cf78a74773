// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter implements a sliding window rate limiter per client key.
type MemoryLimiter struct {
	// requests maps keys to the timestamps of their accepted requests.
	requests map[string][]time.Time

	limit  int
	window time.Duration
	now    func() time.Time

	// mu protects concurrent access to the requests map.
	mu sync.Mutex

	stop      chan struct{}
	closeOnce sync.Once
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// NewMemoryLimiter creates a limiter and starts its cleanup goroutine.
// Call Close to stop it.
func NewMemoryLimiter(limit int, window time.Duration, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanupLoop()

	return m
}

// Allow checks if a request for key should be admitted and records it if so.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	valid := m.prune(m.requests[key], now)

	if len(valid) >= m.limit {
		m.requests[key] = valid
		return Decision{
			Allowed:    false,
			Limit:      m.limit,
			Remaining:  0,
			RetryAfter: valid[0].Add(m.window).Sub(now),
		}, nil
	}

	valid = append(valid, now)
	m.requests[key] = valid

	return Decision{
		Allowed:   true,
		Limit:     m.limit,
		Remaining: m.limit - len(valid),
	}, nil
}

// Remaining returns the number of requests left for key without recording one.
func (m *MemoryLimiter) Remaining(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := m.limit - len(m.prune(m.requests[key], m.now()))
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Len returns the number of keys currently tracked.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// prune drops timestamps at or before now-window. Timestamps are appended in
// order so the survivors are a suffix.
func (m *MemoryLimiter) prune(timestamps []time.Time, now time.Time) []time.Time {
	windowStart := now.Add(-m.window)
	i := 0
	for i < len(timestamps) && !timestamps[i].After(windowStart) {
		i++
	}
	return timestamps[i:]
}

// Sweep removes keys with no timestamps left in the window.
func (m *MemoryLimiter) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, timestamps := range m.requests {
		valid := m.prune(timestamps, now)
		if len(valid) == 0 {
			delete(m.requests, key)
		} else {
			m.requests[key] = valid
		}
	}
}

func (m *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(m.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}
