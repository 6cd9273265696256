// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package server

import (
	"log/slog"
	"time"
)

// StreamLimiter exposes the per-client limiter to tests with a fake clock
// and no cleanup goroutine.
type StreamLimiter struct{ l *streamLimiter }

func NewStreamLimiter(cfg RateLimitConfig, now func() time.Time) (*StreamLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &StreamLimiter{l: &streamLimiter{cfg: cfg, logger: slog.Default(), visitors: make(map[string]*visitor), now: now}}, nil
}

func (s *StreamLimiter) Acquire(key string) (func(), bool) { return s.l.acquire(key) }

func (s *StreamLimiter) Cleanup() { s.l.cleanup() }

func (s *StreamLimiter) Visitors() int {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	return len(s.l.visitors)
}
