// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package server

import (
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const (
	cleanupInterval = 5 * time.Minute
	staleThreshold  = 10 * time.Minute
)

// RateLimitConfig limits turn submissions per client IP.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. Zero disables the rate check.
	RequestsPerSecond float64
	Burst             int
	// MaxConcurrentStreams caps open streams per client. Zero means no cap.
	MaxConcurrentStreams int
	// MaxVisitors bounds the number of tracked clients. Default: 10000.
	MaxVisitors int
}

// Validate checks c and applies defaults.
func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerSecond < 0 {
		return skyerr.Errorf(skyerr.CodeServerConfigInvalid,
			"rate limit requests per second must not be negative (got %g)", c.RequestsPerSecond)
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		return skyerr.Errorf(skyerr.CodeServerConfigInvalid,
			"rate limit burst must be positive when rate is set (got burst=%d, rate=%g)",
			c.Burst, c.RequestsPerSecond)
	}
	if c.MaxConcurrentStreams < 0 || c.MaxVisitors < 0 {
		return skyerr.New(skyerr.CodeServerConfigInvalid, "rate limit caps must not be negative")
	}
	if c.MaxVisitors == 0 {
		c.MaxVisitors = 10000
	}
	return nil
}

func (c RateLimitConfig) enabled() bool {
	return c.RequestsPerSecond > 0 || c.MaxConcurrentStreams > 0
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	active   int
}

// streamLimiter combines a token bucket per client with an open stream
// count. A nil limiter admits everything.
type streamLimiter struct {
	cfg      RateLimitConfig
	logger   *slog.Logger
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

func newStreamLimiter(cfg RateLimitConfig, logger *slog.Logger, done <-chan struct{}) (*streamLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.enabled() {
		return nil, nil
	}
	l := &streamLimiter{cfg: cfg, logger: logger, visitors: make(map[string]*visitor), now: time.Now}
	go l.cleanupLoop(done)
	return l, nil
}

// acquire admits a stream for key. The returned release must be called
// when the stream ends.
func (l *streamLimiter) acquire(key string) (release func(), ok bool) {
	if l == nil {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	v, exists := l.visitors[key]
	if !exists {
		limit := rate.Inf
		if l.cfg.RequestsPerSecond > 0 {
			limit = rate.Limit(l.cfg.RequestsPerSecond)
		}
		v = &visitor{limiter: rate.NewLimiter(limit, max(l.cfg.Burst, 1))}
		l.visitors[key] = v
	}
	now := l.now()
	v.lastSeen = now

	if l.cfg.MaxConcurrentStreams > 0 && v.active >= l.cfg.MaxConcurrentStreams {
		return nil, false
	}
	if !v.limiter.AllowN(now, 1) {
		return nil, false
	}
	v.active++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			v.active--
			v.lastSeen = l.now()
			l.mu.Unlock()
		})
	}, true
}

func (l *streamLimiter) cleanupLoop(done <-chan struct{}) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-done:
			return
		}
	}
}

// cleanup forgets idle clients, then evicts the least recently seen idle
// ones while the map is over MaxVisitors.
func (l *streamLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	type entry struct {
		key      string
		lastSeen time.Time
	}
	idle := make([]entry, 0, len(l.visitors))
	for key, v := range l.visitors {
		if v.active > 0 {
			continue
		}
		if now.Sub(v.lastSeen) > staleThreshold {
			delete(l.visitors, key)
			continue
		}
		idle = append(idle, entry{key: key, lastSeen: v.lastSeen})
	}

	if over := len(l.visitors) - l.cfg.MaxVisitors; over > 0 {
		slices.SortFunc(idle, func(a, b entry) int { return a.lastSeen.Compare(b.lastSeen) })
		evicted := 0
		for _, e := range idle {
			if evicted == over {
				break
			}
			delete(l.visitors, e.key)
			evicted++
		}
		l.logger.Warn("rate limiter visitor cap enforced",
			"evicted", evicted, "max_visitors", l.cfg.MaxVisitors, "remaining", len(l.visitors))
	}
}

// clientKey is the request's IP without the port, so several connections
// from one host share a bucket. RealIP has already applied proxy headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
