// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

// Package audit records the outcome of every turn. Records go to the
// audit table and to any configured streams; none of it can fail a turn.
package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// EscalationThreshold is the number of consecutive failures of one sink
// after which failures are logged at Error instead of Warn.
const EscalationThreshold = 3

const defaultPublishTimeout = 5 * time.Second

// Publisher streams audit entries somewhere outside the process.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, entry *store.AuditEntry) error
	Close() error
}

// Config holds the sinks of a Recorder. Every field is optional.
type Config struct {
	Store          store.AuditStore
	Publishers     []Publisher
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

type sink struct {
	name     string
	write    func(context.Context, *store.AuditEntry) error
	failures atomic.Int64
}

// Recorder fans an entry out to every sink.
type Recorder struct {
	sinks      []*sink
	publishers []Publisher
	timeout    time.Duration
	logger     *slog.Logger
}

func NewRecorder(cfg Config) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}

	r := &Recorder{publishers: cfg.Publishers, timeout: timeout, logger: logger}
	if cfg.Store != nil {
		r.sinks = append(r.sinks, &sink{name: "store", write: cfg.Store.AppendAudit})
	}
	for _, p := range cfg.Publishers {
		r.sinks = append(r.sinks, &sink{name: p.Name(), write: p.Publish})
	}
	return r
}

// Record writes entry to every sink in turn. Failures are logged, at Warn
// until a sink has failed EscalationThreshold times in a row.
func (r *Recorder) Record(ctx context.Context, entry *store.AuditEntry) {
	for _, s := range r.sinks {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := s.write(callCtx, entry)
		cancel()

		if err == nil {
			s.failures.Store(0)
			continue
		}
		consecutive := s.failures.Add(1)
		level := slog.LevelWarn
		if consecutive >= EscalationThreshold {
			level = slog.LevelError
		}
		r.logger.Log(ctx, level, "audit write failed",
			"sink", s.name,
			"thread_id", entry.ThreadID,
			"turn_id", entry.TurnID,
			"consecutive_failures", consecutive,
			"error", err)
	}
}

// Close closes every publisher. The store is owned by the caller.
func (r *Recorder) Close() error {
	var errs []error
	for _, p := range r.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, skyerr.Wrapf(err, skyerr.CodeAuditPublishFailure, "closing %s publisher", p.Name()))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return skyerr.Join(errs...)
}
