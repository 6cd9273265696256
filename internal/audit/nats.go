// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package audit

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// NATSPublisher publishes each entry on <prefix>.<status>, so subscribers
// can follow only failures with a subject like "skyguard.audit.failed".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = "skyguard.audit"
	}
	conn, err := nats.Connect(url, nats.Name("skyguard-audit"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, skyerr.Wrapf(err, skyerr.CodeAuditPublishFailure, "connecting to nats at %s", url)
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

func (p *NATSPublisher) Name() string { return "nats:" + p.prefix }

// Subject returns the subject an entry with status is published on.
func (p *NATSPublisher) Subject(status string) string {
	return p.prefix + "." + status
}

func (p *NATSPublisher) Publish(ctx context.Context, entry *store.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return skyerr.Wrap(err, skyerr.CodeAuditPublishFailure, "encoding audit entry")
	}
	if err := p.conn.Publish(p.Subject(entry.Status), data); err != nil {
		return skyerr.Wrap(err, skyerr.CodeAuditPublishFailure, "publishing audit entry")
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return skyerr.Wrap(err, skyerr.CodeAuditPublishFailure, "flushing audit entry")
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
