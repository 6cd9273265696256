// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// Compile-time interface check.
var _ store.AuditStore = (*AuditStore)(nil)

// AuditStore implements store.AuditStore backed by SQLite.
type AuditStore struct {
	db *sql.DB
}

const auditDDL = `
CREATE TABLE IF NOT EXISTS turn_audit (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT UNIQUE NOT NULL,
	timestamp       TEXT NOT NULL,
	turn_id         TEXT NOT NULL,
	thread_id       TEXT NOT NULL,
	status          TEXT NOT NULL,
	short_circuited INTEGER NOT NULL DEFAULT 0,
	guardrailed     INTEGER NOT NULL DEFAULT 0,
	tool_calls      INTEGER NOT NULL DEFAULT 0,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	details         TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_turn_audit_thread ON turn_audit(thread_id, seq);
`

func NewAuditStore(dbPath string) (*AuditStore, error) {
	db, err := openDB(dbPath, auditDDL)
	if err != nil {
		return nil, err
	}
	return &AuditStore{db: db}, nil
}

func (a *AuditStore) Close() error {
	return a.db.Close()
}

func (a *AuditStore) AppendAudit(ctx context.Context, e *store.AuditEntry) error {
	if e == nil {
		return skyerr.Wrap(store.ErrInvalidInput, skyerr.CodeStoreInvalidInput, "audit entry is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "marshalling audit details")
	}

	const q = `INSERT INTO turn_audit (id, timestamp, turn_id, thread_id, status, short_circuited, guardrailed, tool_calls, duration_ms, error, details)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = a.db.ExecContext(ctx, q,
		e.ID,
		formatTime(e.Timestamp),
		e.TurnID,
		e.ThreadID,
		e.Status,
		boolToInt(e.ShortCircuited),
		boolToInt(e.Guardrailed),
		e.ToolCalls,
		e.DurationMS,
		e.Error,
		string(details),
	)
	if err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "appending audit entry %s", e.ID)
	}
	return nil
}

func (a *AuditStore) QueryAudit(ctx context.Context, f store.AuditFilter) ([]*store.AuditEntry, error) {
	q := `SELECT id, timestamp, turn_id, thread_id, status, short_circuited, guardrailed, tool_calls, duration_ms, error, details FROM turn_audit`

	var (
		where []string
		args  []any
	)
	if f.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "querying audit entries")
	}
	defer func() { _ = rows.Close() }()

	var out []*store.AuditEntry
	for rows.Next() {
		var (
			e                 store.AuditEntry
			ts, details       string
			short, guardraild int
		)
		if err := rows.Scan(&e.ID, &ts, &e.TurnID, &e.ThreadID, &e.Status, &short, &guardraild,
			&e.ToolCalls, &e.DurationMS, &e.Error, &details); err != nil {
			return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "scanning audit entry")
		}
		e.Timestamp = parseTime(ts)
		e.ShortCircuited = short != 0
		e.Guardrailed = guardraild != 0
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "unmarshalling audit details")
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
