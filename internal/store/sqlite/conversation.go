// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// Compile-time interface check.
var _ store.ConversationStore = (*ConversationStore)(nil)

// ConversationStore implements store.ConversationStore backed by SQLite.
// A turn is written in one transaction so readers never see half of it.
type ConversationStore struct {
	db *sql.DB
}

const conversationDDL = `
CREATE TABLE IF NOT EXISTS threads (
	id                 TEXT PRIMARY KEY,
	validation_enabled INTEGER NOT NULL,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT UNIQUE NOT NULL,
	thread_id  TEXT NOT NULL,
	turn_id    TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	tool_call  TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq);
`

// NewConversationStore opens (or creates) a SQLite database at dbPath and
// initialises the threads and messages tables.
func NewConversationStore(dbPath string) (*ConversationStore, error) {
	db, err := openDB(dbPath, conversationDDL)
	if err != nil {
		return nil, err
	}
	return &ConversationStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *ConversationStore) Close() error {
	return s.db.Close()
}

func (s *ConversationStore) EnsureThread(ctx context.Context, threadID string, validationEnabled bool) (*store.Thread, error) {
	if threadID == "" {
		return nil, skyerr.Wrap(store.ErrInvalidInput, skyerr.CodeStoreInvalidInput, "thread id is required")
	}

	now := formatTime(time.Now())
	const insert = `INSERT OR IGNORE INTO threads (id, validation_enabled, created_at, updated_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, insert, threadID, boolToInt(validationEnabled), now, now); err != nil {
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "ensuring thread %s", threadID)
	}

	t, err := s.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if t.ValidationEnabled != validationEnabled {
		return nil, store.FlagMismatch(threadID, t.ValidationEnabled, validationEnabled)
	}
	return t, nil
}

func (s *ConversationStore) GetThread(ctx context.Context, threadID string) (*store.Thread, error) {
	const q = `SELECT id, validation_enabled, created_at, updated_at FROM threads WHERE id = ?`

	var (
		t                    store.Thread
		enabled              int
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, q, threadID).Scan(&t.ID, &enabled, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ThreadNotFound(threadID)
	}
	if err != nil {
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "getting thread %s", threadID)
	}
	t.ValidationEnabled = enabled != 0
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func (s *ConversationStore) Read(ctx context.Context, threadID string) ([]*store.Message, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	const q = `SELECT id, thread_id, role, content, tool_call, metadata, created_at
FROM messages WHERE thread_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, q, threadID)
	if err != nil {
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "reading thread %s", threadID)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*store.Message
	for rows.Next() {
		var (
			m                   store.Message
			role, toolCall      string
			metadata, createdAt string
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Text, &toolCall, &metadata, &createdAt); err != nil {
			return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "scanning message")
		}
		m.Role = store.MessageRole(role)
		m.CreatedAt = parseTime(createdAt)
		if toolCall != "" {
			var tc store.ToolCall
			if err := json.Unmarshal([]byte(toolCall), &tc); err != nil {
				return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "unmarshalling tool call of message %s", m.ID)
			}
			m.ToolCall = &tc
		}
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "unmarshalling metadata of message %s", m.ID)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (s *ConversationStore) Append(ctx context.Context, threadID string, trace store.TurnTrace) error {
	if err := store.ValidateTrace(threadID, trace); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "beginning turn commit")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, formatTime(now), threadID)
	if err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "touching thread %s", threadID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ThreadNotFound(threadID)
	}

	const insert = `INSERT INTO messages (id, thread_id, turn_id, role, content, tool_call, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	for _, m := range trace.Messages() {
		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		var toolCall []byte
		if m.ToolCall != nil {
			if toolCall, err = json.Marshal(m.ToolCall); err != nil {
				return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "marshalling tool call")
			}
		}
		metadata, err := json.Marshal(m.Metadata)
		if err != nil {
			return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "marshalling message metadata")
		}
		if _, err := tx.ExecContext(ctx, insert,
			id, threadID, trace.TurnID, string(m.Role), m.Text, string(toolCall), string(metadata), formatTime(createdAt),
		); err != nil {
			return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "appending message %s", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "committing turn %s", trace.TurnID)
	}
	return nil
}
