// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package sqlite

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// openDB opens (or creates) the SQLite database at dbPath and applies ddl.
func openDB(dbPath, ddl string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "opening sqlite db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "pinging sqlite db")
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "migrating sqlite db")
	}

	return db, nil
}

// formatTime serialises a time.Time to RFC3339 with nanosecond precision.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime deserialises a time string stored in the database.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
