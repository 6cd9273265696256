// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// Compile-time interface check.
var _ store.BookingStore = (*BookingStore)(nil)

// BookingStore implements store.BookingStore backed by SQLite.
type BookingStore struct {
	db *sql.DB
}

const bookingDDL = `
CREATE TABLE IF NOT EXISTS bookings (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT UNIQUE NOT NULL,
	status     TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status);
`

func NewBookingStore(dbPath string) (*BookingStore, error) {
	db, err := openDB(dbPath, bookingDDL)
	if err != nil {
		return nil, err
	}
	return &BookingStore{db: db}, nil
}

func (b *BookingStore) Close() error {
	return b.db.Close()
}

func (b *BookingStore) PutBooking(ctx context.Context, bk *store.Booking) error {
	if bk == nil || bk.ID == "" {
		return skyerr.Wrap(store.ErrInvalidInput, skyerr.CodeStoreInvalidInput, "booking id is required")
	}

	now := time.Now()
	created := bk.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := bk.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	const q = `INSERT INTO bookings (id, status, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, payload = excluded.payload, updated_at = excluded.updated_at`
	if _, err := b.db.ExecContext(ctx, q, bk.ID, bk.Status, string(bk.Payload), formatTime(created), formatTime(updated)); err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "storing booking %s", bk.ID)
	}
	return nil
}

func (b *BookingStore) GetBooking(ctx context.Context, id string) (*store.Booking, error) {
	const q = `SELECT id, status, payload, created_at, updated_at FROM bookings WHERE id = ?`

	bk, err := scanBooking(b.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, skyerr.Wrap(store.ErrNotFound, skyerr.CodeStoreBookingNotFound, "booking not found: "+id)
	}
	if err != nil {
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "getting booking %s", id)
	}
	return bk, nil
}

func (b *BookingStore) ListBookings(ctx context.Context, status string) ([]*store.Booking, error) {
	q := `SELECT id, status, payload, created_at, updated_at FROM bookings`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY seq ASC`

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "listing bookings")
	}
	defer func() { _ = rows.Close() }()

	var out []*store.Booking
	for rows.Next() {
		bk, err := scanBooking(rows)
		if err != nil {
			return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "scanning booking")
		}
		out = append(out, bk)
	}
	return out, rows.Err()
}

func (b *BookingStore) ResetBookings(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM bookings`); err != nil {
		return skyerr.Wrap(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "resetting bookings")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*store.Booking, error) {
	var (
		bk                            store.Booking
		payload, createdAt, updatedAt string
	)
	if err := row.Scan(&bk.ID, &bk.Status, &payload, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	bk.Payload = []byte(payload)
	bk.CreatedAt = parseTime(createdAt)
	bk.UpdatedAt = parseTime(updatedAt)
	return &bk, nil
}
