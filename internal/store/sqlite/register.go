// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package sqlite

import (
	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

func init() {
	store.RegisterBackend("sqlite", Open)
}

// Open creates every store against the single database file in cfg.Path.
// Each store keeps its own connection pool; WAL mode lets them share the file.
func Open(cfg *store.StorageConfig) (*store.Stores, error) {
	if cfg.Path == "" {
		return nil, skyerr.Wrap(store.ErrInvalidInput, skyerr.CodeStoreInvalidInput, "sqlite backend requires a database path")
	}

	// Track opened stores for cleanup on partial failure.
	var closers []interface{ Close() error }
	cleanup := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	conv, err := NewConversationStore(cfg.Path)
	if err != nil {
		return nil, skyerr.Wrap(err, skyerr.CodeStoreDatabaseFailure, "creating conversation store")
	}
	closers = append(closers, conv)

	kb, err := NewKnowledgeStore(cfg.Path)
	if err != nil {
		cleanup()
		return nil, skyerr.Wrap(err, skyerr.CodeStoreDatabaseFailure, "creating knowledge store")
	}
	closers = append(closers, kb)

	bookings, err := NewBookingStore(cfg.Path)
	if err != nil {
		cleanup()
		return nil, skyerr.Wrap(err, skyerr.CodeStoreDatabaseFailure, "creating booking store")
	}
	closers = append(closers, bookings)

	audit, err := NewAuditStore(cfg.Path)
	if err != nil {
		cleanup()
		return nil, skyerr.Wrap(err, skyerr.CodeStoreDatabaseFailure, "creating audit store")
	}
	closers = append(closers, audit)

	vectors, err := NewVectorStore(cfg.Path, cfg.VectorDimensions)
	if err != nil {
		cleanup()
		return nil, skyerr.Wrap(err, skyerr.CodeStoreDatabaseFailure, "creating vector store")
	}

	return &store.Stores{
		Conversations: conv,
		Knowledge:     kb,
		Bookings:      bookings,
		Audit:         audit,
		Vectors:       vectors,
	}, nil
}
