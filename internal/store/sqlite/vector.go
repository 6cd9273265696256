// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

func init() {
	sqlite_vec.Auto()
}

// Compile-time interface check.
var _ store.VectorStore = (*VectorStore)(nil)

// VectorStore implements store.VectorStore with a sqlite-vec vec0 table.
// Metadata lives in a companion table since vec0 rows hold only the vector.
type VectorStore struct {
	db         *sql.DB
	dimensions int
}

const vectorMetadataDDL = `
CREATE TABLE IF NOT EXISTS kb_vector_metadata (
	id       TEXT PRIMARY KEY,
	metadata TEXT NOT NULL DEFAULT '{}'
);`

// NewVectorStore opens (or creates) the vector tables in dbPath. The width
// of an existing table is fixed; vectors of another width are rejected.
func NewVectorStore(dbPath string, dimensions int) (*VectorStore, error) {
	if dimensions <= 0 {
		return nil, skyerr.Errorf(skyerr.CodeStoreInvalidInput, "vector dimensions must be positive, got %d", dimensions)
	}
	ddl := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS kb_vectors USING vec0(id TEXT PRIMARY KEY, embedding float[%d]);`,
		dimensions,
	) + vectorMetadataDDL

	db, err := openDB(dbPath, ddl)
	if err != nil {
		return nil, err
	}
	return &VectorStore{db: db, dimensions: dimensions}, nil
}

func (v *VectorStore) checkWidth(embedding []float32) error {
	if len(embedding) != v.dimensions {
		return skyerr.Errorf(skyerr.CodeStoreInvalidInput, "embedding has %d dimensions, want %d", len(embedding), v.dimensions)
	}
	return nil
}

// Store inserts or replaces a vector and its metadata.
func (v *VectorStore) Store(ctx context.Context, id string, embedding []float32, metadata map[string]any) error {
	if id == "" {
		return skyerr.Wrap(store.ErrInvalidInput, skyerr.CodeStoreInvalidInput, "vector id is required")
	}
	if err := v.checkWidth(embedding); err != nil {
		return err
	}
	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return skyerr.Wrapf(err, skyerr.CodeStoreInvalidInput, "serializing embedding %s", id)
	}

	metaJSON := []byte("{}")
	if len(metadata) > 0 {
		if metaJSON, err = json.Marshal(metadata); err != nil {
			return skyerr.Wrapf(err, skyerr.CodeStoreInvalidInput, "marshalling metadata of vector %s", id)
		}
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "beginning vector write")
	}
	defer func() { _ = tx.Rollback() }()

	// vec0 does not support ON CONFLICT; delete first for upsert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_vectors WHERE id = ?`, id); err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "replacing vector %s", id)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kb_vectors(id, embedding) VALUES (?, ?)`, id, blob); err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "inserting vector %s", id)
	}

	const metaQ = `INSERT INTO kb_vector_metadata(id, metadata) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET metadata = excluded.metadata`
	if _, err := tx.ExecContext(ctx, metaQ, id, string(metaJSON)); err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "upserting metadata of vector %s", id)
	}

	if err := tx.Commit(); err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "committing vector %s", id)
	}
	return nil
}

// Search runs a k-nearest-neighbour query. Score is the vec0 distance.
func (v *VectorStore) Search(ctx context.Context, query []float32, k int) ([]store.VectorResult, error) {
	if err := v.checkWidth(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, skyerr.Wrap(err, skyerr.CodeStoreInvalidInput, "serializing query vector")
	}

	const q = `SELECT v.id, v.distance, COALESCE(m.metadata, '{}')
FROM kb_vectors v
LEFT JOIN kb_vector_metadata m ON m.id = v.id
WHERE v.embedding MATCH ? AND k = ?
ORDER BY v.distance`

	rows, err := v.db.QueryContext(ctx, q, blob, k)
	if err != nil {
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "searching vectors")
	}
	defer func() { _ = rows.Close() }()

	var results []store.VectorResult
	for rows.Next() {
		var (
			r       store.VectorResult
			metaStr string
		)
		if err := rows.Scan(&r.ID, &r.Score, &metaStr); err != nil {
			return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "scanning vector result")
		}
		if metaStr != "" && metaStr != "{}" {
			if err := json.Unmarshal([]byte(metaStr), &r.Metadata); err != nil {
				return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "unmarshalling metadata of vector %s", r.ID)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "iterating vector results")
	}
	return results, nil
}

// Delete removes vectors and their metadata by id.
func (v *VectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "beginning vector delete")
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_vectors WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "deleting vectors")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_vector_metadata WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "deleting vector metadata")
	}

	if err := tx.Commit(); err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "committing vector delete")
	}
	return nil
}

// Close closes the underlying database connection.
func (v *VectorStore) Close() error {
	return v.db.Close()
}
