// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/store/sqlite"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

func newVectorStore(t *testing.T) *sqlite.VectorStore {
	t.Helper()
	vs, err := sqlite.NewVectorStore(testDBPath(t, "vectors"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })
	return vs
}

func TestVectorStore_NearestFirst(t *testing.T) {
	ctx := context.Background()
	vs := newVectorStore(t)

	require.NoError(t, vs.Store(ctx, "/baggage#0", []float32{1, 0, 0}, map[string]any{"path": "/baggage"}))
	require.NoError(t, vs.Store(ctx, "/pets#0", []float32{0, 1, 0}, map[string]any{"path": "/pets"}))
	require.NoError(t, vs.Store(ctx, "/baggage#1", []float32{0.9, 0.1, 0}, map[string]any{"path": "/baggage"}))

	results, err := vs.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "/baggage#0", results[0].ID)
	assert.Equal(t, "/baggage#1", results[1].ID)
	assert.InDelta(t, 0, results[0].Score, 1e-6)
	assert.Less(t, results[0].Score, results[1].Score)
	assert.Equal(t, "/baggage", results[0].Metadata["path"])
}

func TestVectorStore_UpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	vs := newVectorStore(t)

	require.NoError(t, vs.Store(ctx, "v1", []float32{1, 0, 0}, map[string]any{"version": float64(1)}))
	require.NoError(t, vs.Store(ctx, "v1", []float32{0, 1, 0}, map[string]any{"version": float64(2)}))

	results, err := vs.Search(ctx, []float32{0, 1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1, "the upsert replaces, never duplicates")
	assert.Equal(t, float64(2), results[0].Metadata["version"])

	require.NoError(t, vs.Delete(ctx, []string{"v1", "missing"}))
	results, err = vs.Search(ctx, []float32{0, 1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestVectorStore_RejectsWrongWidth(t *testing.T) {
	ctx := context.Background()
	vs := newVectorStore(t)

	err := vs.Store(ctx, "v1", []float32{1, 0}, nil)
	assert.True(t, skyerr.HasCode(err, skyerr.CodeStoreInvalidInput))

	_, err = vs.Search(ctx, []float32{1, 0, 0, 0}, 1)
	assert.True(t, skyerr.IsInvalidInput(err))

	_, err = sqlite.NewVectorStore(testDBPath(t, "zero"), 0)
	assert.True(t, skyerr.IsInvalidInput(err))
}

func TestOpen_DefaultVectorWidth(t *testing.T) {
	stores, err := store.Open(&store.StorageConfig{Backend: "sqlite", Path: testDBPath(t, "skyguard")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stores.Close() })
	require.NotNil(t, stores.Vectors)

	embedding := make([]float32, 1536)
	embedding[0] = 1
	require.NoError(t, stores.Vectors.Store(context.Background(), "v1", embedding, nil))
}
