// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package store

// StorageConfig controls which backend the store factory uses.
type StorageConfig struct {
	Backend string // "sqlite" (default) or "memory"
	Path    string // database file for file-backed backends
	// VectorDimensions is the embedding width; 0 uses the default (1536).
	VectorDimensions int
}
