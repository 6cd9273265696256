// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package store

import (
	"sync"

	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// defaultVectorDimensions matches OpenAI text-embedding-3-small.
const defaultVectorDimensions = 1536

// BackendFactory opens every store a backend provides.
type BackendFactory func(cfg *StorageConfig) (*Stores, error)

var (
	factories   = map[string]BackendFactory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers the factory for a named storage backend.
// Backend packages call this from init(). This function is goroutine-safe.
func RegisterBackend(name string, factory BackendFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// resolveBackend returns the effective backend name, defaulting to "sqlite".
func resolveBackend(cfg *StorageConfig) string {
	if cfg == nil || cfg.Backend == "" {
		return "sqlite"
	}
	return cfg.Backend
}

// Open creates the stores for the configured backend.
func Open(cfg *StorageConfig) (*Stores, error) {
	backend := resolveBackend(cfg)

	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, skyerr.Errorf(skyerr.CodeStoreBackendUnsupported, "unsupported storage backend: %q", backend)
	}

	resolved := StorageConfig{}
	if cfg != nil {
		resolved = *cfg
	}
	if resolved.VectorDimensions <= 0 {
		resolved.VectorDimensions = defaultVectorDimensions
	}
	return factory(&resolved)
}
