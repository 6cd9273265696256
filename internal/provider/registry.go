// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package provider

import (
	"errors"
	"strings"
	"sync"

	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// Registry maps provider names to providers and resolves
// "provider/model" references.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under name, replacing any previous one.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, skyerr.New(
			skyerr.CodeProviderNotFound,
			"provider not found: "+name,
			skyerr.FieldProvider(name),
		)
	}
	return p, nil
}

// Resolve splits ref into provider and model and returns the provider.
// A bare model name resolves against defaultProvider.
func (r *Registry) Resolve(ref, defaultProvider string) (Provider, string, error) {
	name, model := parseRef(ref)
	if name == "" {
		name = defaultProvider
	}
	p, err := r.Get(name)
	if err != nil {
		return nil, "", err
	}
	return p, model, nil
}

// Close closes every registered provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// parseRef splits "provider/model". A ref without a slash is a bare model.
func parseRef(ref string) (string, string) {
	name, model, ok := strings.Cut(ref, "/")
	if !ok {
		return "", ref
	}
	return name, model
}
