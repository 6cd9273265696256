// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

// Package secrets keeps API keys out of config files. A config value of the
// form keyring://service/key is replaced with the secret stored under that
// name before the config is decoded.
package secrets

// DefaultService is the keyring service `skyguard secret set` writes under.
const DefaultService = "skyguard"

// Store reads and writes named secrets.
type Store interface {
	Set(service, key, value string) error
	// Get returns an error with CodeSecretNotFound when nothing is stored.
	Get(service, key string) (string, error)
	Delete(service, key string) error
}
