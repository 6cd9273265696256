// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package secrets

import (
	"strings"

	"github.com/spf13/viper"

	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const keyringScheme = "keyring://"

func IsKeyringURI(value string) bool {
	return strings.HasPrefix(value, keyringScheme)
}

// ParseKeyringURI splits keyring://service/key. The key may contain slashes.
func ParseKeyringURI(uri string) (service, key string, err error) {
	if !IsKeyringURI(uri) {
		return "", "", skyerr.Errorf(skyerr.CodeSecretInvalidInput, "not a keyring URI: %q", uri)
	}
	service, key, ok := strings.Cut(strings.TrimPrefix(uri, keyringScheme), "/")
	if !ok || service == "" || key == "" {
		return "", "", skyerr.Errorf(skyerr.CodeSecretInvalidInput,
			"invalid keyring URI %q: expected keyring://service/key", uri)
	}
	return service, key, nil
}

// Resolve returns the secret a keyring URI names, or value unchanged when it
// is not a keyring URI.
func Resolve(store Store, value string) (string, error) {
	if !IsKeyringURI(value) {
		return value, nil
	}
	service, key, err := ParseKeyringURI(value)
	if err != nil {
		return "", err
	}
	secret, err := store.Get(service, key)
	if err != nil {
		return "", skyerr.Wrapf(err, skyerr.CodeSecretResolveFailure, "resolving %q", value)
	}
	return secret, nil
}

// ResolveViperSecrets replaces every keyring URI in v with its secret. All
// unresolvable keys are reported together; the URIs that failed stay in place.
func ResolveViperSecrets(v *viper.Viper, store Store) error {
	var errs []error
	for _, cfgKey := range v.AllKeys() {
		val, ok := v.Get(cfgKey).(string)
		if !ok || !IsKeyringURI(val) {
			continue
		}
		resolved, err := Resolve(store, val)
		if err != nil {
			errs = append(errs, skyerr.Wrapf(err, skyerr.CodeSecretResolveFailure, "config key %s", cfgKey))
			continue
		}
		v.Set(cfgKey, resolved)
	}
	if len(errs) == 0 {
		return nil
	}
	return skyerr.Join(errs...)
}
