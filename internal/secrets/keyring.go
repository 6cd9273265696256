// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package secrets

import (
	"errors"

	"github.com/zalando/go-keyring"

	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// KeyringStore keeps secrets in the OS keyring: Keychain on macOS,
// secret-service on Linux and Credential Manager on Windows.
type KeyringStore struct{}

func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func checkName(op, service, key string) error {
	if service == "" {
		return skyerr.Errorf(skyerr.CodeSecretInvalidInput, "secret %s: service must not be empty", op)
	}
	if key == "" {
		return skyerr.Errorf(skyerr.CodeSecretInvalidInput, "secret %s: key must not be empty", op)
	}
	return nil
}

func (s *KeyringStore) Set(service, key, value string) error {
	if err := checkName("set", service, key); err != nil {
		return err
	}
	if value == "" {
		return skyerr.New(skyerr.CodeSecretInvalidInput, "secret set: value must not be empty")
	}
	if err := keyring.Set(service, key, value); err != nil {
		return skyerr.Wrapf(err, skyerr.CodeSecretStoreFailure, "storing secret %s/%s", service, key)
	}
	return nil
}

func (s *KeyringStore) Get(service, key string) (string, error) {
	if err := checkName("get", service, key); err != nil {
		return "", err
	}
	val, err := keyring.Get(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", skyerr.Errorf(skyerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	if err != nil {
		return "", skyerr.Wrapf(err, skyerr.CodeSecretStoreFailure, "reading secret %s/%s", service, key)
	}
	return val, nil
}

func (s *KeyringStore) Delete(service, key string) error {
	if err := checkName("delete", service, key); err != nil {
		return err
	}
	err := keyring.Delete(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return skyerr.Errorf(skyerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	}
	if err != nil {
		return skyerr.Wrapf(err, skyerr.CodeSecretStoreFailure, "deleting secret %s/%s", service, key)
	}
	return nil
}
