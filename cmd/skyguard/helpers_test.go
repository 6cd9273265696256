// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skyguard-dev/skyguard/internal/secrets"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const baseTestConfig = `
server:
  listen: "127.0.0.1:0"
storage:
  backend: memory
agent:
  provider: openai
  model: gpt-test
  api_key: sk-test
guardrail:
  backend: none
  consult: false
`

// writeTestConfig writes baseTestConfig followed by extra and isolates HOME.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "skyguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseTestConfig+extra), 0o600))
	return path
}

// runCmd executes the root command and returns stdout.
func runCmd(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(io.Discard)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func withStdin(s string) io.Reader { return strings.NewReader(s) }

// mockSecretStore is an in-memory secrets.Store.
type mockSecretStore struct {
	mu   sync.Mutex
	data map[string]string // service/key -> value
}

var _ secrets.Store = (*mockSecretStore)(nil)

func newMockSecretStore() *mockSecretStore {
	return &mockSecretStore{data: make(map[string]string)}
}

func (m *mockSecretStore) Set(service, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[service+"/"+key] = value
	return nil
}

func (m *mockSecretStore) Get(service, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[service+"/"+key]
	if !ok {
		return "", skyerr.New(skyerr.CodeSecretNotFound, "not found")
	}
	return v, nil
}

func (m *mockSecretStore) Delete(service, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[service+"/"+key]; !ok {
		return skyerr.New(skyerr.CodeSecretNotFound, "not found")
	}
	delete(m.data, service+"/"+key)
	return nil
}

// useSecretStore swaps secretStoreFactory for the duration of the test.
func useSecretStore(t *testing.T, s secrets.Store) {
	t.Helper()
	old := secretStoreFactory
	secretStoreFactory = func() secrets.Store { return s }
	t.Cleanup(func() { secretStoreFactory = old })
}
