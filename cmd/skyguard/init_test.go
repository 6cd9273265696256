// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"os"
	"path/filepath"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/skyguard-dev/skyguard/internal/config"
	"github.com/skyguard-dev/skyguard/internal/secrets"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

func TestGenerateConfigYAML(t *testing.T) {
	tests := []struct {
		name      string
		result    initResult
		model     string
		apiKey    string
		guardrail map[string]any
	}{
		{
			name:      "openai with policy",
			result:    initResult{Provider: "openai", APIKey: "sk-1", Guardrail: "policy"},
			model:     "gpt-4.1",
			apiKey:    "keyring://skyguard/openai-api-key",
			guardrail: map[string]any{"backend": "policy"},
		},
		{
			name:   "anthropic with codex",
			result: initResult{Provider: "anthropic", APIKey: "sk-ant", Guardrail: "codex", CodexKey: "cx", ProjectID: "proj-1"},
			model:  "claude-sonnet-4-5",
			apiKey: "keyring://skyguard/anthropic-api-key",
			guardrail: map[string]any{
				"backend":    "codex",
				"api_key":    "keyring://skyguard/codex-api-key",
				"project_id": "proj-1",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := GenerateConfigYAML(tt.result, "/data")
			require.NoError(t, err)
			assert.NotContains(t, out, tt.result.APIKey, "secrets are never written")

			var doc map[string]map[string]any
			require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
			assert.Equal(t, tt.model, doc["agent"]["model"])
			assert.Equal(t, tt.apiKey, doc["agent"]["api_key"])
			assert.Equal(t, tt.guardrail, doc["guardrail"])
			assert.Equal(t, filepath.Join("/data", "skyguard.db"), doc["storage"]["path"])
		})
	}
}

func TestGenerateConfigYAML_Loads(t *testing.T) {
	out, err := GenerateConfigYAML(initResult{Provider: "openai", APIKey: "sk", Guardrail: "none"}, t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "skyguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(out), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Guardrail.Backend)
	assert.Equal(t, defaultAddr, cfg.Server.Listen)
}

func useConfigPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "skyguard.yaml")
	old := configPathForWrite
	configPathForWrite = func() (string, error) { return path, nil }
	t.Cleanup(func() { configPathForWrite = old })
	return path
}

func TestStoreSecretsAndWriteConfig(t *testing.T) {
	path := useConfigPath(t)
	store := newMockSecretStore()

	result := initResult{Provider: "openai", APIKey: "sk-1", Guardrail: "codex", CodexKey: "cx-1", ProjectID: "p"}
	got, err := storeSecretsAndWriteConfig(result, store, false)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	v, err := store.Get(secrets.DefaultService, "openai-api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-1", v)
	v, err = store.Get(secrets.DefaultService, "codex-api-key")
	require.NoError(t, err)
	assert.Equal(t, "cx-1", v)

	_, err = storeSecretsAndWriteConfig(result, store, false)
	require.Error(t, err)
	assert.True(t, skyerr.HasCode(err, skyerr.CodeConfigAlreadyExists))

	_, err = storeSecretsAndWriteConfig(result, store, true)
	assert.NoError(t, err)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(t *testing.T, m initModel, keys ...string) initModel {
	t.Helper()
	for _, k := range keys {
		next, _ := m.Update(key(k))
		var ok bool
		m, ok = next.(initModel)
		require.True(t, ok)
	}
	return m
}

func TestInitWizard_PolicyFlow(t *testing.T) {
	m := newInitModel(newMockSecretStore())

	m = press(t, m, "down", "enter")
	assert.Equal(t, stepAPIKey, m.step)
	assert.Equal(t, "anthropic", m.result.Provider)

	m = press(t, m, "enter")
	assert.Equal(t, stepAPIKey, m.step, "empty key is rejected")
	assert.NotEmpty(t, m.inputErr)

	m = press(t, m, "sk-ant", "enter")
	assert.Equal(t, stepGuardrail, m.step)
	assert.Equal(t, "sk-ant", m.result.APIKey)

	next, cmd := m.Update(key("enter"))
	m = next.(initModel)
	assert.Equal(t, stepSaving, m.step)
	assert.Equal(t, "policy", m.result.Guardrail)
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "Saving")
}

func TestInitWizard_CodexFlow(t *testing.T) {
	m := newInitModel(newMockSecretStore())
	m = press(t, m, "enter", "sk-1", "enter", "down", "enter")
	assert.Equal(t, stepCodexKey, m.step)

	m = press(t, m, "cx-1", "enter")
	assert.Equal(t, stepCodexProject, m.step)
	assert.Equal(t, "cx-1", m.result.CodexKey)

	m = press(t, m, "proj-9", "enter")
	assert.Equal(t, stepSaving, m.step)
	assert.Equal(t, initResult{Provider: "openai", APIKey: "sk-1", Guardrail: "codex", CodexKey: "cx-1", ProjectID: "proj-9"}, m.result)
}

func TestInitWizard_DoneAndError(t *testing.T) {
	m := newInitModel(newMockSecretStore())

	next, _ := m.Update(configWrittenMsg{path: "/tmp/skyguard.yaml"})
	done := next.(initModel)
	assert.Equal(t, stepDone, done.step)
	assert.Contains(t, done.View(), "/tmp/skyguard.yaml")

	next, _ = m.Update(skyerr.New(skyerr.CodeSecretStoreFailure, "keyring locked"))
	failed := next.(initModel)
	assert.Equal(t, stepError, failed.step)
	assert.Contains(t, failed.View(), "keyring locked")
}

func TestInit_RequiresTerminal(t *testing.T) {
	_, err := runCmd(t, withStdin(""), "init")
	require.Error(t, err)
	assert.True(t, skyerr.HasCode(err, skyerr.CodeCLISetupFailure))
}
