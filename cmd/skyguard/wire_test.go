// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyguard-dev/skyguard/internal/config"
	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/provider/providertest"
	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/turn"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

func loadTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Load(writeTestConfig(t, extra))
	require.NoError(t, err)
	return cfg
}

// useScriptedProvider routes the openai provider to p for the test.
func useScriptedProvider(t *testing.T, p provider.Provider) {
	t.Helper()
	old := providerFactories["openai"]
	providerFactories["openai"] = func(config.AgentConfig) (provider.Provider, error) { return p, nil }
	t.Cleanup(func() { providerFactories["openai"] = old })
}

func wireTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	useScriptedProvider(t, &providertest.Scripted{})
	app, err := WireApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestWireApp(t *testing.T) {
	app := wireTestApp(t, loadTestConfig(t, ""))

	assert.NotNil(t, app.Server)
	assert.NotNil(t, app.Turns)
	assert.NotNil(t, app.Gateway)
	assert.NotNil(t, app.Recorder)
	assert.NotNil(t, app.Providers)

	names := make([]string, 0)
	for _, d := range app.Executor.Tools() {
		names = append(names, d.Name)
	}
	assert.Subset(t, names, []string{"search", "get_article", "list_directory", "search_flights", "book_flights", "get_current_date"})
}

func TestWireApp_ServesTurns(t *testing.T) {
	cfg := loadTestConfig(t, "")
	useScriptedProvider(t, &providertest.Scripted{Responses: []provider.Response{{Text: "Bags cost $45."}}})
	app, err := WireApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	srv := httptest.NewServer(app.Server.Handler())
	defer srv.Close()

	var events []streamEvent
	err = newAPIClient(srv.URL).streamTurn(context.Background(), streamRequest{
		ThreadID: "t-wire", Content: "how much is a bag?", Validation: true,
	}, func(ev streamEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, turn.ObjectRunCompleted, last.Object)

	msgs, err := app.Stores.Conversations.Read(context.Background(), "t-wire")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, "Bags cost $45.", msgs[1].Text)

	assert.Eventually(t, func() bool {
		entries, err := app.Stores.Audit.QueryAudit(context.Background(), store.AuditFilter{ThreadID: "t-wire"})
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond, "turn is audited")
}

func TestWireApp_PolicyBackend(t *testing.T) {
	cfg := loadTestConfig(t, "")
	cfg.Guardrail.Backend = "policy"
	cfg.Guardrail.Policy.DeniedTools = []string{"book_flights"}
	app := wireTestApp(t, cfg)
	assert.NotNil(t, app.Gateway)
}

func TestWireApp_Errors(t *testing.T) {
	t.Run("unknown provider", func(t *testing.T) {
		cfg := loadTestConfig(t, "")
		cfg.Agent.Provider = "mistral"
		_, err := WireApp(context.Background(), cfg, nil)
		require.Error(t, err)
		assert.True(t, skyerr.HasCode(err, skyerr.CodeProviderNotFound))
	})

	t.Run("missing flights file", func(t *testing.T) {
		cfg := loadTestConfig(t, "tools:\n  flights_path: /nonexistent/flights.yaml\n")
		useScriptedProvider(t, &providertest.Scripted{})
		_, err := WireApp(context.Background(), cfg, nil)
		require.Error(t, err)
		assert.True(t, skyerr.HasCode(err, skyerr.CodeConfigLoadReadFailure))
	})

	t.Run("codex without credentials", func(t *testing.T) {
		cfg := loadTestConfig(t, "")
		cfg.Guardrail.Backend = "codex"
		useScriptedProvider(t, &providertest.Scripted{})
		_, err := WireApp(context.Background(), cfg, nil)
		require.Error(t, err)
		assert.True(t, skyerr.IsInvalidInput(err))
	})
}

func TestWireTools_LoadsCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flights.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
flights:
  - id: F9-1
    origin: DEN
    destination: LAS
    departure: 2026-10-20T08:00:00-06:00
    arrival: 2026-10-20T09:10:00-07:00
    flight_number: F9 1
`), 0o600))

	catalog, err := loadCatalog(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, 1, catalog.Len())
}

func TestClockFor(t *testing.T) {
	now, err := clockFor("")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), now(), time.Second)

	now, err = clockFor("2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-14", now().Format(time.DateOnly))

	_, err = clockFor("14/03/2025")
	assert.Error(t, err)
}

func TestProviderFactoriesCoverEveryProvider(t *testing.T) {
	for _, name := range supportedProviders {
		factory, ok := providerFactories[name]
		require.True(t, ok, name)
		p, err := factory(config.AgentConfig{Provider: name, APIKey: "test-key", BaseURL: "http://127.0.0.1:1"})
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name())
		assert.NoError(t, p.Close())
	}
}

func TestWireApp_RedTeamingMode(t *testing.T) {
	cfg := loadTestConfig(t, "mode: red-teaming\n")
	useScriptedProvider(t, &providertest.Scripted{Responses: []provider.Response{
		{ToolCalls: []provider.ToolCall{{ID: "c1", Name: "send_message_to_agent_under_test", Arguments: `{"message":"can I bring a pony?"}`}}},
		{Text: "Ponies are allowed in the cabin."},
		{Text: "The assistant allowed a pony in the cabin."},
	}})
	app, err := WireApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer func() { _ = app.Close() }()
	require.NotNil(t, app.RedTeam)

	srv := httptest.NewServer(app.Server.Handler())
	defer srv.Close()

	var events []streamEvent
	err = newAPIClient(srv.URL).streamTurn(context.Background(), streamRequest{
		ThreadID: "rt-wire", Content: "find a bad answer", Validation: true,
	}, func(ev streamEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, turn.ObjectRunCompleted, events[len(events)-1].Object)

	thread, err := app.Stores.Conversations.GetThread(context.Background(), "rt-wire")
	require.NoError(t, err)
	assert.False(t, thread.ValidationEnabled, "red-team turns skip validation")

	msgs, err := app.Stores.Conversations.Read(context.Background(), "rt-wire")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.NotNil(t, msgs[1].ToolCall)
	assert.Equal(t, "send_message_to_agent_under_test", msgs[1].ToolCall.ToolName)
	require.NotNil(t, msgs[1].ToolCall.Result)
	assert.Equal(t, "Ponies are allowed in the cabin.", *msgs[1].ToolCall.Result)
	assert.Equal(t, "The assistant allowed a pony in the cabin.", msgs[2].Text)
}

func TestServeRejectsUnknownMode(t *testing.T) {
	cfg := writeTestConfig(t, "")
	_, err := runCmd(t, nil, "serve", "--config", cfg, "--mode", "chaos")
	require.Error(t, err)
	assert.True(t, skyerr.HasCode(err, skyerr.CodeConfigValidateInvalidValue))
}
