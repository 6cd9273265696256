// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/server"
	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/store/memory"
)

type staticTools []provider.ToolDefinition

func (s staticTools) Tools() []provider.ToolDefinition { return s }

func servicesServer(t *testing.T) (*server.Server, *memory.ConversationStore) {
	t.Helper()
	conv := memory.NewConversationStore()
	srv := newTestServer(t, server.Config{})
	require.NoError(t, srv.RegisterServices(&server.Services{
		Threads: conv,
		Tools: staticTools{{
			Name:        "search",
			Description: "Search the knowledge base.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{"query": map[string]any{"type": "string"}}},
		}},
	}))
	return srv, conv
}

func TestRoutes_RegisterServicesRequiresDeps(t *testing.T) {
	srv := newTestServer(t, server.Config{})
	assert.Error(t, srv.RegisterServices(&server.Services{}))
}

func TestRoutes_ThreadMessages(t *testing.T) {
	srv, conv := servicesServer(t)
	ctx := context.Background()

	_, err := conv.EnsureThread(ctx, "t-1", false)
	require.NoError(t, err)
	require.NoError(t, conv.Append(ctx, "t-1", store.TurnTrace{
		TurnID:    "run_1",
		User:      store.NewUserMessage("t-1", "Can I bring a pet?"),
		Assistant: store.NewAssistantMessage("t-1", "Small pets may travel in cabin.", store.MessageMetadata{}),
	}))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/threads/t-1/messages", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		ThreadID          string           `json:"thread_id"`
		ValidationEnabled bool             `json:"validation_enabled"`
		Messages          []*store.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "t-1", body.ThreadID)
	assert.False(t, body.ValidationEnabled)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, store.MessageRoleUser, body.Messages[0].Role)
	assert.Equal(t, "Small pets may travel in cabin.", body.Messages[1].Text)
}

func TestRoutes_ThreadMessagesNotFound(t *testing.T) {
	srv, _ := servicesServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/threads/nope/messages", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_ListTools(t *testing.T) {
	srv, _ := servicesServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tools", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Tools []struct {
			Type     string `json:"type"`
			Function struct {
				Name       string         `json:"name"`
				Parameters map[string]any `json:"parameters"`
			} `json:"function"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Tools, 1)
	assert.Equal(t, "function", body.Tools[0].Type)
	assert.Equal(t, "search", body.Tools[0].Function.Name)
	assert.Equal(t, "object", body.Tools[0].Function.Parameters["type"])
}
