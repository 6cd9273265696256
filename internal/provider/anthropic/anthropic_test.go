// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package anthropic

import (
	"testing"

	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestConvertMessagesGroupsToolResults(t *testing.T) {
	msgs, err := convertMessages([]provider.Message{
		{Role: provider.MessageRoleSystem, Content: "ignored"},
		{Role: provider.MessageRoleUser, Content: "status of F9 100?"},
		{Role: provider.MessageRoleAssistant, Content: "Checking.", ToolCalls: []provider.ToolCall{
			{ID: "tu_1", Name: "get_flight_status", Arguments: `{"flight_id":"F9-100"}`},
			{ID: "tu_2", Name: "get_current_date", Arguments: ""},
		}},
		{Role: provider.MessageRoleTool, ToolCallID: "tu_1", Content: `{"status":"on_time"}`},
		{Role: provider.MessageRoleTool, ToolCallID: "tu_2", Content: `"2026-10-18"`},
		{Role: provider.MessageRoleAssistant, Content: "It is on time."},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	assert.Equal(t, "user", string(msgs[0].Role))
	assert.Equal(t, "assistant", string(msgs[1].Role))
	assert.Len(t, msgs[1].Content, 3)
	assert.Equal(t, "user", string(msgs[2].Role))
	assert.Len(t, msgs[2].Content, 2)
	assert.Equal(t, "assistant", string(msgs[3].Role))
}

func TestExtractSchemaRequired(t *testing.T) {
	schema := extractSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
		"required":   []string{"path"},
	})
	assert.Equal(t, []string{"path"}, schema.Required)
	assert.NotNil(t, schema.Properties)

	schema = extractSchema(map[string]any{"required": []any{"a", 1, "b"}})
	assert.Equal(t, []string{"a", "b"}, schema.Required)
}

func TestToolInputFallsBackToEmptyObject(t *testing.T) {
	assert.JSONEq(t, `{}`, string(toolInput("")))
	assert.JSONEq(t, `{}`, string(toolInput("{bad")))
	assert.JSONEq(t, `{"a":1}`, string(toolInput(`{"a":1}`)))
}
