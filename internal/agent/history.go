// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package agent

import (
	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/store"
)

// HistoryMessages converts committed thread history into provider
// messages. A run of stored tool messages becomes one assistant message
// carrying the calls, followed by one tool message per result.
func HistoryMessages(history []*store.Message) []provider.Message {
	out := make([]provider.Message, 0, len(history))

	for i := 0; i < len(history); i++ {
		msg := history[i]
		switch msg.Role {
		case store.MessageRoleUser:
			out = append(out, provider.Message{Role: provider.MessageRoleUser, Content: msg.Text})
		case store.MessageRoleAssistant:
			out = append(out, provider.Message{Role: provider.MessageRoleAssistant, Content: msg.Text})
		case store.MessageRoleTool:
			j := i
			for j < len(history) && history[j].Role == store.MessageRoleTool {
				j++
			}
			out = append(out, toolExchange(history[i:j])...)
			i = j - 1
		}
	}
	return out
}

func toolExchange(msgs []*store.Message) []provider.Message {
	asst := provider.Message{Role: provider.MessageRoleAssistant}
	results := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ToolCall == nil {
			continue
		}
		tc := m.ToolCall
		asst.ToolCalls = append(asst.ToolCalls, provider.ToolCall{
			ID:        tc.ToolCallID,
			Name:      tc.ToolName,
			Arguments: tc.Arguments,
		})
		results = append(results, provider.Message{
			Role:       provider.MessageRoleTool,
			Content:    ToolResultText(tc),
			ToolCallID: tc.ToolCallID,
			ToolName:   tc.ToolName,
		})
	}
	if len(asst.ToolCalls) == 0 {
		return nil
	}
	return append([]provider.Message{asst}, results...)
}

// ToolResultText is the text a model sees for a stored tool call.
func ToolResultText(tc *store.ToolCall) string {
	if tc.Result != nil {
		return *tc.Result
	}
	if tc.Error != "" {
		return "error: " + tc.Error
	}
	return ""
}
