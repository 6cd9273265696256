// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package guardrail

import (
	"fmt"
	"strings"

	"github.com/skyguard-dev/skyguard/internal/provider"
)

// ChatMessages converts provider messages to the canonical wire form.
func ChatMessages(msgs []provider.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := ChatMessage{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, ChatToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: ChatToolFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		if m.Role == provider.MessageRoleTool {
			cm.ToolCallID = m.ToolCallID
		}
		out = append(out, cm)
	}
	return out
}

// OpenAITools renders tool definitions in OpenAI function format.
func OpenAITools(defs []provider.ToolDefinition) []ToolSchema {
	out := make([]ToolSchema, 0, len(defs))
	for _, d := range defs {
		out = append(out, ToolSchema{
			Type: "function",
			Function: ToolFunctionSchema{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.InputSchema,
			},
		})
	}
	return out
}

// ContextString concatenates the results of the given context tools found
// in trace, in the order the results appear.
func ContextString(trace []provider.Message, contextTools []string) string {
	wanted := make(map[string]bool, len(contextTools))
	for _, name := range contextTools {
		wanted[name] = true
	}

	callNames := make(map[string]string)
	for _, m := range trace {
		if m.Role != provider.MessageRoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if wanted[tc.Name] && tc.ID != "" {
				callNames[tc.ID] = tc.Name
			}
		}
	}

	var parts []string
	for _, m := range trace {
		if m.Role != provider.MessageRoleTool || m.Content == "" {
			continue
		}
		name, ok := callNames[m.ToolCallID]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("<context from tool: %s>\n%s\n</context from tool: %s>\n", name, m.Content, name))
	}
	return strings.Join(parts, "\n\n")
}

// SpliceGuidance appends consult guidance to a prompt. Without guidance
// the prompt is returned unchanged.
func SpliceGuidance(prompt string, guidance []string) string {
	var kept []string
	for _, g := range guidance {
		if strings.TrimSpace(g) != "" {
			kept = append(kept, g)
		}
	}
	if len(kept) == 0 {
		return prompt
	}
	return prompt + "\n\n<advice_to_consider>\n" + strings.Join(kept, "\n") + "\n</advice_to_consider>\n\n"
}
