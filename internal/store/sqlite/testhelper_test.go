// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/skyguard-dev/skyguard/internal/store"
)

// testDBPath returns a temp SQLite database path.
func testDBPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name+".db")
}

func strPtr(s string) *string { return &s }

func sampleTrace(threadID, turnID, question, answer string) store.TurnTrace {
	return store.TurnTrace{
		TurnID: turnID,
		User:   store.NewUserMessage(threadID, question),
		ToolCalls: []*store.Message{
			store.NewToolCallMessage(threadID, store.ToolCall{
				ToolCallID: "call-" + turnID,
				ToolName:   "search",
				Arguments:  `{"query":"bags"}`,
				Result:     strPtr("[]"),
			}),
		},
		Assistant: store.NewAssistantMessage(threadID, answer, store.MessageMetadata{}),
	}
}
