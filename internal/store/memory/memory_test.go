// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/store/memory"
)

func TestConversationStore_FlagAndHistory(t *testing.T) {
	ctx := context.Background()
	s := memory.NewConversationStore()

	_, err := s.EnsureThread(ctx, "t-1", true)
	require.NoError(t, err)

	_, err = s.EnsureThread(ctx, "t-1", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))

	result := "[]"
	trace := store.TurnTrace{
		TurnID: "turn-1",
		User:   store.NewUserMessage("t-1", "hi"),
		ToolCalls: []*store.Message{
			store.NewToolCallMessage("t-1", store.ToolCall{ToolCallID: "c1", ToolName: "search", Result: &result}),
		},
		Assistant: store.NewAssistantMessage("t-1", "hello", store.MessageMetadata{}),
	}
	require.NoError(t, s.Append(ctx, "t-1", trace))

	msgs, err := s.Read(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, "hello", msgs[2].Text)

	// Mutating a read copy must not reach stored history.
	msgs[2].Text = "tampered"
	again, err := s.Read(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", again[2].Text)
}

func TestConversationStore_MissingThread(t *testing.T) {
	s := memory.NewConversationStore()
	_, err := s.Read(context.Background(), "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestKnowledgeStore_SearchRanksByTermFrequency(t *testing.T) {
	ctx := context.Background()
	k := memory.NewKnowledgeStore()
	require.NoError(t, k.PutArticle(ctx, &store.Article{Path: "/a", Title: "Bags", Content: "bag bag bag fees"}))
	require.NoError(t, k.PutArticle(ctx, &store.Article{Path: "/b", Title: "Seats", Content: "one bag"}))
	require.NoError(t, k.PutArticle(ctx, &store.Article{Path: "/c", Title: "Pets", Content: "cats"}))

	res, err := k.Search(ctx, "bag", 10)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "/a", res[0].Path)

	paths, err := k.ListPaths(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b", "/c"}, paths)
}

func TestAuditStore_Filter(t *testing.T) {
	ctx := context.Background()
	a := memory.NewAuditStore()
	require.NoError(t, a.AppendAudit(ctx, &store.AuditEntry{ThreadID: "t-1", Status: "completed"}))
	require.NoError(t, a.AppendAudit(ctx, &store.AuditEntry{ThreadID: "t-1", Status: "failed"}))
	require.NoError(t, a.AppendAudit(ctx, &store.AuditEntry{ThreadID: "t-2", Status: "failed"}))

	got, err := a.QueryAudit(ctx, store.AuditFilter{ThreadID: "t-1", Status: "failed"})
	require.NoError(t, err)
	require.Len(t, got, 1)
}
