// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package tools_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyguard-dev/skyguard/internal/agent"
	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/store/memory"
	"github.com/skyguard-dev/skyguard/internal/tools"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

func seededKB(t *testing.T) *tools.KnowledgeBase {
	t.Helper()
	kb := memory.NewKnowledgeStore()
	ctx := context.Background()
	for _, a := range []store.Article{
		{Path: "/faq/bags/carry-on.md", Title: "Carry-on bags", Content: "A carry-on bag must fit in the overhead bin."},
		{Path: "/faq/bags/checked.md", Title: "Checked bags", Content: "Checked bags up to 40 lbs cost extra."},
		{Path: "/faq/refunds.md", Title: "Refunds", Content: "Refunds are issued to the original form of payment."},
		{Path: "/policies/pets.md", Title: "Pets", Content: "Small pets may travel in cabin."},
	} {
		a := a
		require.NoError(t, kb.PutArticle(ctx, &a))
	}
	return tools.NewKnowledgeBase(kb)
}

func TestListDirectory(t *testing.T) {
	kb := seededKB(t)
	ctx := context.Background()

	entries, err := kb.ListDirectory(ctx, "/faq")
	require.NoError(t, err)
	assert.Equal(t, []tools.DirectoryEntry{
		{Name: "bags", Kind: "directory"},
		{Name: "refunds.md", Kind: "file"},
	}, entries)

	entries, err = kb.ListDirectory(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []tools.DirectoryEntry{
		{Name: "faq", Kind: "directory"},
		{Name: "policies", Kind: "directory"},
	}, entries)

	_, err = kb.ListDirectory(ctx, "faq")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be an absolute path")
}

func TestGetArticle(t *testing.T) {
	kb := seededKB(t)

	content, err := kb.GetArticle(context.Background(), "/faq/refunds.md")
	require.NoError(t, err)
	assert.Contains(t, content, "original form of payment")

	_, err = kb.GetArticle(context.Background(), "/missing.md")
	require.Error(t, err)
	assert.True(t, skyerr.IsNotFound(err))
	assert.Contains(t, err.Error(), "knowledge base article not found: /missing.md")
}

func TestSearchBounds(t *testing.T) {
	kb := seededKB(t)
	ctx := context.Background()

	for _, n := range []int{0, 11} {
		_, err := kb.Search(ctx, "bags", n)
		assert.Error(t, err)
	}

	results, err := kb.Search(ctx, "bags", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Contains(t, r.Path, "/faq/bags/")
	}
}

func TestKnowledgeToolsThroughRegistry(t *testing.T) {
	reg := agent.NewToolRegistry()
	require.NoError(t, reg.Register(seededKB(t).Tools()...))

	d := agent.NewToolDispatcher(reg, 0, nil)
	out, err := d.Execute(context.Background(), provider.ToolCall{
		ID: "1", Name: "search", Arguments: `{"query":"refunds"}`,
	})
	require.NoError(t, err)

	var results []store.SearchResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "/faq/refunds.md", results[0].Path)

	out, err = d.Execute(context.Background(), provider.ToolCall{
		ID: "2", Name: "get_article", Arguments: `{"path":"/policies/pets.md"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "Small pets may travel in cabin.", out)

	_, err = d.Execute(context.Background(), provider.ToolCall{
		ID: "3", Name: "search", Arguments: `{"query": 5}`,
	})
	require.Error(t, err)
	assert.True(t, skyerr.IsInvalidInput(err))
}
