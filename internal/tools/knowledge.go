// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/skyguard-dev/skyguard/internal/agent"
	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const (
	defaultMaxResults = 5
	maxResultsLimit   = 10
)

// DirectoryEntry is one child of a knowledge base directory.
type DirectoryEntry struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // file or directory
}

// KnowledgeBase exposes an article index to the agent.
type KnowledgeBase struct {
	store store.KnowledgeStore
}

// NewKnowledgeBase wraps a knowledge store.
func NewKnowledgeBase(kb store.KnowledgeStore) *KnowledgeBase {
	return &KnowledgeBase{store: kb}
}

// Tools returns search, get_article and list_directory.
func (k *KnowledgeBase) Tools() []agent.Tool {
	return []agent.Tool{
		define("search",
			"Search the knowledge base for entries matching the given query.",
			object([]string{"query"}, map[string]any{
				"query": str("The search query."),
				"max_results": map[string]any{
					"type":        "integer",
					"description": "The maximum number of results to return. Must be between 1 and 10.",
					"default":     defaultMaxResults,
				},
			}),
			func(ctx context.Context, args struct {
				Query      string `json:"query"`
				MaxResults *int   `json:"max_results"`
			}) (any, error) {
				n := defaultMaxResults
				if args.MaxResults != nil {
					n = *args.MaxResults
				}
				return k.Search(ctx, args.Query, n)
			}),
		define("get_article",
			"Get a knowledge base article by its path.",
			object([]string{"path"}, map[string]any{
				"path": str("The absolute path of the knowledge base article."),
			}),
			func(ctx context.Context, args struct {
				Path string `json:"path"`
			}) (any, error) {
				return k.GetArticle(ctx, args.Path)
			}),
		define("list_directory",
			"List all the files and directories in a given directory.",
			object([]string{"directory"}, map[string]any{
				"directory": str("The absolute path of the directory to list."),
			}),
			func(ctx context.Context, args struct {
				Directory string `json:"directory"`
			}) (any, error) {
				return k.ListDirectory(ctx, args.Directory)
			}),
	}
}

// Search returns up to maxResults hits for query.
func (k *KnowledgeBase) Search(ctx context.Context, query string, maxResults int) ([]store.SearchResult, error) {
	if maxResults < 1 || maxResults > maxResultsLimit {
		return nil, skyerr.New(skyerr.CodeAgentToolInvalidArgs,
			fmt.Sprintf("max_results must be between 1 and %d: %d", maxResultsLimit, maxResults))
	}
	if strings.TrimSpace(query) == "" {
		return nil, skyerr.New(skyerr.CodeAgentToolInvalidArgs, "query must not be empty")
	}
	results, err := k.store.Search(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	return results, nil
}

// GetArticle returns the content of the article at path.
func (k *KnowledgeBase) GetArticle(ctx context.Context, path string) (string, error) {
	article, err := k.store.GetArticle(ctx, path)
	if err != nil {
		if skyerr.IsNotFound(err) {
			return "", skyerr.New(skyerr.CodeStoreKnowledgeNotFound, "knowledge base article not found: "+path)
		}
		return "", err
	}
	return article.Content, nil
}

// ListDirectory simulates a directory listing over article paths.
func (k *KnowledgeBase) ListDirectory(ctx context.Context, directory string) ([]DirectoryEntry, error) {
	if !strings.HasPrefix(directory, "/") {
		return nil, skyerr.New(skyerr.CodeAgentToolInvalidArgs,
			fmt.Sprintf("directory must be an absolute path starting with '/': %s", directory))
	}
	if !strings.HasSuffix(directory, "/") {
		directory += "/"
	}

	paths, err := k.store.ListPaths(ctx, directory)
	if err != nil {
		return nil, err
	}

	seen := make(map[DirectoryEntry]struct{})
	for _, p := range paths {
		suffix := strings.TrimPrefix(p, directory)
		if suffix == "" {
			continue
		}
		entry := DirectoryEntry{Name: suffix, Kind: "file"}
		if name, _, nested := strings.Cut(suffix, "/"); nested {
			entry = DirectoryEntry{Name: name, Kind: "directory"}
		}
		seen[entry] = struct{}{}
	}

	entries := make([]DirectoryEntry, 0, len(seen))
	for e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Kind < entries[j].Kind
	})
	return entries, nil
}
