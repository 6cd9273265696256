// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package store

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"unicode/utf8"

	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const (
	chunkSize    = 1024
	chunkOverlap = 200
	// candidatesPerResult over-fetches chunks so that several hits on one
	// article still leave enough distinct articles.
	candidatesPerResult = 4
)

// SemanticKnowledge adds embedding search on top of a KnowledgeStore.
// Articles are split into overlapping chunks, each embedded and kept in a
// VectorStore. Search falls back to the wrapped store's full-text search
// when embedding or the vector index fails, or finds nothing.
type SemanticKnowledge struct {
	KnowledgeStore
	vectors  VectorStore
	embedder Embedder
	logger   *slog.Logger
}

var _ KnowledgeStore = (*SemanticKnowledge)(nil)

// NewSemanticKnowledge wraps kb. The wrapped stores stay owned by the
// caller; Close does not close them.
func NewSemanticKnowledge(kb KnowledgeStore, vectors VectorStore, embedder Embedder, logger *slog.Logger) *SemanticKnowledge {
	if logger == nil {
		logger = slog.Default()
	}
	return &SemanticKnowledge{KnowledgeStore: kb, vectors: vectors, embedder: embedder, logger: logger}
}

// PutArticle stores the article, then replaces its chunk vectors.
func (s *SemanticKnowledge) PutArticle(ctx context.Context, a *Article) error {
	var stale []string
	if a != nil && a.Path != "" {
		if old, err := s.KnowledgeStore.GetArticle(ctx, a.Path); err == nil {
			stale = chunkIDs(old.Path, len(chunkOffsets(old.Content)))
		}
	}
	if err := s.KnowledgeStore.PutArticle(ctx, a); err != nil {
		return err
	}
	if err := s.vectors.Delete(ctx, stale); err != nil {
		return err
	}
	return s.index(ctx, a)
}

func (s *SemanticKnowledge) index(ctx context.Context, a *Article) error {
	offsets := chunkOffsets(a.Content)
	texts := make([]string, len(offsets))
	for i, off := range offsets {
		texts[i] = a.Title + "\n\n" + a.Content[off[0]:off[1]]
	}

	embeddings, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return skyerr.Wrapf(err, skyerr.CodeStoreEmbeddingFailure, "embedding article %s", a.Path)
	}
	if len(embeddings) != len(texts) {
		return skyerr.Errorf(skyerr.CodeStoreEmbeddingFailure, "embedder returned %d vectors for %d chunks of %s",
			len(embeddings), len(texts), a.Path)
	}

	ids := chunkIDs(a.Path, len(offsets))
	for i, emb := range embeddings {
		meta := map[string]any{"path": a.Path, "title": a.Title, "start": offsets[i][0]}
		if err := s.vectors.Store(ctx, ids[i], emb, meta); err != nil {
			return err
		}
	}
	return nil
}

// Reindex embeds every stored article again. It reports how many were
// indexed before the first failure.
func (s *SemanticKnowledge) Reindex(ctx context.Context) (int, error) {
	paths, err := s.KnowledgeStore.ListPaths(ctx, "")
	if err != nil {
		return 0, err
	}
	for i, p := range paths {
		a, err := s.KnowledgeStore.GetArticle(ctx, p)
		if err != nil {
			return i, err
		}
		if err := s.index(ctx, a); err != nil {
			return i, err
		}
	}
	return len(paths), nil
}

// Search ranks articles by the distance of their closest chunk to the
// query.
func (s *SemanticKnowledge) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	results, err := s.semanticSearch(ctx, query, limit)
	switch {
	case err == nil && len(results) > 0:
		return results, nil
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		s.logger.Warn("semantic search failed, using full-text search", "error", err)
	default:
		s.logger.Debug("semantic search found nothing, using full-text search")
	}
	return s.KnowledgeStore.Search(ctx, query, limit)
}

func (s *SemanticKnowledge) semanticSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	embeddings, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) != 1 {
		return nil, skyerr.Errorf(skyerr.CodeStoreEmbeddingFailure, "embedder returned %d vectors for one query", len(embeddings))
	}

	hits, err := s.vectors.Search(ctx, embeddings[0], limit*candidatesPerResult)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []SearchResult
	for _, h := range hits {
		path, _ := h.Metadata["path"].(string)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true

		a, err := s.KnowledgeStore.GetArticle(ctx, path)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Snippet(*a, metadataInt(h.Metadata["start"])))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op; the wrapped stores belong to the caller.
func (s *SemanticKnowledge) Close() error { return nil }

// chunkOffsets splits content into windows of chunkSize bytes that overlap
// by chunkOverlap, cut on rune boundaries. Empty content yields one empty
// chunk so that titles alone are still searchable.
func chunkOffsets(content string) [][2]int {
	if len(content) <= chunkSize {
		return [][2]int{{0, len(content)}}
	}
	var out [][2]int
	for start := 0; ; {
		end := min(start+chunkSize, len(content))
		for end < len(content) && !utf8.RuneStart(content[end]) {
			end++
		}
		out = append(out, [2]int{start, end})
		if end == len(content) {
			return out
		}
		next := end - chunkOverlap
		for next > start && !utf8.RuneStart(content[next]) {
			next--
		}
		if next <= start {
			next = end
		}
		start = next
	}
}

func chunkIDs(path string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = path + "#" + strconv.Itoa(i)
	}
	return ids
}

// metadataInt reads a number that may have round-tripped through JSON.
func metadataInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
