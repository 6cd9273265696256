// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// Compile-time interface check.
var _ store.KnowledgeStore = (*KnowledgeStore)(nil)

// KnowledgeStore implements store.KnowledgeStore with an FTS5 index over
// article titles and bodies. Requires go-sqlite3 built with sqlite_fts5.
type KnowledgeStore struct {
	db *sql.DB
}

const knowledgeDDL = `
CREATE TABLE IF NOT EXISTS kb_articles (
	rowid   INTEGER PRIMARY KEY AUTOINCREMENT,
	path    TEXT UNIQUE NOT NULL,
	title   TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT ''
);

CREATE VIRTUAL TABLE IF NOT EXISTS kb_articles_fts USING fts5(
	title,
	content,
	content='kb_articles',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS kb_articles_ai AFTER INSERT ON kb_articles BEGIN
	INSERT INTO kb_articles_fts(rowid, title, content) VALUES (new.rowid, new.title, new.content);
END;

CREATE TRIGGER IF NOT EXISTS kb_articles_ad AFTER DELETE ON kb_articles BEGIN
	INSERT INTO kb_articles_fts(kb_articles_fts, rowid, title, content) VALUES ('delete', old.rowid, old.title, old.content);
END;

CREATE TRIGGER IF NOT EXISTS kb_articles_au AFTER UPDATE ON kb_articles BEGIN
	INSERT INTO kb_articles_fts(kb_articles_fts, rowid, title, content) VALUES ('delete', old.rowid, old.title, old.content);
	INSERT INTO kb_articles_fts(rowid, title, content) VALUES (new.rowid, new.title, new.content);
END;
`

// NewKnowledgeStore opens (or creates) the knowledge base tables at dbPath.
func NewKnowledgeStore(dbPath string) (*KnowledgeStore, error) {
	db, err := openDB(dbPath, knowledgeDDL)
	if err != nil {
		return nil, err
	}
	return &KnowledgeStore{db: db}, nil
}

func (k *KnowledgeStore) Close() error {
	return k.db.Close()
}

func (k *KnowledgeStore) PutArticle(ctx context.Context, a *store.Article) error {
	if a == nil || a.Path == "" {
		return skyerr.Wrap(store.ErrInvalidInput, skyerr.CodeStoreInvalidInput, "article path is required")
	}

	const q = `INSERT INTO kb_articles (path, title, content) VALUES (?, ?, ?)
ON CONFLICT(path) DO UPDATE SET title = excluded.title, content = excluded.content`
	if _, err := k.db.ExecContext(ctx, q, a.Path, a.Title, a.Content); err != nil {
		return skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "storing article %s", a.Path)
	}
	return nil
}

func (k *KnowledgeStore) GetArticle(ctx context.Context, path string) (*store.Article, error) {
	const q = `SELECT path, title, content FROM kb_articles WHERE path = ?`

	var a store.Article
	err := k.db.QueryRowContext(ctx, q, path).Scan(&a.Path, &a.Title, &a.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, skyerr.Wrap(store.ErrNotFound, skyerr.CodeStoreKnowledgeNotFound,
			"knowledge base article not found: "+path)
	}
	if err != nil {
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "getting article %s", path)
	}
	return &a, nil
}

// Search ranks articles with bm25. Query terms are quoted so user text
// never reaches the FTS5 query parser as syntax.
func (k *KnowledgeStore) Search(ctx context.Context, query string, limit int) ([]store.SearchResult, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}

	const q = `SELECT a.path, a.title, a.content
FROM kb_articles_fts f
JOIN kb_articles a ON a.rowid = f.rowid
WHERE kb_articles_fts MATCH ?
ORDER BY bm25(kb_articles_fts)
LIMIT ?`

	rows, err := k.db.QueryContext(ctx, q, strings.Join(quoted, " OR "), limit)
	if err != nil {
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "searching knowledge base")
	}
	defer func() { _ = rows.Close() }()

	var results []store.SearchResult
	for rows.Next() {
		var a store.Article
		if err := rows.Scan(&a.Path, &a.Title, &a.Content); err != nil {
			return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "scanning article")
		}
		results = append(results, store.Snippet(a, firstMatch(a.Content, terms)))
	}
	return results, rows.Err()
}

func (k *KnowledgeStore) ListPaths(ctx context.Context, prefix string) ([]string, error) {
	const q = `SELECT path FROM kb_articles WHERE substr(path, 1, ?) = ? ORDER BY path`

	rows, err := k.db.QueryContext(ctx, q, len(prefix), prefix)
	if err != nil {
		return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "listing articles")
	}
	defer func() { _ = rows.Close() }()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, skyerr.Wrapf(errors.Join(store.ErrDatabase, err), skyerr.CodeStoreDatabaseFailure, "scanning article path")
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// firstMatch returns the byte offset of the earliest term in content, or 0.
func firstMatch(content string, terms []string) int {
	lower := strings.ToLower(content)
	first := -1
	for _, t := range terms {
		if idx := strings.Index(lower, strings.ToLower(t)); idx >= 0 && (first < 0 || idx < first) {
			first = idx
		}
	}
	return max(first, 0)
}
