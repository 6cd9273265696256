// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// ArticleRecord is one entry of a knowledge base import file.
type ArticleRecord struct {
	Path     string `yaml:"path" json:"path"`
	Metadata struct {
		Title string `yaml:"title" json:"title"`
	} `yaml:"metadata" json:"metadata"`
	Content string `yaml:"content" json:"content"`
}

// LoadArticles reads a list of article records, JSON when the extension is
// .json and YAML otherwise. Paths are made absolute and a missing title
// falls back to the file name.
func LoadArticles(path string) ([]*store.Article, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, skyerr.Wrapf(err, skyerr.CodeConfigLoadReadFailure, "reading articles file %s", path)
	}
	var records []ArticleRecord
	unmarshal := yaml.Unmarshal
	if strings.EqualFold(filepath.Ext(path), ".json") {
		unmarshal = json.Unmarshal
	}
	if err := unmarshal(data, &records); err != nil {
		return nil, skyerr.Wrapf(err, skyerr.CodeConfigParseInvalidFormat, "parsing articles file %s", path)
	}

	articles := make([]*store.Article, 0, len(records))
	seen := make(map[string]bool, len(records))
	for i, r := range records {
		p := strings.TrimSpace(r.Path)
		if p == "" {
			return nil, skyerr.Errorf(skyerr.CodeConfigValidateInvalidValue, "article %d has no path", i)
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		if seen[p] {
			return nil, skyerr.Errorf(skyerr.CodeConfigValidateInvalidValue, "duplicate article path %s", p)
		}
		seen[p] = true

		title := r.Metadata.Title
		if title == "" {
			title = strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		}
		articles = append(articles, &store.Article{Path: p, Title: title, Content: r.Content})
	}
	return articles, nil
}

// ImportArticles writes articles to kb, replacing any with the same path.
// It stops at the first failure and reports how many were written.
func ImportArticles(ctx context.Context, kb store.KnowledgeStore, articles []*store.Article) (int, error) {
	for i, a := range articles {
		if err := kb.PutArticle(ctx, a); err != nil {
			return i, skyerr.Wrapf(err, skyerr.CodeStoreDatabaseFailure, "importing %s", a.Path)
		}
	}
	return len(articles), nil
}
