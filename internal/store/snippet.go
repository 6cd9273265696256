// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package store

import "unicode/utf8"

const (
	snippetLength = 480
	snippetLead   = 80
)

// Snippet cuts a search excerpt out of an article around byte offset
// match. Offsets are clamped to rune boundaries.
func Snippet(a Article, match int) SearchResult {
	content := a.Content
	start := max(match-snippetLead, 0)
	start = min(start, len(content))
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	end := min(start+snippetLength, len(content))
	for end < len(content) && !utf8.RuneStart(content[end]) {
		end++
	}
	return SearchResult{
		Title:        a.Title,
		Snippet:      content[start:end],
		SnippetStart: start,
		SnippetEnd:   end,
		More:         start > 0 || end < len(content),
		Path:         a.Path,
	}
}
