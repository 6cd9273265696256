// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

// Package memory provides in-process store implementations. State is lost
// on restart; it backs tests and the "memory" storage backend.
package memory

import (
	"context"
	"maps"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

func init() {
	store.RegisterBackend("memory", func(cfg *store.StorageConfig) (*store.Stores, error) {
		stores := New()
		stores.Vectors = NewVectorStore(cfg.VectorDimensions)
		return stores, nil
	})
}

// New returns a fresh set of in-memory stores. Its vector store accepts
// any embedding width.
func New() *store.Stores {
	return &store.Stores{
		Conversations: NewConversationStore(),
		Knowledge:     NewKnowledgeStore(),
		Bookings:      NewBookingStore(),
		Audit:         NewAuditStore(),
		Vectors:       NewVectorStore(0),
	}
}

// --- conversations ---

type thread struct {
	meta    store.Thread
	history []*store.Message
}

// ConversationStore keeps threads in a map. Every history mutation holds
// the write lock for the whole read-modify-write.
type ConversationStore struct {
	mu      sync.RWMutex
	threads map[string]*thread
}

var _ store.ConversationStore = (*ConversationStore)(nil)

func NewConversationStore() *ConversationStore {
	return &ConversationStore{threads: make(map[string]*thread)}
}

func (s *ConversationStore) EnsureThread(_ context.Context, threadID string, validationEnabled bool) (*store.Thread, error) {
	if threadID == "" {
		return nil, skyerr.Wrap(store.ErrInvalidInput, skyerr.CodeStoreInvalidInput, "thread id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.threads[threadID]; ok {
		if t.meta.ValidationEnabled != validationEnabled {
			return nil, store.FlagMismatch(threadID, t.meta.ValidationEnabled, validationEnabled)
		}
		meta := t.meta
		return &meta, nil
	}

	now := time.Now().UTC()
	t := &thread{meta: store.Thread{
		ID:                threadID,
		ValidationEnabled: validationEnabled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}}
	s.threads[threadID] = t
	meta := t.meta
	return &meta, nil
}

func (s *ConversationStore) GetThread(_ context.Context, threadID string) (*store.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, store.ThreadNotFound(threadID)
	}
	meta := t.meta
	return &meta, nil
}

func (s *ConversationStore) Read(_ context.Context, threadID string) ([]*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, store.ThreadNotFound(threadID)
	}
	out := make([]*store.Message, len(t.history))
	for i, m := range t.history {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *ConversationStore) Append(_ context.Context, threadID string, trace store.TurnTrace) error {
	if err := store.ValidateTrace(threadID, trace); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return store.ThreadNotFound(threadID)
	}

	now := time.Now().UTC()
	for _, m := range trace.Messages() {
		cp := m.Clone()
		cp.ThreadID = threadID
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		t.history = append(t.history, cp)
	}
	t.meta.UpdatedAt = now
	return nil
}

func (s *ConversationStore) Close() error { return nil }

// --- knowledge ---

// KnowledgeStore does case-insensitive substring search over articles.
type KnowledgeStore struct {
	mu       sync.RWMutex
	articles map[string]store.Article
}

var _ store.KnowledgeStore = (*KnowledgeStore)(nil)

func NewKnowledgeStore() *KnowledgeStore {
	return &KnowledgeStore{articles: make(map[string]store.Article)}
}

func (s *KnowledgeStore) PutArticle(_ context.Context, a *store.Article) error {
	if a == nil || a.Path == "" {
		return skyerr.Wrap(store.ErrInvalidInput, skyerr.CodeStoreInvalidInput, "article path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.articles[a.Path] = *a
	return nil
}

func (s *KnowledgeStore) GetArticle(_ context.Context, path string) (*store.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.articles[path]
	if !ok {
		return nil, skyerr.Wrap(store.ErrNotFound, skyerr.CodeStoreKnowledgeNotFound,
			"knowledge base article not found: "+path)
	}
	return &a, nil
}

func (s *KnowledgeStore) Search(_ context.Context, query string, limit int) ([]store.SearchResult, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type hit struct {
		article store.Article
		score   int
		first   int
	}
	var hits []hit
	for _, a := range s.articles {
		body := strings.ToLower(a.Title + "\n" + a.Content)
		score, first := 0, -1
		for _, term := range terms {
			if n := strings.Count(body, term); n > 0 {
				score += n
				if idx := strings.Index(strings.ToLower(a.Content), term); idx >= 0 && (first < 0 || idx < first) {
					first = idx
				}
			}
		}
		if score > 0 {
			hits = append(hits, hit{article: a, score: score, first: first})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].article.Path < hits[j].article.Path
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]store.SearchResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, store.Snippet(h.article, max(h.first, 0)))
	}
	return out, nil
}

func (s *KnowledgeStore) ListPaths(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for p := range s.articles {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *KnowledgeStore) Close() error { return nil }

// --- vectors ---

type vectorEntry struct {
	embedding []float32
	metadata  map[string]any
}

// VectorStore is a brute-force nearest-neighbour index using Euclidean
// distance, the same metric as the sqlite vec0 table.
type VectorStore struct {
	mu         sync.RWMutex
	dimensions int
	vectors    map[string]vectorEntry
}

var _ store.VectorStore = (*VectorStore)(nil)

// NewVectorStore returns an empty index. dimensions of 0 skips the width
// check.
func NewVectorStore(dimensions int) *VectorStore {
	return &VectorStore{dimensions: dimensions, vectors: make(map[string]vectorEntry)}
}

func (s *VectorStore) checkWidth(v []float32) error {
	if len(v) == 0 || (s.dimensions > 0 && len(v) != s.dimensions) {
		return skyerr.Errorf(skyerr.CodeStoreInvalidInput, "embedding has %d dimensions, want %d", len(v), s.dimensions)
	}
	return nil
}

func (s *VectorStore) Store(_ context.Context, id string, embedding []float32, metadata map[string]any) error {
	if id == "" {
		return skyerr.Wrap(store.ErrInvalidInput, skyerr.CodeStoreInvalidInput, "vector id is required")
	}
	if err := s.checkWidth(embedding); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[id] = vectorEntry{embedding: slices.Clone(embedding), metadata: maps.Clone(metadata)}
	return nil
}

func (s *VectorStore) Search(_ context.Context, query []float32, k int) ([]store.VectorResult, error) {
	if err := s.checkWidth(query); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.VectorResult, 0, len(s.vectors))
	for id, e := range s.vectors {
		if len(e.embedding) != len(query) {
			continue
		}
		var sum float64
		for i, x := range e.embedding {
			d := float64(x) - float64(query[i])
			sum += d * d
		}
		out = append(out, store.VectorResult{ID: id, Score: math.Sqrt(sum), Metadata: maps.Clone(e.metadata)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *VectorStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.vectors, id)
	}
	return nil
}

func (s *VectorStore) Close() error { return nil }

// --- bookings ---

type BookingStore struct {
	mu       sync.RWMutex
	bookings map[string]store.Booking
	order    []string
}

var _ store.BookingStore = (*BookingStore)(nil)

func NewBookingStore() *BookingStore {
	return &BookingStore{bookings: make(map[string]store.Booking)}
}

func (s *BookingStore) PutBooking(_ context.Context, b *store.Booking) error {
	if b == nil || b.ID == "" {
		return skyerr.Wrap(store.ErrInvalidInput, skyerr.CodeStoreInvalidInput, "booking id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; !ok {
		s.order = append(s.order, b.ID)
	}
	cp := *b
	cp.Payload = append([]byte(nil), b.Payload...)
	s.bookings[b.ID] = cp
	return nil
}

func (s *BookingStore) GetBooking(_ context.Context, id string) (*store.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, skyerr.Wrap(store.ErrNotFound, skyerr.CodeStoreBookingNotFound, "booking not found: "+id)
	}
	b.Payload = append([]byte(nil), b.Payload...)
	return &b, nil
}

func (s *BookingStore) ListBookings(_ context.Context, status string) ([]*store.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Booking
	for _, id := range s.order {
		b := s.bookings[id]
		if status != "" && b.Status != status {
			continue
		}
		b.Payload = append([]byte(nil), b.Payload...)
		out = append(out, &b)
	}
	return out, nil
}

func (s *BookingStore) ResetBookings(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.bookings)
	s.order = nil
	return nil
}

func (s *BookingStore) Close() error { return nil }

// --- audit ---

type AuditStore struct {
	mu      sync.RWMutex
	entries []store.AuditEntry
}

var _ store.AuditStore = (*AuditStore)(nil)

func NewAuditStore() *AuditStore { return &AuditStore{} }

func (s *AuditStore) AppendAudit(_ context.Context, e *store.AuditEntry) error {
	if e == nil {
		return skyerr.Wrap(store.ErrInvalidInput, skyerr.CodeStoreInvalidInput, "audit entry is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *e)
	return nil
}

func (s *AuditStore) QueryAudit(_ context.Context, f store.AuditFilter) ([]*store.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.AuditEntry
	for i := range s.entries {
		e := s.entries[i]
		if f.ThreadID != "" && e.ThreadID != f.ThreadID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, &e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *AuditStore) Close() error { return nil }
