// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package store

import "context"

// ConversationStore is durable per-thread history. It is the only shared
// mutable state between turns.
type ConversationStore interface {
	// EnsureThread returns the thread, creating it with the given flag when
	// absent. An existing thread whose flag differs is rejected with
	// CodeStoreThreadFlagMismatch and left untouched.
	EnsureThread(ctx context.Context, threadID string, validationEnabled bool) (*Thread, error)
	GetThread(ctx context.Context, threadID string) (*Thread, error)

	// Read returns the committed history in append order.
	Read(ctx context.Context, threadID string) ([]*Message, error)

	// Append writes a whole turn atomically. Readers observe either none
	// or all of the trace.
	Append(ctx context.Context, threadID string, trace TurnTrace) error

	Close() error
}

// KnowledgeStore indexes knowledge base articles for the retrieval tools.
type KnowledgeStore interface {
	PutArticle(ctx context.Context, article *Article) error
	GetArticle(ctx context.Context, path string) (*Article, error)
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	// ListPaths returns every article path with the given prefix.
	ListPaths(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// BookingStore persists reservations made by the booking tools.
type BookingStore interface {
	PutBooking(ctx context.Context, booking *Booking) error
	GetBooking(ctx context.Context, id string) (*Booking, error)
	ListBookings(ctx context.Context, status string) ([]*Booking, error)
	// ResetBookings removes every booking.
	ResetBookings(ctx context.Context) error
	Close() error
}

// VectorStore keeps embeddings for nearest-neighbour search over the
// knowledge base.
type VectorStore interface {
	// Store inserts or replaces the vector stored under id.
	Store(ctx context.Context, id string, embedding []float32, metadata map[string]any) error
	// Search returns the k nearest vectors, closest first.
	Search(ctx context.Context, query []float32, k int) ([]VectorResult, error)
	Delete(ctx context.Context, ids []string) error
	Close() error
}

// VectorResult is one nearest-neighbour hit. Score is a distance: lower
// is closer.
type VectorResult struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// Embedder turns texts into vectors, one per text and in the same order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// AuditStore records turn outcomes.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
	Close() error
}

// Stores groups everything a backend provides.
type Stores struct {
	Conversations ConversationStore
	Knowledge     KnowledgeStore
	Bookings      BookingStore
	Audit         AuditStore
	Vectors       VectorStore
}

// Close closes every non-nil store and joins the errors.
func (s *Stores) Close() error {
	var errs []error
	closers := []interface{ Close() error }{s.Conversations, s.Knowledge, s.Bookings, s.Audit, s.Vectors}
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return joinErrors(errs)
}
