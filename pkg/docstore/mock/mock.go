// Package mock provides an in-memory test double for [docstore.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. Safe for concurrent use via
// an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.MatchResult = []docstore.Document{{ID: "doc_1", Content: "hello"}}
//
//	// inject store into the system under test …
//
//	if got := len(store.MatchCalls()); got != 1 {
//	    t.Errorf("expected 1 Match call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/docstore"
)

// Compile-time interface check.
var _ docstore.Store = (*Store)(nil)

// MatchCall records a single invocation of Match.
type MatchCall struct {
	// Embedding is a copy of the query vector passed to Match.
	Embedding []float32
	// Limit is the result limit passed to Match.
	Limit int
	// Filter is the filter passed to Match.
	Filter docstore.Filter
}

// Store is a configurable test double for [docstore.Store]. All exported
// *Err fields default to nil (success); all exported *Result fields default
// to nil (empty non-nil slice returned).
type Store struct {
	mu sync.Mutex

	matchCalls []MatchCall
	fetchCalls [][]string

	// MatchResult is returned by Match.
	MatchResult []docstore.Document

	// MatchErr is returned by Match when non-nil.
	MatchErr error

	// Docs backs FetchByIDs: documents are returned by ID lookup in the
	// order the requested IDs appear, skipping unknown IDs.
	Docs map[string]docstore.Document

	// FetchErr is returned by FetchByIDs when non-nil.
	FetchErr error
}

// Match implements [docstore.Store].
func (m *Store) Match(_ context.Context, embedding []float32, limit int, filter docstore.Filter) ([]docstore.Document, error) {
	m.mu.Lock()
	m.matchCalls = append(m.matchCalls, MatchCall{
		Embedding: append([]float32(nil), embedding...),
		Limit:     limit,
		Filter:    filter,
	})
	m.mu.Unlock()

	if m.MatchErr != nil {
		return nil, m.MatchErr
	}
	if m.MatchResult == nil {
		return []docstore.Document{}, nil
	}
	return m.MatchResult, nil
}

// FetchByIDs implements [docstore.Store].
func (m *Store) FetchByIDs(_ context.Context, ids []string) ([]docstore.Document, error) {
	m.mu.Lock()
	m.fetchCalls = append(m.fetchCalls, append([]string(nil), ids...))
	m.mu.Unlock()

	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	docs := []docstore.Document{}
	for _, id := range ids {
		if doc, ok := m.Docs[id]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// MatchCalls returns a copy of all recorded Match invocations.
func (m *Store) MatchCalls() []MatchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MatchCall(nil), m.matchCalls...)
}

// FetchCalls returns a copy of all recorded FetchByIDs arguments.
func (m *Store) FetchCalls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.fetchCalls...)
}
