// Package docstore defines the document store interface backing the retrieval
// tools: a corpus of pre-embedded text chunks that can be searched by vector
// similarity and fetched back by identifier for grounding.
//
// Implementations must be safe for concurrent use.
package docstore

import "context"

// Document is a single knowledge-base chunk.
type Document struct {
	// ID uniquely identifies the chunk within the corpus.
	ID string

	// Title is the human-readable source title. May be empty.
	Title string

	// Content is the chunk text.
	Content string
}

// Filter narrows a similarity search. The zero value matches everything.
type Filter struct {
	// Source restricts matches to chunks ingested from the named source
	// document. Empty means no restriction.
	Source string
}

// Store is the abstraction over any vector-indexed document backend.
type Store interface {
	// Match finds the limit documents whose embeddings are closest (cosine
	// distance) to the query embedding, optionally narrowed by filter.
	// Results are ordered most similar first. An empty result is not an
	// error.
	Match(ctx context.Context, embedding []float32, limit int, filter Filter) ([]Document, error)

	// FetchByIDs returns the documents with the given identifiers. Unknown
	// identifiers are silently skipped; the result order is unspecified.
	FetchByIDs(ctx context.Context, ids []string) ([]Document, error)
}
