// Package postgres provides a PostgreSQL-backed [docstore.Store] using the
// pgvector extension for approximate nearest-neighbour search.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	docs, err := store.Match(ctx, queryEmbedding, 5, docstore.Filter{})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voxbridge/pkg/docstore"
)

// Compile-time interface check.
var _ docstore.Store = (*Store)(nil)

// Store is a pgvector-backed document store. It holds a single
// [pgxpool.Pool]; all methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure the documents table and vector index exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce query vectors (e.g., 1536 for text-embedding-3-small,
// 3072 for text-embedding-3-large). Changing this value after the first
// migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	if embeddingDimensions <= 0 {
		return nil, fmt.Errorf("docstore postgres: embeddingDimensions must be positive, got %d", embeddingDimensions)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore postgres: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("docstore postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("docstore postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("docstore postgres: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate ensures the pgvector extension, the documents table, and an HNSW
// index over the embedding column exist. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS documents (
			    id         TEXT        PRIMARY KEY,
			    title      TEXT        NOT NULL DEFAULT '',
			    content    TEXT        NOT NULL,
			    source     TEXT        NOT NULL DEFAULT '',
			    embedding  vector(%d)  NOT NULL,
			    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, embeddingDimensions),
		`CREATE INDEX IF NOT EXISTS idx_documents_source ON documents (source)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_embedding
		    ON documents USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("docstore postgres: migrate: %w", err)
		}
	}
	return nil
}

// Upsert inserts or completely replaces a pre-embedded document. Used by
// ingestion tooling; the middle tier itself never writes.
func (s *Store) Upsert(ctx context.Context, doc docstore.Document, source string, embedding []float32) error {
	const q = `
		INSERT INTO documents (id, title, content, source, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    title     = EXCLUDED.title,
		    content   = EXCLUDED.content,
		    source    = EXCLUDED.source,
		    embedding = EXCLUDED.embedding`

	_, err := s.pool.Exec(ctx, q, doc.ID, doc.Title, doc.Content, source, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("docstore postgres: upsert %q: %w", doc.ID, err)
	}
	return nil
}

// Match implements [docstore.Store]. It finds the limit documents whose
// embeddings are closest (cosine distance) to the query embedding, ordered
// most similar first.
func (s *Store) Match(ctx context.Context, embedding []float32, limit int, filter docstore.Filter) ([]docstore.Document, error) {
	args := []any{pgvector.NewVector(embedding)} // $1 = query vector

	whereClause := ""
	if filter.Source != "" {
		args = append(args, filter.Source)
		whereClause = fmt.Sprintf("WHERE source = $%d", len(args))
	}

	args = append(args, limit)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, title, content,
		       embedding <=> $1 AS distance
		FROM   documents
		%s
		ORDER  BY distance
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore postgres: match: %w", err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (docstore.Document, error) {
		var (
			doc      docstore.Document
			distance float64
		)
		if err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &distance); err != nil {
			return docstore.Document{}, err
		}
		return doc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("docstore postgres: scan rows: %w", err)
	}
	if docs == nil {
		docs = []docstore.Document{}
	}
	return docs, nil
}

// FetchByIDs implements [docstore.Store]. Unknown identifiers are skipped.
func (s *Store) FetchByIDs(ctx context.Context, ids []string) ([]docstore.Document, error) {
	if len(ids) == 0 {
		return []docstore.Document{}, nil
	}

	const q = `
		SELECT id, title, content
		FROM   documents
		WHERE  id = ANY($1)`

	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("docstore postgres: fetch by ids: %w", err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (docstore.Document, error) {
		var doc docstore.Document
		if err := row.Scan(&doc.ID, &doc.Title, &doc.Content); err != nil {
			return docstore.Document{}, err
		}
		return doc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("docstore postgres: scan rows: %w", err)
	}
	if docs == nil {
		docs = []docstore.Document{}
	}
	return docs, nil
}
