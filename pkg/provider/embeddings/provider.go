// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider wraps a service that maps text strings to dense
// float32 vectors. The middle tier uses these vectors to run the `search`
// retrieval tool against the document store; ingestion tooling uses the same
// provider to embed chunks at index time so query and corpus share one
// vector space.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All embedding vectors returned by a single Provider instance must share the
// same dimensionality (returned by Dimensions). Query vectors and document
// vectors must come from the same Provider configuration or the distance
// computation in the store is meaningless.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns
	// a float32 slice of length Dimensions() or an error if the request
	// fails or ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of text strings in a
	// single provider call. The returned slice has the same length as texts
	// and the i-th element corresponds to texts[i]. On error the entire
	// result is nil; partial results are not returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every embedding vector produced
	// by this provider. Constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific model or deployment identifier
	// used for embeddings. Useful for logging and for ensuring consistent
	// model usage between ingestion and query time.
	ModelID() string
}
