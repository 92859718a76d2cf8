// Package vectorstore persists embedded chunks as points in a vector
// database and reads them back for search and dedup reconciliation.
package vectorstore

import "context"

// Point is the unit persisted to the vector store: a collision-free ID,
// the embedding, and a payload carrying the chunk text plus document
// metadata.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// SearchResult is a single match from a similarity search.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Backend is the raw upsert surface the Writer batches over. Kept narrow
// so batching and split-on-oversize behavior is testable without a live
// store.
type Backend interface {
	// UpsertPoints writes points in a single request.
	UpsertPoints(ctx context.Context, points []Point) error
}

// Store is the full vector database surface used by the pipeline.
type Store interface {
	Backend
	// EnsureCollection creates the collection if it does not exist and
	// reports whether it did. Idempotent; a concurrent creation race is
	// not an error.
	EnsureCollection(ctx context.Context, vectorSize int, distance string) (created bool, err error)
	// ScrollDocIDs returns the distinct doc_id payload values of all
	// stored points, for dedup reconciliation.
	ScrollDocIDs(ctx context.Context) (map[string]struct{}, error)
	// Search finds the top-k most similar points.
	Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error)
	// Close releases resources.
	Close() error
}
