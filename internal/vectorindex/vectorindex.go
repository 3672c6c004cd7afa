// Package vectorindex is the Vector Index (C3): upsert and query dense
// vectors with per-user/per-project metadata filters. Dimensionality is
// fixed per deployment and must match the Embedder; similarity is cosine.
package vectorindex

import "context"

// Vector is one point to upsert: an id of the form item_id:chunk_index, the
// embedding itself, and flat string metadata for filtering and re-ranking.
type Vector struct {
	ID       string
	Values   []float32
	Metadata map[string]string
}

// Match is one result from Query.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// Filter is an equality filter over user_id, project_id, source, item_id.
type Filter map[string]string

// Index is the full surface every component needs from the Vector Index.
type Index interface {
	// Upsert replaces (or creates) the given vectors in place.
	Upsert(ctx context.Context, vectors []Vector) error

	// Query returns the top k matches for vector, restricted by filter.
	Query(ctx context.Context, vector []float32, filter Filter, k int) ([]Match, error)

	// DeleteByFilter removes every point matching filter. Used by the
	// Pipeline to cascade-delete an Item's Embeddings (must happen before
	// the Item row itself is removed, per I2).
	DeleteByFilter(ctx context.Context, filter Filter) error

	Dimension() int
	Close() error
}
