// Package retrieval defines the candidate chunks produced by first-pass vector
// search and the interface backends implement to supply them.
package retrieval

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested chunk does not exist.
var ErrNotFound = errors.New("not found")

// Candidate is a unit of retrieved document text together with its
// precomputed similarity to the query embedding.
//
// Content and Similarity are assigned once by the retriever. Downstream stages
// copy candidates rather than mutating them.
type Candidate struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Content    string
	Similarity float64
	Metadata   map[string]string
}

// Title returns the document title carried in metadata, if any.
func (c Candidate) Title() string {
	return c.Metadata["title"]
}

// Text returns the chunk content.
func (c Candidate) Text() string {
	return c.Content
}

// Retriever supplies candidates for a query embedding.
type Retriever interface {
	// Retrieve returns up to limit candidates whose similarity is at least
	// minSimilarity, ordered by similarity descending.
	Retrieve(ctx context.Context, vector []float32, limit int, minSimilarity float64) ([]Candidate, error)

	// Chunk returns a single chunk by ID with Similarity zero, or ErrNotFound.
	Chunk(ctx context.Context, id string) (Candidate, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
