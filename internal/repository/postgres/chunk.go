package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/knoguchi/supportrag/internal/retrieval"
)

// ChunkRepo implements retrieval.Retriever over the chunks table:
//
//	documents(id uuid, title text, source text, ...)
//	chunks(id uuid, document_id uuid, chunk_index int, content text,
//	       embedding vector, metadata jsonb)
type ChunkRepo struct {
	db *DB
}

// NewChunkRepo creates a new chunk repository
func NewChunkRepo(db *DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

var _ retrieval.Retriever = (*ChunkRepo)(nil)

const chunkColumns = `
	c.id::text, c.document_id::text, c.chunk_index, c.content,
	coalesce(c.metadata, '{}'::jsonb), coalesce(d.title, ''), coalesce(d.source, '')`

// Retrieve returns the nearest chunks by cosine distance, most similar first.
func (r *ChunkRepo) Retrieve(ctx context.Context, vector []float32, limit int, minSimilarity float64) ([]retrieval.Candidate, error) {
	query := `
		SELECT ` + chunkColumns + `, 1 - (c.embedding <=> $1) AS similarity
		FROM chunks c
		LEFT JOIN documents d ON d.id = c.document_id
		WHERE 1 - (c.embedding <=> $1) >= $2
		ORDER BY c.embedding <=> $1
		LIMIT $3
	`
	rows, err := r.db.Pool.Query(ctx, query, pgvector.NewVector(vector), minSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	var candidates []retrieval.Candidate
	for rows.Next() {
		var c retrieval.Candidate
		var metadataJSON []byte
		var title, source string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &metadataJSON, &title, &source, &c.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if c.Metadata, err = decodeMetadata(metadataJSON, title, source); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return candidates, nil
}

// Chunk retrieves a single chunk by ID.
func (r *ChunkRepo) Chunk(ctx context.Context, id string) (retrieval.Candidate, error) {
	query := `
		SELECT ` + chunkColumns + `
		FROM chunks c
		LEFT JOIN documents d ON d.id = c.document_id
		WHERE c.id::text = $1
	`
	var c retrieval.Candidate
	var metadataJSON []byte
	var title, source string
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &metadataJSON, &title, &source)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return retrieval.Candidate{}, retrieval.ErrNotFound
		}
		return retrieval.Candidate{}, fmt.Errorf("failed to get chunk: %w", err)
	}
	if c.Metadata, err = decodeMetadata(metadataJSON, title, source); err != nil {
		return retrieval.Candidate{}, err
	}
	return c, nil
}

// Ping checks database connectivity.
func (r *ChunkRepo) Ping(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// decodeMetadata flattens the chunk's jsonb metadata to strings and adds the
// parent document's title and source when present.
func decodeMetadata(raw []byte, title, source string) (map[string]string, error) {
	var fields map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	metadata := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		if s, ok := v.(string); ok {
			metadata[k] = s
		} else {
			metadata[k] = fmt.Sprint(v)
		}
	}
	if title != "" {
		metadata["title"] = title
	}
	if source != "" {
		metadata["source"] = source
	}
	return metadata, nil
}
