// Package vectorstore serves retrieval candidates from a Qdrant collection.
package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/knoguchi/supportrag/internal/retrieval"
)

// Payload keys written by the ingestion side.
const (
	payloadDocumentID = "document_id"
	payloadChunkIndex = "chunk_index"
	payloadContent    = "content"
)

// QdrantStore implements retrieval.Retriever over a single Qdrant collection
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

var _ retrieval.Retriever = (*QdrantStore)(nil)

// NewQdrantStore creates a new Qdrant client for the given collection.
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(url, collection string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, collection: collection}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Retrieve performs cosine similarity search over the collection.
func (s *QdrantStore) Retrieve(ctx context.Context, vector []float32, limit int, minSimilarity float64) ([]retrieval.Candidate, error) {
	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(float32(minSimilarity)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	candidates := make([]retrieval.Candidate, 0, len(response))
	for _, point := range response {
		candidates = append(candidates, candidateFromPayload(pointID(point.Id), float64(point.Score), point.Payload))
	}
	return candidates, nil
}

// Chunk fetches a single point by ID.
func (s *QdrantStore) Chunk(ctx context.Context, id string) (retrieval.Candidate, error) {
	var pid *qdrant.PointId
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		pid = qdrant.NewIDNum(n)
	} else if _, err := uuid.Parse(id); err == nil {
		pid = qdrant.NewIDUUID(id)
	} else {
		return retrieval.Candidate{}, retrieval.ErrNotFound
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{pid},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return retrieval.Candidate{}, fmt.Errorf("failed to get point: %w", err)
	}
	if len(points) == 0 {
		return retrieval.Candidate{}, retrieval.ErrNotFound
	}

	return candidateFromPayload(pointID(points[0].Id), 0, points[0].Payload), nil
}

// Ping checks that the Qdrant server is reachable.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

// candidateFromPayload maps the well-known payload keys onto a candidate and
// keeps every other key as metadata.
func candidateFromPayload(id string, score float64, payload map[string]*qdrant.Value) retrieval.Candidate {
	c := retrieval.Candidate{
		ID:         id,
		Similarity: score,
		Metadata:   make(map[string]string),
	}

	for k, v := range payload {
		switch k {
		case payloadDocumentID:
			c.DocumentID = v.GetStringValue()
		case payloadContent:
			c.Content = v.GetStringValue()
		case payloadChunkIndex:
			c.ChunkIndex = int(v.GetIntegerValue())
		default:
			c.Metadata[k] = valueString(v)
		}
	}
	return c
}

func valueString(v *qdrant.Value) string {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return strconv.FormatInt(kind.IntegerValue, 10)
	case *qdrant.Value_DoubleValue:
		return strconv.FormatFloat(kind.DoubleValue, 'g', -1, 64)
	case *qdrant.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue)
	default:
		return ""
	}
}
