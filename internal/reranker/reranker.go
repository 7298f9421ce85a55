// Package reranker re-scores retrieval candidates before they are handed to
// answer generation.
//
// The LLM reranker asks the model to grade each candidate from 1 to 10, scales
// the grade to [0,1] and fuses it with the original vector similarity:
//
//	combined = similarityWeight*similarity + llmWeight*grade/10
//
// Vector similarity alone ranks tabular inventory text poorly, so the model's
// judgment carries more weight by default (0.4 / 0.6).
//
// # Trade-offs
//
//   - Latency: one extra model call per query, skipped entirely for five or
//     fewer candidates.
//   - Cost: the prompt is bounded by the candidate cap (50) and the excerpt
//     length (400 characters).
//   - Failure: any model error degrades to pass-through ranking; Rerank never
//     fails the request.
package reranker

import (
	"context"

	"github.com/knoguchi/supportrag/internal/retrieval"
)

// RankedChunk is a candidate augmented with its reranking scores.
type RankedChunk struct {
	retrieval.Candidate

	// OriginalSimilarity is the retriever's similarity, copied unchanged.
	OriginalSimilarity float64

	// LLMRelevanceScore is the model's grade scaled to [0,1]. In pass-through
	// ranking it equals OriginalSimilarity.
	LLMRelevanceScore float64

	// CombinedScore is the fused ranking score.
	CombinedScore float64
}

// Reranker defines the interface for re-ranking retrieval candidates.
type Reranker interface {
	// Rerank returns at most topK chunks ordered by CombinedScore descending.
	// It does not fail: relevance-judgment problems degrade to pass-through ranking.
	Rerank(ctx context.Context, question string, chunks []retrieval.Candidate, topK int) []RankedChunk
}

// PassThrough is a Reranker that keeps retrieval order and scores.
type PassThrough struct{}

// Rerank returns the first topK chunks with identity scoring.
func (PassThrough) Rerank(_ context.Context, _ string, chunks []retrieval.Candidate, topK int) []RankedChunk {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return passThroughRank(chunks, topK)
}

// passThroughRank maps the first topK chunks to RankedChunks whose scores all
// equal the original similarity, preserving order.
func passThroughRank(chunks []retrieval.Candidate, topK int) []RankedChunk {
	n := min(len(chunks), topK)
	ranked := make([]RankedChunk, n)
	for i := range n {
		sim := chunks[i].Similarity
		ranked[i] = RankedChunk{
			Candidate:          chunks[i],
			OriginalSimilarity: sim,
			LLMRelevanceScore:  sim,
			CombinedScore:      sim,
		}
	}
	return ranked
}

var _ Reranker = PassThrough{}
