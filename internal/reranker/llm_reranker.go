package reranker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/knoguchi/supportrag/internal/llm"
	"github.com/knoguchi/supportrag/internal/retrieval"
)

const (
	// DefaultTopK is the shortlist size when the caller does not ask for one.
	DefaultTopK = 30

	// DefaultMaxCandidates caps how many candidates are shown to the model.
	DefaultMaxCandidates = 50

	// DefaultExcerptChars is how much of each candidate the model sees.
	DefaultExcerptChars = 400

	// DefaultShortCircuit is the candidate count at or below which the model
	// is not consulted.
	DefaultShortCircuit = 5

	// DefaultSimilarityWeight and DefaultLLMWeight fuse the two scores.
	DefaultSimilarityWeight = 0.4
	DefaultLLMWeight        = 0.6

	// DefaultTemperature keeps grading near-deterministic.
	DefaultTemperature = 0.1

	// DefaultMaxTokens leaves room for fifty two-digit grades.
	DefaultMaxTokens = 256
)

const systemPrompt = "You grade how useful document excerpts are for answering a customer's question " +
	"about industrial machinery. Reply with a JSON array of integers only."

// LLMReranker grades candidates with an LLM and fuses the grade with the
// original vector similarity.
type LLMReranker struct {
	llmClient        llm.LLM
	model            string
	maxCandidates    int
	excerptChars     int
	shortCircuit     int
	similarityWeight float64
	llmWeight        float64
	temperature      float32
	maxTokens        int
	logger           *slog.Logger
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for grading. Empty keeps the client default.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// WithMaxCandidates caps how many candidates are graded.
func WithMaxCandidates(n int) LLMRerankerOption {
	return func(r *LLMReranker) {
		if n > 0 {
			r.maxCandidates = n
		}
	}
}

// WithExcerptChars sets how many characters of each candidate are shown.
func WithExcerptChars(n int) LLMRerankerOption {
	return func(r *LLMReranker) {
		if n > 0 {
			r.excerptChars = n
		}
	}
}

// WithShortCircuit sets the candidate count at or below which grading is skipped.
func WithShortCircuit(n int) LLMRerankerOption {
	return func(r *LLMReranker) {
		if n >= 0 {
			r.shortCircuit = n
		}
	}
}

// WithWeights sets the fusion weights for similarity and LLM relevance.
func WithWeights(similarity, relevance float64) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.similarityWeight = similarity
		r.llmWeight = relevance
	}
}

// WithLogger sets the logger used to report fallbacks.
func WithLogger(logger *slog.Logger) LLMRerankerOption {
	return func(r *LLMReranker) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llmClient:        llmClient,
		maxCandidates:    DefaultMaxCandidates,
		excerptChars:     DefaultExcerptChars,
		shortCircuit:     DefaultShortCircuit,
		similarityWeight: DefaultSimilarityWeight,
		llmWeight:        DefaultLLMWeight,
		temperature:      DefaultTemperature,
		maxTokens:        DefaultMaxTokens,
		logger:           slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Rerank grades up to maxCandidates chunks and returns the topK best by
// combined score. Equal scores keep their input order.
func (r *LLMReranker) Rerank(ctx context.Context, question string, chunks []retrieval.Candidate, topK int) []RankedChunk {
	if topK <= 0 {
		topK = DefaultTopK
	}

	if len(chunks) <= r.shortCircuit {
		return passThroughRank(chunks, topK)
	}

	selected := chunks[:min(len(chunks), r.maxCandidates)]

	messages := []llm.Message{
		llm.System(systemPrompt),
		llm.User(r.buildRerankPrompt(question, selected)),
	}
	response, err := r.llmClient.Generate(ctx, messages, llm.GenerateOptions{
		Model:       r.model,
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "reranking failed, using similarity order",
			"error", err,
			"candidates", len(selected),
		)
		return passThroughRank(selected, topK)
	}

	grades, err := ParseScores(response)
	if err != nil {
		r.logger.WarnContext(ctx, "unparseable relevance grades, using neutral grade",
			"error", err,
			"candidates", len(selected),
			"response_chars", len(response),
		)
		grades = neutralGrades(len(selected))
	} else if len(grades) < len(selected) {
		r.logger.DebugContext(ctx, "relevance grades shorter than candidate list",
			"grades", len(grades),
			"candidates", len(selected),
		)
	}
	grades = alignGrades(grades, len(selected))

	ranked := make([]RankedChunk, len(selected))
	for i, c := range selected {
		relevance := float64(grades[i]) / maxGrade
		ranked[i] = RankedChunk{
			Candidate:          c,
			OriginalSimilarity: c.Similarity,
			LLMRelevanceScore:  relevance,
			CombinedScore:      r.fuse(c.Similarity, relevance),
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].CombinedScore > ranked[j].CombinedScore
	})

	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}

func (r *LLMReranker) fuse(similarity, relevance float64) float64 {
	return r.similarityWeight*similarity + r.llmWeight*relevance
}

// buildRerankPrompt lists each candidate's excerpt under its 1-based position.
func (r *LLMReranker) buildRerankPrompt(question string, chunks []retrieval.Candidate) string {
	var sb strings.Builder

	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n\nDocuments:\n")

	for i, c := range chunks {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, excerpt(c.Content, r.excerptChars))
	}

	fmt.Fprintf(&sb, `Rate each of the %d documents from 1 (irrelevant) to 10 (directly answers the question).
Return exactly one JSON array of %d integers in document order, for example [8, 3, 5].
Output only the array.`, len(chunks), len(chunks))

	return sb.String()
}

// excerpt returns the first n characters of s.
func excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)
