// Package service implements the support chat pipeline: retrieval,
// reranking, answer generation and session memory.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knoguchi/supportrag/internal/embedder"
	"github.com/knoguchi/supportrag/internal/llm"
	"github.com/knoguchi/supportrag/internal/memory"
	"github.com/knoguchi/supportrag/internal/reranker"
	"github.com/knoguchi/supportrag/internal/retrieval"
	"github.com/knoguchi/supportrag/internal/videolink"
)

// ErrEmptyQuestion is returned when a request carries no question text.
var ErrEmptyQuestion = errors.New("question is required")

// ErrIncompleteStream is reported when the model stream closes before its
// final chunk.
var ErrIncompleteStream = errors.New("generation stream ended before completion")

// Settings tunes the chat pipeline.
type Settings struct {
	RetrievalLimit   int
	MinSimilarity    float64
	DedupThreshold   float64
	TopK             int
	MaxContextTokens int
	HistoryMessages  int
	Temperature      float32
	MaxTokens        int
	Model            string
	SystemPrompt     string
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		RetrievalLimit:   100,
		DedupThreshold:   0.9,
		TopK:             reranker.DefaultTopK,
		MaxContextTokens: 6000,
		HistoryMessages:  10, // 5 turns
		Temperature:      0.3,
		MaxTokens:        2048,
		SystemPrompt:     DefaultSystemPrompt,
	}
}

// Request is a single chat question.
type Request struct {
	SessionID string
	Question  string
	// TopK overrides Settings.TopK when positive.
	TopK int
}

// Metadata reports timings and counts for one answer.
type Metadata struct {
	RetrievalMs         int64  `json:"retrieval_ms"`
	RerankMs            int64  `json:"rerank_ms"`
	GenerationMs        int64  `json:"generation_ms"`
	TotalMs             int64  `json:"total_ms"`
	CandidatesRetrieved int    `json:"candidates_retrieved"`
	ChunksUsed          int    `json:"chunks_used"`
	Model               string `json:"model"`
}

// Answer is the generated reply with the context it was grounded on.
type Answer struct {
	Text     string
	Sources  []reranker.RankedChunk
	Videos   []videolink.Link
	Metadata Metadata
}

// ChatService answers support questions over the document corpus
type ChatService struct {
	embedder  embedder.Embedder
	retriever retrieval.Retriever
	llmClient llm.LLM
	reranker  reranker.Reranker
	memory    *memory.Store
	settings  Settings
	logger    *slog.Logger
}

// ChatServiceOption is a functional option for configuring ChatService.
type ChatServiceOption func(*ChatService)

// WithReranker sets the reranker. Without one, retrieval order is kept.
func WithReranker(r reranker.Reranker) ChatServiceOption {
	return func(s *ChatService) {
		s.reranker = r
	}
}

// WithMemory sets the session memory store.
func WithMemory(m *memory.Store) ChatServiceOption {
	return func(s *ChatService) {
		s.memory = m
	}
}

// WithSettings replaces the default settings.
func WithSettings(settings Settings) ChatServiceOption {
	return func(s *ChatService) {
		s.settings = settings
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ChatServiceOption {
	return func(s *ChatService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewChatService creates a new ChatService
func NewChatService(emb embedder.Embedder, retriever retrieval.Retriever, llmClient llm.LLM, opts ...ChatServiceOption) *ChatService {
	s := &ChatService{
		embedder:  emb,
		retriever: retriever,
		llmClient: llmClient,
		reranker:  reranker.PassThrough{},
		memory:    memory.DefaultStore(),
		settings:  DefaultSettings(),
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.settings.SystemPrompt == "" {
		s.settings.SystemPrompt = DefaultSystemPrompt
	}

	return s
}

// preparedContext is the outcome of retrieval and reranking for one question.
type preparedContext struct {
	question  string
	history   []memory.Message
	sources   []reranker.RankedChunk
	videos    []videolink.Link
	retrieved int
	metadata  Metadata
	started   time.Time
}

func (s *ChatService) prepare(ctx context.Context, req Request) (*preparedContext, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	p := &preparedContext{question: question, started: time.Now()}

	// Step 1: Embed the question
	vector, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}

	// Step 2: Search for candidate chunks
	candidates, err := s.retriever.Retrieve(ctx, vector, s.settings.RetrievalLimit, s.settings.MinSimilarity)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve chunks: %w", err)
	}
	p.retrieved = len(candidates)

	// Step 2.5: Drop near-duplicates
	candidates = retrieval.Deduplicate(candidates, s.settings.DedupThreshold)
	p.metadata.RetrievalMs = time.Since(p.started).Milliseconds()

	// Step 3: Rerank
	topK := s.settings.TopK
	if req.TopK > 0 {
		topK = req.TopK
	}
	rerankStart := time.Now()
	ranked := s.reranker.Rerank(ctx, question, candidates, topK)
	p.metadata.RerankMs = time.Since(rerankStart).Milliseconds()

	// Step 4: Fit the prompt budget
	p.sources = selectContext(ranked, s.settings.MaxContextTokens)
	p.videos = videolink.Extract(p.sources)

	if req.SessionID != "" && s.settings.HistoryMessages > 0 {
		p.history = s.memory.Recent(req.SessionID, s.settings.HistoryMessages)
	}

	p.metadata.CandidatesRetrieved = p.retrieved
	p.metadata.ChunksUsed = len(p.sources)
	p.metadata.Model = s.model()

	s.logger.DebugContext(ctx, "context prepared",
		"candidates", p.retrieved,
		"after_dedupe", len(candidates),
		"ranked", len(ranked),
		"chunks_used", len(p.sources),
		"videos", len(p.videos),
	)

	return p, nil
}

func (s *ChatService) model() string {
	if s.settings.Model != "" {
		return s.settings.Model
	}
	return s.llmClient.ModelName()
}

func (s *ChatService) generateOptions() llm.GenerateOptions {
	return llm.GenerateOptions{
		Model:       s.settings.Model,
		Temperature: s.settings.Temperature,
		MaxTokens:   s.settings.MaxTokens,
	}
}

// Answer retrieves context and generates a complete reply.
func (s *ChatService) Answer(ctx context.Context, req Request) (*Answer, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	generationStart := time.Now()
	messages := buildMessages(s.settings.SystemPrompt, p.sources, p.question, p.history)
	text, err := s.llmClient.Generate(ctx, messages, s.generateOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}
	p.metadata.GenerationMs = time.Since(generationStart).Milliseconds()
	p.metadata.TotalMs = time.Since(p.started).Milliseconds()

	if req.SessionID != "" {
		s.memory.AddUserMessage(req.SessionID, p.question)
		s.memory.AddAssistantMessage(req.SessionID, text)
	}

	s.logger.InfoContext(ctx, "answer generated",
		"session_id", req.SessionID,
		"chunks_used", p.metadata.ChunksUsed,
		"total_ms", p.metadata.TotalMs,
	)

	return &Answer{
		Text:     text,
		Sources:  p.sources,
		Videos:   p.videos,
		Metadata: p.metadata,
	}, nil
}

// Event types emitted by Stream.
const (
	EventSources = "sources"
	EventVideos  = "videos"
	EventToken   = "token"
	EventDone    = "done"
	EventError   = "error"
)

// Event is one step of a streamed answer. Only the field matching Type is set.
type Event struct {
	Type     string
	Sources  []reranker.RankedChunk
	Videos   []videolink.Link
	Token    string
	Metadata *Metadata
	Err      error
}

// Stream performs the same retrieval as Answer, then emits sources, videos,
// tokens and finally a done or error event. Errors before the first event are
// returned directly, as is the context error when ctx ends mid-stream. An error
// returned by emit aborts the stream. Session memory is only updated after the
// model's final chunk.
func (s *ChatService) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return err
	}

	if err := emit(Event{Type: EventSources, Sources: p.sources}); err != nil {
		return err
	}
	if err := emit(Event{Type: EventVideos, Videos: p.videos}); err != nil {
		return err
	}

	generationStart := time.Now()
	messages := buildMessages(s.settings.SystemPrompt, p.sources, p.question, p.history)
	tokens, err := s.llmClient.GenerateStream(ctx, messages, s.generateOptions())
	if err != nil {
		s.logger.WarnContext(ctx, "failed to start streaming", "error", err)
		return emit(Event{Type: EventError, Err: fmt.Errorf("failed to start streaming: %w", err)})
	}

	var (
		full    strings.Builder
		sawDone bool
	)
	for chunk := range tokens {
		if chunk.Error != nil {
			s.logger.WarnContext(ctx, "generation stream failed", "error", chunk.Error)
			return emit(Event{Type: EventError, Err: chunk.Error})
		}
		sawDone = sawDone || chunk.Done
		if chunk.Token == "" {
			continue
		}
		full.WriteString(chunk.Token)
		if err := emit(Event{Type: EventToken, Token: chunk.Token}); err != nil {
			return err
		}
	}

	// A closed channel without a final chunk means the answer was cut short.
	if err := ctx.Err(); err != nil {
		return err
	}
	if !sawDone {
		s.logger.WarnContext(ctx, "generation stream ended early", "chars", full.Len())
		return emit(Event{Type: EventError, Err: ErrIncompleteStream})
	}

	if req.SessionID != "" {
		s.memory.AddUserMessage(req.SessionID, p.question)
		s.memory.AddAssistantMessage(req.SessionID, full.String())
	}

	p.metadata.GenerationMs = time.Since(generationStart).Milliseconds()
	p.metadata.TotalMs = time.Since(p.started).Milliseconds()
	return emit(Event{Type: EventDone, Metadata: &p.metadata})
}

// Rerank reranks a caller-supplied candidate list.
func (s *ChatService) Rerank(ctx context.Context, question string, candidates []retrieval.Candidate, topK int) ([]reranker.RankedChunk, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if topK <= 0 {
		topK = s.settings.TopK
	}
	return s.reranker.Rerank(ctx, question, candidates, topK), nil
}

// Chunk returns a single source chunk by ID.
func (s *ChatService) Chunk(ctx context.Context, id string) (retrieval.Candidate, error) {
	return s.retriever.Chunk(ctx, id)
}

// ClearSession forgets a session's history and reports whether it existed.
func (s *ChatService) ClearSession(sessionID string) bool {
	return s.memory.Clear(sessionID)
}

// Ready reports whether the retrieval backend is reachable.
func (s *ChatService) Ready(ctx context.Context) error {
	return s.retriever.Ping(ctx)
}
