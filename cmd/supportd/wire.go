package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/knoguchi/supportrag/internal/config"
	"github.com/knoguchi/supportrag/internal/embedder"
	"github.com/knoguchi/supportrag/internal/llm"
	"github.com/knoguchi/supportrag/internal/memory"
	"github.com/knoguchi/supportrag/internal/repository/postgres"
	"github.com/knoguchi/supportrag/internal/reranker"
	"github.com/knoguchi/supportrag/internal/retrieval"
	"github.com/knoguchi/supportrag/internal/service"
	"github.com/knoguchi/supportrag/internal/vectorstore"
)

// newProviders builds the embedding and generation clients for cfg.LLMProvider.
func newProviders(cfg *config.Config) (embedder.Embedder, llm.LLM, error) {
	httpClient := &http.Client{Timeout: cfg.LLMTimeout}

	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		emb, err := embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			BaseURL:    cfg.OpenAIBaseURL,
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.OpenAIEmbeddingModel,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:    cfg.OpenAIBaseURL,
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.OpenAILLMModel,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
		return emb, client, nil

	case config.ProviderOllama:
		emb := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL:    cfg.OllamaURL,
			Model:      cfg.OllamaEmbeddingModel,
			HTTPClient: httpClient,
		})
		client := llm.NewOllamaClient(
			llm.WithBaseURL(cfg.OllamaURL),
			llm.WithModel(cfg.OllamaLLMModel),
			llm.WithHTTPClient(httpClient),
		)
		return emb, client, nil

	default:
		return nil, nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}

// newRetriever connects the configured retrieval backend. The returned close
// function releases its connections.
func newRetriever(ctx context.Context, cfg *config.Config) (retrieval.Retriever, func(), error) {
	switch cfg.RetrieverBackend {
	case config.BackendPgvector:
		db, err := postgres.New(ctx, cfg.DatabaseURL, postgres.PoolConfig{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("connected to PostgreSQL")
		return postgres.NewChunkRepo(db), db.Close, nil

	case config.BackendQdrant:
		store, err := vectorstore.NewQdrantStore(cfg.QdrantGRPCURL, cfg.QdrantCollection)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)
		return store, func() {
			if err := store.Close(); err != nil {
				slog.Warn("error closing Qdrant client", "error", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown retriever backend %q", cfg.RetrieverBackend)
	}
}

// newReranker returns the LLM reranker, or pass-through when reranking is off.
func newReranker(cfg *config.Config, client llm.LLM, logger *slog.Logger) reranker.Reranker {
	if !cfg.RerankEnabled {
		return reranker.PassThrough{}
	}
	return reranker.NewLLMReranker(client,
		reranker.WithModel(cfg.RerankModel),
		reranker.WithMaxCandidates(cfg.RerankMaxCandidates),
		reranker.WithExcerptChars(cfg.RerankExcerptChars),
		reranker.WithShortCircuit(cfg.RerankShortCircuit),
		reranker.WithWeights(cfg.RerankSimilarityWeight, cfg.RerankLLMWeight),
		reranker.WithLogger(logger),
	)
}

func settingsFromConfig(cfg *config.Config) service.Settings {
	s := service.DefaultSettings()
	s.RetrievalLimit = cfg.RetrievalLimit
	s.MinSimilarity = cfg.RetrievalMinSimilarity
	s.DedupThreshold = cfg.DedupThreshold
	s.TopK = cfg.RerankTopK
	s.MaxContextTokens = cfg.AnswerMaxContextTokens
	s.Temperature = cfg.AnswerTemperature
	s.MaxTokens = cfg.AnswerMaxTokens
	s.HistoryMessages = cfg.SessionHistoryMessages
	if cfg.SystemPrompt != "" {
		s.SystemPrompt = cfg.SystemPrompt
	}
	return s
}

// newChatService assembles the chat pipeline from its collaborators.
func newChatService(cfg *config.Config, emb embedder.Embedder, client llm.LLM, retriever retrieval.Retriever, logger *slog.Logger) *service.ChatService {
	return service.NewChatService(emb, retriever, client,
		service.WithReranker(newReranker(cfg, client, logger)),
		service.WithMemory(memory.NewStore(cfg.SessionMaxMessages, cfg.SessionMaxCount, cfg.SessionTTL)),
		service.WithSettings(settingsFromConfig(cfg)),
		service.WithLogger(logger),
	)
}

// bootstrap loads configuration, installs logging to logOut and builds the
// chat service. The returned close function releases backend connections.
func bootstrap(ctx context.Context, logOut io.Writer) (*config.Config, *service.ChatService, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogging(cfg.LogLevel, logOut)

	emb, client, err := newProviders(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info("initialized providers",
		"provider", cfg.LLMProvider,
		"llm_model", client.ModelName(),
		"embedding_model", emb.ModelName(),
	)

	retriever, closeRetriever, err := newRetriever(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	return cfg, newChatService(cfg, emb, client, retriever, logger), closeRetriever, nil
}
