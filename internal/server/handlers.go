package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/knoguchi/supportrag/internal/reranker"
	"github.com/knoguchi/supportrag/internal/retrieval"
	"github.com/knoguchi/supportrag/internal/service"
	"github.com/knoguchi/supportrag/internal/videolink"
)

// maxBodyBytes bounds request bodies; rerank requests carry candidate text.
const maxBodyBytes = 4 << 20

// ChatAPI is the service surface the HTTP handlers call.
type ChatAPI interface {
	Answer(ctx context.Context, req service.Request) (*service.Answer, error)
	Stream(ctx context.Context, req service.Request, emit func(service.Event) error) error
	Rerank(ctx context.Context, question string, candidates []retrieval.Candidate, topK int) ([]reranker.RankedChunk, error)
	Chunk(ctx context.Context, id string) (retrieval.Candidate, error)
	ClearSession(sessionID string) bool
	Ready(ctx context.Context) error
}

type handlers struct {
	svc    ChatAPI
	logger *slog.Logger
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
	TopK      int    `json:"top_k"`
}

type candidateJSON struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	ChunkIndex int               `json:"chunk_index"`
	Title      string            `json:"title,omitempty"`
	Content    string            `json:"content"`
	Similarity float64           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type sourceJSON struct {
	candidateJSON
	LLMRelevanceScore float64 `json:"llm_relevance_score"`
	CombinedScore     float64 `json:"combined_score"`
}

type chatResponse struct {
	Answer   string           `json:"answer"`
	Sources  []sourceJSON     `json:"sources"`
	Videos   []videolink.Link `json:"videos"`
	Metadata service.Metadata `json:"metadata"`
}

type rerankRequest struct {
	Question   string          `json:"question"`
	TopK       int             `json:"top_k"`
	Candidates []candidateJSON `json:"candidates"`
}

type rerankResponse struct {
	Results []sourceJSON `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toCandidateJSON(c retrieval.Candidate) candidateJSON {
	return candidateJSON{
		ID:         c.ID,
		DocumentID: c.DocumentID,
		ChunkIndex: c.ChunkIndex,
		Title:      c.Title(),
		Content:    c.Content,
		Similarity: c.Similarity,
		Metadata:   c.Metadata,
	}
}

func toSources(ranked []reranker.RankedChunk) []sourceJSON {
	out := make([]sourceJSON, len(ranked))
	for i, r := range ranked {
		out[i] = sourceJSON{
			candidateJSON:     toCandidateJSON(r.Candidate),
			LLMRelevanceScore: r.LLMRelevanceScore,
			CombinedScore:     r.CombinedScore,
		}
		// Similarity reports the retriever's value, which the reranker preserves.
		out[i].Similarity = r.OriginalSimilarity
	}
	return out
}

func nonNilLinks(links []videolink.Link) []videolink.Link {
	if links == nil {
		return []videolink.Link{}
	}
	return links
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ans, err := h.svc.Answer(r.Context(), service.Request{SessionID: req.SessionID, Question: req.Question, TopK: req.TopK})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Answer:   ans.Text,
		Sources:  toSources(ans.Sources),
		Videos:   nonNilLinks(ans.Videos),
		Metadata: ans.Metadata,
	})
}

func (h *handlers) chatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rc := http.NewResponseController(w)
	started := false

	emit := func(e service.Event) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := writeSSE(w, e.Type, eventPayload(e)); err != nil {
			return err
		}
		return rc.Flush()
	}

	err := h.svc.Stream(r.Context(), service.Request{SessionID: req.SessionID, Question: req.Question, TopK: req.TopK}, emit)
	if err == nil {
		return
	}
	if !started {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.WarnContext(r.Context(), "stream aborted",
		"error", err,
		"request_id", middleware.GetReqID(r.Context()),
	)
}

func eventPayload(e service.Event) any {
	switch e.Type {
	case service.EventSources:
		return map[string]any{"sources": toSources(e.Sources)}
	case service.EventVideos:
		return map[string]any{"videos": nonNilLinks(e.Videos)}
	case service.EventToken:
		return map[string]string{"token": e.Token}
	case service.EventDone:
		return e.Metadata
	case service.EventError:
		msg := "generation failed"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return errorResponse{Error: msg}
	default:
		return nil
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

func (h *handlers) rerank(w http.ResponseWriter, r *http.Request) {
	var req rerankRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	candidates := make([]retrieval.Candidate, len(req.Candidates))
	for i, c := range req.Candidates {
		candidates[i] = retrieval.Candidate{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			ChunkIndex: c.ChunkIndex,
			Content:    c.Content,
			Similarity: c.Similarity,
			Metadata:   c.Metadata,
		}
	}

	ranked, err := h.svc.Rerank(r.Context(), req.Question, candidates, req.TopK)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rerankResponse{Results: toSources(ranked)})
}

func (h *handlers) chunk(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Chunk(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCandidateJSON(c))
}

func (h *handlers) clearSession(w http.ResponseWriter, r *http.Request) {
	if !h.svc.ClearSession(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readiness reports whether the retrieval backend is reachable
func (h *handlers) readiness(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ready(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeServiceError maps service errors to status codes. Anything that is not
// a caller mistake is a failed upstream collaborator.
func (h *handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyQuestion):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, retrieval.ErrNotFound):
		writeError(w, http.StatusNotFound, "chunk not found")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
