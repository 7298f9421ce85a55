package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/supportrag/internal/llm"
	"github.com/knoguchi/supportrag/internal/memory"
	"github.com/knoguchi/supportrag/internal/reranker"
	"github.com/knoguchi/supportrag/internal/retrieval"
	"github.com/knoguchi/supportrag/internal/videolink"
)

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) ModelName() string { return "fake-embed" }

type fakeRetriever struct {
	candidates    []retrieval.Candidate
	err           error
	pingErr       error
	gotLimit      int
	gotSimilarity float64
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ []float32, limit int, minSimilarity float64) ([]retrieval.Candidate, error) {
	f.gotLimit = limit
	f.gotSimilarity = minSimilarity
	return f.candidates, f.err
}

func (f *fakeRetriever) Chunk(_ context.Context, id string) (retrieval.Candidate, error) {
	for _, c := range f.candidates {
		if c.ID == id {
			return c, nil
		}
	}
	return retrieval.Candidate{}, retrieval.ErrNotFound
}

func (f *fakeRetriever) Ping(context.Context) error { return f.pingErr }

type fakeLLM struct {
	response  string
	err       error
	tokens    []string
	streamErr error
	midErr    error
	truncated bool
	messages  []llm.Message
	opts      llm.GenerateOptions
}

func (f *fakeLLM) Generate(_ context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	f.messages = messages
	f.opts = opts
	return f.response, f.err
}

func (f *fakeLLM) GenerateStream(_ context.Context, messages []llm.Message, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	f.messages = messages
	f.opts = opts
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan llm.StreamChunk, len(f.tokens)+2)
	for _, t := range f.tokens {
		ch <- llm.StreamChunk{Token: t}
	}
	if f.midErr != nil {
		ch <- llm.StreamChunk{Error: f.midErr}
	} else if !f.truncated {
		ch <- llm.StreamChunk{Done: true}
	}
	close(ch)
	return ch, nil
}

func (f *fakeLLM) ModelName() string { return "fake-llm" }

type recordingReranker struct {
	gotTopK     int
	gotQuestion string
}

func (r *recordingReranker) Rerank(ctx context.Context, question string, chunks []retrieval.Candidate, topK int) []reranker.RankedChunk {
	r.gotTopK = topK
	r.gotQuestion = question
	return reranker.PassThrough{}.Rerank(ctx, question, chunks, topK)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func corpus() []retrieval.Candidate {
	return []retrieval.Candidate{
		{ID: "c1", DocumentID: "d1", Content: "The HP-50 press has a rated load of 50 tonnes.", Similarity: 0.91, Metadata: map[string]string{"title": "HP-50 Press Manual"}},
		{ID: "c2", DocumentID: "d2", Content: "Setup video: https://youtu.be/dQw4w9WgXcQ shows ram alignment.", Similarity: 0.84},
		{ID: "c3", DocumentID: "d3", Content: "Inventory: TL-200 lathe, 3 units in stock.", Similarity: 0.62},
	}
}

type harness struct {
	emb *fakeEmbedder
	ret *fakeRetriever
	llm *fakeLLM
	mem *memory.Store
	svc *ChatService
}

func newHarness(opts ...ChatServiceOption) *harness {
	h := &harness{
		emb: &fakeEmbedder{},
		ret: &fakeRetriever{candidates: corpus()},
		llm: &fakeLLM{response: "The HP-50 is rated for 50 tonnes.", tokens: []string{"The HP-50 ", "is rated ", "for 50 tonnes."}},
		mem: memory.NewStore(20, 100, time.Hour),
	}
	base := []ChatServiceOption{WithMemory(h.mem), WithLogger(quietLogger())}
	h.svc = NewChatService(h.emb, h.ret, h.llm, append(base, opts...)...)
	return h
}

func TestAnswer(t *testing.T) {
	h := newHarness()

	ans, err := h.svc.Answer(context.Background(), Request{SessionID: "s1", Question: "  What is the HP-50 rated load?  "})
	require.NoError(t, err)

	assert.Equal(t, "The HP-50 is rated for 50 tonnes.", ans.Text)
	require.Len(t, ans.Sources, 3)
	assert.Equal(t, "c1", ans.Sources[0].ID)
	assert.Equal(t, []videolink.Link{{URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ", VideoID: "dQw4w9WgXcQ"}}, ans.Videos)

	assert.Equal(t, 3, ans.Metadata.CandidatesRetrieved)
	assert.Equal(t, 3, ans.Metadata.ChunksUsed)
	assert.Equal(t, "fake-llm", ans.Metadata.Model)

	assert.Equal(t, 100, h.ret.gotLimit)

	require.Len(t, h.llm.messages, 2)
	assert.Equal(t, llm.RoleSystem, h.llm.messages[0].Role)
	assert.Equal(t, DefaultSystemPrompt, h.llm.messages[0].Content)
	prompt := h.llm.messages[1].Content
	assert.Contains(t, prompt, "[Doc 1] (Title: HP-50 Press Manual)\nThe HP-50 press")
	assert.Contains(t, prompt, "## Question\nWhat is the HP-50 rated load?\n")
	assert.InDelta(t, 0.3, h.llm.opts.Temperature, 1e-6)
	assert.Equal(t, 2048, h.llm.opts.MaxTokens)

	history := h.mem.History("s1")
	require.Len(t, history, 2)
	assert.Equal(t, "What is the HP-50 rated load?", history[0].Content)
	assert.Equal(t, ans.Text, history[1].Content)
}

func TestAnswer_EmptyQuestion(t *testing.T) {
	h := newHarness()

	_, err := h.svc.Answer(context.Background(), Request{Question: " \n\t"})

	assert.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Equal(t, 0, h.emb.calls)
}

func TestAnswer_CollaboratorErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		setup   func(h *harness)
		wantMsg string
	}{
		{"embed", func(h *harness) { h.emb.err = boom }, "failed to embed question"},
		{"retrieve", func(h *harness) { h.ret.err = boom }, "failed to retrieve chunks"},
		{"generate", func(h *harness) { h.llm.err = boom }, "failed to generate answer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			tt.setup(h)

			_, err := h.svc.Answer(context.Background(), Request{SessionID: "s", Question: "q"})

			require.Error(t, err)
			assert.ErrorIs(t, err, boom)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Nil(t, h.mem.History("s"))
		})
	}
}

func TestAnswer_IncludesSessionHistory(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.svc.Answer(ctx, Request{SessionID: "s1", Question: "Do you stock TL-200 lathes?"})
	require.NoError(t, err)
	_, err = h.svc.Answer(ctx, Request{SessionID: "s1", Question: "How many?"})
	require.NoError(t, err)

	prompt := h.llm.messages[1].Content
	assert.Contains(t, prompt, "## Conversation History")
	assert.Contains(t, prompt, "User: Do you stock TL-200 lathes?\n")
	assert.NotContains(t, prompt, "User: How many?")

	_, err = h.svc.Answer(ctx, Request{Question: "Anonymous question"})
	require.NoError(t, err)
	assert.NotContains(t, h.llm.messages[1].Content, "## Conversation History")
}

func TestAnswer_DeduplicatesCandidates(t *testing.T) {
	h := newHarness()
	dup := corpus()[0]
	dup.ID = "c1-copy"
	h.ret.candidates = append(corpus(), dup)

	ans, err := h.svc.Answer(context.Background(), Request{Question: "q"})
	require.NoError(t, err)

	assert.Equal(t, 4, ans.Metadata.CandidatesRetrieved)
	assert.Len(t, ans.Sources, 3)
}

func TestAnswer_TopK(t *testing.T) {
	rr := &recordingReranker{}
	settings := DefaultSettings()
	settings.TopK = 7
	h := newHarness(WithReranker(rr), WithSettings(settings))

	_, err := h.svc.Answer(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, 7, rr.gotTopK)

	ans, err := h.svc.Answer(context.Background(), Request{Question: "q", TopK: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, rr.gotTopK)
	assert.Len(t, ans.Sources, 2)
}

func TestAnswer_ContextBudget(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxContextTokens = 12
	h := newHarness(WithSettings(settings))

	ans, err := h.svc.Answer(context.Background(), Request{Question: "q"})
	require.NoError(t, err)

	// c1 is 10 words; c2 would overflow and its video is not reported
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, "c1", ans.Sources[0].ID)
	assert.Empty(t, ans.Videos)
	assert.NotContains(t, h.llm.messages[1].Content, "[Doc 2]")
}

func TestAnswer_SettingsOverrides(t *testing.T) {
	settings := DefaultSettings()
	settings.Model = "support-large"
	settings.SystemPrompt = ""
	settings.RetrievalLimit = 40
	settings.MinSimilarity = 0.3
	h := newHarness(WithSettings(settings))

	ans, err := h.svc.Answer(context.Background(), Request{Question: "q"})
	require.NoError(t, err)

	assert.Equal(t, "support-large", ans.Metadata.Model)
	assert.Equal(t, "support-large", h.llm.opts.Model)
	assert.Equal(t, DefaultSystemPrompt, h.llm.messages[0].Content)
	assert.Equal(t, 40, h.ret.gotLimit)
	assert.InDelta(t, 0.3, h.ret.gotSimilarity, 1e-9)
}

func collect(t *testing.T, h *harness, req Request) ([]Event, error) {
	t.Helper()
	var events []Event
	err := h.svc.Stream(context.Background(), req, func(e Event) error {
		events = append(events, e)
		return nil
	})
	return events, err
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestStream(t *testing.T) {
	h := newHarness()

	events, err := collect(t, h, Request{SessionID: "s1", Question: "rated load?"})
	require.NoError(t, err)

	assert.Equal(t, []string{EventSources, EventVideos, EventToken, EventToken, EventToken, EventDone}, eventTypes(events))
	assert.Len(t, events[0].Sources, 3)
	assert.Len(t, events[1].Videos, 1)
	require.NotNil(t, events[5].Metadata)
	assert.Equal(t, 3, events[5].Metadata.ChunksUsed)

	history := h.mem.History("s1")
	require.Len(t, history, 2)
	assert.Equal(t, "The HP-50 is rated for 50 tonnes.", history[1].Content)
}

func TestStream_GenerationError(t *testing.T) {
	h := newHarness()
	h.llm.midErr = errors.New("connection reset")

	events, err := collect(t, h, Request{SessionID: "s1", Question: "q"})
	require.NoError(t, err)

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.EqualError(t, last.Err, "connection reset")
	assert.Nil(t, h.mem.History("s1"))
}

func TestStream_ClosedWithoutDone(t *testing.T) {
	h := newHarness()
	h.llm.tokens = []string{"The HP-50 "}
	h.llm.truncated = true

	events, err := collect(t, h, Request{SessionID: "s1", Question: "rated load?"})
	require.NoError(t, err)

	assert.Equal(t, []string{EventSources, EventVideos, EventToken, EventError}, eventTypes(events))
	assert.ErrorIs(t, events[3].Err, ErrIncompleteStream)
	assert.Nil(t, h.mem.History("s1"))
}

func TestStream_CancelledMidStream(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var types []string
	err := h.svc.Stream(ctx, Request{SessionID: "s1", Question: "rated load?"}, func(e Event) error {
		types = append(types, e.Type)
		if e.Type == EventToken {
			cancel()
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, types, EventDone)
	assert.Nil(t, h.mem.History("s1"))
}

func TestStream_StartError(t *testing.T) {
	h := newHarness()
	h.llm.streamErr = errors.New("model not loaded")

	events, err := collect(t, h, Request{Question: "q"})
	require.NoError(t, err)

	assert.Equal(t, []string{EventSources, EventVideos, EventError}, eventTypes(events))
	assert.Contains(t, events[2].Err.Error(), "model not loaded")
}

func TestStream_PrepareErrorReturnedBeforeEvents(t *testing.T) {
	h := newHarness()
	h.ret.err = errors.New("db down")

	events, err := collect(t, h, Request{Question: "q"})

	require.Error(t, err)
	assert.Empty(t, events)
}

func TestStream_EmitErrorAborts(t *testing.T) {
	h := newHarness()
	gone := errors.New("client gone")

	calls := 0
	err := h.svc.Stream(context.Background(), Request{SessionID: "s1", Question: "q"}, func(e Event) error {
		calls++
		if e.Type == EventToken {
			return gone
		}
		return nil
	})

	assert.ErrorIs(t, err, gone)
	assert.Equal(t, 3, calls)
	assert.Nil(t, h.mem.History("s1"))
}

func TestRerank(t *testing.T) {
	rr := &recordingReranker{}
	h := newHarness(WithReranker(rr))

	_, err := h.svc.Rerank(context.Background(), "", corpus(), 5)
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	got, err := h.svc.Rerank(context.Background(), " lathe stock ", corpus(), 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, reranker.DefaultTopK, rr.gotTopK)
	assert.Equal(t, "lathe stock", rr.gotQuestion)
}

func TestChunkSessionAndReady(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	c, err := h.svc.Chunk(ctx, "c3")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.Content, "Inventory"))

	_, err = h.svc.Chunk(ctx, "missing")
	assert.ErrorIs(t, err, retrieval.ErrNotFound)

	h.mem.AddUserMessage("s1", "hi")
	assert.True(t, h.svc.ClearSession("s1"))
	assert.False(t, h.svc.ClearSession("s1"))

	assert.NoError(t, h.svc.Ready(ctx))
	h.ret.pingErr = errors.New("unreachable")
	assert.Error(t, h.svc.Ready(ctx))
}
