// File path: internal/agent/engine_test.go
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicodishanthj/codeatlas/internal/llm/providers"
	"github.com/nicodishanthj/codeatlas/internal/registry"
	"github.com/nicodishanthj/codeatlas/internal/retrieval"
	"github.com/nicodishanthj/codeatlas/internal/session"
	"github.com/nicodishanthj/codeatlas/internal/vector"
)

type scriptedProvider struct {
	answer  string
	err     error
	lastReq providers.Request
	block   chan struct{}
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Chat(_ context.Context, req providers.Request) (providers.Response, error) {
	s.lastReq = req
	return providers.Response{Content: s.answer}, nil
}

func (s *scriptedProvider) ChatStream(ctx context.Context, req providers.Request, onDelta func(string) error) (providers.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return providers.Response{}, s.err
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return providers.Response{}, ctx.Err()
		}
	}
	if onDelta != nil {
		if err := onDelta(s.answer); err != nil {
			return providers.Response{}, err
		}
	}
	return providers.Response{Content: s.answer, PromptTokens: 10, CompletionTokens: 5}, nil
}

type fakeRetriever struct {
	chunks      []retrieval.ScoredChunk
	calls       int
	lastFilters vector.Filters
}

func (f *fakeRetriever) Search(_ context.Context, _, _ string, filters vector.Filters) ([]retrieval.ScoredChunk, error) {
	f.calls++
	f.lastFilters = filters
	return f.chunks, nil
}

type fakeCodebases struct {
	status registry.Status
	err    error
}

func (f *fakeCodebases) Get(_ context.Context, id string) (registry.Codebase, error) {
	if f.err != nil {
		return registry.Codebase{}, f.err
	}
	return registry.Codebase{ID: id, Status: f.status}, nil
}

func sessionChunk() retrieval.ScoredChunk {
	return retrieval.ScoredChunk{
		ChunkID:   "c1",
		FilePath:  "auth/session.go",
		Language:  "go",
		Kind:      "function",
		StartLine: 10,
		EndLine:   40,
		Content:   "func ValidateSession() {}",
		Snippet:   "func ValidateSession() {}",
		Score:     0.9,
	}
}

func newTestEngine(provider providers.Provider, retr Retriever, cfg Config) (*Engine, *session.Store) {
	sessions := session.NewStore(time.Hour, 20)
	return NewEngine(provider, retr, sessions, &fakeCodebases{status: registry.StatusCompleted}, cfg), sessions
}

func collect(t *testing.T, engine *Engine, req QueryRequest) []Event {
	t.Helper()
	var events []Event
	err := engine.Query(context.Background(), req, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	return events
}

func eventsByType(events []Event, kind string) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestQueryStreamsGroundedAnswer(t *testing.T) {
	provider := &scriptedProvider{answer: "Sessions are validated in `auth/session.go:12-30`."}
	retr := &fakeRetriever{chunks: []retrieval.ScoredChunk{sessionChunk()}}
	engine, _ := newTestEngine(provider, retr, DefaultConfig())

	events := collect(t, engine, QueryRequest{CodebaseID: "cb-1", Message: "how does session validation work?"})

	require.Equal(t, EventSessionID, events[0].Type)
	require.NotEmpty(t, events[0].SessionID)

	chunks := eventsByType(events, EventChunk)
	require.Len(t, chunks, 1)
	require.Contains(t, chunks[0].Content, "auth/session.go")

	sources := eventsByType(events, EventSources)
	require.Len(t, sources, 1)
	require.Len(t, sources[0].Sources, 1)
	require.Equal(t, "auth/session.go", sources[0].Sources[0].FilePath)
	require.Equal(t, 12, sources[0].Sources[0].StartLine)
	require.Equal(t, "func ValidateSession() {}", sources[0].Sources[0].Snippet)
	require.InDelta(t, 0.9, sources[0].Sources[0].Confidence, 1e-9)

	done := eventsByType(events, EventDone)
	require.Len(t, done, 1)
	require.Equal(t, 10, done[0].Usage.PromptTokens)

	// The provider prompt must carry the rendered context.
	require.Contains(t, provider.lastReq.System, "File: auth/session.go (Lines 10-40)")
	require.Contains(t, provider.lastReq.System, "```go")
}

func TestQueryDropsUngroundedCitations(t *testing.T) {
	provider := &scriptedProvider{answer: "See `auth/session.go:12-30` and `made/up.go:1-5`."}
	retr := &fakeRetriever{chunks: []retrieval.ScoredChunk{sessionChunk()}}
	engine, _ := newTestEngine(provider, retr, DefaultConfig())

	events := collect(t, engine, QueryRequest{CodebaseID: "cb-1", Message: "explain session validation"})

	warnings := eventsByType(events, EventWarning)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0].Message, "made/up.go:1-5")

	sources := eventsByType(events, EventSources)
	require.Len(t, sources[0].Sources, 1)
	require.Equal(t, "auth/session.go", sources[0].Sources[0].FilePath)
}

func TestQueryAppendsNotGroundedNotice(t *testing.T) {
	provider := &scriptedProvider{answer: "It probably works via middleware."}
	retr := &fakeRetriever{chunks: []retrieval.ScoredChunk{sessionChunk()}}
	engine, _ := newTestEngine(provider, retr, DefaultConfig())

	events := collect(t, engine, QueryRequest{CodebaseID: "cb-1", Message: "explain session validation"})

	chunks := eventsByType(events, EventChunk)
	var full strings.Builder
	for _, ev := range chunks {
		full.WriteString(ev.Content)
	}
	require.Contains(t, full.String(), "could not be grounded")
}

func TestGeneralQuestionSkipsRetrieval(t *testing.T) {
	provider := &scriptedProvider{answer: "Hello!"}
	retr := &fakeRetriever{}
	engine, _ := newTestEngine(provider, retr, DefaultConfig())

	collect(t, engine, QueryRequest{CodebaseID: "cb-1", Message: "hello there"})
	require.Zero(t, retr.calls)
}

func TestQueryRejectsIncompleteCodebase(t *testing.T) {
	provider := &scriptedProvider{answer: "x"}
	sessions := session.NewStore(time.Hour, 20)
	engine := NewEngine(provider, &fakeRetriever{}, sessions,
		&fakeCodebases{status: registry.StatusEmbedding}, DefaultConfig())

	err := engine.Query(context.Background(), QueryRequest{CodebaseID: "cb-1", Message: "hi"},
		func(Event) error { return nil })
	require.ErrorIs(t, err, ErrCodebaseNotReady)
}

func TestQueryRejectsSessionMismatch(t *testing.T) {
	provider := &scriptedProvider{answer: "x"}
	engine, sessions := newTestEngine(provider, &fakeRetriever{}, DefaultConfig())
	other := sessions.Create("cb-other")

	err := engine.Query(context.Background(),
		QueryRequest{CodebaseID: "cb-1", SessionID: other.ID, Message: "hi"},
		func(Event) error { return nil })
	require.ErrorIs(t, err, ErrCodebaseNotReady)
}

func TestQuerySemaphoreRejectsOverload(t *testing.T) {
	block := make(chan struct{})
	provider := &scriptedProvider{answer: "x", block: block}
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	engine, _ := newTestEngine(provider, &fakeRetriever{chunks: []retrieval.ScoredChunk{sessionChunk()}}, cfg)

	started := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		errs <- engine.Query(context.Background(),
			QueryRequest{CodebaseID: "cb-1", Message: "explain sessions"},
			func(ev Event) error {
				if ev.Type == EventSessionID {
					close(started)
				}
				return nil
			})
	}()
	<-started
	err := engine.Query(context.Background(),
		QueryRequest{CodebaseID: "cb-1", Message: "explain sessions"},
		func(Event) error { return nil })
	require.ErrorIs(t, err, ErrOverloaded)
	close(block)
	require.NoError(t, <-errs)
}

func TestHistoryCarriedAcrossTurns(t *testing.T) {
	provider := &scriptedProvider{answer: "Answer with `auth/session.go:12-30`."}
	retr := &fakeRetriever{chunks: []retrieval.ScoredChunk{sessionChunk()}}
	engine, _ := newTestEngine(provider, retr, DefaultConfig())

	events := collect(t, engine, QueryRequest{CodebaseID: "cb-1", Message: "explain session validation"})
	sessionID := events[0].SessionID

	collect(t, engine, QueryRequest{CodebaseID: "cb-1", SessionID: sessionID, Message: "explain it more simply"})
	require.Len(t, provider.lastReq.Messages, 3)
	require.Equal(t, "user", provider.lastReq.Messages[0].Role)
	require.Equal(t, "assistant", provider.lastReq.Messages[1].Role)
	require.Equal(t, "explain it more simply", provider.lastReq.Messages[2].Content)
}

func TestClassifyIntent(t *testing.T) {
	require.Equal(t, intentLocate, classifyIntent("Where is the retry policy defined?"))
	require.Equal(t, intentHowTo, classifyIntent("How do I add a new endpoint?"))
	require.Equal(t, intentExplain, classifyIntent("Explain the ingestion pipeline"))
	require.Equal(t, intentGeneral, classifyIntent("thanks!"))
}

func TestExtractEntities(t *testing.T) {
	entities := extractEntities("Where is `ValidateSession` used in auth/session.go and max_retries?")
	require.Contains(t, entities, "ValidateSession")
	require.Contains(t, entities, "auth/session.go")
	require.Contains(t, entities, "max_retries")
}

func TestContextBudgetTrimsLowScoreChunks(t *testing.T) {
	big := strings.Repeat("x", 4000)
	chunks := []retrieval.ScoredChunk{
		{ChunkID: "a", FilePath: "a.go", Language: "go", StartLine: 1, EndLine: 2, Content: big, Score: 0.9},
		{ChunkID: "b", FilePath: "b.go", Language: "go", StartLine: 1, EndLine: 2, Content: big, Score: 0.5},
	}
	cfg := DefaultConfig()
	cfg.ContextTokenBudget = 1200
	engine, _ := newTestEngine(&scriptedProvider{}, &fakeRetriever{}, cfg)

	st := &state{chunks: chunks}
	require.NoError(t, engine.contextualize(context.Background(), st, nil))
	require.Contains(t, st.context, "File: a.go")
	require.NotContains(t, st.context, "File: b.go")
}

func TestQueryEmitsErrorEvent(t *testing.T) {
	provider := &scriptedProvider{answer: "x"}
	sessions := session.NewStore(time.Hour, 20)
	engine := NewEngine(provider, &fakeRetriever{}, sessions,
		&fakeCodebases{err: errors.New("db down")}, DefaultConfig())

	var events []Event
	err := engine.Query(context.Background(), QueryRequest{CodebaseID: "cb-1", Message: "hi"},
		func(ev Event) error {
			events = append(events, ev)
			return nil
		})
	require.Error(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Type)
	require.Contains(t, events[0].Error, "db down")
}

func TestEventWireFieldNames(t *testing.T) {
	chunk, err := json.Marshal(Event{Type: EventChunk, Content: "hello"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"chunk","content":"hello"}`, string(chunk))

	failure, err := json.Marshal(Event{Type: EventError, Error: "generate: boom"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"error","error":"generate: boom"}`, string(failure))

	sources, err := json.Marshal(Event{Type: EventSources, Sources: []Source{
		{FilePath: "auth/session.go", StartLine: 12, EndLine: 30, Snippet: "func V()", Confidence: 0.9},
	}})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"sources","sources":[{"file_path":"auth/session.go","line_start":12,"line_end":30,"snippet":"func V()","confidence":0.9}]}`, string(sources))
}

func TestAnalyzeExtractsFilters(t *testing.T) {
	filters := extractFilters("How is login handled in Python, in auth.py?")
	require.Equal(t, "python", filters.Language)
	require.Equal(t, "auth.py", filters.FilePath)

	filters = extractFilters("Where are goroutines started in Golang?")
	require.Equal(t, "go", filters.Language)
	require.Empty(t, filters.FilePath)

	require.True(t, extractFilters("thanks!").IsZero())
}

func TestQueryForwardsFiltersToRetriever(t *testing.T) {
	provider := &scriptedProvider{answer: "See `auth/session.go:12-30`."}
	retr := &fakeRetriever{chunks: []retrieval.ScoredChunk{sessionChunk()}}
	engine, _ := newTestEngine(provider, retr, DefaultConfig())

	collect(t, engine, QueryRequest{CodebaseID: "cb-1", Message: "explain the login flow in Python"})
	require.Equal(t, 1, retr.calls)
	require.Equal(t, "python", retr.lastFilters.Language)
}

func TestEmptyRetrievalInstructsRefusal(t *testing.T) {
	provider := &scriptedProvider{answer: "I don't see this in the provided code."}
	retr := &fakeRetriever{}
	engine, _ := newTestEngine(provider, retr, DefaultConfig())

	collect(t, engine, QueryRequest{CodebaseID: "cb-1", Message: "explain the quantum_flux module"})
	require.Equal(t, 1, retr.calls)
	require.Contains(t, provider.lastReq.System, "No relevant code was retrieved")
	require.Contains(t, provider.lastReq.System, "I don't see this in the provided code")
}

func TestStageFailureRecordsExchange(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("provider unavailable")}
	retr := &fakeRetriever{chunks: []retrieval.ScoredChunk{sessionChunk()}}
	engine, sessions := newTestEngine(provider, retr, DefaultConfig())

	var sessionID string
	err := engine.Query(context.Background(),
		QueryRequest{CodebaseID: "cb-1", Message: "explain session validation"},
		func(ev Event) error {
			if ev.Type == EventSessionID {
				sessionID = ev.SessionID
			}
			return nil
		})
	require.Error(t, err)

	sess, err := sessions.Get(sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	require.Equal(t, "user", sess.Messages[0].Role)
	require.Equal(t, "assistant", sess.Messages[1].Role)
	require.Contains(t, sess.Messages[1].Content, "provider unavailable")
}

func TestAnswerStoredWithCitations(t *testing.T) {
	provider := &scriptedProvider{answer: "Sessions are validated in `auth/session.go:12-30`."}
	retr := &fakeRetriever{chunks: []retrieval.ScoredChunk{sessionChunk()}}
	engine, sessions := newTestEngine(provider, retr, DefaultConfig())

	events := collect(t, engine, QueryRequest{CodebaseID: "cb-1", Message: "explain session validation"})
	sess, err := sessions.Get(events[0].SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	cites := sess.Messages[1].Citations
	require.Len(t, cites, 1)
	require.Equal(t, "auth/session.go", cites[0].FilePath)
	require.Equal(t, 12, cites[0].StartLine)
	require.Equal(t, 30, cites[0].EndLine)
	require.InDelta(t, 0.9, cites[0].Confidence, 1e-9)
}
