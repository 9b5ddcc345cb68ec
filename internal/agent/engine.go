// File path: internal/agent/engine.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nicodishanthj/codeatlas/internal/common"
	"github.com/nicodishanthj/codeatlas/internal/common/telemetry"
	"github.com/nicodishanthj/codeatlas/internal/llm/providers"
	"github.com/nicodishanthj/codeatlas/internal/registry"
	"github.com/nicodishanthj/codeatlas/internal/retrieval"
	"github.com/nicodishanthj/codeatlas/internal/session"
	"github.com/nicodishanthj/codeatlas/internal/vector"
)

var (
	ErrCodebaseNotReady = errors.New("codebase not ready")
	ErrSessionMismatch  = fmt.Errorf("%w: session bound to another codebase", ErrCodebaseNotReady)
	ErrOverloaded       = errors.New("too many concurrent queries")
)

// Event is one item of the agent's streamed output.
type Event struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id,omitempty"`
	Content   string   `json:"content,omitempty"`
	Sources   []Source `json:"sources,omitempty"`
	Message   string   `json:"message,omitempty"`
	Error     string   `json:"error,omitempty"`
	Usage     *Usage   `json:"usage,omitempty"`
}

const (
	EventSessionID = "session_id"
	EventChunk     = "chunk"
	EventSources   = "sources"
	EventWarning   = "warning"
	EventDone      = "done"
	EventError     = "error"
)

// Source is a citation the answer is grounded on.
type Source struct {
	FilePath   string  `json:"file_path"`
	StartLine  int     `json:"line_start"`
	EndLine    int     `json:"line_end"`
	Snippet    string  `json:"snippet,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type Usage struct {
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Elapsed          time.Duration `json:"elapsed_ns"`
}

type QueryRequest struct {
	CodebaseID string `json:"codebase_id"`
	SessionID  string `json:"session_id,omitempty"`
	Message    string `json:"message"`
}

// Retriever is the slice of the retrieval layer the agent needs.
type Retriever interface {
	Search(ctx context.Context, codebaseID, query string, filters vector.Filters) ([]retrieval.ScoredChunk, error)
}

// CodebaseSource resolves codebase records for readiness checks.
type CodebaseSource interface {
	Get(ctx context.Context, id string) (registry.Codebase, error)
}

type Config struct {
	ContextTokenBudget int
	HistoryWindow      int
	MaxConcurrent      int
}

func DefaultConfig() Config {
	return Config{ContextTokenBudget: 12000, HistoryWindow: 5, MaxConcurrent: 10}
}

// Engine runs the staged query pipeline: analyze, retrieve, contextualize,
// generate, validate. The sequence is fixed.
type Engine struct {
	provider  providers.Provider
	retriever Retriever
	sessions  *session.Store
	codebases CodebaseSource
	cfg       Config
	sem       chan struct{}
}

func NewEngine(provider providers.Provider, retr Retriever, sessions *session.Store, codebases CodebaseSource, cfg Config) *Engine {
	if cfg.ContextTokenBudget <= 0 {
		cfg.ContextTokenBudget = 12000
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 5
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	return &Engine{
		provider:  provider,
		retriever: retr,
		sessions:  sessions,
		codebases: codebases,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
}

// state carries the pipeline's working data between stages.
type state struct {
	request  QueryRequest
	session  session.Session
	intent   intent
	entities []string
	filters  vector.Filters
	chunks   []retrieval.ScoredChunk
	skipped  bool
	context  string
	answer   string
	sources  []Source
	usage    Usage
}

// Query runs the pipeline and forwards events to emit. An emit error aborts
// the stream; pipeline errors are both returned and emitted as error events.
func (e *Engine) Query(ctx context.Context, req QueryRequest, emit func(Event) error) error {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	default:
		telemetry.RecordAgentQuery("overloaded")
		return ErrOverloaded
	}

	if err := e.run(ctx, req, emit); err != nil {
		telemetry.RecordAgentQuery("error")
		_ = emit(Event{Type: EventError, Error: err.Error()})
		return err
	}
	telemetry.RecordAgentQuery("ok")
	return nil
}

func (e *Engine) run(ctx context.Context, req QueryRequest, emit func(Event) error) error {
	logger := common.Logger()
	started := time.Now()

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return errors.New("message required")
	}
	cb, err := e.codebases.Get(ctx, req.CodebaseID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodebaseNotReady, err)
	}
	if cb.Status != registry.StatusCompleted {
		return fmt.Errorf("%w: status %s", ErrCodebaseNotReady, cb.Status)
	}

	st := &state{request: req}
	if req.SessionID == "" {
		st.session = *e.sessions.Create(req.CodebaseID)
	} else {
		sess, err := e.sessions.Get(req.SessionID)
		if err != nil {
			return err
		}
		if sess.CodebaseID != req.CodebaseID {
			return ErrSessionMismatch
		}
		st.session = sess
	}
	if err := emit(Event{Type: EventSessionID, SessionID: st.session.ID}); err != nil {
		return err
	}

	stages := []struct {
		name string
		run  func(context.Context, *state, func(Event) error) error
	}{
		{"analyze", e.analyze},
		{"retrieve", e.retrieve},
		{"contextualize", e.contextualize},
		{"generate", e.generate},
		{"validate", e.validate},
	}
	for _, stage := range stages {
		stageStart := time.Now()
		err := stage.run(ctx, st, emit)
		telemetry.RecordAgentStage(stage.name, time.Since(stageStart))
		if err != nil {
			stageErr := fmt.Errorf("%s: %w", stage.name, err)
			// The exchange is still recorded so the session transcript
			// shows what was asked and that the answer failed.
			e.record(st, fmt.Sprintf("Query failed: %v", stageErr), nil)
			return stageErr
		}
	}

	e.record(st, st.answer, citationsFromSources(st.sources))

	st.usage.Elapsed = time.Since(started)
	if err := emit(Event{Type: EventSources, Sources: st.sources}); err != nil {
		return err
	}
	usage := st.usage
	if err := emit(Event{Type: EventDone, Usage: &usage}); err != nil {
		return err
	}
	logger.Debug("agent: query complete",
		"session", st.session.ID, "intent", st.intent,
		"chunks", len(st.chunks), "sources", len(st.sources),
		"elapsed", st.usage.Elapsed)
	return nil
}

func (e *Engine) retrieve(ctx context.Context, st *state, _ func(Event) error) error {
	if st.intent == intentGeneral && len(st.entities) == 0 && st.filters.IsZero() {
		st.skipped = true
		common.Logger().Debug("agent: retrieval skipped", "session", st.session.ID)
		return nil
	}
	chunks, err := e.retriever.Search(ctx, st.request.CodebaseID, st.request.Message, st.filters)
	if err != nil {
		return err
	}
	st.chunks = chunks
	return nil
}

func (e *Engine) generate(ctx context.Context, st *state, emit func(Event) error) error {
	req := providers.Request{
		System:   systemPrompt(st),
		Messages: historyMessages(st.session, e.cfg.HistoryWindow),
	}
	req.Messages = append(req.Messages, providers.Message{Role: "user", Content: st.request.Message})
	resp, err := e.provider.ChatStream(ctx, req, func(delta string) error {
		return emit(Event{Type: EventChunk, Content: delta})
	})
	if err != nil {
		return err
	}
	st.answer = resp.Content
	st.usage.PromptTokens = resp.PromptTokens
	st.usage.CompletionTokens = resp.CompletionTokens
	return nil
}

// record persists the user question and the assistant reply (or failure
// text) on the session. Storage errors are logged, not fatal.
func (e *Engine) record(st *state, reply string, citations []session.Citation) {
	logger := common.Logger()
	if err := e.sessions.Append(st.session.ID, "user", st.request.Message, nil); err != nil {
		logger.Warn("agent: record user message", "error", err)
	}
	if err := e.sessions.Append(st.session.ID, "assistant", reply, citations); err != nil {
		logger.Warn("agent: record assistant message", "error", err)
	}
}

func citationsFromSources(sources []Source) []session.Citation {
	if len(sources) == 0 {
		return nil
	}
	out := make([]session.Citation, 0, len(sources))
	for _, src := range sources {
		out = append(out, session.Citation{
			FilePath:   src.FilePath,
			StartLine:  src.StartLine,
			EndLine:    src.EndLine,
			Snippet:    src.Snippet,
			Confidence: src.Confidence,
		})
	}
	return out
}

func historyMessages(sess session.Session, window int) []providers.Message {
	messages := sess.Messages
	if window > 0 && len(messages) > window {
		messages = messages[len(messages)-window:]
	}
	out := make([]providers.Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, providers.Message{Role: msg.Role, Content: msg.Content})
	}
	return out
}
