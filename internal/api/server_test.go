// File path: internal/api/server_test.go
package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nicodishanthj/codeatlas/internal/agent"
	"github.com/nicodishanthj/codeatlas/internal/chunker"
	"github.com/nicodishanthj/codeatlas/internal/embedding"
	"github.com/nicodishanthj/codeatlas/internal/ingest"
	"github.com/nicodishanthj/codeatlas/internal/llm/providers"
	"github.com/nicodishanthj/codeatlas/internal/registry"
	"github.com/nicodishanthj/codeatlas/internal/retrieval"
	"github.com/nicodishanthj/codeatlas/internal/retry"
	"github.com/nicodishanthj/codeatlas/internal/session"
	"github.com/nicodishanthj/codeatlas/internal/vector"
)

type memoryVectorStore struct {
	mu      sync.Mutex
	records map[string]vector.Record
	deleted []string
}

func newMemoryVectorStore() *memoryVectorStore {
	return &memoryVectorStore{records: make(map[string]vector.Record)}
}

func (s *memoryVectorStore) Available() bool    { return true }
func (s *memoryVectorStore) Collection() string { return "test" }

func (s *memoryVectorStore) EnsureCollection(context.Context, int) error { return nil }

func (s *memoryVectorStore) Upsert(_ context.Context, records []vector.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.records[rec.ID] = rec
	}
	return nil
}

func (s *memoryVectorStore) Query(_ context.Context, req vector.QueryRequest) ([]vector.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := make([]vector.Match, 0)
	for _, rec := range s.records {
		if rec.Metadata["codebase_id"] != req.CodebaseID {
			continue
		}
		matches = append(matches, vector.Match{
			ID:       rec.ID,
			Score:    0.5,
			Document: rec.Document,
			Metadata: rec.Metadata,
		})
		if len(matches) >= req.Limit {
			break
		}
	}
	return matches, nil
}

func (s *memoryVectorStore) DeleteByCodebase(_ context.Context, codebaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, codebaseID)
	for id, rec := range s.records {
		if rec.Metadata["codebase_id"] == codebaseID {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *memoryVectorStore) Count(_ context.Context, codebaseID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.records {
		if rec.Metadata["codebase_id"] == codebaseID {
			count++
		}
	}
	return count, nil
}

func newTestServer(t *testing.T) (*Server, *ingest.Manager, *memoryVectorStore) {
	t.Helper()
	t.Setenv("REGISTRY_PATH", filepath.Join(t.TempDir(), "registry.db"))
	cfg, err := registry.LoadConfig()
	if err != nil {
		t.Fatalf("load registry config: %v", err)
	}
	reg, err := registry.OpenWithConfig(cfg)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	store := newMemoryVectorStore()
	policy := retry.Policy{Initial: time.Millisecond, Multiplier: 2, Max: 5 * time.Millisecond, Budget: 200 * time.Millisecond}
	embedder := embedding.NewClient(embedding.NewMockProvider(32), nil, 16, policy)
	ingestCfg := ingest.DefaultConfig(filepath.Join(t.TempDir(), "staging"))
	ingestCfg.Policy = policy
	mgr := ingest.NewManager(reg, store, embedder, chunker.New(chunker.Config{}), ingestCfg)

	sessions := session.NewStore(time.Hour, 20)
	t.Cleanup(sessions.Close)
	retr := retrieval.New(embedder, store, retrieval.DefaultConfig())
	engine := agent.NewEngine(providers.NewLocalProvider(), retr, sessions, reg, agent.DefaultConfig())

	srv, err := NewServer(reg, store, sessions, engine, mgr, filepath.Join(t.TempDir(), "uploads"), 100<<20)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, mgr, store
}

func writeSourceTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	src := `package demo

// Greet returns a greeting.
func Greet(name string) string {
	return "hello " + name
}
`
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func createCodebase(t *testing.T, srv *Server, mgr *ingest.Manager) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/v1/codebases", map[string]string{
		"name": "demo", "path": writeSourceTree(t),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp createCodebaseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if err := mgr.Wait(resp.CodebaseID, 10*time.Second); err != nil {
		t.Fatalf("wait for ingest: %v", err)
	}
	return resp.CodebaseID
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	var status map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status["registry"] != "ok" {
		t.Fatalf("registry health = %v", status["registry"])
	}
	if status["vector"] != true {
		t.Fatalf("vector health = %v", status["vector"])
	}
}

func TestCodebaseLifecycle(t *testing.T) {
	srv, mgr, store := newTestServer(t)
	id := createCodebase(t, srv, mgr)

	rec := doJSON(t, srv, http.MethodGet, "/v1/codebases/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var detail codebaseDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Status != registry.StatusCompleted {
		t.Fatalf("codebase status = %s, error %s", detail.Status, detail.Error)
	}
	if detail.ChunkCount == 0 {
		t.Fatal("expected indexed chunks")
	}
	if len(detail.Events) == 0 {
		t.Fatal("expected ingest events")
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/codebases", nil)
	var list []registry.Codebase
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("list = %+v", list)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/v1/codebases/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(store.deleted) == 0 || store.deleted[0] != id {
		t.Fatalf("vector store not cleaned, deleted = %v", store.deleted)
	}
	rec = doJSON(t, srv, http.MethodGet, "/v1/codebases", nil)
	list = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("deleted codebase still listed: %+v", list)
	}
}

func TestCodebaseCreateValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/codebases", map[string]string{"name": "empty"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCodebaseZipUpload(t *testing.T) {
	srv, mgr, _ := newTestServer(t)

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	f, err := zw.Create("main.go")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(f, "package demo\n\nfunc Greet() string {\n\treturn \"hi\"\n}\n")
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("archive", "demo.zip")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(archive.Bytes())
	mw.WriteField("name", "zipped")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/codebases", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp createCodebaseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Wait(resp.CodebaseID, 10*time.Second); err != nil {
		t.Fatalf("wait for ingest: %v", err)
	}
}

func uploadArchive(t *testing.T, srv *Server, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("archive", "demo.zip")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(payload)
	mw.WriteField("name", "capped")
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/codebases", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestCodebaseUploadCapBoundary(t *testing.T) {
	srv, mgr, _ := newTestServer(t)

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	f, err := zw.Create("main.go")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(f, "package demo\n\nfunc Greet() string {\n\treturn \"hi\"\n}\n")
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	// An archive exactly at the cap is admitted.
	srv.maxUpload = int64(archive.Len())
	rec := uploadArchive(t, srv, archive.Bytes())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("at-cap upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp createCodebaseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Wait(resp.CodebaseID, 10*time.Second); err != nil {
		t.Fatalf("wait for ingest: %v", err)
	}

	// One byte over the cap is rejected outright, not truncated.
	srv.maxUpload = int64(archive.Len()) - 1
	rec = uploadArchive(t, srv, archive.Bytes())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("over-cap upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "upload limit") {
		t.Fatalf("unexpected rejection body: %s", rec.Body.String())
	}
}

func collectSSE(t *testing.T, body string) []agent.Event {
	t.Helper()
	events := make([]agent.Event, 0)
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev agent.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestChatStreamsEvents(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	id := createCodebase(t, srv, mgr)

	rec := doJSON(t, srv, http.MethodPost, "/v1/chat", agent.QueryRequest{
		CodebaseID: id,
		Message:    "explain the Greet function",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	events := collectSSE(t, rec.Body.String())
	if len(events) < 3 {
		t.Fatalf("expected at least session_id, chunk, done; got %+v", events)
	}
	if events[0].Type != agent.EventSessionID || events[0].SessionID == "" {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[len(events)-1].Type != agent.EventDone {
		t.Fatalf("last event = %+v", events[len(events)-1])
	}
	sawChunk := false
	for _, ev := range events {
		if ev.Type == agent.EventChunk && ev.Content != "" {
			sawChunk = true
		}
	}
	if !sawChunk {
		t.Fatal("no chunk events in stream")
	}

	// The session created by the stream is listable and deletable.
	sessionID := events[0].SessionID
	rec = doJSON(t, srv, http.MethodGet, "/v1/sessions?codebase_id="+id, nil)
	var sessions []sessionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].ID != sessionID {
		t.Fatalf("sessions = %+v", sessions)
	}
	if sessions[0].Messages != 2 {
		t.Fatalf("session message count = %d", sessions[0].Messages)
	}
	rec = doJSON(t, srv, http.MethodDelete, "/v1/sessions/"+sessionID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("session delete status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodDelete, "/v1/sessions/"+sessionID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second session delete status = %d", rec.Code)
	}
}

func TestChatValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/chat", agent.QueryRequest{Message: "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing codebase_id status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/v1/chat", agent.QueryRequest{CodebaseID: "cb"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing message status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/v1/chat", agent.QueryRequest{CodebaseID: "missing", Message: "hi"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("unknown codebase status = %d", rec.Code)
	}
}

func TestChatRejectsIncompleteCodebase(t *testing.T) {
	srv, _, _ := newTestServer(t)
	cb, err := srv.registry.Create(context.Background(), "pending", writeSourceTree(t), "path")
	if err != nil {
		t.Fatal(err)
	}
	rec := doJSON(t, srv, http.MethodPost, "/v1/chat", agent.QueryRequest{CodebaseID: cb.ID, Message: "hi"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}
