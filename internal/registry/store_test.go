// File path: internal/registry/store_test.go
package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Path = filepath.Join(t.TempDir(), "registry.db")
	store, err := OpenWithConfig(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	cb, err := store.Create(ctx, "demo", "/srv/repos/demo.zip", "zip")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if cb.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", cb.Status)
	}
	got, err := store.Get(ctx, cb.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "demo" || got.SourceType != "zip" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestCreateRequiresNameAndSource(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.Create(ctx, "  ", "src", "path"); err == nil {
		t.Fatal("expected error for blank name")
	}
	if _, err := store.Create(ctx, "demo", "  ", "path"); err == nil {
		t.Fatal("expected error for blank source")
	}
}

func TestGetUnknown(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusPipeline(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	cb, err := store.Create(ctx, "demo", "/src", "path")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sequence := []Status{
		StatusValidating, StatusMaterializing, StatusParsing,
		StatusChunking, StatusEmbedding, StatusIndexing, StatusCompleted,
	}
	for _, status := range sequence {
		if err := store.UpdateStatus(ctx, cb.ID, status); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	got, err := store.Get(ctx, cb.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
	events, err := store.Events(ctx, cb.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != len(sequence) {
		t.Fatalf("expected %d events, got %d", len(sequence), len(events))
	}
	if events[0].Stage != string(StatusValidating) {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	cb, err := store.Create(ctx, "demo", "/src", "path")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.UpdateStatus(ctx, cb.ID, StatusEmbedding); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for queued -> embedding, got %v", err)
	}
	if err := store.UpdateStatus(ctx, cb.ID, StatusCompleted); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for queued -> completed, got %v", err)
	}
}

func TestMarkFailedAndRequeue(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	cb, err := store.Create(ctx, "demo", "/src", "path")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.UpdateStatus(ctx, cb.ID, StatusValidating); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := store.MarkFailed(ctx, cb.ID, errors.New("archive corrupt")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := store.Get(ctx, cb.ID)
	if got.Status != StatusFailed || got.Error != "archive corrupt" {
		t.Fatalf("unexpected record: %+v", got)
	}
	// A failed codebase can be re-queued for another run.
	if err := store.UpdateStatus(ctx, cb.ID, StatusQueued); err != nil {
		t.Fatalf("requeue: %v", err)
	}
}

func TestDeleteIsSoftAndTerminal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	cb, err := store.Create(ctx, "demo", "/src", "path")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkFailed(ctx, cb.ID, errors.New("boom")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.Delete(ctx, cb.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleted codebases stay readable directly but drop out of listings.
	got, err := store.Get(ctx, cb.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDeleted {
		t.Fatalf("expected deleted, got %s", got.Status)
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}
	if err := store.UpdateStatus(ctx, cb.ID, StatusQueued); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for deleted -> queued, got %v", err)
	}
}

func TestSetCountsAndEmbedDim(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	cb, err := store.Create(ctx, "demo", "/src", "path")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SetCounts(ctx, cb.ID, 12, 97, 3); err != nil {
		t.Fatalf("set counts: %v", err)
	}
	if err := store.SetEmbedDim(ctx, cb.ID, 1024); err != nil {
		t.Fatalf("set embed dim: %v", err)
	}
	got, _ := store.Get(ctx, cb.ID)
	if got.FileCount != 12 || got.ChunkCount != 97 || got.SecretCount != 3 || got.EmbedDim != 1024 {
		t.Fatalf("unexpected counts: %+v", got)
	}
	if err := store.SetCounts(ctx, "missing", 1, 1, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
