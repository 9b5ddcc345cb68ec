// File path: internal/session/store_test.go
package session

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCreateAndGet(t *testing.T) {
	store := NewStore(time.Hour, 10)
	created := store.Create("cb-1")
	if created.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	got, err := store.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CodebaseID != "cb-1" {
		t.Fatalf("unexpected codebase: %q", got.CodebaseID)
	}
}

func TestGetUnknownSession(t *testing.T) {
	store := NewStore(time.Hour, 10)
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendCapsHistory(t *testing.T) {
	store := NewStore(time.Hour, 3)
	sess := store.Create("cb-1")
	for i := 0; i < 5; i++ {
		if err := store.Append(sess.ID, "user", fmt.Sprintf("msg-%d", i), nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := store.Get(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Content != "msg-2" {
		t.Fatalf("expected oldest retained message msg-2, got %q", got.Messages[0].Content)
	}
}

func TestAppendStoresCitations(t *testing.T) {
	store := NewStore(time.Hour, 10)
	sess := store.Create("cb-1")
	cites := []Citation{{FilePath: "src/auth.py", StartLine: 10, EndLine: 42, Snippet: "def login():", Confidence: 0.91}}
	if err := store.Append(sess.ID, "assistant", "login lives in auth.py", cites); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := store.Get(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 1 || len(got.Messages[0].Citations) != 1 {
		t.Fatalf("expected one message with one citation, got %+v", got.Messages)
	}
	cite := got.Messages[0].Citations[0]
	if cite.FilePath != "src/auth.py" || cite.StartLine != 10 || cite.EndLine != 42 {
		t.Fatalf("unexpected citation: %+v", cite)
	}
}

func TestExpiryRemovesOnAccess(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := NewStore(time.Minute, 10, WithClock(func() time.Time { return clock() }))
	sess := store.Create("cb-1")

	now = now.Add(2 * time.Minute)
	if _, err := store.Get(sess.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// Second access sees the session already pruned.
	if _, err := store.Get(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after prune, got %v", err)
	}
}

func TestTouchExtendsLifetime(t *testing.T) {
	now := time.Now()
	store := NewStore(time.Minute, 10, WithClock(func() time.Time { return now }))
	sess := store.Create("cb-1")

	now = now.Add(45 * time.Second)
	if err := store.Touch(sess.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	now = now.Add(45 * time.Second)
	if _, err := store.Get(sess.ID); err != nil {
		t.Fatalf("expected session alive after touch, got %v", err)
	}
}

func TestListOrdersByActivity(t *testing.T) {
	now := time.Now()
	store := NewStore(time.Hour, 10, WithClock(func() time.Time { return now }))
	first := store.Create("cb-1")
	now = now.Add(time.Second)
	second := store.Create("cb-1")
	now = now.Add(time.Second)
	if err := store.Append(first.ID, "user", "hello", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	sessions := store.List()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != first.ID {
		t.Fatalf("expected most recently active first, got %s", sessions[0].ID)
	}
	_ = second
}

func TestDeleteByCodebase(t *testing.T) {
	store := NewStore(time.Hour, 10)
	store.Create("cb-1")
	store.Create("cb-1")
	keep := store.Create("cb-2")
	if removed := store.DeleteByCodebase("cb-1"); removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	sessions := store.List()
	if len(sessions) != 1 || sessions[0].ID != keep.ID {
		t.Fatalf("unexpected survivors: %+v", sessions)
	}
}

func TestSweepPrunesExpired(t *testing.T) {
	now := time.Now()
	store := NewStore(time.Minute, 10, WithClock(func() time.Time { return now }))
	store.Create("cb-1")
	store.Create("cb-2")
	now = now.Add(2 * time.Minute)
	live := store.Create("cb-3")
	if removed := store.sweep(); removed != 2 {
		t.Fatalf("expected 2 swept, got %d", removed)
	}
	if _, err := store.Get(live.ID); err != nil {
		t.Fatalf("live session should survive sweep: %v", err)
	}
}
