// File path: internal/session/store.go
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicodishanthj/codeatlas/internal/common"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

// Citation points an assistant message at the code it is grounded on.
type Citation struct {
	FilePath   string  `json:"file_path"`
	StartLine  int     `json:"line_start"`
	EndLine    int     `json:"line_end"`
	Snippet    string  `json:"snippet,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Message is one turn of a conversation. Citations are only set on
// assistant turns that grounded their answer.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Session binds a conversation to a single codebase. History is capped so
// long conversations keep bounded memory and prompt size.
type Session struct {
	ID         string    `json:"id"`
	CodebaseID string    `json:"codebase_id"`
	Messages   []Message `json:"messages"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl         time.Duration
	maxMessages int
	now         func() time.Time

	sweepStop chan struct{}
	sweepOnce sync.Once
}

type Option func(*Store)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(ttl time.Duration, maxMessages int, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if maxMessages <= 0 {
		maxMessages = 50
	}
	s := &Store{
		sessions:    make(map[string]*Session),
		ttl:         ttl,
		maxMessages: maxMessages,
		now:         time.Now,
		sweepStop:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create registers a new session bound to the given codebase.
func (s *Store) Create(codebaseID string) *Session {
	now := s.now()
	sess := &Session{
		ID:         uuid.NewString(),
		CodebaseID: strings.TrimSpace(codebaseID),
		CreatedAt:  now,
		LastActive: now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	common.Logger().Debug("session: created", "session", sess.ID, "codebase", sess.CodebaseID)
	return sess
}

// Get returns a copy of the session. Expired sessions are removed on access.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	var snapshot Session
	var expired bool
	if ok {
		expired = s.expired(sess)
		if !expired {
			snapshot = cloneSession(sess)
		}
	}
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrNotFound
	}
	if expired {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return Session{}, ErrExpired
	}
	return snapshot, nil
}

// Append adds a message and refreshes the activity timestamp. History beyond
// the cap is dropped from the front.
func (s *Store) Append(id, role, content string, citations []Citation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.expired(sess) {
		delete(s.sessions, id)
		return ErrExpired
	}
	now := s.now()
	sess.Messages = append(sess.Messages, Message{Role: role, Content: content, Citations: citations, CreatedAt: now})
	if overflow := len(sess.Messages) - s.maxMessages; overflow > 0 {
		sess.Messages = append([]Message(nil), sess.Messages[overflow:]...)
	}
	sess.LastActive = now
	return nil
}

// Touch refreshes the activity timestamp without recording a message.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.expired(sess) {
		delete(s.sessions, id)
		return ErrExpired
	}
	sess.LastActive = s.now()
	return nil
}

// List returns copies of all live sessions ordered by most recent activity.
func (s *Store) List() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if s.expired(sess) {
			continue
		}
		out = append(out, cloneSession(sess))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActive.Equal(out[j].LastActive) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out
}

// Delete removes a session. Deleting an unknown session is not an error.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// DeleteByCodebase removes every session bound to the codebase. Used when a
// codebase is deleted so stale sessions cannot answer from removed chunks.
func (s *Store) DeleteByCodebase(codebaseID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for id, sess := range s.sessions {
		if sess.CodebaseID == codebaseID {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartSweeper prunes expired sessions on the given interval until the
// context is cancelled or Close is called.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.sweepStop:
				return
			case <-ticker.C:
				if n := s.sweep(); n > 0 {
					common.Logger().Debug("session: swept expired sessions", "count", n)
				}
			}
		}
	}()
}

func (s *Store) Close() {
	s.sweepOnce.Do(func() { close(s.sweepStop) })
}

func (s *Store) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for id, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *Store) expired(sess *Session) bool {
	return s.now().Sub(sess.LastActive) > s.ttl
}

func cloneSession(sess *Session) Session {
	copied := *sess
	copied.Messages = append([]Message(nil), sess.Messages...)
	return copied
}
