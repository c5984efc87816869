// Package session holds per-conversation message history for the life of
// the process, along with the per-session serialization and idle
// eviction policies that sit at the store boundary.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/nugget/parley/internal/llm"
)

// Session is the ordered message history of one conversation.
type Session struct {
	ID        string        `json:"id"`
	Messages  []llm.Message `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (s *Session) copy() *Session {
	out := *s
	out.Messages = make([]llm.Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return &out
}

// Summary describes a session without its messages.
type Summary struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats reports store totals.
type Stats struct {
	Sessions int `json:"sessions"`
	Messages int `json:"messages"`
}

// Store is the contract the orchestration loop uses. Implementations
// must be safe for concurrent use; ordering across concurrent turns on
// one session is the caller's job (see Locker).
type Store interface {
	// GetOrCreate returns a snapshot of the session, creating an empty
	// one if absent.
	GetOrCreate(id string) *Session
	// Get returns a snapshot of an existing session.
	Get(id string) (*Session, bool)
	// Append adds msgs to the end of the session in order, contiguously,
	// creating the session if needed.
	Append(id string, msgs ...llm.Message)
	// History returns a copy of the session's messages.
	History(id string) []llm.Message
	// Delete removes a session and reports whether it existed.
	Delete(id string) bool
	// List returns summaries of every session, most recently updated first.
	List() []Summary
	// Stats returns store totals.
	Stats() Stats
}

// MemoryStore is an in-process Store. History does not survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// getOrCreateLocked returns the live session. Caller holds s.mu for writing.
func (s *MemoryStore) getOrCreateLocked(id string) *Session {
	sess, ok := s.sessions[id]
	if !ok {
		now := s.now()
		sess = &Session{
			ID:        id,
			Messages:  []llm.Message{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.sessions[id] = sess
	}
	return sess
}

// GetOrCreate implements Store.
func (s *MemoryStore) GetOrCreate(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(id).copy()
}

// Get implements Store.
func (s *MemoryStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.copy(), true
}

// Append implements Store.
func (s *MemoryStore) Append(id string, msgs ...llm.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(id)
	now := s.now()
	for _, m := range msgs {
		if m.Time.IsZero() {
			m.Time = now
		}
		sess.Messages = append(sess.Messages, m)
	}
	sess.UpdatedAt = now
}

// History implements Store.
func (s *MemoryStore) History(id string) []llm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return []llm.Message{}
	}
	msgs := make([]llm.Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	return msgs
}

// Delete implements Store.
func (s *MemoryStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// List implements Store.
func (s *MemoryStore) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Summary{
			ID:        sess.ID,
			Messages:  len(sess.Messages),
			CreatedAt: sess.CreatedAt,
			UpdatedAt: sess.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Stats implements Store.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Sessions: len(s.sessions)}
	for _, sess := range s.sessions {
		st.Messages += len(sess.Messages)
	}
	return st
}

// EvictIdle deletes sessions last updated before cutoff, skipping any
// for which skip returns true. It returns the evicted IDs.
func (s *MemoryStore) EvictIdle(cutoff time.Time, skip func(id string) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, sess := range s.sessions {
		if !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		if skip != nil && skip(id) {
			continue
		}
		delete(s.sessions, id)
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}
