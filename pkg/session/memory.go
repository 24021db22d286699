package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lihuazhang/aicowork/pkg/domain"
)

// MemoryStore is an in-memory Store used by tests and ephemeral setups.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[domain.EntityID]*Session
	messages map[domain.EntityID][]Message
	seq      int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[domain.EntityID]*Session),
		messages: make(map[domain.EntityID][]Message),
	}
}

func (s *MemoryStore) Create(_ context.Context, opts CreateOptions) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := New(opts)
	s.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) Get(_ context.Context, id domain.EntityID) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, id domain.EntityID, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.ResumeSessionID != nil {
		sess.ResumeSessionID = *patch.ResumeSessionID
	}
	if patch.Title != nil {
		sess.Title = *patch.Title
	}
	sess.UpdatedAt = domain.Now()
	return nil
}

func (s *MemoryStore) UpdateBridgeMeta(_ context.Context, id domain.EntityID, meta BridgeMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Bridge = meta
	sess.UpdatedAt = domain.Now()
	return nil
}

func (s *MemoryStore) FindByBridgeMeta(_ context.Context, botName, peerID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []*Session
	for _, sess := range s.sessions {
		if sess.Bridge.BotName == botName && sess.Bridge.PeerID == peerID {
			matches = append(matches, sess)
		}
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt.Time)
	})
	cp := *matches[0]
	return &cp, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, id domain.EntityID, role domain.MessageRole, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	s.seq++
	s.messages[id] = append(s.messages[id], Message{
		ID:        s.seq,
		SessionID: id,
		Role:      role,
		Content:   content,
		CreatedAt: domain.TimestampFrom(time.Now()),
	})
	return nil
}

// Messages returns the message log for a session, oldest first.
func (s *MemoryStore) Messages(_ context.Context, id domain.EntityID) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages[id]))
	copy(out, s.messages[id])
	return out, nil
}

// Delete removes a session outright (test helper for simulating lost rows).
func (s *MemoryStore) Delete(id domain.EntityID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.messages, id)
}

// Count returns the number of stored sessions.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Compile-time verification
var _ Store = (*MemoryStore)(nil)
