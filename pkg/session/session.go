// Package session defines the agent-session model and its persistence port.
// A Session is one conversation thread between a platform peer and the
// agent runtime; the bridge resolves every inbound message to exactly one
// session per (bot, peer) pair.
package session

import (
	"context"

	"github.com/lihuazhang/aicowork/pkg/domain"
)

// ---------------------------------------------------------------------------
// Session aggregate
// ---------------------------------------------------------------------------

// Session is a conversation thread with the agent runtime.
type Session struct {
	ID    domain.EntityID `json:"id"`
	Title string          `json:"title,omitempty"`

	// Status is the last known state of the agent turn for this session.
	Status domain.SessionStatus `json:"status"`

	// Bridge holds the metadata that ties this session to a platform peer.
	// Soft state for routing; the (BotName, PeerID) pair is the lookup key
	// used to re-adopt a session after a restart.
	Bridge BridgeMeta `json:"bridge"`

	// ResumeSessionID is the agent runtime's own session identifier, passed
	// back on the next run so the runtime resumes instead of starting cold.
	ResumeSessionID string `json:"resume_session_id,omitempty"`

	CreatedAt domain.Timestamp `json:"created_at"`
	UpdatedAt domain.Timestamp `json:"updated_at"`
}

// BridgeMeta ties a session to its platform counterpart.
type BridgeMeta struct {
	BotName          string                  `json:"bot_name"`
	PeerID           string                  `json:"peer_id"`
	ConversationType domain.ConversationType `json:"conversation_type"`
	PeerName         string                  `json:"peer_name,omitempty"`
}

// Message is one entry in a session's message log.
type Message struct {
	ID        int64              `json:"id"`
	SessionID domain.EntityID    `json:"session_id"`
	Role      domain.MessageRole `json:"role"`
	Content   string             `json:"content"`
	CreatedAt domain.Timestamp   `json:"created_at"`
}

// CreateOptions carries the initial state for a new session.
type CreateOptions struct {
	Title  string
	Bridge BridgeMeta
}

// New builds a Session from create options.
func New(opts CreateOptions) *Session {
	now := domain.Now()
	return &Session{
		ID:        domain.NewID(),
		Title:     opts.Title,
		Status:    domain.SessionRunning,
		Bridge:    opts.Bridge,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Patch is a partial session update; nil fields are left untouched.
type Patch struct {
	Status          *domain.SessionStatus
	ResumeSessionID *string
	Title           *string
}

// ---------------------------------------------------------------------------
// Persistence port
// ---------------------------------------------------------------------------

// Store is the persistence port for sessions. The bridge treats it as an
// external collaborator; adapters live alongside (SQLite, in-memory).
type Store interface {
	// Create persists a new session.
	Create(ctx context.Context, opts CreateOptions) (*Session, error)
	// Get returns a session by id, or ErrNotFound.
	Get(ctx context.Context, id domain.EntityID) (*Session, error)
	// Update applies a partial patch to a session.
	Update(ctx context.Context, id domain.EntityID, patch Patch) error
	// UpdateBridgeMeta rewrites the platform metadata for a session.
	UpdateBridgeMeta(ctx context.Context, id domain.EntityID, meta BridgeMeta) error
	// FindByBridgeMeta returns the most recently updated session for a
	// (bot, peer) pair, or ErrNotFound.
	FindByBridgeMeta(ctx context.Context, botName, peerID string) (*Session, error)
	// AppendMessage adds an entry to the session's message log.
	AppendMessage(ctx context.Context, id domain.EntityID, role domain.MessageRole, content string) error
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

// Error is a typed error for the session domain.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrNotFound Error = "session not found"
)
