package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lihuazhang/aicowork/pkg/domain"
)

// SQLiteStore is the SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	bot_name          TEXT NOT NULL,
	peer_id           TEXT NOT NULL,
	conversation_type TEXT NOT NULL,
	peer_name         TEXT NOT NULL DEFAULT '',
	resume_session_id TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_bridge ON sessions(bot_name, peer_id, updated_at);

CREATE TABLE IF NOT EXISTS session_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(session_id, id);
`

// NewSQLiteStore opens (creating if needed) the session database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	sess := New(opts)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, status, bot_name, peer_id, conversation_type, peer_name, resume_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		sess.ID.String(), sess.Title, sess.Status.String(),
		sess.Bridge.BotName, sess.Bridge.PeerID, sess.Bridge.ConversationType.String(), sess.Bridge.PeerName,
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id domain.EntityID) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, bot_name, peer_id, conversation_type, peer_name, resume_session_id, created_at, updated_at
		FROM sessions WHERE id = ?`, id.String())
	return scanSession(row)
}

func (s *SQLiteStore) FindByBridgeMeta(ctx context.Context, botName, peerID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, bot_name, peer_id, conversation_type, peer_name, resume_session_id, created_at, updated_at
		FROM sessions WHERE bot_name = ? AND peer_id = ?
		ORDER BY updated_at DESC, created_at DESC LIMIT 1`, botName, peerID)
	return scanSession(row)
}

func (s *SQLiteStore) Update(ctx context.Context, id domain.EntityID, patch Patch) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
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

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, status = ?, resume_session_id = ?, updated_at = ? WHERE id = ?`,
		sess.Title, sess.Status.String(), sess.ResumeSessionID,
		time.Now().UTC().UnixMilli(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateBridgeMeta(ctx context.Context, id domain.EntityID, meta BridgeMeta) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET bot_name = ?, peer_id = ?, conversation_type = ?, peer_name = ?, updated_at = ? WHERE id = ?`,
		meta.BotName, meta.PeerID, meta.ConversationType.String(), meta.PeerName,
		time.Now().UTC().UnixMilli(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("update bridge meta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, id domain.EntityID, role domain.MessageRole, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		id.String(), role.String(), content, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages returns the full message log for a session, oldest first.
func (s *SQLiteStore) Messages(ctx context.Context, id domain.EntityID) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM session_messages WHERE session_id = ? ORDER BY id`, id.String())
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var sid string
		var role string
		var createdAt int64
		if err := rows.Scan(&m.ID, &sid, &role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		m.SessionID = domain.EntityID(sid)
		m.Role = domain.MessageRole(role)
		m.CreatedAt = domain.TimestampFrom(time.UnixMilli(createdAt))
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var id, status, convType string
	var createdAt, updatedAt int64
	err := row.Scan(
		&id, &sess.Title, &status,
		&sess.Bridge.BotName, &sess.Bridge.PeerID, &convType, &sess.Bridge.PeerName,
		&sess.ResumeSessionID, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.ID = domain.EntityID(id)
	sess.Status = domain.SessionStatus(status)
	sess.Bridge.ConversationType = domain.ConversationType(convType)
	sess.CreatedAt = domain.TimestampFrom(time.UnixMilli(createdAt))
	sess.UpdatedAt = domain.TimestampFrom(time.UnixMilli(updatedAt))
	return &sess, nil
}

// Compile-time verification
var _ Store = (*SQLiteStore)(nil)
