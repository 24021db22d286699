package domain

// ---------------------------------------------------------------------------
// Shared value objects used across packages
// ---------------------------------------------------------------------------

// BotStatus represents the lifecycle state of a bot connection.
type BotStatus string

const (
	BotDisconnected BotStatus = "disconnected"
	BotConnecting   BotStatus = "connecting"
	BotConnected    BotStatus = "connected"
	BotFailed       BotStatus = "failed"
)

// String implements fmt.Stringer.
func (bs BotStatus) String() string { return string(bs) }

// Valid returns true if the status is recognized.
func (bs BotStatus) Valid() bool {
	switch bs {
	case BotDisconnected, BotConnecting, BotConnected, BotFailed:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------

// ConversationType distinguishes direct chats from group chats.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

func (ct ConversationType) String() string { return string(ct) }

// ---------------------------------------------------------------------------

// AccessPolicy controls who may talk to a bot.
type AccessPolicy string

const (
	PolicyOpen      AccessPolicy = "open"
	PolicyAllowlist AccessPolicy = "allowlist"
)

func (p AccessPolicy) String() string { return string(p) }

// ---------------------------------------------------------------------------

// ReplyMode selects how agent output is delivered back to the platform.
type ReplyMode string

const (
	ReplyCard     ReplyMode = "card"
	ReplyMarkdown ReplyMode = "markdown"
)

func (rm ReplyMode) String() string { return string(rm) }

// ---------------------------------------------------------------------------

// SessionStatus represents the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

func (ss SessionStatus) String() string { return string(ss) }

// ---------------------------------------------------------------------------

// MessageRole represents who sent a message in a conversation.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

func (mr MessageRole) String() string { return string(mr) }

// ---------------------------------------------------------------------------

// Metadata is a generic key-value map for extensible properties.
type Metadata map[string]string

// Get returns a metadata value, or empty string if not present.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// Set writes a metadata key-value pair. Initializes the map if nil.
func (m *Metadata) Set(key, value string) {
	if *m == nil {
		*m = make(Metadata)
	}
	(*m)[key] = value
}
