// Package events defines the typed event contracts for the bridge.
// Every notification flowing out of the bridge (bot status changes,
// session lifecycle, prompt echoes) uses one of these types. No ad-hoc
// map[string]interface{} events.
package events

import (
	"time"

	"github.com/lihuazhang/aicowork/pkg/domain"
)

// --- Event Envelope ---

// Event is the universal envelope for all bridge events.
type Event struct {
	// Type identifies the event (e.g. "bot.status_changed")
	Type string `json:"type"`

	// Source identifies who emitted the event (usually the bot name)
	Source string `json:"source"`

	// Timestamp is when the event was emitted
	Timestamp time.Time `json:"timestamp"`

	// Data is the typed payload
	Data interface{} `json:"data"`
}

// New creates a timestamped event.
func New(eventType, source string, data interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// --- Event Type Constants ---

const (
	// Bot lifecycle events
	BotStatusChanged = "bot.status_changed"

	// Session lifecycle events
	SessionStatusChanged = "session.status_changed"
	SessionPrompt        = "session.prompt"

	// Message flow events
	MessageDropped = "message.dropped"
)

// --- Typed Payloads ---

// BotStatusData is the payload for bot.status_changed events.
type BotStatusData struct {
	BotName string           `json:"bot_name"`
	Status  domain.BotStatus `json:"status"`
	Error   string           `json:"error,omitempty"`
}

// SessionStatusData is the payload for session.status_changed events.
type SessionStatusData struct {
	BotName   string               `json:"bot_name"`
	SessionID domain.EntityID      `json:"session_id"`
	Status    domain.SessionStatus `json:"status"`
	Error     string               `json:"error,omitempty"`
}

// SessionPromptData is the payload for session.prompt events: the echo of
// an inbound user prompt routed into a session.
type SessionPromptData struct {
	BotName   string          `json:"bot_name"`
	SessionID domain.EntityID `json:"session_id"`
	PeerID    string          `json:"peer_id"`
	Prompt    string          `json:"prompt"`
}

// DroppedData is the payload for message.dropped events.
type DroppedData struct {
	BotName string `json:"bot_name"`
	MsgID   string `json:"msg_id,omitempty"`
	Reason  string `json:"reason"` // "duplicate", "policy", "empty"
}

// --- Emitter port ---

// Emitter publishes events to whoever is listening. The bridge never owns
// the transport to the UI; callers decide what Publish does. Fire-and-forget:
// implementations must not block the caller.
type Emitter interface {
	Publish(event Event)
}

// EmitterFunc adapts a plain function to the Emitter interface.
type EmitterFunc func(Event)

// Publish implements Emitter.
func (f EmitterFunc) Publish(event Event) { f(event) }

// Discard is an Emitter that drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})
