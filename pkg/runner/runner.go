// Package runner defines the agent-runtime port consumed by the bridge.
// The bridge starts one runner invocation per agent turn and watches its
// event stream; the runtime behind the port is an external collaborator.
package runner

import (
	"context"

	"github.com/lihuazhang/aicowork/pkg/session"
)

// ---------------------------------------------------------------------------
// Agent event sum type
// ---------------------------------------------------------------------------

// Event is the sealed set of events a runner emits. Consumers switch on the
// concrete type; unknown variants cannot occur.
type Event interface {
	isEvent()
}

// StreamDeltaEvent is a low-latency text fragment, usable only for
// incremental card updates; it carries no authority over the final reply.
type StreamDeltaEvent struct {
	Delta string
}

// AssistantEvent is a complete assistant message. It is authoritative and
// replaces any text accumulated from deltas.
type AssistantEvent struct {
	Text string
}

// ResultEvent is the terminal event of an invocation.
type ResultEvent struct {
	IsError bool
	// Result is the final reply text (or the error description).
	Result string
	// AgentSessionID is the runtime's own session id, used to resume.
	AgentSessionID string
}

func (StreamDeltaEvent) isEvent() {}
func (AssistantEvent) isEvent()   {}
func (ResultEvent) isEvent()      {}

// ---------------------------------------------------------------------------
// Runner port
// ---------------------------------------------------------------------------

// Request starts or resumes an agent turn.
type Request struct {
	Prompt  string
	Session *session.Session
	// ResumeSessionID is the runtime session to continue; empty starts fresh.
	ResumeSessionID string
	// OnEvent receives every event of the invocation, in emission order.
	OnEvent func(Event)
	// OnSessionUpdate reports the runtime's session id once known.
	OnSessionUpdate func(agentSessionID string)
}

// Handle controls a live invocation.
type Handle interface {
	// AddUserInput injects a follow-up prompt into the live turn.
	AddUserInput(text string) error
	// Abort cancels the invocation.
	Abort()
}

// Runner starts agent invocations.
type Runner interface {
	Run(ctx context.Context, req Request) (Handle, error)
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Error is a typed error for the runner port.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrTurnFinished is returned by AddUserInput when the invocation has
	// already emitted its terminal result.
	ErrTurnFinished Error = "runner turn already finished"
)
