package runner

import (
	"context"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/lihuazhang/aicowork/pkg/logger"
)

// AnthropicConfig configures the reference runner.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	System    string
}

// AnthropicRunner is the reference Runner implementation, streaming replies
// from the Anthropic Messages API. Conversation history is kept in memory
// per agent session id, so ResumeSessionID continues a thread for the
// lifetime of the process.
type AnthropicRunner struct {
	client anthropic.Client
	cfg    AnthropicConfig

	mu      sync.Mutex
	history map[string][]anthropic.MessageParam
}

// NewAnthropicRunner creates the reference runner.
func NewAnthropicRunner(cfg AnthropicConfig) *AnthropicRunner {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	return &AnthropicRunner{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:     cfg,
		history: make(map[string][]anthropic.MessageParam),
	}
}

type anthropicHandle struct {
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  []string
	finished bool
}

func (h *anthropicHandle) AddUserInput(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return ErrTurnFinished
	}
	h.pending = append(h.pending, text)
	return nil
}

func (h *anthropicHandle) Abort() { h.cancel() }

// takePending pops one queued follow-up prompt, or returns false and marks
// the turn finished when none is queued.
func (h *anthropicHandle) takePending() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) == 0 {
		h.finished = true
		return "", false
	}
	next := h.pending[0]
	h.pending = h.pending[1:]
	return next, true
}

// Run starts an agent turn. Events are delivered on a dedicated goroutine in
// emission order.
func (r *AnthropicRunner) Run(ctx context.Context, req Request) (Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	h := &anthropicHandle{cancel: cancel}

	agentSessionID := req.ResumeSessionID
	if agentSessionID == "" {
		agentSessionID = uuid.NewString()
	}
	if req.OnSessionUpdate != nil {
		req.OnSessionUpdate(agentSessionID)
	}

	go r.loop(runCtx, req, h, agentSessionID)
	return h, nil
}

func (r *AnthropicRunner) loop(ctx context.Context, req Request, h *anthropicHandle, agentSessionID string) {
	defer h.cancel()

	prompt := req.Prompt
	var lastReply string
	for {
		reply, err := r.complete(ctx, agentSessionID, prompt, req.OnEvent)
		if err != nil {
			logger.ErrorCF("runner", "Agent turn failed", map[string]any{
				"agent_session": agentSessionID,
				"error":         err.Error(),
			})
			h.mu.Lock()
			h.finished = true
			h.mu.Unlock()
			if req.OnEvent != nil {
				req.OnEvent(ResultEvent{IsError: true, Result: err.Error(), AgentSessionID: agentSessionID})
			}
			return
		}
		lastReply = reply

		next, ok := h.takePending()
		if !ok {
			break
		}
		prompt = next
	}

	if req.OnEvent != nil {
		req.OnEvent(ResultEvent{Result: lastReply, AgentSessionID: agentSessionID})
	}
}

// complete runs one model round-trip, streaming deltas as they arrive and
// finishing with the authoritative assistant message.
func (r *AnthropicRunner) complete(ctx context.Context, agentSessionID, prompt string, onEvent func(Event)) (string, error) {
	r.mu.Lock()
	messages := append(r.history[agentSessionID], anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	r.mu.Unlock()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(r.cfg.Model),
		MaxTokens: r.cfg.MaxTokens,
		Messages:  messages,
	}
	if r.cfg.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: r.cfg.System}}
	}

	stream := r.client.Messages.NewStreaming(ctx, params)
	var reply strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				reply.WriteString(delta.Text)
				if onEvent != nil {
					onEvent(StreamDeltaEvent{Delta: delta.Text})
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}

	text := reply.String()
	if onEvent != nil {
		onEvent(AssistantEvent{Text: text})
	}

	r.mu.Lock()
	r.history[agentSessionID] = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
	r.mu.Unlock()
	return text, nil
}

// Compile-time verification
var _ Runner = (*AnthropicRunner)(nil)
