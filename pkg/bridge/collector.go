package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/lihuazhang/aicowork/pkg/dingtalk"
	"github.com/lihuazhang/aicowork/pkg/domain"
	"github.com/lihuazhang/aicowork/pkg/events"
	"github.com/lihuazhang/aicowork/pkg/logger"
	"github.com/lihuazhang/aicowork/pkg/runner"
	"github.com/lihuazhang/aicowork/pkg/session"
)

const (
	// flushThreshold pushes the card immediately once this much new text
	// has accumulated since the last push.
	flushThreshold = 200
	// flushInterval pushes smaller accumulations on a timer.
	flushInterval = 500 * time.Millisecond
)

// collectorDeps are the collaborators a reply collector needs. The bot
// instance may be gone by the time late events arrive, so the collector
// holds plain references instead of reaching back into the registry.
type collectorDeps struct {
	botName string
	cfg     BotConfig
	dt      *dingtalk.Client
	store   session.Store
	emit    events.Emitter
	// clearRunner detaches the live runner handle so the session can serve
	// a fresh turn after this invocation ends.
	clearRunner func()
}

// replyCollector watches one runner invocation's event stream and drives
// the card/markdown reply state machine. One per invocation; events arrive
// in emission order on the runner's goroutine.
type replyCollector struct {
	deps   collectorDeps
	sessID domain.EntityID
	target dingtalk.CardTarget

	mu           sync.Mutex
	replyText    string
	card         *dingtalk.CardInstance
	creating     bool
	fallback     bool // card path abandoned for this invocation; terminal
	done         bool
	finalText    string
	pendingChars int
	flushTimer   *time.Timer

	// pushMu serializes streaming pushes so an older snapshot can never
	// overwrite a newer one.
	pushMu sync.Mutex
}

func newReplyCollector(deps collectorDeps, sessID domain.EntityID, target dingtalk.CardTarget) *replyCollector {
	return &replyCollector{
		deps:   deps,
		sessID: sessID,
		target: target,
	}
}

// OnEvent is the runner event sink.
func (c *replyCollector) OnEvent(ev runner.Event) {
	switch ev := ev.(type) {
	case runner.StreamDeltaEvent:
		c.onDelta(ev.Delta)
	case runner.AssistantEvent:
		// Authoritative full message; replaces anything accumulated from
		// deltas.
		c.mu.Lock()
		if !c.done {
			c.replyText = ev.Text
			c.pendingChars += len(ev.Text)
		}
		c.mu.Unlock()
		c.maybeFlush(false)
	case runner.ResultEvent:
		c.onResult(ev)
	}
}

// terminalSeen reports whether the invocation already ended (used by the
// bot instance to avoid storing a handle for a finished run).
func (c *replyCollector) terminalSeen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *replyCollector) onDelta(delta string) {
	if delta == "" {
		return
	}
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.replyText += delta
	c.pendingChars += len(delta)
	needCard := c.deps.cfg.cardMode() && !c.fallback && c.card == nil && !c.creating
	if needCard {
		c.creating = true
	}
	c.mu.Unlock()

	if needCard {
		go c.createCard()
	}
	c.maybeFlush(false)
}

// createCard lazily creates the streaming card on first content. Guarded
// against concurrent double-creation by the creating flag; a failure sets
// the permanent fallback flag for this invocation.
func (c *replyCollector) createCard() {
	ctx := context.Background()
	card, err := c.deps.dt.CreateCard(ctx, c.deps.cfg.Credential(), c.deps.cfg.CardTemplateID, c.target)

	c.mu.Lock()
	c.creating = false
	if err != nil {
		c.fallback = true
		done, text := c.done, c.finalText
		c.mu.Unlock()
		logger.WarnCF("bridge", "Card creation failed, falling back to markdown", map[string]any{
			"bot":   c.deps.botName,
			"error": err.Error(),
		})
		// The terminal event may have raced the creation attempt; it
		// deferred sending to us.
		if done && text != "" {
			c.sendFallback(ctx, text)
		}
		return
	}
	c.card = card
	done, text := c.done, c.finalText
	c.mu.Unlock()

	if done {
		// Terminal event arrived while the card was being created; finish
		// it here so exactly one reply is delivered.
		if text == "" {
			return
		}
		if err := c.deps.dt.StreamCard(ctx, card, text, true); err != nil {
			c.sendFallback(ctx, text)
		}
		return
	}
	c.maybeFlush(true)
}

// maybeFlush pushes the accumulated buffer to the card, immediately when
// the pending delta is large enough (or forced), otherwise on a timer.
func (c *replyCollector) maybeFlush(force bool) {
	c.mu.Lock()
	if c.done || c.card == nil || c.fallback {
		c.mu.Unlock()
		return
	}
	if !force && c.pendingChars < flushThreshold {
		if c.flushTimer == nil {
			c.flushTimer = time.AfterFunc(flushInterval, func() {
				c.mu.Lock()
				c.flushTimer = nil
				c.mu.Unlock()
				c.flush()
			})
		}
		c.mu.Unlock()
		return
	}
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.mu.Unlock()
	c.flush()
}

// flush pushes the current buffer snapshot. Serialized so pushes land in
// order.
func (c *replyCollector) flush() {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()

	c.mu.Lock()
	if c.done || c.card == nil || c.fallback {
		c.mu.Unlock()
		return
	}
	card := c.card
	content := c.replyText
	c.pendingChars = 0
	c.mu.Unlock()

	if content == "" {
		return
	}
	if err := c.deps.dt.StreamCard(context.Background(), card, content, false); err != nil {
		c.mu.Lock()
		c.fallback = true
		c.mu.Unlock()
		logger.WarnCF("bridge", "Card push failed, falling back to markdown", map[string]any{
			"bot":   c.deps.botName,
			"error": err.Error(),
		})
	}
}

// onResult handles the invocation's terminal event: detach the runner
// handle, persist the outcome, and deliver the reply exactly once.
func (c *replyCollector) onResult(ev runner.ResultEvent) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	text := c.replyText
	if !ev.IsError && ev.Result != "" {
		text = ev.Result
	}
	c.finalText = text
	card := c.card
	creating := c.creating
	fallback := c.fallback
	c.mu.Unlock()

	c.deps.clearRunner()

	ctx := context.Background()
	status := domain.SessionCompleted
	errText := ""
	if ev.IsError {
		status = domain.SessionError
		errText = ev.Result
	}
	if err := c.deps.store.Update(ctx, c.sessID, session.Patch{Status: &status}); err != nil {
		logger.WarnCF("bridge", "Failed to persist session status", map[string]any{
			"session": c.sessID.String(),
			"error":   err.Error(),
		})
	}
	if !ev.IsError && text != "" {
		if err := c.deps.store.AppendMessage(ctx, c.sessID, domain.RoleAssistant, text); err != nil {
			logger.WarnCF("bridge", "Failed to log assistant reply", map[string]any{
				"session": c.sessID.String(),
				"error":   err.Error(),
			})
		}
	}
	c.deps.emit.Publish(events.New(events.SessionStatusChanged, c.deps.botName, events.SessionStatusData{
		BotName:   c.deps.botName,
		SessionID: c.sessID,
		Status:    status,
		Error:     errText,
	}))

	if ev.IsError || text == "" {
		return
	}

	switch {
	case creating:
		// Card creation still in flight; createCard delivers the final
		// content when it settles.
	case card != nil && !fallback:
		if err := c.deps.dt.StreamCard(ctx, card, text, true); err != nil {
			logger.WarnCF("bridge", "Card finalize failed, falling back to markdown", map[string]any{
				"bot":   c.deps.botName,
				"error": err.Error(),
			})
			c.sendFallback(ctx, text)
		}
	case c.deps.cfg.cardMode() && !fallback:
		// Reply completed before any streaming started.
		if err := c.deps.dt.SendCardOneShot(ctx, c.deps.cfg.Credential(), c.deps.cfg.CardTemplateID, c.target, text); err != nil {
			logger.ErrorCF("bridge", "Failed to deliver reply", map[string]any{
				"bot":   c.deps.botName,
				"error": err.Error(),
			})
		}
	default:
		c.sendFallback(ctx, text)
	}
}

// sendFallback delivers the complete reply as a plain formatted message.
func (c *replyCollector) sendFallback(ctx context.Context, text string) {
	if err := c.deps.dt.SendMarkdown(ctx, c.deps.cfg.Credential(), c.target, text); err != nil {
		logger.ErrorCF("bridge", "Markdown fallback failed", map[string]any{
			"bot":   c.deps.botName,
			"error": err.Error(),
		})
	}
}
