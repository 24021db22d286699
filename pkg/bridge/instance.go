package bridge

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lihuazhang/aicowork/pkg/domain"
	"github.com/lihuazhang/aicowork/pkg/events"
	"github.com/lihuazhang/aicowork/pkg/logger"
	"github.com/lihuazhang/aicowork/pkg/runner"
	"github.com/lihuazhang/aicowork/pkg/session"
)

const (
	maxReconnectAttempts = 10
	reconnectBaseDelayMS = 1000
	reconnectMaxDelayMS  = 60000
	reconnectJitter      = 0.3
)

// reconnectDelay returns the backoff before reconnect attempt n (0-based):
// exponential from 1s, capped at 60s, with up to 30% multiplicative jitter.
func reconnectDelay(attempt int, rnd func() float64) time.Duration {
	ms := float64(reconnectBaseDelayMS) * math.Pow(2, float64(attempt))
	if ms > reconnectMaxDelayMS {
		ms = reconnectMaxDelayMS
	}
	ms *= 1 + reconnectJitter*rnd()
	if ms > reconnectMaxDelayMS {
		ms = reconnectMaxDelayMS
	}
	return time.Duration(ms) * time.Millisecond
}

// ---------------------------------------------------------------------------
// Bot instance
// ---------------------------------------------------------------------------

// BotInstance is one connected bot: its stream connection, reconnect state,
// dedup ledger, and the peer-to-session routing for messages it receives.
type BotInstance struct {
	name string
	cfg  BotConfig
	reg  *Registry

	dedup   *dedupLedger
	resolve singleflight.Group

	mu                sync.Mutex
	status            domain.BotStatus
	lastErr           string
	conn              StreamConn
	peerSessions      map[string]domain.EntityID
	runners           map[domain.EntityID]runner.Handle
	reconnectAttempts int
	reconnectTimer    *time.Timer
	removed           bool
}

func newBotInstance(name string, cfg BotConfig, reg *Registry) *BotInstance {
	return &BotInstance{
		name:         name,
		cfg:          cfg,
		reg:          reg,
		dedup:        newDedupLedger(),
		status:       domain.BotDisconnected,
		peerSessions: make(map[string]domain.EntityID),
		runners:      make(map[domain.EntityID]runner.Handle),
	}
}

// Status returns the instance's connection status and last error.
func (b *BotInstance) Status() (domain.BotStatus, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.lastErr
}

func (b *BotInstance) setStatus(status domain.BotStatus, errText string) {
	b.mu.Lock()
	b.status = status
	b.lastErr = errText
	b.mu.Unlock()
	b.reg.emit.Publish(events.New(events.BotStatusChanged, b.name, events.BotStatusData{
		BotName: b.name,
		Status:  status,
		Error:   errText,
	}))
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// connect opens the stream connection. Runs on its own goroutine; failures
// feed the reconnect schedule.
func (b *BotInstance) connect() {
	b.mu.Lock()
	if b.removed {
		b.mu.Unlock()
		return
	}
	conn := b.reg.streams(b.cfg, StreamCallbacks{
		OnChatMessage:    b.onCallback,
		OnEvent:          b.onEventFrame,
		OnConnectionLost: b.onConnectionLost,
	})
	b.conn = conn
	b.mu.Unlock()

	// The stream client owns the context for the connection's lifetime,
	// so no call timeout here.
	if err := conn.Start(context.Background()); err != nil {
		logger.WarnCF("bridge", "Stream connection failed", map[string]any{
			"bot":   b.name,
			"error": err.Error(),
		})
		b.setStatus(domain.BotFailed, err.Error())
		b.scheduleReconnect()
		return
	}

	b.mu.Lock()
	if b.removed {
		// Shut down while the dial was in flight; the connection is
		// already closed.
		b.mu.Unlock()
		return
	}
	b.reconnectAttempts = 0
	b.mu.Unlock()
	b.setStatus(domain.BotConnected, "")
	logger.InfoCF("bridge", "Bot connected", map[string]any{"bot": b.name})
}

// scheduleReconnect arms the backoff timer for the next attempt, or marks
// the bot terminally failed once the attempt budget is spent.
func (b *BotInstance) scheduleReconnect() {
	b.mu.Lock()
	if b.removed {
		b.mu.Unlock()
		return
	}
	if b.reconnectAttempts >= maxReconnectAttempts {
		b.mu.Unlock()
		logger.ErrorCF("bridge", "Reconnect attempts exhausted", map[string]any{
			"bot":      b.name,
			"attempts": maxReconnectAttempts,
		})
		b.setStatus(domain.BotFailed, "reconnect attempts exhausted")
		return
	}
	attempt := b.reconnectAttempts
	b.reconnectAttempts++
	delay := b.reg.delays(attempt)
	b.reconnectTimer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		b.reconnectTimer = nil
		removed := b.removed
		b.mu.Unlock()
		if removed {
			return
		}
		b.setStatus(domain.BotConnecting, "")
		b.connect()
	})
	b.mu.Unlock()
	logger.InfoCF("bridge", "Reconnect scheduled", map[string]any{
		"bot":      b.name,
		"attempt":  attempt + 1,
		"delay_ms": delay.Milliseconds(),
	})
}

// onConnectionLost handles a mid-life drop reported by the stream layer.
func (b *BotInstance) onConnectionLost(err error) {
	b.mu.Lock()
	removed := b.removed
	b.mu.Unlock()
	if removed {
		return
	}
	errText := "connection lost"
	if err != nil {
		errText = err.Error()
	}
	logger.WarnCF("bridge", "Stream connection lost", map[string]any{
		"bot":   b.name,
		"error": errText,
	})
	b.setStatus(domain.BotFailed, errText)
	b.scheduleReconnect()
}

// shutdown closes the connection and cancels any pending reconnect. The
// registry removes the instance from its map; this only tears down local
// state.
func (b *BotInstance) shutdown() {
	b.mu.Lock()
	b.removed = true
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
		b.reconnectTimer = nil
	}
	b.reconnectAttempts = 0
	conn := b.conn
	b.conn = nil
	for id, h := range b.runners {
		h.Abort()
		delete(b.runners, id)
	}
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	b.setStatus(domain.BotDisconnected, "")
	logger.InfoCF("bridge", "Bot disconnected", map[string]any{"bot": b.name})
}

// ---------------------------------------------------------------------------
// Inbound pipeline
// ---------------------------------------------------------------------------

// onCallback handles one raw bot callback frame. The frame is always acked
// upstream; a message the bridge cannot process must not be redelivered
// forever.
func (b *BotInstance) onCallback(ctx context.Context, raw string) {
	msg, err := decodeInbound(raw)
	if err != nil {
		logger.WarnCF("bridge", "Undecodable callback frame", map[string]any{
			"bot":   b.name,
			"error": err.Error(),
		})
		return
	}
	b.handleInbound(ctx, msg)
}

func (b *BotInstance) onEventFrame(raw string) {
	logger.DebugCF("bridge", "Event frame received", map[string]any{
		"bot":  b.name,
		"size": len(raw),
	})
}

func (b *BotInstance) dropped(msgID, reason string) {
	b.reg.emit.Publish(events.New(events.MessageDropped, b.name, events.DroppedData{
		BotName: b.name,
		MsgID:   msgID,
		Reason:  reason,
	}))
}

// handleInbound runs the full inbound pipeline: dedup, policy, text
// extraction, session resolution, then either a follow-up into the live
// runner or a fresh invocation.
func (b *BotInstance) handleInbound(ctx context.Context, msg *InboundMessage) {
	if b.dedup.isProcessed(msg.MsgID) {
		logger.DebugCF("bridge", "Duplicate message ignored", map[string]any{
			"bot":    b.name,
			"msg_id": msg.MsgID,
		})
		b.dropped(msg.MsgID, "duplicate")
		return
	}
	b.dedup.markProcessed(msg.MsgID)

	if !isAllowed(msg, b.cfg) {
		logger.InfoCF("bridge", "Message rejected by access policy", map[string]any{
			"bot":    b.name,
			"sender": msg.PeerID(),
			"group":  msg.IsGroup(),
		})
		b.dropped(msg.MsgID, "policy")
		return
	}

	text := msg.ExtractText()
	if text == "" {
		b.dropped(msg.MsgID, "empty")
		return
	}

	sess, err := b.resolveSession(ctx, msg)
	if err != nil {
		logger.ErrorCF("bridge", "Session resolution failed", map[string]any{
			"bot":   b.name,
			"peer":  msg.PeerID(),
			"error": err.Error(),
		})
		return
	}

	if handle := b.runnerFor(sess.ID); handle != nil {
		if err := b.continueTurn(ctx, sess, handle, text, msg.PeerID()); err == nil {
			return
		}
		// The turn finished under us; fall through to a fresh invocation.
		b.clearRunner(sess.ID)
	}
	b.startTurn(ctx, sess, text, msg)
}

// resolveSession maps a peer to its session: in-memory cache first, then
// the persisted lookup, then creation. Single-flighted per peer so a burst
// of first messages yields one session.
func (b *BotInstance) resolveSession(ctx context.Context, msg *InboundMessage) (*session.Session, error) {
	peerID := msg.PeerID()
	v, err, _ := b.resolve.Do(peerID, func() (interface{}, error) {
		if id, ok := b.peerSession(peerID); ok {
			sess, err := b.reg.store.Get(ctx, id)
			if err == nil {
				return sess, nil
			}
			// Stale mapping; drop it and fall through to the store.
			b.forgetPeer(peerID)
			if !errors.Is(err, session.ErrNotFound) {
				logger.WarnCF("bridge", "Cached session lookup failed", map[string]any{
					"bot":   b.name,
					"error": err.Error(),
				})
			}
		}

		sess, err := b.reg.store.FindByBridgeMeta(ctx, b.name, peerID)
		if err == nil {
			b.rememberPeer(peerID, sess.ID)
			b.refreshBridgeMeta(ctx, sess, msg)
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}

		sess, err = b.reg.store.Create(ctx, session.CreateOptions{
			Title: sessionTitle(msg),
			Bridge: session.BridgeMeta{
				BotName:          b.name,
				PeerID:           peerID,
				ConversationType: msg.Conversation(),
				PeerName:         msg.SenderNick,
			},
		})
		if err != nil {
			return nil, err
		}
		b.rememberPeer(peerID, sess.ID)
		logger.InfoCF("bridge", "Session created for peer", map[string]any{
			"bot":     b.name,
			"peer":    peerID,
			"session": sess.ID.String(),
		})
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Session), nil
}

// refreshBridgeMeta re-syncs the stored platform metadata when a re-adopted
// session's peer name or conversation type has drifted.
func (b *BotInstance) refreshBridgeMeta(ctx context.Context, sess *session.Session, msg *InboundMessage) {
	meta := sess.Bridge
	meta.ConversationType = msg.Conversation()
	if msg.SenderNick != "" {
		meta.PeerName = msg.SenderNick
	}
	if meta == sess.Bridge {
		return
	}
	if err := b.reg.store.UpdateBridgeMeta(ctx, sess.ID, meta); err != nil {
		logger.WarnCF("bridge", "Failed to refresh bridge meta", map[string]any{
			"session": sess.ID.String(),
			"error":   err.Error(),
		})
		return
	}
	sess.Bridge = meta
}

func sessionTitle(msg *InboundMessage) string {
	if msg.IsGroup() {
		return "群聊 " + msg.ConversationID
	}
	if msg.SenderNick != "" {
		return msg.SenderNick
	}
	return msg.PeerID()
}

// continueTurn feeds a follow-up prompt into a live invocation.
func (b *BotInstance) continueTurn(ctx context.Context, sess *session.Session, handle runner.Handle, text, peerID string) error {
	if err := handle.AddUserInput(text); err != nil {
		return err
	}
	if err := b.reg.store.AppendMessage(ctx, sess.ID, domain.RoleUser, text); err != nil {
		logger.WarnCF("bridge", "Failed to log user message", map[string]any{
			"session": sess.ID.String(),
			"error":   err.Error(),
		})
	}
	b.reg.emit.Publish(events.New(events.SessionPrompt, b.name, events.SessionPromptData{
		BotName:   b.name,
		SessionID: sess.ID,
		PeerID:    peerID,
		Prompt:    text,
	}))
	return nil
}

// startTurn starts a fresh runner invocation for the session, with a reply
// collector wired to its event stream.
func (b *BotInstance) startTurn(ctx context.Context, sess *session.Session, text string, msg *InboundMessage) {
	if err := b.reg.store.AppendMessage(ctx, sess.ID, domain.RoleUser, text); err != nil {
		logger.WarnCF("bridge", "Failed to log user message", map[string]any{
			"session": sess.ID.String(),
			"error":   err.Error(),
		})
	}
	running := domain.SessionRunning
	if err := b.reg.store.Update(ctx, sess.ID, session.Patch{Status: &running}); err != nil {
		logger.WarnCF("bridge", "Failed to persist session status", map[string]any{
			"session": sess.ID.String(),
			"error":   err.Error(),
		})
	}
	b.reg.emit.Publish(events.New(events.SessionStatusChanged, b.name, events.SessionStatusData{
		BotName:   b.name,
		SessionID: sess.ID,
		Status:    domain.SessionRunning,
	}))
	b.reg.emit.Publish(events.New(events.SessionPrompt, b.name, events.SessionPromptData{
		BotName:   b.name,
		SessionID: sess.ID,
		PeerID:    msg.PeerID(),
		Prompt:    text,
	}))

	collector := newReplyCollector(collectorDeps{
		botName:     b.name,
		cfg:         b.cfg,
		dt:          b.reg.dt,
		store:       b.reg.store,
		emit:        b.reg.emit,
		clearRunner: func() { b.clearRunner(sess.ID) },
	}, sess.ID, msg.Target())

	handle, err := b.reg.runner.Run(ctx, runner.Request{
		Prompt:          text,
		Session:         sess,
		ResumeSessionID: sess.ResumeSessionID,
		OnEvent:         collector.OnEvent,
		OnSessionUpdate: func(agentSessionID string) {
			if err := b.reg.store.Update(context.Background(), sess.ID, session.Patch{ResumeSessionID: &agentSessionID}); err != nil {
				logger.WarnCF("bridge", "Failed to persist resume id", map[string]any{
					"session": sess.ID.String(),
					"error":   err.Error(),
				})
			}
		},
	})
	if err != nil {
		logger.ErrorCF("bridge", "Runner start failed", map[string]any{
			"bot":     b.name,
			"session": sess.ID.String(),
			"error":   err.Error(),
		})
		failed := domain.SessionError
		if uerr := b.reg.store.Update(ctx, sess.ID, session.Patch{Status: &failed}); uerr != nil {
			logger.WarnCF("bridge", "Failed to persist session status", map[string]any{
				"session": sess.ID.String(),
				"error":   uerr.Error(),
			})
		}
		b.reg.emit.Publish(events.New(events.SessionStatusChanged, b.name, events.SessionStatusData{
			BotName:   b.name,
			SessionID: sess.ID,
			Status:    domain.SessionError,
			Error:     err.Error(),
		}))
		return
	}

	b.mu.Lock()
	if !collector.terminalSeen() {
		b.runners[sess.ID] = handle
	}
	b.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Routing state
// ---------------------------------------------------------------------------

func (b *BotInstance) peerSession(peerID string) (domain.EntityID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.peerSessions[peerID]
	return id, ok
}

func (b *BotInstance) rememberPeer(peerID string, id domain.EntityID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peerSessions[peerID] = id
}

func (b *BotInstance) forgetPeer(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peerSessions, peerID)
}

func (b *BotInstance) runnerFor(id domain.EntityID) runner.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runners[id]
}

func (b *BotInstance) clearRunner(id domain.EntityID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runners, id)
}
