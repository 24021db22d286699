package bridge

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/lihuazhang/aicowork/pkg/dingtalk"
	"github.com/lihuazhang/aicowork/pkg/domain"
	"github.com/lihuazhang/aicowork/pkg/events"
	"github.com/lihuazhang/aicowork/pkg/logger"
	"github.com/lihuazhang/aicowork/pkg/runner"
	"github.com/lihuazhang/aicowork/pkg/session"
)

// BotSnapshot is the externally visible state of one bot.
type BotSnapshot struct {
	Name   string           `json:"name"`
	Status domain.BotStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
}

// TestResult is the outcome of a credential smoke test.
type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Registry owns all bot instances. All public entry points live here; no
// package-level state.
type Registry struct {
	store   session.Store
	runner  runner.Runner
	dt      *dingtalk.Client
	emit    events.Emitter
	configs ConfigSource
	streams StreamFactory

	// delays yields the backoff before reconnect attempt n. Tests shrink it.
	delays func(attempt int) time.Duration

	mu   sync.Mutex
	bots map[string]*BotInstance
}

// Option configures a Registry.
type Option func(*Registry)

// WithStreamFactory overrides how stream connections are built.
func WithStreamFactory(f StreamFactory) Option {
	return func(r *Registry) { r.streams = f }
}

// NewRegistry builds a bot registry. configs may be nil if AutoConnectAll
// is never used; emit may be nil to discard events.
func NewRegistry(store session.Store, run runner.Runner, dt *dingtalk.Client, emit events.Emitter, configs ConfigSource, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		runner:  run,
		dt:      dt,
		emit:    emit,
		configs: configs,
		streams: dingtalkStreamFactory,
		delays: func(attempt int) time.Duration {
			return reconnectDelay(attempt, rand.Float64)
		},
		bots: make(map[string]*BotInstance),
	}
	if r.emit == nil {
		r.emit = events.Discard
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers a bot and starts its stream connection. Connecting a
// name that is already registered replaces the old instance.
func (r *Registry) Connect(name string, cfg BotConfig) error {
	cfg = cfg.Normalize()
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return ErrMissingCredentials
	}

	// Swap the map slot before tearing down the old instance. The slot
	// already points at the replacement, so a concurrent Connect for the
	// same name can never resurrect the instance being shut down.
	inst := newBotInstance(name, cfg, r)
	r.mu.Lock()
	old := r.bots[name]
	r.bots[name] = inst
	r.mu.Unlock()
	if old != nil {
		old.shutdown()
	}

	inst.setStatus(domain.BotConnecting, "")
	go inst.connect()
	return nil
}

// Disconnect tears down one bot. Unknown names are a no-op, so a repeated
// disconnect is safe.
func (r *Registry) Disconnect(name string) error {
	r.mu.Lock()
	inst, ok := r.bots[name]
	if ok {
		delete(r.bots, name)
	}
	r.mu.Unlock()
	if ok {
		inst.shutdown()
	}
	return nil
}

// DisconnectAll tears down every connected bot.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	insts := make([]*BotInstance, 0, len(r.bots))
	for name, inst := range r.bots {
		insts = append(insts, inst)
		delete(r.bots, name)
	}
	r.mu.Unlock()
	for _, inst := range insts {
		inst.shutdown()
	}
}

// Status returns one bot's snapshot.
func (r *Registry) Status(name string) (BotSnapshot, error) {
	r.mu.Lock()
	inst, ok := r.bots[name]
	r.mu.Unlock()
	if !ok {
		return BotSnapshot{}, ErrUnknownBot
	}
	status, errText := inst.Status()
	return BotSnapshot{Name: name, Status: status, Error: errText}, nil
}

// AllStatuses returns a snapshot of every registered bot.
func (r *Registry) AllStatuses() []BotSnapshot {
	r.mu.Lock()
	insts := make(map[string]*BotInstance, len(r.bots))
	for name, inst := range r.bots {
		insts[name] = inst
	}
	r.mu.Unlock()

	out := make([]BotSnapshot, 0, len(insts))
	for name, inst := range insts {
		status, errText := inst.Status()
		out = append(out, BotSnapshot{Name: name, Status: status, Error: errText})
	}
	return out
}

// TestConnection verifies credentials by fetching a fresh access token.
// Missing credentials fail immediately without any network call.
func (r *Registry) TestConnection(ctx context.Context, cfg BotConfig) TestResult {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return TestResult{Success: false, Error: ErrMissingCredentials.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := r.dt.RefreshToken(ctx, cfg.Credential()); err != nil {
		return TestResult{Success: false, Error: err.Error()}
	}
	return TestResult{Success: true}
}

// AutoConnectAll connects every enabled bot from the config source. Runs
// in the background; callers do not wait for connections to settle.
func (r *Registry) AutoConnectAll() {
	if r.configs == nil {
		return
	}
	go func() {
		bots, err := r.configs.LoadBots()
		if err != nil {
			logger.ErrorCF("bridge", "Failed to load bot configs", map[string]any{
				"error": err.Error(),
			})
			return
		}
		for _, bot := range bots {
			if !bot.Enabled {
				continue
			}
			if err := r.Connect(bot.Name, bot.Config); err != nil {
				logger.WarnCF("bridge", "Auto-connect skipped bot", map[string]any{
					"bot":   bot.Name,
					"error": err.Error(),
				})
			}
		}
	}()
}
