package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lihuazhang/aicowork/pkg/domain"
	"github.com/lihuazhang/aicowork/pkg/events"
)

func TestReconnectDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 4; attempt++ {
		base := time.Duration(1000<<attempt) * time.Millisecond
		for _, r := range []float64{0, 0.25, 0.5, 0.999} {
			rnd := func() float64 { return r }
			d := reconnectDelay(attempt, rnd)
			if d < base {
				t.Errorf("attempt %d rnd %.3f: delay %v below base %v", attempt, r, d, base)
			}
			max := base + time.Duration(float64(base)*reconnectJitter)
			if d > max {
				t.Errorf("attempt %d rnd %.3f: delay %v above max %v", attempt, r, d, max)
			}
		}
	}
}

func TestReconnectDelayCapped(t *testing.T) {
	for _, attempt := range []int{6, 10, 30, 63} {
		d := reconnectDelay(attempt, func() float64 { return 0.999 })
		if d > 60*time.Second {
			t.Errorf("attempt %d: delay %v exceeds 60s cap", attempt, d)
		}
		if d < 59*time.Second {
			t.Errorf("attempt %d: delay %v fell below the capped base", attempt, d)
		}
	}
}

func TestConnectFailureGoesThroughFailedThenReconnects(t *testing.T) {
	env := newTestEnv(t)
	env.hub.startFailures = 1

	if err := env.registry.Connect("mybot", markdownBot()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	env.waitStatus("mybot", domain.BotFailed)

	// First backoff is 1s with up to 30% jitter.
	env.waitStatus("mybot", domain.BotConnected)
	if got := env.hub.connCount(); got != 2 {
		t.Errorf("stream connections = %d, want 2", got)
	}

	var seen []domain.BotStatus
	for _, ev := range env.emitter.byType(events.BotStatusChanged) {
		seen = append(seen, ev.Data.(events.BotStatusData).Status)
	}
	want := []domain.BotStatus{domain.BotConnecting, domain.BotFailed, domain.BotConnecting, domain.BotConnected}
	if len(seen) != len(want) {
		t.Fatalf("status sequence = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("status sequence = %v, want %v", seen, want)
		}
	}
}

func TestReconnectGivesUpAfterAttemptBudget(t *testing.T) {
	env := newTestEnv(t)
	env.hub.startFailures = maxReconnectAttempts + 5
	env.registry.delays = func(int) time.Duration { return 0 }

	if err := env.registry.Connect("mybot", markdownBot()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		snap, err := env.registry.Status("mybot")
		return err == nil && snap.Status == domain.BotFailed &&
			snap.Error == "reconnect attempts exhausted"
	}, "bot did not reach terminal failure")

	if got := env.hub.connCount(); got != maxReconnectAttempts+1 {
		t.Errorf("dial attempts = %d, want %d", got, maxReconnectAttempts+1)
	}
	time.Sleep(100 * time.Millisecond)
	if got := env.hub.connCount(); got != maxReconnectAttempts+1 {
		t.Errorf("reconnects continued after terminal failure: %d attempts", got)
	}
}

func TestConnectionLostTriggersReconnect(t *testing.T) {
	env := newTestEnv(t)
	env.connect("mybot", markdownBot())

	env.hub.last().cb.OnConnectionLost(errors.New("stream reset"))
	env.waitStatus("mybot", domain.BotFailed)
	env.waitStatus("mybot", domain.BotConnected)

	if got := env.hub.connCount(); got != 2 {
		t.Errorf("stream connections = %d, want 2", got)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	env := newTestEnv(t)
	env.hub.startFailures = 100

	if err := env.registry.Connect("mybot", markdownBot()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	env.waitStatus("mybot", domain.BotFailed)

	if err := env.registry.Disconnect("mybot"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := env.registry.Status("mybot"); !errors.Is(err, ErrUnknownBot) {
		t.Fatalf("Status after disconnect = %v, want ErrUnknownBot", err)
	}

	before := env.hub.connCount()
	time.Sleep(1500 * time.Millisecond)
	if got := env.hub.connCount(); got != before {
		t.Errorf("reconnect fired after disconnect: %d -> %d connections", before, got)
	}
}

func TestDisconnectClosesStreamAndAbortsRunners(t *testing.T) {
	env := newTestEnv(t)
	env.connect("mybot", markdownBot())

	env.deliver(dmMessage("m1", "alice", "hello"))
	waitFor(t, time.Second, func() bool { return env.agent.callCount() == 1 },
		"runner was not invoked")
	conn := env.hub.last()

	if err := env.registry.Disconnect("mybot"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !conn.isClosed() {
		t.Error("stream connection was not closed")
	}
	h := env.agent.call(0).handle
	h.mu.Lock()
	aborted := h.aborted
	h.mu.Unlock()
	if !aborted {
		t.Error("live runner was not aborted")
	}
}

func TestConnectReplacesExistingInstance(t *testing.T) {
	env := newTestEnv(t)
	env.connect("mybot", markdownBot())
	first := env.hub.last()

	env.connect("mybot", cardBot())
	if !first.isClosed() {
		t.Error("previous connection was not closed on replace")
	}
	if got := len(env.registry.AllStatuses()); got != 1 {
		t.Errorf("registered bots = %d, want 1", got)
	}
}

func TestConcurrentConnectLeavesOneLiveInstance(t *testing.T) {
	env := newTestEnv(t)
	// Slow closes widen the window in which a replaced instance is being
	// torn down while another Connect races in.
	env.hub.closeDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.registry.Connect("mybot", markdownBot()); err != nil {
				t.Errorf("Connect: %v", err)
			}
		}()
	}
	wg.Wait()
	env.waitStatus("mybot", domain.BotConnected)
	if got := len(env.registry.AllStatuses()); got != 1 {
		t.Fatalf("registered bots = %d, want 1", got)
	}

	env.registry.DisconnectAll()
	waitFor(t, 3*time.Second, func() bool { return env.hub.openCount() == 0 },
		"stream connections left open after DisconnectAll")
}

func TestDisconnectUnknownBotIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	if err := env.registry.Disconnect("never-connected"); err != nil {
		t.Fatalf("Disconnect on unknown name = %v, want nil", err)
	}

	env.connect("mybot", markdownBot())
	if err := env.registry.Disconnect("mybot"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := env.registry.Disconnect("mybot"); err != nil {
		t.Fatalf("repeated Disconnect = %v, want nil", err)
	}
}

func TestConnectRejectsMissingCredentials(t *testing.T) {
	env := newTestEnv(t)
	err := env.registry.Connect("mybot", BotConfig{ClientID: "only-id"})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("Connect = %v, want ErrMissingCredentials", err)
	}
	if got := env.hub.connCount(); got != 0 {
		t.Errorf("stream connections = %d, want 0", got)
	}
}

func TestTestConnection(t *testing.T) {
	env := newTestEnv(t)

	res := env.registry.TestConnection(t.Context(), BotConfig{ClientID: "ck"})
	if res.Success {
		t.Fatal("missing secret should fail")
	}
	token, _, _, _, _, _ := env.platform.counts()
	if token != 0 {
		t.Errorf("token endpoint hit %d times for missing credentials, want 0", token)
	}

	res = env.registry.TestConnection(t.Context(), markdownBot())
	if !res.Success {
		t.Fatalf("valid credentials failed: %s", res.Error)
	}
	token, _, _, _, _, _ = env.platform.counts()
	if token != 1 {
		t.Errorf("token calls = %d, want 1", token)
	}
}

func TestAllStatuses(t *testing.T) {
	env := newTestEnv(t)
	env.connect("bot-a", markdownBot())
	env.connect("bot-b", markdownBot())

	snaps := env.registry.AllStatuses()
	if len(snaps) != 2 {
		t.Fatalf("statuses = %d, want 2", len(snaps))
	}
	for _, snap := range snaps {
		if snap.Status != domain.BotConnected {
			t.Errorf("bot %s status = %q, want connected", snap.Name, snap.Status)
		}
	}
}

type staticConfigs struct {
	bots []NamedBotConfig
	err  error
}

func (s staticConfigs) LoadBots() ([]NamedBotConfig, error) { return s.bots, s.err }

func TestAutoConnectAll(t *testing.T) {
	env := newTestEnv(t)
	env.registry.configs = staticConfigs{bots: []NamedBotConfig{
		{Name: "enabled-bot", Enabled: true, Config: markdownBot()},
		{Name: "disabled-bot", Enabled: false, Config: markdownBot()},
		{Name: "broken-bot", Enabled: true, Config: BotConfig{}},
	}}

	env.registry.AutoConnectAll()
	env.waitStatus("enabled-bot", domain.BotConnected)

	if _, err := env.registry.Status("disabled-bot"); !errors.Is(err, ErrUnknownBot) {
		t.Error("disabled bot was connected")
	}
	if _, err := env.registry.Status("broken-bot"); !errors.Is(err, ErrUnknownBot) {
		t.Error("credential-less bot was registered")
	}
}
