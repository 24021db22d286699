package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lihuazhang/aicowork/pkg/bridge"
	"github.com/lihuazhang/aicowork/pkg/dingtalk"
	"github.com/lihuazhang/aicowork/pkg/domain"
	"github.com/lihuazhang/aicowork/pkg/eventbus"
	"github.com/lihuazhang/aicowork/pkg/runner"
	"github.com/lihuazhang/aicowork/pkg/session"
)

type nopRunner struct{}

func (nopRunner) Run(context.Context, runner.Request) (runner.Handle, error) {
	return nil, runner.ErrTurnFinished
}

type nopStream struct{}

func (nopStream) Start(context.Context) error { return nil }
func (nopStream) Close()                      {}

const testKey = "test-key"

type apiFixture struct {
	srv   *httptest.Server
	store *session.MemoryStore
	reg   *bridge.Registry
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	platform := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"accessToken":"tok","expireIn":7200}`)
	}))
	t.Cleanup(platform.Close)

	store := session.NewMemoryStore()
	dt := dingtalk.NewClient(dingtalk.WithBaseURL(platform.URL), dingtalk.WithTimeout(5*time.Second))
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	reg := bridge.NewRegistry(store, nopRunner{}, dt, bus, nil,
		bridge.WithStreamFactory(func(bridge.BotConfig, bridge.StreamCallbacks) bridge.StreamConn {
			return nopStream{}
		}))
	t.Cleanup(reg.DisconnectAll)

	server := NewServer("127.0.0.1:0", testKey, reg, store, bus)
	srv := httptest.NewServer(server.handler())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, store: store, reg: reg}
}

func (f *apiFixture) do(t *testing.T, method, path, body string, auth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if auth {
		req.Header.Set("X-API-Key", testKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthIsPublic(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodGet, "/api/health", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodGet, "/api/bots", "", false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
	resp = f.do(t, http.MethodGet, "/api/bots", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestConnectAndListBots(t *testing.T) {
	f := newAPIFixture(t)

	body := `{"name":"mybot","config":{"clientId":"ck","clientSecret":"cs","robotCode":"r1"}}`
	resp := f.do(t, http.MethodPost, "/api/bots", body, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect status = %d, want 202", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/bots", "", true)
	var list struct {
		Bots []bridge.BotSnapshot `json:"bots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Bots) != 1 || list.Bots[0].Name != "mybot" {
		t.Fatalf("bots = %+v", list.Bots)
	}

	resp = f.do(t, http.MethodDelete, "/api/bots/mybot", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status = %d, want 200", resp.StatusCode)
	}
	resp = f.do(t, http.MethodGet, "/api/bots/mybot", "", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after disconnect = %d, want 404", resp.StatusCode)
	}
}

func TestConnectRejectsBadRequests(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/bots", `{"config":{}}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("nameless connect = %d, want 400", resp.StatusCode)
	}
	resp = f.do(t, http.MethodPost, "/api/bots", `{"name":"x","config":{}}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("credential-less connect = %d, want 400", resp.StatusCode)
	}
}

func TestCredentialSmokeTest(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/bots/test", `{"clientId":"ck"}`, true)
	var res bridge.TestResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("missing secret should fail")
	}

	resp = f.do(t, http.MethodPost, "/api/bots/test", `{"clientId":"ck","clientSecret":"cs"}`, true)
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("valid credentials failed: %s", res.Error)
	}
}

func TestSessionMessages(t *testing.T) {
	f := newAPIFixture(t)
	sess, err := f.store.Create(t.Context(), session.CreateOptions{
		Title:  "alice",
		Bridge: session.BridgeMeta{BotName: "mybot", PeerID: "alice", ConversationType: domain.ConversationDirect},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.AppendMessage(t.Context(), sess.ID, domain.RoleUser, "hi"); err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodGet, "/api/sessions/"+sess.ID.String()+"/messages", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Messages []session.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != 1 || out.Messages[0].Content != "hi" {
		t.Fatalf("messages = %+v", out.Messages)
	}

	resp = f.do(t, http.MethodGet, "/api/sessions/nope/messages", "", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session = %d, want 404", resp.StatusCode)
	}
}
