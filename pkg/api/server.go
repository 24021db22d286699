// Package api exposes the bridge over HTTP: bot management endpoints plus
// a WebSocket feed of live events.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lihuazhang/aicowork/pkg/bridge"
	"github.com/lihuazhang/aicowork/pkg/domain"
	"github.com/lihuazhang/aicowork/pkg/eventbus"
	"github.com/lihuazhang/aicowork/pkg/logger"
	"github.com/lihuazhang/aicowork/pkg/session"
)

// Server is the HTTP admin server for the bridge.
type Server struct {
	addr     string
	apiKey   string
	registry *bridge.Registry
	store    session.Store
	wsHub    *WSHub
	server   *http.Server
}

// NewServer creates the admin server. An empty apiKey gets a random one,
// printed once at startup so the process is never accidentally open.
func NewServer(addr, apiKey string, registry *bridge.Registry, store session.Store, bus *eventbus.Bus) *Server {
	if apiKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			apiKey = hex.EncodeToString(raw)
			fmt.Printf("aicowork api key (session token): %s\n", apiKey)
		}
	}
	s := &Server{
		addr:     addr,
		apiKey:   apiKey,
		registry: registry,
		store:    store,
	}
	s.wsHub = NewWSHub(registry)
	bus.SubscribeAll(s.wsHub.Forward)
	return s
}

// handler builds the routed, auth-wrapped handler.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/bots", s.handleBots)
	mux.HandleFunc("/api/bots/", s.handleBotByName)
	mux.HandleFunc("/api/bots/test", s.handleTestConnection)
	mux.HandleFunc("/api/sessions/", s.handleSessionMessages)
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	return authMiddleware(s.apiKey, mux)
}

// Start begins listening. Non-blocking; serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "Admin API starting", map[string]any{"addr": s.addr})
	go s.wsHub.Run(ctx)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleBots lists bot statuses (GET) or connects a bot (POST).
func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"bots": s.registry.AllStatuses()})
	case http.MethodPost:
		var req struct {
			Name   string           `json:"name"`
			Config bridge.BotConfig `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if err := s.registry.Connect(req.Name, req.Config); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		snap, _ := s.registry.Status(req.Name)
		writeJSON(w, http.StatusAccepted, snap)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleBotByName reads (GET) or disconnects (DELETE) one bot.
func (s *Server) handleBotByName(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/bots/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		snap, err := s.registry.Status(name)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case http.MethodDelete:
		if err := s.registry.Disconnect(name); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTestConnection smoke-tests credentials without registering a bot.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var cfg bridge.BotConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, s.registry.TestConnection(r.Context(), cfg))
}

// messageReader is implemented by stores that expose the message log.
type messageReader interface {
	Messages(ctx context.Context, id domain.EntityID) ([]session.Message, error)
}

// handleSessionMessages returns the message log of one session.
func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, ok := strings.CutSuffix(rest, "/messages")
	if !ok || id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	sess, err := s.store.Get(r.Context(), domain.EntityID(id))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	reader, ok := s.store.(messageReader)
	if !ok {
		writeError(w, http.StatusNotImplemented, "store does not expose messages")
		return
	}
	msgs, err := reader.Messages(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"messages": msgs,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.ErrorCF("api", "Failed to encode response", map[string]any{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
