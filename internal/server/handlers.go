// Package server exposes HTTP handlers, including WebSocket upgrades, the
// profile and history endpoints, and health checks.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tanvirwebtech/hype-chat-server/internal/auth"
	"github.com/tanvirwebtech/hype-chat-server/internal/store"
)

// Server bundles the hub with the HTTP surface around it.
type Server struct {
	cfg      Config
	hub      *Hub
	authn    *auth.Authenticator
	messages store.MessageStore
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer builds a Server and its Hub from cfg. The caller owns messages
// and closes it after Shutdown.
func NewServer(cfg Config, messages store.MessageStore, log zerolog.Logger) *Server {
	policy := newOriginPolicy(cfg.AllowedOrigins, log)
	return &Server{
		cfg:      cfg,
		hub:      NewHub(cfg, messages, log),
		authn:    auth.NewAuthenticator([]byte(cfg.JWTSecret), cfg.TokenCookie),
		messages: messages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
		log: log,
	}
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// WebSocketHandler upgrades the request and registers the connection. The
// identity is resolved from the session cookie before the upgrade; a missing
// or invalid token leaves the connection anonymous rather than refusing it.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity, err := s.authn.Resolve(r)
	if err != nil {
		s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("connecting anonymously")
		identity = nil
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := NewConnection(conn, identity, r.RemoteAddr, s.hub)
	if err := s.hub.Register(c); err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("connection rejected")
	}
}

// ProfileHandler returns the identity behind the session cookie.
func (s *Server) ProfileHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authn.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

// HistoryHandler returns the conversation between the caller and the user
// named in the path, oldest first.
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authn.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	other := mux.Vars(r)["userId"]
	messages, err := s.messages.Query(r.Context(), identity.UserID, other)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", identity.UserID).Str("other", other).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, errors.New("could not load messages"))
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// HealthHandler reports that the server is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "hype-chat server is running!")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
