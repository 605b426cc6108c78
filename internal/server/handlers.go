package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Tyrowin/chatgate/internal/identity"
	"github.com/Tyrowin/chatgate/internal/registry"
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status         string `json:"status"`
	ConnectedUsers int    `json:"connectedUsers"`
}

type sessionResponse struct {
	Success bool              `json:"success"`
	User    identity.Identity `json:"user"`
}

type logoutResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// handleWebSocket authenticates the request, upgrades it and hands the
// connection to the hub. Unauthenticated requests are refused with 401 before
// the upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !s.origins.checkOrigin(r) {
		s.metrics.ConnectionRejected("origin")
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	id, err := s.auth.AuthenticateConnection(r)
	if err != nil {
		reason := rejectionReason(err)
		s.metrics.ConnectionRejected(reason)
		s.log.Warn("Connection rejected", "addr", r.RemoteAddr, "reason", reason, "error", err)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: authErrorMessage(err)})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	handle := registry.NewHandle()
	client := NewClient(conn, handle, s.hub, r.RemoteAddr, s.cfg, s.log, s.metrics)
	session := NewSession(handle, s.registry, s.hub, client, s.log, s.metrics)
	if err := session.Authenticate(id); err != nil {
		s.log.Error("Session authentication failed", "error", err)
		_ = conn.Close()
		return
	}
	client.attach(session)

	// The hub launches the pump goroutines.
	if !s.hub.Register(client) {
		_ = conn.Close()
	}
}

// handleHealth reports liveness and the number of registered sessions.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "OK",
		ConnectedUsers: s.registry.Len(),
	})
}

// handleSessionMe returns the identity behind the caller's session token.
func (s *Server) handleSessionMe(w http.ResponseWriter, r *http.Request) {
	id, err := s.auth.AuthenticateToken(r)
	if err != nil {
		s.log.Debug("Session lookup rejected", "reason", rejectionReason(err), "error", err)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: authErrorMessage(err)})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, User: id})
}

// handleLogout clears the session cookies. It always succeeds.
func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	clearCookie(w, tokenCookieName, s.cookies)
	clearCookie(w, usernameCookieName, s.cookies)
	writeJSON(w, http.StatusOK, logoutResponse{Success: true, Message: "logged out"})
}

func authErrorMessage(err error) string {
	if errors.Is(err, ErrAuthenticationRequired) {
		return "authentication required"
	}
	return "invalid session token"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
