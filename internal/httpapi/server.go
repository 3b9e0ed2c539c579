// Package httpapi is the gateway's HTTP surface: REST session management,
// the SSE event stream, and the WebSocket attach.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaystack.local/relay-gateway/internal/agent"
	"relaystack.local/relay-gateway/internal/gateway"
	"relaystack.local/relay-gateway/internal/queue"
	"relaystack.local/relay-gateway/internal/store"
)

const maxRequestBytes int64 = 1 << 20

type server struct {
	logger    *log.Logger
	service   *gateway.Service
	authToken string

	presenceMu sync.Mutex
	presence   map[string]int
}

func NewServer(logger *log.Logger, addr string, service *gateway.Service, authToken string) *http.Server {
	h := &server{
		logger:    logger,
		service:   service,
		authToken: strings.TrimSpace(authToken),
		presence:  make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /v1/agents", h.withAuth(h.handleListAgents))
	mux.HandleFunc("POST /v1/sessions", h.withAuth(h.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions", h.withAuth(h.handleListSessions))
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.withAuth(h.handleDeleteSession))
	mux.HandleFunc("GET /v1/sessions/{id}/messages", h.withAuth(h.handleListMessages))
	mux.HandleFunc("POST /v1/sessions/{id}/messages", h.withAuth(h.handleSendMessage))
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", h.withAuth(h.handleCancel))
	mux.HandleFunc("POST /v1/sessions/{id}/permission", h.withAuth(h.handlePermission))
	mux.HandleFunc("GET /v1/events", h.withAuth(h.handleEvents))
	mux.HandleFunc("GET /v1/ws", h.withAuth(h.handleWS))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// withAuth gates a handler on the configured bearer token. With no token
// configured the surface is open, for local single-user setups.
func (s *server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")) == s.authToken {
		return true
	}
	// SSE and WS clients cannot always set headers; a token query
	// parameter is accepted as the fallback.
	return r.URL.Query().Get("token") == s.authToken
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.service.AgentNames()})
}

type createSessionRequest struct {
	Agent          string `json:"agent"`
	Title          string `json:"title"`
	WorkDir        string `json:"workDir"`
	Model          string `json:"model"`
	PermissionMode string `json:"permissionMode"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Agent) == "" {
		http.Error(w, "agent is required", http.StatusBadRequest)
		return
	}

	sess, err := s.service.CreateSession(r.Context(), gateway.CreateSessionParams{
		AgentName:      req.Agent,
		Title:          req.Title,
		WorkDir:        req.WorkDir,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
	})
	if err != nil {
		var configErr *agent.ConfigError
		switch {
		case errors.As(err, &configErr):
			http.Error(w, configErr.Error(), http.StatusServiceUnavailable)
		case strings.Contains(err.Error(), "unknown agent"):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			s.logger.Printf("create session failed err=%v", err)
			http.Error(w, "failed to create session", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.service.Engine().Sessions()})
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteSession(r.Context(), r.PathValue("id"))
	if err != nil {
		if isNotFound(err) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		s.logger.Printf("delete session failed session_id=%s err=%v", r.PathValue("id"), err)
		http.Error(w, "failed to delete session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, ok := s.service.Engine().Session(sessionID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	messages := s.service.Engine().Messages(sessionID)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if limit > 0 && limit < len(messages) {
			messages = messages[len(messages)-limit:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type contentPartBody struct {
	Text string `json:"text"`
}

type sendMessageRequest struct {
	Text    string            `json:"text"`
	Content []contentPartBody `json:"content"`
}

func (s *server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeStrict(w, r, &req) {
		return
	}

	parts := make([]agent.ContentPart, 0, len(req.Content)+1)
	if strings.TrimSpace(req.Text) != "" {
		parts = append(parts, agent.ContentPart{Text: req.Text})
	}
	for _, part := range req.Content {
		parts = append(parts, agent.ContentPart{Text: part.Text})
	}
	if len(parts) == 0 {
		http.Error(w, "text or content is required", http.StatusBadRequest)
		return
	}

	messageID, err := s.service.SendPrompt(r.Context(), r.PathValue("id"), parts)
	if err != nil {
		switch {
		case isNotFound(err):
			http.Error(w, "session not found", http.StatusNotFound)
		case errors.Is(err, queue.ErrQueueFull):
			http.Error(w, "prompt queue full", http.StatusTooManyRequests)
		default:
			s.logger.Printf("send message failed session_id=%s err=%v", r.PathValue("id"), err)
			http.Error(w, "failed to send message", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":  true,
		"messageId": messageID,
	})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.service.CancelPrompt(r.PathValue("id")); err != nil {
		if isNotFound(err) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to cancel", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

type permissionRequest struct {
	RequestID string `json:"requestId"`
	Approve   bool   `json:"approve"`
}

func (s *server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RequestID) == "" {
		http.Error(w, "requestId is required", http.StatusBadRequest)
		return
	}

	if err := s.service.RespondPermission(r.PathValue("id"), req.RequestID, req.Approve); err != nil {
		if isNotFound(err) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"responded": true})
}

func decodeStrict(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return false
	}
	if dec.More() {
		http.Error(w, "invalid json: trailing content", http.StatusBadRequest)
		return false
	}
	return true
}

func isNotFound(err error) bool {
	return errors.Is(err, agent.ErrSessionNotFound) || errors.Is(err, store.ErrNotFound)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// userOnline and userOffline maintain the connected-user set announced
// through online-users-changed. Counted per connection so one user with two
// sockets stays online until the last one drops.
func (s *server) userOnline(userID string) {
	if userID == "" {
		return
	}
	s.presenceMu.Lock()
	s.presence[userID]++
	users := s.onlineUsersLocked()
	s.presenceMu.Unlock()
	s.service.Engine().SetOnlineUsers(users)
}

func (s *server) userOffline(userID string) {
	if userID == "" {
		return
	}
	s.presenceMu.Lock()
	s.presence[userID]--
	if s.presence[userID] <= 0 {
		delete(s.presence, userID)
	}
	users := s.onlineUsersLocked()
	s.presenceMu.Unlock()
	s.service.Engine().SetOnlineUsers(users)
}

func (s *server) onlineUsersLocked() []string {
	users := make([]string, 0, len(s.presence))
	for userID := range s.presence {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
