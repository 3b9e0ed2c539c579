// Package gateway coordinates the per-vendor backends, the prompt queue, and
// the sync engine: the HTTP surface calls in here, and everything the
// backends emit flows out through the engine's event feed.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"relaystack.local/relay-gateway/internal/agent"
	"relaystack.local/relay-gateway/internal/ids"
	"relaystack.local/relay-gateway/internal/queue"
	"relaystack.local/relay-gateway/internal/store"
	"relaystack.local/relay-gateway/internal/syncengine"
)

const defaultSessionTitle = "untitled session"

type Service struct {
	logger    *log.Logger
	registry  *agent.Registry
	engine    *syncengine.Engine
	prompts   *queue.Queue
	machineID string
}

func NewService(logger *log.Logger, registry *agent.Registry, engine *syncengine.Engine, machineID string, queueSize int) *Service {
	return &Service{
		logger:    logger,
		registry:  registry,
		engine:    engine,
		prompts:   queue.New(logger, queueSize),
		machineID: machineID,
	}
}

// Engine exposes the sync engine for read paths and subscriptions.
func (s *Service) Engine() *syncengine.Engine {
	return s.engine
}

// AgentNames lists the registered vendor adapters.
func (s *Service) AgentNames() []string {
	return s.registry.Names()
}

type CreateSessionParams struct {
	AgentName      string
	Title          string
	WorkDir        string
	Model          string
	PermissionMode string
}

// CreateSession allocates a vendor session, binds it to its agent, and
// announces it through the engine.
func (s *Service) CreateSession(ctx context.Context, params CreateSessionParams) (syncengine.Session, error) {
	agentName := strings.ToLower(strings.TrimSpace(params.AgentName))
	backend, ok := s.registry.Get(agentName)
	if !ok {
		return syncengine.Session{}, fmt.Errorf("unknown agent %q", params.AgentName)
	}
	// Readiness is checked before any session exists, so a missing key or
	// binary surfaces here instead of at the first turn.
	if err := s.registry.EnsureInitialized(ctx, agentName); err != nil {
		return syncengine.Session{}, err
	}

	sessionID, err := backend.NewSession(ctx, agent.SessionConfig{
		WorkDir:        params.WorkDir,
		Model:          params.Model,
		PermissionMode: params.PermissionMode,
	})
	if err != nil {
		return syncengine.Session{}, fmt.Errorf("create %s session: %w", agentName, err)
	}
	s.registry.BindSession(sessionID, agentName)

	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = defaultSessionTitle
	}
	sess := syncengine.Session{
		ID:             sessionID,
		MachineID:      s.machineID,
		AgentName:      agentName,
		Title:          title,
		WorkDir:        params.WorkDir,
		Model:          params.Model,
		PermissionMode: params.PermissionMode,
		Active:         true,
	}
	if err := s.engine.AddSession(ctx, sess); err != nil {
		s.registry.UnbindSession(sessionID)
		return syncengine.Session{}, err
	}

	s.logger.Printf("session created session_id=%s agent=%s", sessionID, agentName)
	return sess, nil
}

// DeleteSession cancels any in-flight turn, releases the session everywhere,
// and announces the removal.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if backend, ok := s.registry.Resolve(sessionID); ok {
		backend.CancelPrompt(sessionID)
	}
	s.prompts.Remove(sessionID)
	s.registry.UnbindSession(sessionID)
	return s.engine.RemoveSession(ctx, sessionID)
}

// SendPrompt records the user message and queues the turn. The turn itself
// runs on the session's serial worker; its output arrives as
// message-received events.
func (s *Service) SendPrompt(ctx context.Context, sessionID string, parts []agent.ContentPart) (string, error) {
	backend, ok := s.registry.Resolve(sessionID)
	if !ok {
		return "", agent.ErrSessionNotFound
	}
	if _, ok := s.engine.Session(sessionID); !ok {
		return "", agent.ErrSessionNotFound
	}

	var prompt strings.Builder
	for i, part := range parts {
		if i > 0 {
			prompt.WriteString("\n")
		}
		prompt.WriteString(part.Text)
	}
	userMsg := agent.TextMessage(prompt.String())
	payload, err := json.Marshal(userMsg)
	if err != nil {
		return "", fmt.Errorf("marshal user message: %w", err)
	}
	messageID := ids.NewMessage()
	if err := s.engine.RecordMessage(ctx, syncengine.Message{
		ID:        messageID,
		SessionID: sessionID,
		Kind:      string(agent.KindText),
		Role:      string(agent.RoleUser),
		Payload:   payload,
	}); err != nil {
		return "", err
	}

	task := func(taskCtx context.Context) {
		if err := s.engine.SetSessionStatus(taskCtx, sessionID, true, true); err != nil {
			s.logger.Printf("status update failed session_id=%s err=%v", sessionID, err)
		}
		if err := backend.Prompt(taskCtx, sessionID, parts, s.recordUpdate(sessionID)); err != nil {
			// Already surfaced to clients as an error message event.
			s.logger.Printf("turn failed session_id=%s err=%v", sessionID, err)
		}
	}
	if err := s.prompts.Enqueue(sessionID, task); err != nil {
		return "", err
	}
	return messageID, nil
}

// CancelPrompt aborts the session's active turn.
func (s *Service) CancelPrompt(sessionID string) error {
	backend, ok := s.registry.Resolve(sessionID)
	if !ok {
		return agent.ErrSessionNotFound
	}
	backend.CancelPrompt(sessionID)
	return nil
}

// RespondPermission forwards an approval decision to the session's backend.
func (s *Service) RespondPermission(sessionID, requestID string, approve bool) error {
	backend, ok := s.registry.Resolve(sessionID)
	if !ok {
		return agent.ErrSessionNotFound
	}
	responder, ok := backend.(agent.PermissionResponder)
	if !ok {
		return fmt.Errorf("agent %s does not support permission responses", backend.Name())
	}
	return responder.RespondToPermission(sessionID, requestID, approve)
}

// HandlePermissionRequest records a parked tool call so clients can show the
// approval prompt. Wired as the backends' permission callback.
func (s *Service) HandlePermissionRequest(sessionID, requestID, toolName string) {
	payload, err := json.Marshal(map[string]string{
		"requestId": requestID,
		"toolName":  toolName,
	})
	if err != nil {
		return
	}
	if err := s.engine.RecordMessage(context.Background(), syncengine.Message{
		ID:        ids.NewMessage(),
		SessionID: sessionID,
		Kind:      "permission_request",
		Payload:   payload,
	}); err != nil {
		s.logger.Printf("record permission request failed session_id=%s err=%v", sessionID, err)
	}
}

// Close drains the prompt queue and disconnects every backend.
func (s *Service) Close() {
	s.prompts.Close()
	s.registry.DisconnectAll()
	s.engine.Close()
}

func (s *Service) recordUpdate(sessionID string) agent.UpdateFunc {
	return func(msg agent.AgentMessage) {
		ctx := context.Background()

		payload, err := json.Marshal(msg)
		if err != nil {
			s.logger.Printf("marshal agent message failed session_id=%s err=%v", sessionID, err)
			return
		}
		role := ""
		if msg.Kind == agent.KindText || msg.Kind == agent.KindReasoning {
			role = string(agent.RoleAssistant)
		}
		if err := s.engine.RecordMessage(ctx, syncengine.Message{
			ID:        ids.NewMessage(),
			SessionID: sessionID,
			Kind:      string(msg.Kind),
			Role:      role,
			Payload:   payload,
		}); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Printf("record message failed session_id=%s err=%v", sessionID, err)
		}

		if msg.Kind == agent.KindTurnComplete {
			if err := s.engine.SetSessionStatus(ctx, sessionID, true, false); err != nil {
				s.logger.Printf("status update failed session_id=%s err=%v", sessionID, err)
			}
		}
	}
}
