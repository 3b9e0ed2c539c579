// Package backends holds the per-vendor adapters implementing the uniform
// agent.Backend contract over whichever transport each vendor needs.
package backends

import (
	"context"
	"strings"

	"relaystack.local/relay-gateway/internal/agent"
)

// driveFunc runs the vendor transport for one turn under the turn's
// cancellable context. It returns the final assistant text, whether the turn
// ended because of our own cancellation, and any transport failure.
type driveFunc func(ctx context.Context) (text string, cancelled bool, err error)

// runTurn is the shared turn skeleton every adapter's Prompt goes through:
// session lookup, user-message append, fresh cancel handle, transport drive,
// history append on success only, and exactly one terminal turn_complete.
func runTurn(ctx context.Context, table *agent.Table, sessionID string, content []agent.ContentPart, onUpdate agent.UpdateFunc, drive driveFunc) error {
	if _, ok := table.Get(sessionID); !ok {
		return agent.ErrSessionNotFound
	}

	userText := joinParts(content)
	if err := table.Append(sessionID, agent.Message{Role: agent.RoleUser, Content: userText}); err != nil {
		return err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	// Replaces any stale handle from a previous turn. A concurrent
	// Disconnect may have removed the session between lookup and here.
	if err := table.SetCancel(sessionID, cancel); err != nil {
		cancel()
		return err
	}
	defer func() {
		cancel()
		table.ClearCancel(sessionID)
	}()

	text, cancelled, err := drive(turnCtx)
	if cancelled {
		// Partial assistant output is deliberately not persisted:
		// truncated vendor responses would pollute later context.
		onUpdate(agent.TurnComplete(agent.StopCancelled))
		return nil
	}
	if err != nil {
		onUpdate(agent.ErrorMessage(err.Error()))
		onUpdate(agent.TurnComplete(agent.StopEndTurn))
		return err
	}

	if text != "" {
		// The session may have been disconnected while the turn ran.
		_ = table.Append(sessionID, agent.Message{Role: agent.RoleAssistant, Content: text})
	}
	onUpdate(agent.TurnComplete(agent.StopEndTurn))
	return nil
}

func joinParts(content []agent.ContentPart) string {
	parts := make([]string, 0, len(content))
	for _, part := range content {
		if part.Text != "" {
			parts = append(parts, part.Text)
		}
	}
	return strings.Join(parts, "\n")
}
