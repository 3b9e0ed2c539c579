package agent

import (
	"context"
	"errors"
	"fmt"
)

var ErrSessionNotFound = errors.New("session not found")

// ConfigError reports a missing credential or binary. It is surfaced at
// Initialize wherever the check is cheap, so the first prompt does not pay
// for it.
type ConfigError struct {
	Backend string
	Missing string
	Hint    string
}

func (e *ConfigError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s is not configured (%s)", e.Backend, e.Missing, e.Hint)
	}
	return fmt.Sprintf("%s: %s is not configured", e.Backend, e.Missing)
}

// TransportError reports a vendor HTTP non-2xx response or an unexplained
// nonzero process exit. Cancellation is never a TransportError.
type TransportError struct {
	Backend    string
	StatusCode int
	ExitCode   int
	Message    string
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: api status %d: %s", e.Backend, e.StatusCode, e.Message)
	case e.ExitCode != 0:
		return fmt.Sprintf("%s: process exited with code %d: %s", e.Backend, e.ExitCode, e.Message)
	default:
		return fmt.Sprintf("%s: transport failure: %s", e.Backend, e.Message)
	}
}

// Backend is the uniform per-vendor session contract. Implementations own
// their session table exclusively; callers serialize Prompt calls per
// session.
type Backend interface {
	Name() string

	// Initialize performs the vendor-level readiness check: an API key is
	// configured, or a required CLI binary resolves on PATH.
	Initialize(ctx context.Context) error

	// NewSession allocates a fresh session seeded with a system message
	// naming the working directory and returns its id. Ids are never
	// reused within process lifetime.
	NewSession(ctx context.Context, cfg SessionConfig) (string, error)

	// Prompt drives one turn: appends the joined content as a user
	// message, streams normalized messages to onUpdate, and terminates
	// with exactly one turn_complete. On cancellation the partial
	// assistant output is not appended to history. On failure one error
	// message and a terminal turn_complete are emitted before the error
	// is returned.
	Prompt(ctx context.Context, sessionID string, content []ContentPart, onUpdate UpdateFunc) error

	// CancelPrompt aborts the session's active turn. Idempotent: calling
	// it twice, or with no active turn, is a no-op.
	CancelPrompt(sessionID string)

	// RestoreHistory appends persisted conversation turns without any
	// vendor call.
	RestoreHistory(sessionID string, messages []Message) error

	// Disconnect cancels every session's active turn and releases all
	// per-session resources.
	Disconnect()
}

// PermissionResponder is the optional capability for vendors that gate tool
// use behind interactive approval. Backends without the concept simply do
// not implement it.
type PermissionResponder interface {
	RespondToPermission(sessionID, requestID string, approve bool) error
}

// PermissionRequestFunc is invoked when a backend needs interactive approval
// for a tool call. Returning false denies the call.
type PermissionRequestFunc func(sessionID, requestID, toolName string)
