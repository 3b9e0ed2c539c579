// Package store persists the session index and message log that the sync
// engine mirrors in memory. The engine is the single writer; HTTP handlers
// read through the engine, not the store.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

// SessionRecord is one chat session as persisted. Status fields (Active,
// Thinking, PermissionMode) are the ones clients patch in place on
// session-updated events.
type SessionRecord struct {
	ID             string
	MachineID      string
	AgentName      string
	Title          string
	WorkDir        string
	Model          string
	PermissionMode string
	Active         bool
	Thinking       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MessageRecord is one normalized turn event in a session's ordered log.
// Sequence is assigned by the sync engine and is unique per session.
type MessageRecord struct {
	ID          string
	SessionID   string
	Sequence    int64
	Kind        string
	Role        string
	PayloadJSON []byte
	CreatedAt   time.Time
}

type Store interface {
	UpsertSession(context.Context, SessionRecord) error
	GetSession(context.Context, string) (SessionRecord, error)
	ListSessions(context.Context) ([]SessionRecord, error)

	// DeleteSession removes the session and its message log.
	DeleteSession(context.Context, string) error

	// UpsertMessage stores the message, replacing any existing record with
	// the same id while keeping its original sequence and created-at.
	UpsertMessage(context.Context, MessageRecord) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error)

	Close() error
}

func validateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id is required")
	}
	return nil
}

func validateMessage(rec MessageRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("message id is required")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("message session id is required")
	}
	return nil
}
