package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Session is one conversation with one backend vendor. Field access goes
// through the owning Table so lookups and mutations stay consistent when a
// concurrent Disconnect removes the session between awaited steps.
type Session struct {
	ID       string
	Config   SessionConfig
	messages []Message

	// Active turn state. At most one turn is in flight per session;
	// callers serialize prompts.
	cancel context.CancelFunc
}

// Table is a backend's session index. Exclusively owned by its Backend
// instance; never shared across backends.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Create allocates a session seeded with one system message mentioning the
// working directory.
func (t *Table) Create(cfg SessionConfig) *Session {
	sess := &Session{
		ID:     uuid.New().String(),
		Config: cfg,
		messages: []Message{
			{Role: RoleSystem, Content: fmt.Sprintf("You are a coding assistant. Working directory: %s", cfg.WorkDir)},
		},
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sess.ID] = sess
	return sess
}

func (t *Table) Get(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[id]
	return sess, ok
}

// History returns a copy of the session's message history.
func (t *Table) History(id string) ([]Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]Message, len(sess.messages))
	copy(out, sess.messages)
	return out, nil
}

func (t *Table) Append(id string, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.messages = append(sess.messages, msg)
	return nil
}

// AppendAll appends restored turns without any vendor call.
func (t *Table) AppendAll(id string, msgs []Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.messages = append(sess.messages, msgs...)
	return nil
}

// SetCancel installs the turn's cancellation handle, replacing any stale one
// from a previous turn.
func (t *Table) SetCancel(id string, cancel context.CancelFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.cancel = cancel
	return nil
}

// ClearCancel drops the turn's cancellation handle. Called from the turn's
// deferred cleanup regardless of outcome; tolerant of the session having
// been removed mid-turn.
func (t *Table) ClearCancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sess, ok := t.sessions[id]; ok {
		sess.cancel = nil
	}
}

// Cancel fires the session's active cancellation handle. No-op when no turn
// is active or the session is unknown.
func (t *Table) Cancel(id string) {
	t.mu.Lock()
	cancel := context.CancelFunc(nil)
	if sess, ok := t.sessions[id]; ok && sess.cancel != nil {
		cancel = sess.cancel
		sess.cancel = nil
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// CancelAll fires every active turn's handle and drops all sessions. Safe
// when sessions have already completed naturally.
func (t *Table) CancelAll() {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.sessions))
	for _, sess := range t.sessions {
		if sess.cancel != nil {
			cancels = append(cancels, sess.cancel)
			sess.cancel = nil
		}
	}
	t.sessions = make(map[string]*Session)
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
