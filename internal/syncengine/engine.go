// Package syncengine keeps the authoritative in-memory index of sessions and
// messages across all backends and fans state changes out to scoped
// subscribers. The engine is the single writer to the persistence layer;
// mutation and publish happen under one lock, so every subscriber observes a
// session's events in emission order.
package syncengine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"relaystack.local/relay-gateway/internal/store"
)

const DefaultSubscriberBuffer = 64

// Scope restricts which events a subscription receives. Exactly one of the
// fields is normally set; a zero Scope matches nothing.
type Scope struct {
	All       bool
	SessionID string
	MachineID string
}

func (s Scope) matches(e Event) bool {
	switch {
	case s.All:
		return true
	case s.SessionID != "":
		return e.SessionID == s.SessionID
	case s.MachineID != "":
		return e.MachineID == s.MachineID
	default:
		return false
	}
}

// Subscription is one subscriber's event feed. The channel is closed when the
// subscriber is cancelled or falls too far behind; a closed channel means the
// consumer must re-fetch current state, missed events are not replayed.
type Subscription struct {
	id    int
	scope Scope
	ch    chan Event
}

func (s *Subscription) Events() <-chan Event {
	return s.ch
}

type EngineOption func(*Engine)

// WithSubscriberBuffer overrides the per-subscriber channel depth.
func WithSubscriberBuffer(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.bufferSize = n
		}
	}
}

type Engine struct {
	logger     *log.Logger
	store      store.Store
	bufferSize int

	mu        sync.Mutex
	sessions  map[string]Session
	messages  map[string][]Message
	msgIndex  map[string]msgLocation
	nextSeq   map[string]int64
	machines  map[string]Machine
	subs      map[int]*Subscription
	nextSubID int
	closed    bool
}

type msgLocation struct {
	sessionID string
	idx       int
}

func New(logger *log.Logger, st store.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		logger:     logger,
		store:      st,
		bufferSize: DefaultSubscriberBuffer,
		sessions:   make(map[string]Session),
		messages:   make(map[string][]Message),
		msgIndex:   make(map[string]msgLocation),
		nextSeq:    make(map[string]int64),
		machines:   make(map[string]Machine),
		subs:       make(map[int]*Subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Hydrate loads the persisted session index and message logs into the
// in-memory mirror. Called once at startup before the HTTP surface opens.
func (e *Engine) Hydrate(ctx context.Context) error {
	records, err := e.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("hydrate sessions: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range records {
		e.sessions[rec.ID] = sessionFromRecord(rec)
	}
	for _, rec := range records {
		msgs, err := e.store.GetMessages(ctx, rec.ID, 0)
		if err != nil {
			return fmt.Errorf("hydrate messages for %s: %w", rec.ID, err)
		}
		for _, m := range msgs {
			msg := messageFromRecord(m)
			e.messages[rec.ID] = append(e.messages[rec.ID], msg)
			e.msgIndex[msg.ID] = msgLocation{sessionID: rec.ID, idx: len(e.messages[rec.ID]) - 1}
			if msg.Sequence >= e.nextSeq[rec.ID] {
				e.nextSeq[rec.ID] = msg.Sequence
			}
		}
	}
	e.logger.Printf("sync engine hydrated sessions=%d", len(records))
	return nil
}

// AddSession persists and indexes a new session, then announces it.
func (e *Engine) AddSession(ctx context.Context, sess Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	if err := e.store.UpsertSession(ctx, sessionToRecord(sess)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[sess.ID] = sess
	e.publishLocked(Event{
		Type:      EventSessionAdded,
		SessionID: sess.ID,
		MachineID: sess.MachineID,
		Session:   &sess,
	})
	return nil
}

// UpdateSession persists a full-session mutation and announces it.
func (e *Engine) UpdateSession(ctx context.Context, sess Session) error {
	sess.UpdatedAt = time.Now().UTC()

	e.mu.Lock()
	if _, ok := e.sessions[sess.ID]; !ok {
		e.mu.Unlock()
		return store.ErrNotFound
	}
	e.mu.Unlock()

	if err := e.store.UpsertSession(ctx, sessionToRecord(sess)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[sess.ID] = sess
	e.publishLocked(Event{
		Type:      EventSessionUpdated,
		SessionID: sess.ID,
		MachineID: sess.MachineID,
		Session:   &sess,
	})
	return nil
}

// SetSessionStatus patches the live status fields and announces the session.
func (e *Engine) SetSessionStatus(ctx context.Context, sessionID string, active, thinking bool) error {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	sess.Active = active
	sess.Thinking = thinking
	return e.UpdateSession(ctx, sess)
}

// SetPermissionMode patches the session's permission mode and announces it.
func (e *Engine) SetPermissionMode(ctx context.Context, sessionID, mode string) error {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	sess.PermissionMode = mode
	return e.UpdateSession(ctx, sess)
}

// RemoveSession deletes the session and its log, then announces the removal.
func (e *Engine) RemoveSession(ctx context.Context, sessionID string) error {
	if err := e.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	delete(e.sessions, sessionID)
	for _, msg := range e.messages[sessionID] {
		delete(e.msgIndex, msg.ID)
	}
	delete(e.messages, sessionID)
	delete(e.nextSeq, sessionID)

	e.publishLocked(Event{
		Type:      EventSessionRemoved,
		SessionID: sessionID,
		MachineID: sess.MachineID,
	})
	return nil
}

// RecordMessage appends (or on duplicate id, replaces in place) one message
// in the session's log, persists it, and announces it. Duplicate delivery of
// the same id stores and keeps exactly one copy at its original position.
func (e *Engine) RecordMessage(ctx context.Context, msg Message) error {
	e.mu.Lock()
	sess, ok := e.sessions[msg.SessionID]
	if !ok {
		e.mu.Unlock()
		return store.ErrNotFound
	}

	if loc, dup := e.msgIndex[msg.ID]; dup {
		existing := e.messages[loc.sessionID][loc.idx]
		msg.Sequence = existing.Sequence
		msg.CreatedAt = existing.CreatedAt
		e.messages[loc.sessionID][loc.idx] = msg
	} else {
		e.nextSeq[msg.SessionID]++
		msg.Sequence = e.nextSeq[msg.SessionID]
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		e.messages[msg.SessionID] = append(e.messages[msg.SessionID], msg)
		e.msgIndex[msg.ID] = msgLocation{sessionID: msg.SessionID, idx: len(e.messages[msg.SessionID]) - 1}
	}
	machineID := sess.MachineID
	e.mu.Unlock()

	if err := e.store.UpsertMessage(ctx, messageToRecord(msg)); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishLocked(Event{
		Type:      EventMessageReceived,
		SessionID: msg.SessionID,
		MachineID: machineID,
		Message:   &msg,
	})
	return nil
}

// UpdateMachine records a machine heartbeat. Machines are ephemeral presence
// state; they are not persisted.
func (e *Engine) UpdateMachine(machine Machine) {
	if machine.LastSeen.IsZero() {
		machine.LastSeen = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.machines[machine.ID] = machine
	e.publishLocked(Event{
		Type:      EventMachineUpdated,
		MachineID: machine.ID,
		Machine:   &machine,
	})
}

// SetOnlineUsers broadcasts the current presence roster.
func (e *Engine) SetOnlineUsers(users []string) {
	roster := make([]string, len(users))
	copy(roster, users)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.publishLocked(Event{
		Type:        EventOnlineUsersChanged,
		OnlineUsers: roster,
	})
}

// SetTyping broadcasts a typing indicator change for one session.
func (e *Engine) SetTyping(typing Typing) {
	e.mu.Lock()
	machineID := e.sessions[typing.SessionID].MachineID
	e.publishLocked(Event{
		Type:      EventTypingChanged,
		SessionID: typing.SessionID,
		MachineID: machineID,
		Typing:    &typing,
	})
	e.mu.Unlock()
}

// Session returns the indexed session, if known.
func (e *Engine) Session(sessionID string) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	return sess, ok
}

// Sessions returns all indexed sessions ordered by creation time.
func (e *Engine) Sessions() []Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Session, 0, len(e.sessions))
	for _, sess := range e.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Messages returns a copy of the session's ordered log.
func (e *Engine) Messages(sessionID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := e.messages[sessionID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Machines returns the known machine presence map.
func (e *Engine) Machines() []Machine {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Machine, 0, len(e.machines))
	for _, m := range e.machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe registers a scoped subscriber. The feed is closed by Unsubscribe,
// engine Close, or when the subscriber cannot drain fast enough.
func (e *Engine) Subscribe(scope Scope) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextSubID++
	sub := &Subscription{
		id:    e.nextSubID,
		scope: scope,
		ch:    make(chan Event, e.bufferSize),
	}
	if e.closed {
		close(sub.ch)
		return sub
	}
	e.subs[sub.id] = sub
	return sub
}

func (e *Engine) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[sub.id]; ok {
		delete(e.subs, sub.id)
		close(sub.ch)
	}
}

// Close terminates every subscription.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, sub := range e.subs {
		delete(e.subs, id)
		close(sub.ch)
	}
}

// publishLocked delivers the event to every matching subscriber. A full
// buffer closes the subscription instead of blocking or silently dropping:
// the closed channel tells the consumer to re-sync from current state.
func (e *Engine) publishLocked(event Event) {
	for id, sub := range e.subs {
		if !sub.scope.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			e.logger.Printf("closing slow subscriber id=%d scope=%+v", id, sub.scope)
			delete(e.subs, id)
			close(sub.ch)
		}
	}
}

func sessionFromRecord(rec store.SessionRecord) Session {
	return Session{
		ID:             rec.ID,
		MachineID:      rec.MachineID,
		AgentName:      rec.AgentName,
		Title:          rec.Title,
		WorkDir:        rec.WorkDir,
		Model:          rec.Model,
		PermissionMode: rec.PermissionMode,
		Active:         rec.Active,
		Thinking:       rec.Thinking,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func sessionToRecord(sess Session) store.SessionRecord {
	return store.SessionRecord{
		ID:             sess.ID,
		MachineID:      sess.MachineID,
		AgentName:      sess.AgentName,
		Title:          sess.Title,
		WorkDir:        sess.WorkDir,
		Model:          sess.Model,
		PermissionMode: sess.PermissionMode,
		Active:         sess.Active,
		Thinking:       sess.Thinking,
		CreatedAt:      sess.CreatedAt,
		UpdatedAt:      sess.UpdatedAt,
	}
}

func messageFromRecord(rec store.MessageRecord) Message {
	return Message{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		Sequence:  rec.Sequence,
		Kind:      rec.Kind,
		Role:      rec.Role,
		Payload:   rec.PayloadJSON,
		CreatedAt: rec.CreatedAt,
	}
}

func messageToRecord(msg Message) store.MessageRecord {
	return store.MessageRecord{
		ID:          msg.ID,
		SessionID:   msg.SessionID,
		Sequence:    msg.Sequence,
		Kind:        msg.Kind,
		Role:        msg.Role,
		PayloadJSON: msg.Payload,
		CreatedAt:   msg.CreatedAt,
	}
}
