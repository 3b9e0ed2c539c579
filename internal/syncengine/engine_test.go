package syncengine

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"relaystack.local/relay-gateway/internal/store"
)

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	e := New(log.New(io.Discard, "", 0), st, opts...)
	t.Cleanup(e.Close)
	return e, st
}

func testEngineSession(id, machineID string) Session {
	return Session{
		ID:        id,
		MachineID: machineID,
		AgentName: "openrouter",
		WorkDir:   "/tmp/project",
		Active:    true,
	}
}

func testEngineMessage(id, sessionID, text string) Message {
	return Message{
		ID:        id,
		SessionID: sessionID,
		Kind:      "text",
		Role:      "assistant",
		Payload:   json.RawMessage(`{"kind":"text","text":"` + text + `"}`),
	}
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed while waiting for event")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestAddSessionPublishesAndPersists(t *testing.T) {
	e, st := newTestEngine(t)
	sub := e.Subscribe(Scope{All: true})
	defer e.Unsubscribe(sub)

	if err := e.AddSession(context.Background(), testEngineSession("s1", "m1")); err != nil {
		t.Fatalf("add session: %v", err)
	}

	event := recvEvent(t, sub)
	if event.Type != EventSessionAdded || event.SessionID != "s1" || event.Session == nil {
		t.Fatalf("unexpected event: %+v", event)
	}

	rec, err := st.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if rec.MachineID != "m1" {
		t.Fatalf("unexpected persisted record: %+v", rec)
	}
}

func TestScopeFiltering(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	subA := e.Subscribe(Scope{SessionID: "sA"})
	subB := e.Subscribe(Scope{SessionID: "sB"})
	subM := e.Subscribe(Scope{MachineID: "m2"})
	defer e.Unsubscribe(subA)
	defer e.Unsubscribe(subB)
	defer e.Unsubscribe(subM)

	if err := e.AddSession(ctx, testEngineSession("sA", "m1")); err != nil {
		t.Fatalf("add sA: %v", err)
	}
	if err := e.AddSession(ctx, testEngineSession("sB", "m2")); err != nil {
		t.Fatalf("add sB: %v", err)
	}
	if err := e.RecordMessage(ctx, testEngineMessage("msg_1", "sA", "hello")); err != nil {
		t.Fatalf("record message: %v", err)
	}

	got := recvEvent(t, subA)
	if got.Type != EventSessionAdded || got.SessionID != "sA" {
		t.Fatalf("subA first event: %+v", got)
	}
	got = recvEvent(t, subA)
	if got.Type != EventMessageReceived || got.SessionID != "sA" {
		t.Fatalf("subA second event: %+v", got)
	}

	got = recvEvent(t, subB)
	if got.SessionID != "sB" {
		t.Fatalf("subB received foreign event: %+v", got)
	}
	select {
	case extra := <-subB.Events():
		t.Fatalf("subB received extra event: %+v", extra)
	default:
	}

	got = recvEvent(t, subM)
	if got.MachineID != "m2" {
		t.Fatalf("machine-scoped subscriber received: %+v", got)
	}
}

func TestRecordMessageAssignsSequenceAndDeduplicates(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if err := e.AddSession(ctx, testEngineSession("s1", "m1")); err != nil {
		t.Fatalf("add session: %v", err)
	}
	if err := e.RecordMessage(ctx, testEngineMessage("msg_1", "s1", "one")); err != nil {
		t.Fatalf("record msg_1: %v", err)
	}
	if err := e.RecordMessage(ctx, testEngineMessage("msg_2", "s1", "two")); err != nil {
		t.Fatalf("record msg_2: %v", err)
	}
	// Duplicate delivery of msg_1 keeps one copy at its original slot.
	if err := e.RecordMessage(ctx, testEngineMessage("msg_1", "s1", "one-redelivered")); err != nil {
		t.Fatalf("record duplicate: %v", err)
	}

	msgs := e.Messages("s1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "msg_1" || msgs[0].Sequence != 1 || msgs[1].Sequence != 2 {
		t.Fatalf("unexpected log: %+v", msgs)
	}

	persisted, err := st.GetMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("get persisted messages: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(persisted))
	}
}

func TestSlowSubscriberIsClosed(t *testing.T) {
	e, _ := newTestEngine(t, WithSubscriberBuffer(1))
	ctx := context.Background()

	sub := e.Subscribe(Scope{All: true})

	if err := e.AddSession(ctx, testEngineSession("s1", "m1")); err != nil {
		t.Fatalf("add s1: %v", err)
	}
	if err := e.AddSession(ctx, testEngineSession("s2", "m1")); err != nil {
		t.Fatalf("add s2: %v", err)
	}
	if err := e.AddSession(ctx, testEngineSession("s3", "m1")); err != nil {
		t.Fatalf("add s3: %v", err)
	}

	// The buffered event is still delivered, then the channel reports closed.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("overflowed subscriber was not closed")
		}
	}
}

func TestHydrateRestoresIndexAndSequence(t *testing.T) {
	st := store.NewMemoryStore()
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	if err := st.UpsertSession(ctx, store.SessionRecord{ID: "s1", MachineID: "m1", AgentName: "cursor"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := st.UpsertMessage(ctx, store.MessageRecord{ID: "msg_1", SessionID: "s1", Sequence: 7, Kind: "text", PayloadJSON: []byte(`{}`)}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	e := New(log.New(io.Discard, "", 0), st)
	defer e.Close()
	if err := e.Hydrate(ctx); err != nil {
		t.Fatalf("hydrate: %v", err)
	}

	if _, ok := e.Session("s1"); !ok {
		t.Fatalf("hydrated session missing")
	}
	if err := e.RecordMessage(ctx, testEngineMessage("msg_2", "s1", "next")); err != nil {
		t.Fatalf("record after hydrate: %v", err)
	}
	msgs := e.Messages("s1")
	if msgs[len(msgs)-1].Sequence != 8 {
		t.Fatalf("sequence did not resume after hydrate: %+v", msgs)
	}
}

func TestRemoveSessionDropsLogAndAnnounces(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if err := e.AddSession(ctx, testEngineSession("s1", "m1")); err != nil {
		t.Fatalf("add session: %v", err)
	}
	if err := e.RecordMessage(ctx, testEngineMessage("msg_1", "s1", "hi")); err != nil {
		t.Fatalf("record message: %v", err)
	}

	sub := e.Subscribe(Scope{All: true})
	defer e.Unsubscribe(sub)

	if err := e.RemoveSession(ctx, "s1"); err != nil {
		t.Fatalf("remove session: %v", err)
	}

	event := recvEvent(t, sub)
	if event.Type != EventSessionRemoved || event.SessionID != "s1" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if len(e.Messages("s1")) != 0 {
		t.Fatalf("messages survived removal")
	}
	if _, err := st.GetSession(ctx, "s1"); err == nil {
		t.Fatalf("session survived removal in store")
	}
}

func TestEphemeralEvents(t *testing.T) {
	e, _ := newTestEngine(t)

	sub := e.Subscribe(Scope{All: true})
	defer e.Unsubscribe(sub)

	e.UpdateMachine(Machine{ID: "m1", Name: "laptop"})
	event := recvEvent(t, sub)
	if event.Type != EventMachineUpdated || event.Machine == nil || event.Machine.ID != "m1" {
		t.Fatalf("unexpected machine event: %+v", event)
	}

	e.SetOnlineUsers([]string{"alice", "bob"})
	event = recvEvent(t, sub)
	if event.Type != EventOnlineUsersChanged || len(event.OnlineUsers) != 2 {
		t.Fatalf("unexpected presence event: %+v", event)
	}

	e.SetTyping(Typing{SessionID: "s1", UserID: "alice", Typing: true})
	event = recvEvent(t, sub)
	if event.Type != EventTypingChanged || event.Typing == nil || !event.Typing.Typing {
		t.Fatalf("unexpected typing event: %+v", event)
	}
}
