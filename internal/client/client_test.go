package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"relaystack.local/relay-gateway/internal/syncengine"
)

// fakeGateway serves the REST endpoints the client refetches from and an
// event stream fed by a channel.
type fakeGateway struct {
	mu       sync.Mutex
	sessions []syncengine.Session
	messages map[string][]syncengine.Message
	connects int

	events chan syncengine.Event
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		messages: make(map[string][]syncengine.Message),
		events:   make(chan syncengine.Event, 16),
	}
}

func (g *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions", func(w http.ResponseWriter, _ *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"sessions": g.sessions})
	})
	mux.HandleFunc("GET /v1/sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": g.messages[r.PathValue("id")]})
	})
	mux.HandleFunc("GET /v1/events", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.connects++
		g.mu.Unlock()

		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case event := <-g.events:
				payload, _ := json.Marshal(event)
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	})
	return mux
}

func (g *fakeGateway) setSessions(sessions ...syncengine.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions = sessions
}

func (g *fakeGateway) setMessages(sessionID string, messages ...syncengine.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages[sessionID] = messages
}

func (g *fakeGateway) connectCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connects
}

func waitFor(t *testing.T, what string, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientHydratesOnConnect(t *testing.T) {
	gw := newFakeGateway()
	now := time.Now().UTC().Truncate(time.Second)
	gw.setSessions(cachedSession("s1", now))
	gw.setMessages("s1",
		cachedMessage("m1", "s1", 1, "text"),
		cachedMessage("m2", "s1", 2, "turn_complete"))

	ts := httptest.NewServer(gw.handler())
	defer ts.Close()

	c := New(log.New(io.Discard, "", 0), ts.URL, "tok")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "hydrated cache", func() bool {
		return len(c.Cache().Sessions()) == 1 && len(c.Cache().Messages("s1")) == 2
	})
}

func TestClientAppliesStreamedEvents(t *testing.T) {
	gw := newFakeGateway()
	ts := httptest.NewServer(gw.handler())
	defer ts.Close()

	c := New(log.New(io.Discard, "", 0), ts.URL, "tok")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "initial connect", func() bool { return gw.connectCount() == 1 })

	now := time.Now().UTC()
	sess := cachedSession("s1", now)
	gw.setSessions(sess)
	gw.events <- syncengine.Event{Type: syncengine.EventSessionAdded, SessionID: "s1", Session: &sess}

	waitFor(t, "session via stream", func() bool {
		_, ok := c.Cache().Session("s1")
		return ok
	})

	msg := cachedMessage("m1", "s1", 1, "text")
	gw.events <- syncengine.Event{Type: syncengine.EventMessageReceived, SessionID: "s1", Message: &msg}

	waitFor(t, "message via stream", func() bool {
		got := c.Cache().Messages("s1")
		return len(got) == 1 && got[0].ID == "m1"
	})
}

func TestClientReconnectsAndResyncs(t *testing.T) {
	gw := newFakeGateway()
	ts := httptest.NewServer(gw.handler())
	defer ts.Close()

	c := New(log.New(io.Discard, "", 0), ts.URL, "tok",
		WithReconnectBackoff(20*time.Millisecond, 100*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "initial connect", func() bool { return gw.connectCount() == 1 })

	// Drop every open connection; the client must come back and resync
	// state that changed while it was away.
	now := time.Now().UTC()
	gw.setSessions(cachedSession("s1", now))
	gw.setMessages("s1", cachedMessage("m1", "s1", 1, "text"))
	ts.CloseClientConnections()

	waitFor(t, "reconnect", func() bool { return gw.connectCount() >= 2 })
	waitFor(t, "resynced state", func() bool {
		return len(c.Cache().Sessions()) == 1 && len(c.Cache().Messages("s1")) == 1
	})
}

func TestClientBackoffResetsAfterEstablishedStream(t *testing.T) {
	gw := newFakeGateway()
	ts := httptest.NewServer(gw.handler())
	defer ts.Close()

	c := New(log.New(io.Discard, "", 0), ts.URL, "tok",
		WithReconnectBackoff(20*time.Millisecond, 5*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, "initial connect", func() bool { return gw.connectCount() == 1 })

	// Every drop follows an established stream, so each retry should wait
	// the minimum delay. Without the reset the fifth wait alone would be
	// over 300ms.
	for i := 0; i < 5; i++ {
		want := gw.connectCount() + 1
		start := time.Now()
		ts.CloseClientConnections()
		waitFor(t, "reconnect", func() bool { return gw.connectCount() >= want })
		if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
			t.Fatalf("reconnect %d took %s, backoff did not reset", i+1, elapsed)
		}
	}
}
