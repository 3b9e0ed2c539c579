// Package client consumes a gateway's event stream and maintains a local
// mirror of sessions and message logs for UI consumption.
package client

import (
	"sort"
	"sync"

	"relaystack.local/relay-gateway/internal/syncengine"
)

// Cache is the reducer state. Events patch it in place where the event
// carries enough data; anything else marks the session stale so the owner
// refetches it over REST.
type Cache struct {
	mu       sync.Mutex
	sessions map[string]syncengine.Session
	messages map[string][]syncengine.Message
	msgIndex map[string]map[string]int
	stale    map[string]bool
}

func NewCache() *Cache {
	return &Cache{
		sessions: make(map[string]syncengine.Session),
		messages: make(map[string][]syncengine.Message),
		msgIndex: make(map[string]map[string]int),
		stale:    make(map[string]bool),
	}
}

// Apply folds one event into the cache.
func (c *Cache) Apply(event syncengine.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Type {
	case syncengine.EventSessionAdded:
		if event.Session == nil {
			return
		}
		c.sessions[event.Session.ID] = *event.Session
		c.stale[event.Session.ID] = true
	case syncengine.EventSessionUpdated:
		if event.Session == nil {
			return
		}
		existing, ok := c.sessions[event.Session.ID]
		if !ok {
			c.sessions[event.Session.ID] = *event.Session
			c.stale[event.Session.ID] = true
			return
		}
		// Patch the churn-prone fields in place; a change to anything
		// structural falls back to a refetch.
		patched := existing
		patched.Active = event.Session.Active
		patched.Thinking = event.Session.Thinking
		patched.PermissionMode = event.Session.PermissionMode
		patched.Title = event.Session.Title
		patched.UpdatedAt = event.Session.UpdatedAt
		if patched.AgentName != event.Session.AgentName ||
			patched.WorkDir != event.Session.WorkDir ||
			patched.Model != event.Session.Model {
			c.stale[event.Session.ID] = true
			patched = *event.Session
		}
		c.sessions[event.Session.ID] = patched
	case syncengine.EventSessionRemoved:
		delete(c.sessions, event.SessionID)
		delete(c.messages, event.SessionID)
		delete(c.msgIndex, event.SessionID)
		delete(c.stale, event.SessionID)
	case syncengine.EventMessageReceived:
		if event.Message == nil {
			return
		}
		c.upsertMessageLocked(*event.Message)
	}
}

func (c *Cache) upsertMessageLocked(msg syncengine.Message) {
	index := c.msgIndex[msg.SessionID]
	if index == nil {
		index = make(map[string]int)
		c.msgIndex[msg.SessionID] = index
	}
	if i, ok := index[msg.ID]; ok {
		c.messages[msg.SessionID][i] = msg
		return
	}
	index[msg.ID] = len(c.messages[msg.SessionID])
	c.messages[msg.SessionID] = append(c.messages[msg.SessionID], msg)
}

// ReplaceSessions swaps in a freshly fetched session list and drops cached
// state for sessions the gateway no longer reports.
func (c *Cache) ReplaceSessions(sessions []syncengine.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		seen[sess.ID] = true
		c.sessions[sess.ID] = sess
		c.stale[sess.ID] = true
	}
	for id := range c.sessions {
		if !seen[id] {
			delete(c.sessions, id)
			delete(c.messages, id)
			delete(c.msgIndex, id)
			delete(c.stale, id)
		}
	}
}

// ReplaceMessages swaps in a refetched message log and clears the session's
// stale mark.
func (c *Cache) ReplaceMessages(sessionID string, messages []syncengine.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages[sessionID] = nil
	c.msgIndex[sessionID] = make(map[string]int)
	for _, msg := range messages {
		c.upsertMessageLocked(msg)
	}
	delete(c.stale, sessionID)
}

// StaleSessions lists sessions whose message logs need a refetch.
func (c *Cache) StaleSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.stale))
	for id := range c.stale {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InvalidateAll marks every cached session stale. Called after a stream
// reconnect, when events may have been missed.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.sessions {
		c.stale[id] = true
	}
}

// Sessions returns the cached sessions ordered by creation time.
func (c *Cache) Sessions() []syncengine.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]syncengine.Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (c *Cache) Session(id string) (syncengine.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	return sess, ok
}

// Messages returns the cached log for one session in arrival order.
func (c *Cache) Messages(sessionID string) []syncengine.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]syncengine.Message, len(c.messages[sessionID]))
	copy(out, c.messages[sessionID])
	return out
}
