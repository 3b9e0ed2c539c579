package syncengine

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventSessionAdded       EventType = "session-added"
	EventSessionUpdated     EventType = "session-updated"
	EventSessionRemoved     EventType = "session-removed"
	EventMessageReceived    EventType = "message-received"
	EventMachineUpdated     EventType = "machine-updated"
	EventOnlineUsersChanged EventType = "online-users-changed"
	EventTypingChanged      EventType = "typing-changed"
)

// Session is the wire shape of one chat session as clients see it.
type Session struct {
	ID             string    `json:"id"`
	MachineID      string    `json:"machineId,omitempty"`
	AgentName      string    `json:"agentName"`
	Title          string    `json:"title,omitempty"`
	WorkDir        string    `json:"workDir,omitempty"`
	Model          string    `json:"model,omitempty"`
	PermissionMode string    `json:"permissionMode,omitempty"`
	Active         bool      `json:"active"`
	Thinking       bool      `json:"thinking"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Message is one normalized turn event in a session's ordered log. Payload
// carries the full AgentMessage JSON.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Sequence  int64           `json:"sequence"`
	Kind      string          `json:"kind"`
	Role      string          `json:"role,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Machine struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

type Typing struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Typing    bool   `json:"typing"`
}

// Event is the discriminated union fanned out to subscribers. Exactly one
// payload field is set per Type; SessionID and MachineID are stamped for
// scope matching whenever they apply.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	MachineID string    `json:"machineId,omitempty"`

	Session     *Session `json:"session,omitempty"`
	Message     *Message `json:"message,omitempty"`
	Machine     *Machine `json:"machine,omitempty"`
	OnlineUsers []string `json:"onlineUsers,omitempty"`
	Typing      *Typing  `json:"typing,omitempty"`
}
