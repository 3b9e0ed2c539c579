package agent

import "encoding/json"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a session's conversation history. The ordered
// history is replayed verbatim as context to the vendor on every turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type MessageKind string

const (
	KindText         MessageKind = "text"
	KindReasoning    MessageKind = "reasoning"
	KindToolCall     MessageKind = "tool_call"
	KindToolResult   MessageKind = "tool_result"
	KindError        MessageKind = "error"
	KindTurnComplete MessageKind = "turn_complete"
)

type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopCancelled StopReason = "cancelled"
)

type ToolStatus string

const (
	ToolStatusRunning   ToolStatus = "running"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusFailed    ToolStatus = "failed"
)

// AgentMessage is the normalized event emitted to the caller during a turn,
// regardless of which vendor transport produced it. Exactly one
// turn_complete terminates every turn, always last.
type AgentMessage struct {
	Kind MessageKind `json:"kind"`

	// Set for text and reasoning.
	Text string `json:"text,omitempty"`

	// Set for tool_call and tool_result, paired by ToolID. A tool_call
	// always precedes its tool_result.
	ToolID     string          `json:"tool_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput string          `json:"tool_output,omitempty"`
	ToolStatus ToolStatus      `json:"tool_status,omitempty"`

	// Set for error.
	ErrorMessage string `json:"error_message,omitempty"`

	// Set for turn_complete.
	StopReason StopReason `json:"stop_reason,omitempty"`
}

// UpdateFunc receives normalized messages as a turn produces them.
type UpdateFunc func(AgentMessage)

func TextMessage(text string) AgentMessage {
	return AgentMessage{Kind: KindText, Text: text}
}

func ReasoningMessage(text string) AgentMessage {
	return AgentMessage{Kind: KindReasoning, Text: text}
}

func ErrorMessage(message string) AgentMessage {
	return AgentMessage{Kind: KindError, ErrorMessage: message}
}

func TurnComplete(reason StopReason) AgentMessage {
	return AgentMessage{Kind: KindTurnComplete, StopReason: reason}
}

// ContentPart is one element of a multi-part user prompt. Parts are joined
// into a single user message before the turn starts.
type ContentPart struct {
	Text string `json:"text"`
}

// SessionConfig is fixed at session creation, except for explicit
// permission-mode changes.
type SessionConfig struct {
	WorkDir        string `json:"work_dir"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
}
