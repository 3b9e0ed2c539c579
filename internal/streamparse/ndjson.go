package streamparse

import (
	"encoding/json"
	"strings"

	"relaystack.local/relay-gateway/internal/agent"
)

// lineRecord is one NDJSON record from a structured agent CLI stream. The
// type field selects the dispatch entry; unknown types are ignored.
type lineRecord struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
}

type LineOption func(*LineParser)

// LineParser consumes newline-delimited JSON on stdout, mapping each record
// to a normalized message through a small dispatch table. A partial final
// line (no trailing newline) is buffered until completed or stream end.
type LineParser struct {
	emit         EmitFunc
	onPermission func(requestID, toolName string)

	leftover  string
	text      strings.Builder
	dispatch  map[string]func(lineRecord)
	finalized bool
}

func NewLineParser(emit EmitFunc, opts ...LineOption) *LineParser {
	p := &LineParser{emit: emit}
	p.dispatch = map[string]func(lineRecord){
		"text":               p.onText,
		"reasoning":          p.onReasoning,
		"thinking":           p.onReasoning,
		"tool_call":          p.onToolCall,
		"tool_result":        p.onToolResult,
		"error":              p.onError,
		"result":             p.onResult,
		"permission_request": p.onPermissionRequest,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithPermissionRequests routes permission_request records to the given
// hook. Without it such records are ignored.
func WithPermissionRequests(hook func(requestID, toolName string)) LineOption {
	return func(p *LineParser) {
		p.onPermission = hook
	}
}

func (p *LineParser) HandleChunk(chunk []byte) {
	if p.finalized || len(chunk) == 0 {
		return
	}

	data := p.leftover + string(chunk)
	lines := strings.Split(data, "\n")
	if !strings.HasSuffix(data, "\n") {
		p.leftover = lines[len(lines)-1]
		lines = lines[:len(lines)-1]
	} else {
		p.leftover = ""
	}

	for _, line := range lines {
		p.handleLine(line)
	}
}

func (p *LineParser) Finalize() {
	if p.finalized {
		return
	}
	p.finalized = true
	if line := p.leftover; line != "" {
		p.leftover = ""
		p.handleLine(line)
	}
}

// Text returns the accumulated assistant output for history.
func (p *LineParser) Text() string {
	return p.text.String()
}

func (p *LineParser) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var rec lineRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		// Not a JSON record; some CLIs interleave diagnostics on stdout.
		return
	}
	if handler, ok := p.dispatch[rec.Type]; ok {
		handler(rec)
	}
}

func (p *LineParser) onText(rec lineRecord) {
	if rec.Text == "" {
		return
	}
	p.text.WriteString(rec.Text)
	p.emit(agent.TextMessage(rec.Text))
}

func (p *LineParser) onReasoning(rec lineRecord) {
	if rec.Text == "" {
		return
	}
	p.emit(agent.ReasoningMessage(rec.Text))
}

func (p *LineParser) onToolCall(rec lineRecord) {
	status := agent.ToolStatus(rec.Status)
	if status == "" {
		status = agent.ToolStatusRunning
	}
	p.emit(agent.AgentMessage{
		Kind:       agent.KindToolCall,
		ToolID:     rec.ID,
		ToolName:   rec.Name,
		ToolInput:  rec.Input,
		ToolStatus: status,
	})
}

func (p *LineParser) onToolResult(rec lineRecord) {
	status := agent.ToolStatus(rec.Status)
	if status == "" {
		status = agent.ToolStatusCompleted
	}
	p.emit(agent.AgentMessage{
		Kind:       agent.KindToolResult,
		ToolID:     rec.ID,
		ToolOutput: rec.Output,
		ToolStatus: status,
	})
}

func (p *LineParser) onError(rec lineRecord) {
	message := rec.Message
	if message == "" {
		message = rec.Text
	}
	if message == "" {
		return
	}
	p.emit(agent.ErrorMessage(message))
}

func (p *LineParser) onPermissionRequest(rec lineRecord) {
	if p.onPermission != nil {
		p.onPermission(rec.ID, rec.Name)
	}
}

// onResult handles the final summary record some CLIs emit. When nothing
// streamed beforehand it carries the whole response.
func (p *LineParser) onResult(rec lineRecord) {
	if rec.Text == "" || p.text.Len() > 0 {
		return
	}
	p.text.WriteString(rec.Text)
	p.emit(agent.TextMessage(rec.Text))
}
