package streamparse

import (
	"encoding/json"
	"strings"

	"relaystack.local/relay-gateway/internal/agent"
)

const doneSentinel = "[DONE]"

type deltaChunk struct {
	Choices []deltaChoice `json:"choices"`
}

type deltaChoice struct {
	Delta        deltaContent `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

type deltaContent struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
}

type DeltaOption func(*DeltaParser)

// DeltaParser consumes OpenAI-compatible chat-completion SSE frames
// (`data: {...}` lines terminated by `data: [DONE]`) and extracts
// choices[0].delta.content and .reasoning_content. Malformed JSON lines are
// skipped; this is a best-effort streaming format.
type DeltaParser struct {
	emit         EmitFunc
	streamDeltas bool

	leftover  string
	text      strings.Builder
	reasoning strings.Builder
	finalized bool
}

func NewDeltaParser(emit EmitFunc, opts ...DeltaOption) *DeltaParser {
	p := &DeltaParser{
		emit:         emit,
		streamDeltas: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithBufferedEmission defers all text/reasoning output to Finalize, which
// then emits one message per kind. The default streams each delta as it
// arrives. Either way the accumulated totals are available afterwards.
func WithBufferedEmission() DeltaOption {
	return func(p *DeltaParser) {
		p.streamDeltas = false
	}
}

func (p *DeltaParser) HandleChunk(chunk []byte) {
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

func (p *DeltaParser) Finalize() {
	if p.finalized {
		return
	}
	p.finalized = true

	if line := p.leftover; line != "" {
		p.leftover = ""
		p.handleLine(line)
	}

	if p.streamDeltas {
		return
	}
	if p.reasoning.Len() > 0 {
		p.emit(agent.ReasoningMessage(p.reasoning.String()))
	}
	if p.text.Len() > 0 {
		p.emit(agent.TextMessage(p.text.String()))
	}
}

// Text returns the accumulated assistant output, whether or not it was
// streamed incrementally.
func (p *DeltaParser) Text() string {
	return p.text.String()
}

func (p *DeltaParser) Reasoning() string {
	return p.reasoning.String()
}

func (p *DeltaParser) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return
	}
	if !strings.HasPrefix(line, "data:") {
		return
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == doneSentinel {
		return
	}

	var chunk deltaChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		// Malformed frame: skip, never abort the stream.
		return
	}
	if len(chunk.Choices) == 0 {
		return
	}

	delta := chunk.Choices[0].Delta
	if delta.ReasoningContent != "" {
		p.reasoning.WriteString(delta.ReasoningContent)
		if p.streamDeltas {
			p.emit(agent.ReasoningMessage(delta.ReasoningContent))
		}
	}
	if delta.Content != "" {
		p.text.WriteString(delta.Content)
		if p.streamDeltas {
			p.emit(agent.TextMessage(delta.Content))
		}
	}
}
