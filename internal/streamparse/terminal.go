package streamparse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"relaystack.local/relay-gateway/internal/agent"
)

type terminalState int

const (
	stateNormal terminalState = iota
	stateDiffSearch
	stateDiffReplace
)

var (
	ansiRe       = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)
	fileHeaderRe = regexp.MustCompile(`^[\w./-]+\.[A-Za-z0-9]{1,8}$`)
	fileBannerRe = regexp.MustCompile(`^(?:Added|Created|Edited|Wrote|Applied edit to) (\S+)`)
	thinkingRe   = regexp.MustCompile(`^(?:Thinking|Reasoning)\b`)
)

const (
	diffSearchMarker  = "<<<<<<< SEARCH"
	diffDividerMarker = "======="
	diffReplaceMarker = ">>>>>>> REPLACE"
	errorPrefix       = "Error: "
)

// TerminalParser extracts structure from unstructured terminal output
// (aider-style) by pattern matching stripped lines against a fixed set of
// recognizers. It is a finite-state machine over diff blocks: SEARCH/REPLACE
// sections are collected and synthesized into a paired tool_call/tool_result
// when the block completes. Heuristics are best effort; the contract is
// "never lose output text", not "never misclassify".
type TerminalParser struct {
	emit EmitFunc

	state       terminalState
	leftover    string
	currentFile string
	searchBuf   []string
	replaceBuf  []string
	toolSeq     int
	text        strings.Builder
	finalized   bool
}

func NewTerminalParser(emit EmitFunc) *TerminalParser {
	return &TerminalParser{emit: emit}
}

func (p *TerminalParser) HandleChunk(chunk []byte) {
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
		p.handleLine(stripANSI(line))
	}
}

func (p *TerminalParser) Finalize() {
	if p.finalized {
		return
	}
	p.finalized = true

	if line := p.leftover; line != "" {
		p.leftover = ""
		p.handleLine(stripANSI(line))
	}

	// An unterminated diff block is flushed as plain text rather than
	// dropped.
	if p.state != stateNormal {
		p.emitText(diffSearchMarker)
		for _, line := range p.searchBuf {
			p.emitText(line)
		}
		if p.state == stateDiffReplace {
			p.emitText(diffDividerMarker)
			for _, line := range p.replaceBuf {
				p.emitText(line)
			}
		}
		p.resetDiff()
	}
}

// Text returns everything emitted as assistant text, for history.
func (p *TerminalParser) Text() string {
	return p.text.String()
}

func (p *TerminalParser) handleLine(line string) {
	trimmed := strings.TrimSpace(line)

	switch p.state {
	case stateDiffSearch:
		switch trimmed {
		case diffDividerMarker:
			p.state = stateDiffReplace
		case diffSearchMarker:
			// Restarted block; drop the half-collected one.
			p.searchBuf = p.searchBuf[:0]
		default:
			p.searchBuf = append(p.searchBuf, line)
		}
		return
	case stateDiffReplace:
		if trimmed == diffReplaceMarker {
			p.completeDiff()
			return
		}
		p.replaceBuf = append(p.replaceBuf, line)
		return
	}

	switch {
	case trimmed == diffSearchMarker:
		p.state = stateDiffSearch
	case strings.HasPrefix(trimmed, errorPrefix):
		p.emit(agent.ErrorMessage(strings.TrimPrefix(trimmed, errorPrefix)))
	case thinkingRe.MatchString(trimmed):
		p.emit(agent.ReasoningMessage(trimmed))
	case fileBannerRe.MatchString(trimmed):
		file := fileBannerRe.FindStringSubmatch(trimmed)[1]
		p.emitFileTool("write_file", file, trimmed)
	case fileHeaderRe.MatchString(trimmed):
		p.currentFile = trimmed
	default:
		p.emitText(line)
	}
}

func (p *TerminalParser) completeDiff() {
	input, err := json.Marshal(map[string]string{
		"file":    p.currentFile,
		"search":  strings.Join(p.searchBuf, "\n"),
		"replace": strings.Join(p.replaceBuf, "\n"),
	})
	if err != nil {
		input = json.RawMessage(`{}`)
	}

	id := p.nextToolID()
	p.emit(agent.AgentMessage{
		Kind:       agent.KindToolCall,
		ToolID:     id,
		ToolName:   "edit_file",
		ToolInput:  input,
		ToolStatus: agent.ToolStatusRunning,
	})
	p.emit(agent.AgentMessage{
		Kind:       agent.KindToolResult,
		ToolID:     id,
		ToolOutput: fmt.Sprintf("applied search/replace edit to %s", p.currentFile),
		ToolStatus: agent.ToolStatusCompleted,
	})
	p.resetDiff()
}

func (p *TerminalParser) emitFileTool(name, file, banner string) {
	input, err := json.Marshal(map[string]string{"file": file})
	if err != nil {
		input = json.RawMessage(`{}`)
	}

	id := p.nextToolID()
	p.emit(agent.AgentMessage{
		Kind:       agent.KindToolCall,
		ToolID:     id,
		ToolName:   name,
		ToolInput:  input,
		ToolStatus: agent.ToolStatusRunning,
	})
	p.emit(agent.AgentMessage{
		Kind:       agent.KindToolResult,
		ToolID:     id,
		ToolOutput: banner,
		ToolStatus: agent.ToolStatusCompleted,
	})
}

func (p *TerminalParser) emitText(line string) {
	p.text.WriteString(line)
	p.text.WriteString("\n")
	p.emit(agent.TextMessage(line + "\n"))
}

func (p *TerminalParser) resetDiff() {
	p.state = stateNormal
	p.searchBuf = p.searchBuf[:0]
	p.replaceBuf = p.replaceBuf[:0]
}

func (p *TerminalParser) nextToolID() string {
	p.toolSeq++
	return fmt.Sprintf("edit_%d", p.toolSeq)
}

func stripANSI(line string) string {
	if !strings.ContainsRune(line, '\x1b') {
		return line
	}
	return ansiRe.ReplaceAllString(line, "")
}
