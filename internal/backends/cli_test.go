package backends

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"relaystack.local/relay-gateway/internal/agent"
)

// writeStub writes an executable shell script standing in for a vendor CLI.
func writeStub(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs require a unix shell")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func TestCursorStreamsNDJSONEvents(t *testing.T) {
	stub := writeStub(t, "cursor-agent", `
echo '{"type":"text","text":"inspecting the repo"}'
echo '{"type":"tool_call","id":"t1","name":"read_file","input":{"path":"main.go"},"status":"running"}'
echo '{"type":"tool_result","id":"t1","output":"package main","status":"completed"}'
exit 0
`)

	b := NewCursorBackend(testLogger(), WithCursorCommand(stub))
	id, err := b.NewSession(context.Background(), agent.SessionConfig{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	rec := &updateRecorder{}
	if err := b.Prompt(context.Background(), id, []agent.ContentPart{{Text: "look around"}}, rec.record); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	msgs := rec.all()
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(msgs), msgs)
	}
	if msgs[0].Kind != agent.KindText || msgs[0].Text != "inspecting the repo" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Kind != agent.KindToolCall || msgs[1].ToolID != "t1" || msgs[1].ToolName != "read_file" {
		t.Errorf("second message = %+v, want running tool_call t1", msgs[1])
	}
	if msgs[2].Kind != agent.KindToolResult || msgs[2].ToolID != "t1" || msgs[2].ToolOutput != "package main" {
		t.Errorf("third message = %+v, want tool_result t1", msgs[2])
	}
	if msgs[3].Kind != agent.KindTurnComplete || msgs[3].StopReason != agent.StopEndTurn {
		t.Errorf("terminal message = %+v", msgs[3])
	}
}

func TestCursorFailureEmitsErrorAndRejects(t *testing.T) {
	stub := writeStub(t, "cursor-agent", `
echo "Error: model quota exhausted" >&2
exit 1
`)

	b := NewCursorBackend(testLogger(), WithCursorCommand(stub))
	id, _ := b.NewSession(context.Background(), agent.SessionConfig{WorkDir: t.TempDir()})

	rec := &updateRecorder{}
	err := b.Prompt(context.Background(), id, []agent.ContentPart{{Text: "hi"}}, rec.record)

	var transportErr *agent.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error = %v, want *agent.TransportError", err)
	}
	if transportErr.ExitCode != 1 || transportErr.Message != "Error: model quota exhausted" {
		t.Errorf("transport error = %+v", transportErr)
	}

	msgs := rec.all()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want error then turn_complete: %+v", len(msgs), msgs)
	}
	if msgs[0].Kind != agent.KindError {
		t.Errorf("first message = %+v, want error", msgs[0])
	}
	if msgs[1].Kind != agent.KindTurnComplete || msgs[1].StopReason != agent.StopEndTurn {
		t.Errorf("terminal message = %+v", msgs[1])
	}
}

func TestCursorCancelSettlesQuickly(t *testing.T) {
	stub := writeStub(t, "cursor-agent", `
echo '{"type":"text","text":"working"}'
sleep 30
`)

	b := NewCursorBackend(testLogger(), WithCursorCommand(stub))
	id, _ := b.NewSession(context.Background(), agent.SessionConfig{WorkDir: t.TempDir()})

	rec := &updateRecorder{}
	done := make(chan error, 1)
	go func() {
		done <- b.Prompt(context.Background(), id, []agent.ContentPart{{Text: "hi"}}, rec.record)
	}()

	time.Sleep(200 * time.Millisecond)
	b.CancelPrompt(id)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Prompt after cancel: %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Prompt did not settle within the cancel grace window")
	}

	msgs := rec.all()
	last := msgs[len(msgs)-1]
	if last.Kind != agent.KindTurnComplete || last.StopReason != agent.StopCancelled {
		t.Errorf("terminal message = %+v, want turn_complete cancelled", last)
	}
	for _, msg := range msgs {
		if msg.Kind == agent.KindError {
			t.Errorf("cancellation produced an error message: %+v", msg)
		}
	}
}

func TestCursorPermissionRoundTrip(t *testing.T) {
	stub := writeStub(t, "cursor-agent", `
echo '{"type":"permission_request","id":"p1","name":"run_shell"}'
read response
echo '{"type":"text","text":"approved, running"}'
exit 0
`)

	var mu sync.Mutex
	var gotSession, gotRequest, gotTool string

	var b *CursorBackend
	b = NewCursorBackend(testLogger(),
		WithCursorCommand(stub),
		WithCursorPermissionRequests(func(sessionID, requestID, toolName string) {
			mu.Lock()
			gotSession, gotRequest, gotTool = sessionID, requestID, toolName
			mu.Unlock()
			if err := b.RespondToPermission(sessionID, requestID, true); err != nil {
				t.Errorf("RespondToPermission: %v", err)
			}
		}))

	id, _ := b.NewSession(context.Background(), agent.SessionConfig{WorkDir: t.TempDir()})

	rec := &updateRecorder{}
	if err := b.Prompt(context.Background(), id, []agent.ContentPart{{Text: "run the build"}}, rec.record); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	mu.Lock()
	if gotSession != id || gotRequest != "p1" || gotTool != "run_shell" {
		t.Errorf("permission hook got (%q, %q, %q)", gotSession, gotRequest, gotTool)
	}
	mu.Unlock()

	var sawAck bool
	for _, msg := range rec.all() {
		if msg.Kind == agent.KindText && msg.Text == "approved, running" {
			sawAck = true
		}
	}
	if !sawAck {
		t.Error("agent did not resume after the permission response")
	}
}

func TestCursorRespondWithoutActiveTurn(t *testing.T) {
	b := NewCursorBackend(testLogger())
	if err := b.RespondToPermission("missing", "p1", true); err == nil {
		t.Fatal("RespondToPermission with no active turn returned nil")
	}
}

func TestCursorMissingBinary(t *testing.T) {
	b := NewCursorBackend(testLogger(), WithCursorCommand("definitely-not-installed-agent"))
	var configErr *agent.ConfigError
	if err := b.Initialize(context.Background()); !errors.As(err, &configErr) {
		t.Fatalf("Initialize = %v, want *agent.ConfigError", err)
	}
}

func TestCancelGraceOptions(t *testing.T) {
	if got := NewCursorBackend(testLogger()).cancelGrace; got != cursorCancelGrace {
		t.Errorf("cursor default grace = %v, want %v", got, cursorCancelGrace)
	}
	if got := NewCursorBackend(testLogger(), WithCursorCancelGrace(time.Second)).cancelGrace; got != time.Second {
		t.Errorf("cursor grace override = %v, want 1s", got)
	}
	if got := NewAiderBackend(testLogger(), WithAiderCancelGrace(time.Second)).cancelGrace; got != time.Second {
		t.Errorf("aider grace override = %v, want 1s", got)
	}
}

func TestAiderCancelGraceOverrideBoundsEscalation(t *testing.T) {
	// The stub ignores SIGTERM, so settling requires the SIGKILL
	// escalation; a short configured grace keeps that fast.
	stub := writeStub(t, "aider", `
trap '' TERM
while :; do sleep 1; done
`)

	b := NewAiderBackend(testLogger(),
		WithAiderCommand(stub),
		WithAiderCancelGrace(200*time.Millisecond))
	id, _ := b.NewSession(context.Background(), agent.SessionConfig{WorkDir: t.TempDir()})

	rec := &updateRecorder{}
	done := make(chan error, 1)
	go func() {
		done <- b.Prompt(context.Background(), id, []agent.ContentPart{{Text: "hi"}}, rec.record)
	}()

	time.Sleep(200 * time.Millisecond)
	b.CancelPrompt(id)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Prompt after cancel: %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Prompt did not settle within the configured grace window")
	}

	msgs := rec.all()
	last := msgs[len(msgs)-1]
	if last.Kind != agent.KindTurnComplete || last.StopReason != agent.StopCancelled {
		t.Errorf("terminal message = %+v, want turn_complete cancelled", last)
	}
}

func TestAiderParsesTerminalOutput(t *testing.T) {
	stub := writeStub(t, "aider", `
echo "I will update the handler."
echo "server.go"
echo "<<<<<<< SEARCH"
echo "old line"
echo "======="
echo "new line"
echo ">>>>>>> REPLACE"
exit 0
`)

	b := NewAiderBackend(testLogger(), WithAiderCommand(stub))
	id, _ := b.NewSession(context.Background(), agent.SessionConfig{WorkDir: t.TempDir()})

	rec := &updateRecorder{}
	if err := b.Prompt(context.Background(), id, []agent.ContentPart{{Text: "fix the handler"}}, rec.record); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	var sawText, sawEdit, sawResult bool
	for _, msg := range rec.all() {
		switch msg.Kind {
		case agent.KindText:
			if msg.Text != "" {
				sawText = true
			}
		case agent.KindToolCall:
			if msg.ToolName == "edit_file" {
				sawEdit = true
			}
		case agent.KindToolResult:
			sawResult = true
		}
	}
	if !sawText || !sawEdit || !sawResult {
		t.Errorf("missing events: text=%v edit=%v result=%v", sawText, sawEdit, sawResult)
	}

	last := rec.all()[len(rec.all())-1]
	if last.Kind != agent.KindTurnComplete || last.StopReason != agent.StopEndTurn {
		t.Errorf("terminal message = %+v", last)
	}
}
