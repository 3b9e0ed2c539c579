package agent

import (
	"context"
	"strings"
	"testing"
)

func TestTableCreateSeedsSystemMessage(t *testing.T) {
	table := NewTable()
	sess := table.Create(SessionConfig{WorkDir: "/src/demo"})
	if sess.ID == "" {
		t.Fatalf("created session has empty id")
	}

	history, err := table.History(sess.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("got %d seed messages, want 1", len(history))
	}
	if history[0].Role != RoleSystem || !strings.Contains(history[0].Content, "/src/demo") {
		t.Fatalf("seed message = %+v", history[0])
	}
}

func TestTableHistoryReturnsCopy(t *testing.T) {
	table := NewTable()
	sess := table.Create(SessionConfig{})

	history, err := table.History(sess.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	history[0].Content = "mutated"

	fresh, err := table.History(sess.ID)
	if err != nil {
		t.Fatalf("History again: %v", err)
	}
	if fresh[0].Content == "mutated" {
		t.Fatalf("history aliases internal slice")
	}
}

func TestTableAppendUnknownSession(t *testing.T) {
	table := NewTable()
	if err := table.Append("nope", Message{Role: RoleUser, Content: "hi"}); err != ErrSessionNotFound {
		t.Fatalf("Append err = %v, want ErrSessionNotFound", err)
	}
	if _, err := table.History("nope"); err != ErrSessionNotFound {
		t.Fatalf("History err = %v, want ErrSessionNotFound", err)
	}
}

func TestTableCancelFiresActiveHandle(t *testing.T) {
	table := NewTable()
	sess := table.Create(SessionConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	if err := table.SetCancel(sess.ID, cancel); err != nil {
		t.Fatalf("SetCancel: %v", err)
	}

	table.Cancel(sess.ID)
	if ctx.Err() == nil {
		t.Fatalf("turn context not cancelled")
	}
	// A second cancel with no active turn is a no-op.
	table.Cancel(sess.ID)
}

func TestTableCancelAllDropsSessions(t *testing.T) {
	table := NewTable()
	a := table.Create(SessionConfig{})
	table.Create(SessionConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	if err := table.SetCancel(a.ID, cancel); err != nil {
		t.Fatalf("SetCancel: %v", err)
	}

	table.CancelAll()
	if ctx.Err() == nil {
		t.Fatalf("active turn survived CancelAll")
	}
	if table.Len() != 0 {
		t.Fatalf("Len = %d after CancelAll, want 0", table.Len())
	}
}
