package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"relaystack.local/relay-gateway/internal/agent"
	"relaystack.local/relay-gateway/internal/procsup"
	"relaystack.local/relay-gateway/internal/streamparse"
)

const (
	defaultCursorCommand    = "cursor-agent"
	cursorInstallHint       = "install cursor-agent from https://cursor.com/cli"
	cursorCancelGrace       = 2 * time.Second
	cursorInitializeTimeout = 10 * time.Second
)

type CursorOption func(*CursorBackend)

// CursorBackend wraps the cursor-agent CLI. Each turn is one supervised
// process invocation streaming NDJSON events on stdout; stdin stays open for
// the duration of the turn so permission responses can be written back while
// the agent has a tool call parked.
type CursorBackend struct {
	logger       *log.Logger
	command      string
	model        string
	cancelGrace  time.Duration
	onPermission agent.PermissionRequestFunc
	sessions     *agent.Table

	mu    sync.Mutex
	stdin map[string]*io.PipeWriter
}

func NewCursorBackend(logger *log.Logger, opts ...CursorOption) *CursorBackend {
	b := &CursorBackend{
		logger:      logger,
		command:     defaultCursorCommand,
		cancelGrace: cursorCancelGrace,
		sessions:    agent.NewTable(),
		stdin:       make(map[string]*io.PipeWriter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func WithCursorCommand(command string) CursorOption {
	return func(b *CursorBackend) {
		if trimmed := strings.TrimSpace(command); trimmed != "" {
			b.command = trimmed
		}
	}
}

func WithCursorModel(model string) CursorOption {
	return func(b *CursorBackend) {
		b.model = strings.TrimSpace(model)
	}
}

// WithCursorCancelGrace overrides the SIGTERM-to-SIGKILL window.
func WithCursorCancelGrace(grace time.Duration) CursorOption {
	return func(b *CursorBackend) {
		if grace > 0 {
			b.cancelGrace = grace
		}
	}
}

// WithCursorPermissionRequests installs the callback invoked when the agent
// parks a tool call pending approval.
func WithCursorPermissionRequests(fn agent.PermissionRequestFunc) CursorOption {
	return func(b *CursorBackend) {
		b.onPermission = fn
	}
}

var (
	_ agent.Backend             = (*CursorBackend)(nil)
	_ agent.PermissionResponder = (*CursorBackend)(nil)
)

func (b *CursorBackend) Name() string {
	return "cursor"
}

func (b *CursorBackend) Initialize(ctx context.Context) error {
	if _, err := exec.LookPath(b.command); err != nil {
		return &agent.ConfigError{
			Backend: b.Name(),
			Missing: fmt.Sprintf("%s binary", b.command),
			Hint:    cursorInstallHint,
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, cursorInitializeTimeout)
	defer cancel()
	if err := exec.CommandContext(probeCtx, b.command, "--version").Run(); err != nil {
		return &agent.ConfigError{
			Backend: b.Name(),
			Missing: fmt.Sprintf("working %s binary", b.command),
			Hint:    cursorInstallHint,
		}
	}
	return nil
}

func (b *CursorBackend) NewSession(_ context.Context, cfg agent.SessionConfig) (string, error) {
	sess := b.sessions.Create(cfg)
	b.logger.Printf("session created backend=%s session_id=%s cwd=%s", b.Name(), sess.ID, cfg.WorkDir)
	return sess.ID, nil
}

func (b *CursorBackend) Prompt(ctx context.Context, sessionID string, content []agent.ContentPart, onUpdate agent.UpdateFunc) error {
	return runTurn(ctx, b.sessions, sessionID, content, onUpdate, func(turnCtx context.Context) (string, bool, error) {
		sess, ok := b.sessions.Get(sessionID)
		if !ok {
			return "", false, agent.ErrSessionNotFound
		}

		parser := streamparse.NewLineParser(streamparse.EmitFunc(onUpdate),
			streamparse.WithPermissionRequests(func(requestID, toolName string) {
				if b.onPermission != nil {
					b.onPermission(sessionID, requestID, toolName)
				}
			}))

		args := []string{"--print", "--output-format", "stream-json"}
		model := sess.Config.Model
		if model == "" {
			model = b.model
		}
		if model != "" {
			args = append(args, "--model", model)
		}
		args = append(args, joinParts(content))

		pr, pw := io.Pipe()
		b.registerStdin(sessionID, pw)
		defer func() {
			b.unregisterStdin(sessionID)
			pw.Close()
		}()

		sup := procsup.New(b.logger, procsup.Config{
			Backend:     b.Name(),
			Command:     b.command,
			Args:        args,
			Dir:         sess.Config.WorkDir,
			Stdin:       pr,
			GracePeriod: b.cancelGrace,
			InstallHint: cursorInstallHint,
			OnStdout:    parser.HandleChunk,
			OnStderr: func(line string) {
				b.logger.Printf("cursor stderr session_id=%s line=%s", sessionID, line)
			},
		})

		outcome, err := sup.Run(turnCtx)
		parser.Finalize()
		switch outcome {
		case procsup.OutcomeCancelled:
			return "", true, nil
		case procsup.OutcomeFailed:
			return "", false, err
		default:
			return parser.Text(), false, nil
		}
	})
}

func (b *CursorBackend) CancelPrompt(sessionID string) {
	b.sessions.Cancel(sessionID)
}

// RespondToPermission writes the approval decision back to the agent over the
// turn's stdin pipe. Fails when the session has no turn in flight.
func (b *CursorBackend) RespondToPermission(sessionID, requestID string, approve bool) error {
	b.mu.Lock()
	pw, ok := b.stdin[sessionID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("cursor: session %s has no active turn awaiting permission", sessionID)
	}

	payload, err := json.Marshal(map[string]any{
		"type":    "permission_response",
		"id":      requestID,
		"approve": approve,
	})
	if err != nil {
		return fmt.Errorf("cursor: marshal permission response: %w", err)
	}
	if _, err := pw.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("cursor: write permission response: %w", err)
	}
	return nil
}

func (b *CursorBackend) RestoreHistory(sessionID string, messages []agent.Message) error {
	return b.sessions.AppendAll(sessionID, messages)
}

func (b *CursorBackend) Disconnect() {
	b.sessions.CancelAll()

	b.mu.Lock()
	writers := make([]*io.PipeWriter, 0, len(b.stdin))
	for _, pw := range b.stdin {
		writers = append(writers, pw)
	}
	b.stdin = make(map[string]*io.PipeWriter)
	b.mu.Unlock()
	for _, pw := range writers {
		pw.Close()
	}
}

func (b *CursorBackend) registerStdin(sessionID string, pw *io.PipeWriter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stdin[sessionID] = pw
}

func (b *CursorBackend) unregisterStdin(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stdin, sessionID)
}
