package backends

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"relaystack.local/relay-gateway/internal/agent"
	"relaystack.local/relay-gateway/internal/procsup"
	"relaystack.local/relay-gateway/internal/streamparse"
)

const (
	defaultAiderCommand    = "aider"
	aiderInstallHint       = "pip install aider-chat"
	aiderInitializeTimeout = 10 * time.Second
)

type AiderOption func(*AiderBackend)

// AiderBackend wraps the aider CLI. Aider has no machine-readable stream
// mode, so its terminal output is run through the heuristic terminal parser
// to recover text, reasoning blocks, and file edits.
type AiderBackend struct {
	logger      *log.Logger
	command     string
	model       string
	cancelGrace time.Duration
	sessions    *agent.Table
}

func NewAiderBackend(logger *log.Logger, opts ...AiderOption) *AiderBackend {
	b := &AiderBackend{
		logger:   logger,
		command:  defaultAiderCommand,
		sessions: agent.NewTable(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func WithAiderCommand(command string) AiderOption {
	return func(b *AiderBackend) {
		if trimmed := strings.TrimSpace(command); trimmed != "" {
			b.command = trimmed
		}
	}
}

func WithAiderModel(model string) AiderOption {
	return func(b *AiderBackend) {
		b.model = strings.TrimSpace(model)
	}
}

// WithAiderCancelGrace overrides the SIGTERM-to-SIGKILL window; zero keeps
// the supervisor default.
func WithAiderCancelGrace(grace time.Duration) AiderOption {
	return func(b *AiderBackend) {
		if grace > 0 {
			b.cancelGrace = grace
		}
	}
}

var _ agent.Backend = (*AiderBackend)(nil)

func (b *AiderBackend) Name() string {
	return "aider"
}

func (b *AiderBackend) Initialize(ctx context.Context) error {
	if _, err := exec.LookPath(b.command); err != nil {
		return &agent.ConfigError{
			Backend: b.Name(),
			Missing: fmt.Sprintf("%s binary", b.command),
			Hint:    aiderInstallHint,
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, aiderInitializeTimeout)
	defer cancel()
	if err := exec.CommandContext(probeCtx, b.command, "--version").Run(); err != nil {
		return &agent.ConfigError{
			Backend: b.Name(),
			Missing: fmt.Sprintf("working %s binary", b.command),
			Hint:    aiderInstallHint,
		}
	}
	return nil
}

func (b *AiderBackend) NewSession(_ context.Context, cfg agent.SessionConfig) (string, error) {
	sess := b.sessions.Create(cfg)
	b.logger.Printf("session created backend=%s session_id=%s cwd=%s", b.Name(), sess.ID, cfg.WorkDir)
	return sess.ID, nil
}

func (b *AiderBackend) Prompt(ctx context.Context, sessionID string, content []agent.ContentPart, onUpdate agent.UpdateFunc) error {
	return runTurn(ctx, b.sessions, sessionID, content, onUpdate, func(turnCtx context.Context) (string, bool, error) {
		sess, ok := b.sessions.Get(sessionID)
		if !ok {
			return "", false, agent.ErrSessionNotFound
		}

		parser := streamparse.NewTerminalParser(streamparse.EmitFunc(onUpdate))

		args := []string{"--message", joinParts(content), "--yes-always", "--no-pretty"}
		model := sess.Config.Model
		if model == "" {
			model = b.model
		}
		if model != "" {
			args = append(args, "--model", model)
		}

		sup := procsup.New(b.logger, procsup.Config{
			Backend:     b.Name(),
			Command:     b.command,
			Args:        args,
			Dir:         sess.Config.WorkDir,
			GracePeriod: b.cancelGrace,
			InstallHint: aiderInstallHint,
			OnStdout:    parser.HandleChunk,
			OnStderr: func(line string) {
				b.logger.Printf("aider stderr session_id=%s line=%s", sessionID, line)
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

func (b *AiderBackend) CancelPrompt(sessionID string) {
	b.sessions.Cancel(sessionID)
}

func (b *AiderBackend) RestoreHistory(sessionID string, messages []agent.Message) error {
	return b.sessions.AppendAll(sessionID, messages)
}

func (b *AiderBackend) Disconnect() {
	b.sessions.CancelAll()
}
