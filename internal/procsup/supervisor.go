// Package procsup owns the lifetime of one child process for the duration of
// one prompt turn. Whatever the turn's outcome, the process is never left
// running: cancellation escalates from SIGTERM to SIGKILL after a bounded
// grace period, and children are killed if the parent dies unexpectedly.
package procsup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"relaystack.local/relay-gateway/internal/agent"
)

const (
	DefaultGracePeriod = 5 * time.Second
	stderrErrorPrefix  = "Error: "
)

// DefaultCancelExitCodes are exit codes conventionally produced by processes
// we terminated ourselves (SIGINT, SIGKILL, SIGTERM shells). CLIs with other
// conventions override the set per Config.
var DefaultCancelExitCodes = []int{130, 137, 143}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

type Config struct {
	Backend string
	Command string
	Args    []string
	Dir     string
	Env     []string

	// Stdin is nil for CLIs that take their prompt via argv (the stream
	// then reads as closed); interactive protocols supply a reader.
	Stdin io.Reader

	// GracePeriod bounds how long a SIGTERM'd process may linger before
	// SIGKILL. Defaults to DefaultGracePeriod.
	GracePeriod time.Duration

	// CancelExitCodes classify an exit as our own cancellation when the
	// cancel signal was active. Defaults to DefaultCancelExitCodes.
	CancelExitCodes []int

	// InstallHint names how to obtain the binary when it is missing.
	InstallHint string

	// OnStdout receives raw stdout chunks (routed to a stream parser).
	OnStdout func(chunk []byte)

	// OnStderr receives stderr lines. Most CLIs log progress to stderr;
	// only `Error: `-prefixed lines are treated as fatal context.
	OnStderr func(line string)
}

type Supervisor struct {
	logger *log.Logger
	cfg    Config
}

func New(logger *log.Logger, cfg Config) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if len(cfg.CancelExitCodes) == 0 {
		cfg.CancelExitCodes = DefaultCancelExitCodes
	}
	return &Supervisor{logger: logger, cfg: cfg}
}

// Run spawns the process and blocks until it exits. The returned outcome is
// OutcomeSuccess for exit 0, OutcomeCancelled when ctx was cancelled and the
// exit matches our own termination, and OutcomeFailed otherwise (with the
// error describing the failure).
func (s *Supervisor) Run(ctx context.Context) (Outcome, error) {
	cfg := s.cfg

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stdin = cfg.Stdin
	cmd.SysProcAttr = sysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return OutcomeFailed, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return OutcomeFailed, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return OutcomeFailed, &agent.ConfigError{
				Backend: cfg.Backend,
				Missing: fmt.Sprintf("%s binary", cfg.Command),
				Hint:    cfg.InstallHint,
			}
		}
		return OutcomeFailed, fmt.Errorf("spawn %s: %w", cfg.Command, err)
	}

	var wg sync.WaitGroup
	var fatalLine string
	var fatalMu sync.Mutex

	wg.Add(2)
	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 && cfg.OnStdout != nil {
				cfg.OnStdout(buf[:n])
			}
			if readErr != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(strings.TrimSpace(line), stderrErrorPrefix) {
				fatalMu.Lock()
				fatalLine = strings.TrimSpace(line)
				fatalMu.Unlock()
			}
			if cfg.OnStderr != nil {
				cfg.OnStderr(line)
			}
		}
	}()

	// Single goroutine drives the escalation, so it fires exactly once no
	// matter how often the context signals.
	waitDone := make(chan struct{})
	cancelRequested := make(chan struct{})
	go func() {
		select {
		case <-waitDone:
			return
		case <-ctx.Done():
		}
		close(cancelRequested)

		s.logger.Printf("terminating process command=%s pid=%d grace=%s", cfg.Command, cmd.Process.Pid, cfg.GracePeriod)
		if err := terminate(cmd); err != nil {
			s.logger.Printf("terminate failed command=%s err=%v", cfg.Command, err)
		}
		select {
		case <-waitDone:
			return
		case <-time.After(cfg.GracePeriod):
		}
		s.logger.Printf("force killing process command=%s pid=%d", cfg.Command, cmd.Process.Pid)
		if err := kill(cmd); err != nil {
			s.logger.Printf("kill failed command=%s err=%v", cfg.Command, err)
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(waitDone)

	wasCancelled := false
	select {
	case <-cancelRequested:
		wasCancelled = true
	default:
		// ctx may have been cancelled after the process already exited.
		wasCancelled = ctx.Err() != nil
	}

	if waitErr == nil {
		if wasCancelled {
			return OutcomeCancelled, nil
		}
		return OutcomeSuccess, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		if wasCancelled && (code == -1 || s.isCancelExitCode(code)) {
			return OutcomeCancelled, nil
		}

		fatalMu.Lock()
		message := fatalLine
		fatalMu.Unlock()
		if message == "" {
			message = waitErr.Error()
		}
		return OutcomeFailed, &agent.TransportError{
			Backend:  cfg.Backend,
			ExitCode: code,
			Message:  message,
		}
	}

	return OutcomeFailed, fmt.Errorf("wait %s: %w", cfg.Command, waitErr)
}

func (s *Supervisor) isCancelExitCode(code int) bool {
	for _, c := range s.cfg.CancelExitCodes {
		if c == code {
			return true
		}
	}
	return false
}
