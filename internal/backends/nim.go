package backends

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"relaystack.local/relay-gateway/internal/agent"
	"relaystack.local/relay-gateway/internal/streamparse"
)

const (
	defaultNIMEndpoint = "https://integrate.api.nvidia.com/v1/chat/completions"
	defaultNIMModel    = "deepseek-ai/deepseek-r1"
)

type NIMOption func(*NIMBackend)

// NIMBackend drives NVIDIA NIM chat completions. NIM reasoning models
// interleave reasoning_content and content deltas, so the stream is buffered
// and emitted as one reasoning message plus one text message at turn end.
type NIMBackend struct {
	logger   *log.Logger
	apiKey   string
	endpoint string
	model    string
	client   *http.Client
	sessions *agent.Table
}

func NewNIMBackend(logger *log.Logger, apiKey string, opts ...NIMOption) *NIMBackend {
	b := &NIMBackend{
		logger:   logger,
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: defaultNIMEndpoint,
		model:    defaultNIMModel,
		client:   &http.Client{Timeout: 10 * time.Minute},
		sessions: agent.NewTable(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func WithNIMEndpoint(endpoint string) NIMOption {
	return func(b *NIMBackend) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			b.endpoint = trimmed
		}
	}
}

func WithNIMModel(model string) NIMOption {
	return func(b *NIMBackend) {
		if trimmed := strings.TrimSpace(model); trimmed != "" {
			b.model = trimmed
		}
	}
}

func WithNIMHTTPClient(client *http.Client) NIMOption {
	return func(b *NIMBackend) {
		if client != nil {
			b.client = client
		}
	}
}

var _ agent.Backend = (*NIMBackend)(nil)

func (b *NIMBackend) Name() string {
	return "nim"
}

func (b *NIMBackend) Initialize(_ context.Context) error {
	if b.apiKey == "" {
		return &agent.ConfigError{
			Backend: b.Name(),
			Missing: "api key",
			Hint:    "set NVIDIA_API_KEY",
		}
	}
	return nil
}

func (b *NIMBackend) NewSession(_ context.Context, cfg agent.SessionConfig) (string, error) {
	sess := b.sessions.Create(cfg)
	b.logger.Printf("session created backend=%s session_id=%s cwd=%s", b.Name(), sess.ID, cfg.WorkDir)
	return sess.ID, nil
}

func (b *NIMBackend) Prompt(ctx context.Context, sessionID string, content []agent.ContentPart, onUpdate agent.UpdateFunc) error {
	return runTurn(ctx, b.sessions, sessionID, content, onUpdate, func(turnCtx context.Context) (string, bool, error) {
		history, err := b.sessions.History(sessionID)
		if err != nil {
			return "", false, err
		}

		sess, ok := b.sessions.Get(sessionID)
		if !ok {
			return "", false, agent.ErrSessionNotFound
		}
		model := sess.Config.Model
		if model == "" {
			model = b.model
		}

		parser := streamparse.NewDeltaParser(streamparse.EmitFunc(onUpdate), streamparse.WithBufferedEmission())
		err = streamChatCompletion(turnCtx, b.client, b.Name(), b.endpoint, b.apiKey, chatRequest{
			Model:    model,
			Messages: chatMessagesFromHistory(history),
			Stream:   true,
		}, parser)
		if err != nil {
			if errors.Is(err, context.Canceled) || turnCtx.Err() != nil {
				return "", true, nil
			}
			return "", false, err
		}
		return parser.Text(), false, nil
	})
}

func (b *NIMBackend) CancelPrompt(sessionID string) {
	b.sessions.Cancel(sessionID)
}

func (b *NIMBackend) RestoreHistory(sessionID string, messages []agent.Message) error {
	return b.sessions.AppendAll(sessionID, messages)
}

func (b *NIMBackend) Disconnect() {
	b.sessions.CancelAll()
}
