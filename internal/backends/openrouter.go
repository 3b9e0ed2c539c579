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
	defaultOpenRouterEndpoint = "https://openrouter.ai/api/v1/chat/completions"
	defaultOpenRouterModel    = "anthropic/claude-sonnet-4"
)

type OpenRouterOption func(*OpenRouterBackend)

// OpenRouterBackend drives OpenAI-compatible chat-completions streaming
// against OpenRouter. Text and reasoning deltas are forwarded to the caller
// incrementally, as they arrive.
type OpenRouterBackend struct {
	logger   *log.Logger
	apiKey   string
	endpoint string
	model    string
	client   *http.Client
	sessions *agent.Table
}

func NewOpenRouterBackend(logger *log.Logger, apiKey string, opts ...OpenRouterOption) *OpenRouterBackend {
	b := &OpenRouterBackend{
		logger:   logger,
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: defaultOpenRouterEndpoint,
		model:    defaultOpenRouterModel,
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

func WithOpenRouterEndpoint(endpoint string) OpenRouterOption {
	return func(b *OpenRouterBackend) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			b.endpoint = trimmed
		}
	}
}

func WithOpenRouterModel(model string) OpenRouterOption {
	return func(b *OpenRouterBackend) {
		if trimmed := strings.TrimSpace(model); trimmed != "" {
			b.model = trimmed
		}
	}
}

func WithOpenRouterHTTPClient(client *http.Client) OpenRouterOption {
	return func(b *OpenRouterBackend) {
		if client != nil {
			b.client = client
		}
	}
}

var _ agent.Backend = (*OpenRouterBackend)(nil)

func (b *OpenRouterBackend) Name() string {
	return "openrouter"
}

func (b *OpenRouterBackend) Initialize(_ context.Context) error {
	if b.apiKey == "" {
		return &agent.ConfigError{
			Backend: b.Name(),
			Missing: "api key",
			Hint:    "set OPENROUTER_API_KEY",
		}
	}
	return nil
}

func (b *OpenRouterBackend) NewSession(_ context.Context, cfg agent.SessionConfig) (string, error) {
	sess := b.sessions.Create(cfg)
	b.logger.Printf("session created backend=%s session_id=%s cwd=%s", b.Name(), sess.ID, cfg.WorkDir)
	return sess.ID, nil
}

func (b *OpenRouterBackend) Prompt(ctx context.Context, sessionID string, content []agent.ContentPart, onUpdate agent.UpdateFunc) error {
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

		parser := streamparse.NewDeltaParser(streamparse.EmitFunc(onUpdate))
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

func (b *OpenRouterBackend) CancelPrompt(sessionID string) {
	b.sessions.Cancel(sessionID)
}

func (b *OpenRouterBackend) RestoreHistory(sessionID string, messages []agent.Message) error {
	return b.sessions.AppendAll(sessionID, messages)
}

func (b *OpenRouterBackend) Disconnect() {
	b.sessions.CancelAll()
}
