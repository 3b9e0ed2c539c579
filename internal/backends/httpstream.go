package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"relaystack.local/relay-gateway/internal/agent"
	"relaystack.local/relay-gateway/internal/streamparse"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatErrorEnvelope struct {
	Error chatError `json:"error"`
}

type chatError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func chatMessagesFromHistory(history []agent.Message) []chatMessage {
	messages := make([]chatMessage, 0, len(history))
	for _, msg := range history {
		messages = append(messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return messages
}

// streamChatCompletion posts an OpenAI-compatible streaming request and
// feeds the response body through the parser as bytes arrive. The parser is
// finalized before return on every successful connection, so buffered
// parsers still flush when the stream ends or is cut.
func streamChatCompletion(ctx context.Context, client *http.Client, backendName, endpoint, apiKey string, payload chatRequest, parser streamparse.Parser) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", backendName, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", backendName, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call %s api: %w", backendName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseChatAPIError(backendName, resp)
	}

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			parser.HandleChunk(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			parser.Finalize()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read %s stream: %w", backendName, readErr)
		}
	}

	parser.Finalize()
	return nil
}

func parseChatAPIError(backendName string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	message := strings.TrimSpace(string(body))
	if len(body) > 0 {
		var parsed chatErrorEnvelope
		if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
			message = parsed.Error.Message
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &agent.TransportError{
		Backend:    backendName,
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}
