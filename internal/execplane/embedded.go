package execplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/loopwire/loopwire/internal/config"
	"github.com/loopwire/loopwire/pkg/models"
)

// EmbeddedRunner executes a turn in-process against an OpenAI-compatible
// chat completions endpoint. It is the degraded path used when the
// execution plane circuit is open: no tools, no skills, just a plain
// model reply streamed back as a single delta followed by complete.
type EmbeddedRunner struct {
	cfg    config.FallbackConfig
	client *http.Client
}

// NewEmbeddedRunner creates the fallback runner.
func NewEmbeddedRunner(cfg config.FallbackConfig) *EmbeddedRunner {
	return &EmbeddedRunner{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Run performs one completion and pushes the result through emit as a
// delta event followed by a complete event. A non-nil error means no
// complete event was emitted.
func (er *EmbeddedRunner) Run(ctx context.Context, agent models.AgentConfig, history []models.Message, text string, emit func(kind string, payload json.RawMessage)) error {
	if er.cfg.APIKey == "" {
		return fmt.Errorf("embedded: api key not configured")
	}

	model := agent.Model
	if model == "" {
		model = er.cfg.Model
	}

	messages := make([]chatMessage, 0, len(history)+2)
	if agent.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: agent.SystemPrompt})
	}
	for _, m := range history {
		messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: text})

	body, _ := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxTokens,
	})

	url := er.cfg.Endpoint + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedded: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+er.cfg.APIKey)

	resp, err := er.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedded: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("embedded: status %d: %s", resp.StatusCode, string(respBody))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fmt.Errorf("embedded: decode response: %w", err)
	}

	content := ""
	if len(cr.Choices) > 0 {
		content = cr.Choices[0].Message.Content
	}

	delta, _ := json.Marshal(map[string]string{"text": content})
	emit(models.EventKindDelta, delta)

	done, _ := json.Marshal(map[string]string{"text": content})
	emit(models.EventKindComplete, done)

	return nil
}
