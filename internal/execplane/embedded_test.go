package execplane_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwire/loopwire/internal/config"
	"github.com/loopwire/loopwire/internal/execplane"
	"github.com/loopwire/loopwire/pkg/models"
)

type capturedCompletion struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func TestEmbeddedRunSendsAgentTuning(t *testing.T) {
	var got capturedCompletion
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hi there"}}]}`))
	}))
	defer srv.Close()

	runner := execplane.NewEmbeddedRunner(config.FallbackConfig{
		Endpoint: srv.URL,
		APIKey:   "test-key",
		Model:    "gpt-test",
		Timeout:  time.Second,
	})

	var kinds []string
	agent := models.AgentConfig{SystemPrompt: "be nice", Temperature: 0.2, MaxTokens: 512}
	history := []models.Message{{Role: models.RoleUser, Content: "earlier"}}
	err := runner.Run(context.Background(), agent, history, "hello",
		func(kind string, payload json.RawMessage) {
			kinds = append(kinds, kind)
		})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", auth)
	assert.Equal(t, "gpt-test", got.Model, "empty agent model falls back to the configured one")
	assert.Equal(t, 0.2, got.Temperature)
	assert.Equal(t, 512, got.MaxTokens)

	require.Len(t, got.Messages, 3)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "be nice", got.Messages[0].Content)
	assert.Equal(t, "hello", got.Messages[2].Content)

	assert.Equal(t, []string{models.EventKindDelta, models.EventKindComplete}, kinds)
}

func TestEmbeddedRunRequiresAPIKey(t *testing.T) {
	runner := execplane.NewEmbeddedRunner(config.FallbackConfig{Endpoint: "http://localhost:0"})

	err := runner.Run(context.Background(), models.AgentConfig{}, nil, "hello",
		func(string, json.RawMessage) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key not configured")
}
