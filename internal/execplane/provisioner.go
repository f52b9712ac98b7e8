package execplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loopwire/loopwire/internal/config"
	"github.com/loopwire/loopwire/pkg/models"
)

// HTTPProvisioner talks to the execution plane's worker provisioning API.
// It implements runtime.Provisioner. Worker lifecycle is owned entirely
// by the remote side; this client only requests and reads state.
type HTTPProvisioner struct {
	cfg    config.ExecPlaneConfig
	client *http.Client
}

// NewHTTPProvisioner creates the provisioning API client.
func NewHTTPProvisioner(cfg config.ExecPlaneConfig) *HTTPProvisioner {
	return &HTTPProvisioner{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type ensureRequest struct {
	UserID string                `json:"user_id"`
	OrgID  string                `json:"org_id"`
	Hints  models.ProvisionHints `json:"hints"`
}

// EnsureReady requests (or refreshes) the worker for (user, org) and
// returns its current state as reported by the provisioning API.
func (p *HTTPProvisioner) EnsureReady(ctx context.Context, userID, orgID string, hints models.ProvisionHints) (models.ReadinessState, error) {
	body, _ := json.Marshal(ensureRequest{UserID: userID, OrgID: orgID, Hints: hints})

	url := p.cfg.ProvisionURL + "/v1/workers/ensure"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.ReadinessState{}, fmt.Errorf("provision: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return models.ReadinessState{}, fmt.Errorf("provision: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return models.ReadinessState{}, fmt.Errorf("provision: status %d: %s", resp.StatusCode, string(respBody))
	}

	var state models.ReadinessState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return models.ReadinessState{}, fmt.Errorf("provision: decode response: %w", err)
	}
	return state, nil
}
