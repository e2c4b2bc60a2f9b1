package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagee/engine/pkg/log"
)

// Client resolves secret references against the external secret store
// over HTTP. Resolutions are audited on the store side; the client only
// ever logs references and kinds, never values.
type Client struct {
	baseURL string
	hc      *http.Client
	logger  zerolog.Logger
}

// NewClient creates a secret store client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 10 * time.Second},
		logger:  log.WithComponent("secrets"),
	}
}

type resolveRequest struct {
	Ref         string `json:"ref"`
	ActorID     string `json:"actor_id"`
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Purpose     string `json:"purpose,omitempty"`
}

type resolveResponse struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Resolve fetches the cleartext for one reference. HTTP 404 maps to
// ErrNotFound, 403 to ErrForbidden; transport failures and 5xx responses
// map to ErrUnavailable so the engine retries them per policy.
func (c *Client) Resolve(ctx context.Context, req ResolveRequest) (Secret, error) {
	body, err := json.Marshal(resolveRequest{
		Ref:         req.Ref,
		ActorID:     req.ActorID,
		ExecutionID: req.ExecutionID,
		StepID:      req.StepID,
		Purpose:     req.Purpose,
	})
	if err != nil {
		return Secret{}, fmt.Errorf("failed to encode resolve request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/secrets/resolve", bytes.NewReader(body))
	if err != nil {
		return Secret{}, fmt.Errorf("failed to build resolve request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return Secret{}, fmt.Errorf("secret store request failed: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Secret{}, fmt.Errorf("ref %s: %w", req.Ref, ErrNotFound)
	case http.StatusForbidden:
		return Secret{}, fmt.Errorf("ref %s for actor %s: %w", req.Ref, req.ActorID, ErrForbidden)
	default:
		return Secret{}, fmt.Errorf("secret store returned %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var out resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Secret{}, fmt.Errorf("failed to decode resolve response: %w: %v", ErrUnavailable, err)
	}

	c.logger.Debug().
		Str("ref", req.Ref).
		Str("kind", out.Kind).
		Str("execution_id", req.ExecutionID).
		Str("step_id", req.StepID).
		Msg("Secret resolved")

	return NewSecret(req.Ref, out.Kind, out.Value), nil
}
