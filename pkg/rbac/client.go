package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stagee/engine/pkg/types"
)

// Client is the HTTP oracle backed by the external permission service.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient creates a permission service client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 5 * time.Second},
	}
}

type checkRequest struct {
	ActorID     string            `json:"actor_id"`
	TenantID    string            `json:"tenant_id"`
	AssetID     string            `json:"asset_id"`
	ActionClass types.ActionClass `json:"action_class"`
}

// Check asks the permission service for a verdict. Any transport failure
// or non-200 response maps to ErrUnavailable; a denial is a 200 carrying
// allowed=false.
func (c *Client) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	body, err := json.Marshal(checkRequest{
		ActorID:     req.ActorID,
		TenantID:    req.TenantID,
		AssetID:     req.AssetID,
		ActionClass: req.ActionClass,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to encode check request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/authz/check", bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to build check request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return Decision{}, fmt.Errorf("permission service request failed: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("permission service returned %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var d Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return Decision{}, fmt.Errorf("failed to decode check response: %w: %v", ErrUnavailable, err)
	}
	return d, nil
}
