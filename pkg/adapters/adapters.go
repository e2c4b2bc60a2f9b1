package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/stagee/engine/pkg/log"
	"github.com/stagee/engine/pkg/masking"
	"github.com/stagee/engine/pkg/metrics"
	"github.com/stagee/engine/pkg/policy"
	"github.com/stagee/engine/pkg/types"
)

var (
	// ErrUnavailable marks transport-level failures: the adapter could not
	// be reached or was not ready. The engine treats it as transient.
	ErrUnavailable = errors.New("adapter unavailable")

	// ErrBadRequest marks requests the adapter rejected outright. The
	// engine treats it as permanent.
	ErrBadRequest = errors.New("adapter rejected request")
)

// maxTransportRetries bounds transport-level retries per step invocation.
// Business failures come back as structured responses and are never
// replayed here; the engine owns that retry budget.
const maxTransportRetries = 3

// ExecuteRequest is the wire request for one step invocation. Secrets are
// resolved just-in-time by the worker and exist only for the lifetime of
// the call.
type ExecuteRequest struct {
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	TenantID    string            `json:"tenant_id"`
	AssetID     string            `json:"asset_id"`
	Name        string            `json:"name"`
	ActionClass types.ActionClass `json:"action_class"`
	Action      map[string]any    `json:"action"`
	Secrets     map[string]string `json:"secrets,omitempty"`
	Attempt     int               `json:"attempt"`
	DeadlineAt  time.Time         `json:"deadline_at"`
	TraceID     string            `json:"trace_id,omitempty"`
}

// ExecuteResponse is the adapter's wire reply. Failed steps still come
// back as HTTP 200 with exit_status=fail and an error kind; non-200 means
// the invocation itself misfired.
type ExecuteResponse struct {
	ExitStatus types.ExitStatus `json:"exit_status"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	Artifacts  string           `json:"artifacts,omitempty"`
	Logs       string           `json:"logs,omitempty"`
	ErrorKind  types.ErrorKind  `json:"error_kind,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// Client invokes one adapter over HTTP. Responses are masked before they
// leave this package; raw payloads are never logged.
type Client struct {
	kind    types.AdapterKind
	baseURL string
	hc      *http.Client
	masker  *masking.Masker
	logger  zerolog.Logger
}

// NewClient creates an adapter client. The masker scrubs artifacts, logs,
// and messages on the way in; while a step's secret bundle is open its
// literals are registered there, so adapter output cannot echo them back.
func NewClient(kind types.AdapterKind, baseURL string, masker *masking.Masker) *Client {
	if masker == nil {
		masker = masking.NewMasker()
	}
	return &Client{
		kind:    kind,
		baseURL: baseURL,
		// The context deadline governs each call; the client timeout is a
		// backstop for callers that forgot one.
		hc:     &http.Client{Timeout: 10 * time.Minute},
		masker: masker,
		logger: log.WithComponent("adapter." + string(kind)),
	}
}

// Kind returns which adapter this client talks to.
func (c *Client) Kind() types.AdapterKind {
	return c.kind
}

// ExecuteStep runs one step on the adapter. Connection failures and
// 502/503 responses are retried up to three times inside the context
// deadline; everything else surfaces immediately. The deadline is shaved
// by a small jitter so this side always classifies the timeout before the
// adapter's own enforcement races it.
func (c *Client) ExecuteStep(ctx context.Context, req ExecuteRequest) (*types.StepResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execute request: %w", err)
	}

	callCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		budget := time.Until(deadline) - deadlineJitter()
		if budget <= 0 {
			return nil, fmt.Errorf("step %s has no deadline budget left: %w", req.StepID, context.DeadlineExceeded)
		}
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	maxElapsed := time.Duration(0)
	if deadline, ok := callCtx.Deadline(); ok {
		maxElapsed = time.Until(deadline)
	}

	timer := metrics.NewTimer()
	attempts := 0
	var out *types.StepResult
	op := func() error {
		attempts++
		if attempts > 1 {
			metrics.AdapterRetriesTotal.WithLabelValues(string(c.kind)).Inc()
		}
		res, err := c.do(callCtx, body, req.StepID)
		if err != nil {
			return err
		}
		out = res
		return nil
	}

	bo := backoff.WithMaxRetries(policy.NewTransportBackOff(maxElapsed), maxTransportRetries)
	err = backoff.Retry(op, backoff.WithContext(bo, callCtx))
	timer.ObserveDurationVec(metrics.AdapterRequestDuration, string(c.kind))

	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("execution_id", req.ExecutionID).
			Str("step_id", req.StepID).
			Str("asset_id", req.AssetID).
			Int("attempts", attempts).
			Dur("duration", timer.Duration()).
			Msg("step invocation failed")
		return nil, err
	}

	c.logger.Debug().
		Str("execution_id", req.ExecutionID).
		Str("step_id", req.StepID).
		Str("asset_id", req.AssetID).
		Str("exit_status", string(out.ExitStatus)).
		Str("error_kind", string(out.ErrorKind)).
		Int("attempts", attempts).
		Dur("duration", timer.Duration()).
		Msg("step executed")
	return out, nil
}

func (c *Client) do(ctx context.Context, body []byte, stepID string) (*types.StepResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build execute request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(fmt.Errorf("step %s adapter call aborted: %w", stepID, ctx.Err()))
		}
		return nil, fmt.Errorf("adapter request failed: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		// The request never made it to a live adapter; safe to resend.
		return nil, fmt.Errorf("adapter returned %d: %w", resp.StatusCode, ErrUnavailable)
	case http.StatusBadRequest:
		return nil, backoff.Permanent(fmt.Errorf("adapter returned %d: %w", resp.StatusCode, ErrBadRequest))
	default:
		// Anything else may have started the action. Surface without a
		// transport replay; the engine's retry policy owns what happens next.
		return nil, backoff.Permanent(fmt.Errorf("adapter returned %d: %w", resp.StatusCode, ErrUnavailable))
	}

	var out ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode execute response: %w: %v", ErrUnavailable, err))
	}
	return c.result(out), nil
}

// result converts the wire response into the engine's shape, masking every
// free-text field on the way.
func (c *Client) result(out ExecuteResponse) *types.StepResult {
	res := &types.StepResult{
		ExitStatus: out.ExitStatus,
		ExitCode:   out.ExitCode,
		Artifacts:  c.masker.MaskString(out.Artifacts),
		Logs:       c.masker.MaskString(out.Logs),
		ErrorKind:  out.ErrorKind,
		Message:    c.masker.MaskString(out.Message),
	}
	if res.ExitStatus != types.ExitOK && res.ExitStatus != types.ExitFail {
		res.ExitStatus = types.ExitFail
		if res.ErrorKind == types.ErrKindNone {
			res.ErrorKind = types.ErrKindPermanent
		}
		if res.Message == "" {
			res.Message = fmt.Sprintf("adapter returned unknown exit status %q", string(out.ExitStatus))
		}
	}
	return res
}

// deadlineJitter is the slack shaved off the step deadline before it is
// handed to the transport, 50 to 150 ms.
func deadlineJitter() time.Duration {
	return time.Duration(50+rand.Intn(100)) * time.Millisecond
}

// Set holds one client per adapter kind.
type Set struct {
	asset      *Client
	automation *Client
}

// NewSet builds the standard pair of adapter clients sharing one masker.
func NewSet(assetURL, automationURL string, masker *masking.Masker) *Set {
	return &Set{
		asset:      NewClient(types.AdapterAsset, assetURL, masker),
		automation: NewClient(types.AdapterAutomation, automationURL, masker),
	}
}

// For returns the client for a step's adapter kind.
func (s *Set) For(kind types.AdapterKind) (*Client, error) {
	switch kind {
	case types.AdapterAsset:
		return s.asset, nil
	case types.AdapterAutomation:
		return s.automation, nil
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", string(kind))
	}
}
