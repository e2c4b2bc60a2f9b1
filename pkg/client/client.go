package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	v1 "github.com/stagee/engine/pkg/api/v1"
)

// defaultTimeout bounds every unary call. Submit adds the caller's wait
// budget on top; follow streams run on the caller's context instead.
const defaultTimeout = 10 * time.Second

// APIError is a non-2xx response decoded from the engine's error shape.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("engine returned %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("engine returned %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is the engine saying the resource does
// not exist.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

// Client wraps the engine's admin HTTP API for easy CLI usage. Methods
// manage their own timeouts; it is safe for concurrent use.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient creates a client for the engine at addr. addr may be a bare
// host:port or a full http URL.
func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		hc:      &http.Client{},
	}
}

// Submit sends a plan for execution. When req.WaitMS is set the server
// holds the request open up to that long, so the call timeout stretches
// to cover it.
func (c *Client) Submit(req *v1.SubmitRequest) (*v1.SubmitResponse, error) {
	timeout := defaultTimeout
	if req.WaitMS > 0 {
		timeout += time.Duration(req.WaitMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var resp v1.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/executions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetExecution fetches one execution with its steps.
func (c *Client) GetExecution(id string) (*v1.ExecutionDetail, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var resp v1.ExecutionDetail
	if err := c.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListExecutions lists executions, optionally filtered by tenant and by
// one or more statuses.
func (c *Client) ListExecutions(tenantID string, statuses ...string) ([]*v1.Execution, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	q := url.Values{}
	if tenantID != "" {
		q.Set("tenant", tenantID)
	}
	for _, st := range statuses {
		q.Add("status", st)
	}
	path := "/v1/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp v1.ExecutionList
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

// Approve records an approve or reject decision for a parked execution.
// decision is "approve" or "reject"; planHash must match what the
// approver reviewed.
func (c *Client) Approve(id, actorID, planHash, decision string) (*v1.Execution, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	req := v1.ApproveRequest{ActorID: actorID, PlanHash: planHash, Decision: decision}
	var resp v1.Execution
	if err := c.do(ctx, http.MethodPost, "/v1/executions/"+url.PathEscape(id)+"/approve", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests cooperative cancellation of an execution.
func (c *Client) Cancel(id, actorID, reason string) (*v1.Execution, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	req := v1.CancelRequest{ActorID: actorID, Reason: reason}
	var resp v1.Execution
	if err := c.do(ctx, http.MethodPost, "/v1/executions/"+url.PathEscape(id)+"/cancel", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EventsSince returns the execution's audit events with sequence greater
// than since. since zero returns the full log.
func (c *Client) EventsSince(id string, since uint64) ([]*v1.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	path := "/v1/executions/" + url.PathEscape(id) + "/events"
	if since > 0 {
		path += "?since=" + strconv.FormatUint(since, 10)
	}
	var resp v1.EventList
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// FollowEvents streams the execution's events through fn until the
// execution settles, ctx is done, or fn returns an error. The server
// closes the stream after the terminal settle event.
func (c *Client) FollowEvents(ctx context.Context, id string, since uint64, fn func(*v1.Event) error) error {
	q := url.Values{"follow": {"true"}}
	if since > 0 {
		q.Set("since", strconv.FormatUint(since, 10))
	}
	path := "/v1/executions/" + url.PathEscape(id) + "/events?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build follow request: %w", err)
	}
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev v1.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream broke: %w", err)
	}
	return ctx.Err()
}

// ListDLQ lists dead-lettered executions, optionally for one tenant.
func (c *Client) ListDLQ(tenantID string) ([]*v1.DLQItem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	path := "/v1/dlq"
	if tenantID != "" {
		path += "?tenant=" + url.QueryEscape(tenantID)
	}
	var resp v1.DLQList
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// RequeueDLQ replays a dead-lettered execution and returns it in its
// requeued state.
func (c *Client) RequeueDLQ(dlqID, actorID string) (*v1.Execution, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	req := v1.RequeueRequest{ActorID: actorID}
	var resp v1.Execution
	if err := c.do(ctx, http.MethodPost, "/v1/dlq/"+url.PathEscape(dlqID)+"/requeue", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListLocks lists asset locks. assetID narrows to one asset; expiredOnly
// keeps only locks past their expiry that no reaper has collected yet.
func (c *Client) ListLocks(assetID string, expiredOnly bool) ([]*v1.Lock, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	q := url.Values{}
	if assetID != "" {
		q.Set("asset", assetID)
	}
	if expiredOnly {
		q.Set("expired", "true")
	}
	path := "/v1/locks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp v1.LockList
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Locks, nil
}

// ReleaseLock force-releases a lock by its ID. Operator escape hatch; the
// release is audited on the owning execution server-side.
func (c *Client) ReleaseLock(lockID, actorID string) (*v1.Lock, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	req := struct {
		LockID  string `json:"lock_id"`
		ActorID string `json:"actor_id"`
	}{LockID: lockID, ActorID: actorID}

	var resp v1.Lock
	if err := c.do(ctx, http.MethodPost, "/v1/locks/release", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListWorkers reports the server's worker pool occupation.
func (c *Client) ListWorkers() ([]*v1.Worker, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var resp v1.WorkerList
	if err := c.do(ctx, http.MethodGet, "/v1/workers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// Status summarizes the engine instance: executions by status, queue
// depth, DLQ size, held locks, and worker occupation.
func (c *Client) Status() (*v1.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var resp v1.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version reports the server's build information.
func (c *Client) Version() (*v1.VersionResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var resp v1.VersionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/version", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs one JSON round trip. A nil out discards the body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("engine request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError turns a non-2xx response into an APIError, falling back to
// the raw body when it is not the engine's error shape.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var wire v1.ErrorResponse
	if err := json.Unmarshal(raw, &wire); err == nil && wire.Error != "" {
		return &APIError{Status: resp.StatusCode, Kind: wire.Kind, Message: wire.Error}
	}
	return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}
