package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagee/engine/pkg/cancel"
	"github.com/stagee/engine/pkg/dispatcher"
	"github.com/stagee/engine/pkg/events"
	"github.com/stagee/engine/pkg/storage"
	"github.com/stagee/engine/pkg/types"

	v1 "github.com/stagee/engine/pkg/api/v1"
)

type apiRig struct {
	store  storage.Store
	broker *events.Broker
	srv    *httptest.Server
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "engine.db"), storage.WithBroker(broker))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	disp := dispatcher.New(dispatcher.Deps{
		Store:    store,
		Broker:   broker,
		Registry: cancel.NewRegistry(),
	})
	server := NewServer(Deps{Dispatcher: disp, Store: store, Broker: broker}, WithVersion("test"))
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &apiRig{store: store, broker: broker, srv: srv}
}

func (rig *apiRig) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(rig.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (rig *apiRig) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(rig.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func wirePlan() *v1.Plan {
	return &v1.Plan{
		Name:             "restart-nginx",
		SLAClass:         "fast",
		ExpectedDuration: "5s",
		Steps: []v1.PlanStep{{
			Name:        "restart nginx",
			AssetID:     "web-01",
			Adapter:     "asset",
			ActionClass: "modify",
			Action:      map[string]any{"command": "systemctl restart nginx"},
		}},
	}
}

func (rig *apiRig) submit(t *testing.T, req v1.SubmitRequest) (int, v1.SubmitResponse) {
	t.Helper()
	resp := rig.post(t, "/v1/executions", req)
	var out v1.SubmitResponse
	decodeJSON(t, resp, &out)
	return resp.StatusCode, out
}

func TestSubmitEndpointCreatesExecution(t *testing.T) {
	rig := newAPIRig(t)

	code, out := rig.submit(t, v1.SubmitRequest{
		TenantID: "acme",
		ActorID:  "ops-user",
		Plan:     wirePlan(),
	})
	require.Equal(t, http.StatusCreated, code)
	require.NotNil(t, out.Execution)
	assert.Equal(t, "queued", out.Execution.Status)
	assert.Equal(t, "immediate", out.Execution.Mode)
	assert.Equal(t, "restart-nginx", out.Execution.PlanName)
	assert.False(t, out.IdempotentHit)

	resp := rig.get(t, "/v1/executions/"+out.Execution.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail v1.ExecutionDetail
	decodeJSON(t, resp, &detail)
	assert.Equal(t, out.Execution.ID, detail.Execution.ID)
	require.Len(t, detail.Steps, 1)
	assert.Equal(t, "pending", detail.Steps[0].Status)
	assert.Equal(t, "web-01", detail.Steps[0].AssetID)
}

func TestSubmitEndpointRejectsBadInput(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.post(t, "/v1/executions", v1.SubmitRequest{TenantID: "acme", ActorID: "ops-user"})
	var apiErr v1.ErrorResponse
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_plan", apiErr.Kind)

	bad := wirePlan()
	bad.ExpectedDuration = "later"
	resp = rig.post(t, "/v1/executions", v1.SubmitRequest{TenantID: "acme", ActorID: "ops-user", Plan: bad})
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(rig.srv.URL+"/v1/executions", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown adapter kind fails plan validation inside the dispatcher.
	invalid := wirePlan()
	invalid.Steps[0].Adapter = "carrier-pigeon"
	resp = rig.post(t, "/v1/executions", v1.SubmitRequest{TenantID: "acme", ActorID: "ops-user", Plan: invalid})
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_plan", apiErr.Kind)
}

func TestSubmitEndpointIdempotentHit(t *testing.T) {
	rig := newAPIRig(t)

	req := v1.SubmitRequest{
		TenantID: "acme",
		ActorID:  "ops-user",
		Plan:     wirePlan(),
		Options:  v1.SubmitOptions{IdempotencyKey: "deploy-42"},
	}
	code, first := rig.submit(t, req)
	require.Equal(t, http.StatusCreated, code)

	code, second := rig.submit(t, req)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, second.IdempotentHit)
	assert.Equal(t, first.Execution.ID, second.Execution.ID)
}

func TestApproveEndpoint(t *testing.T) {
	rig := newAPIRig(t)

	code, out := rig.submit(t, v1.SubmitRequest{
		TenantID: "acme",
		ActorID:  "ops-user",
		Plan:     wirePlan(),
		Options:  v1.SubmitOptions{ApprovalLevel: 1},
	})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "pending_approval", out.Execution.Status)
	execID := out.Execution.ID

	resp := rig.post(t, "/v1/executions/"+execID+"/approve", v1.ApproveRequest{
		ActorID:  "lead-sre",
		PlanHash: "deadbeef",
		Decision: "approve",
	})
	var apiErr v1.ErrorResponse
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "plan_hash_mismatch", apiErr.Kind)

	resp = rig.post(t, "/v1/executions/"+execID+"/approve", v1.ApproveRequest{
		ActorID:  "lead-sre",
		PlanHash: out.Execution.PlanHash,
		Decision: "maybe",
	})
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = rig.post(t, "/v1/executions/"+execID+"/approve", v1.ApproveRequest{
		ActorID:  "lead-sre",
		PlanHash: out.Execution.PlanHash,
		Decision: "approve",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exec v1.Execution
	decodeJSON(t, resp, &exec)
	assert.Equal(t, "queued", exec.Status)
}

func TestCancelEndpoint(t *testing.T) {
	rig := newAPIRig(t)

	code, out := rig.submit(t, v1.SubmitRequest{TenantID: "acme", ActorID: "ops-user", Plan: wirePlan()})
	require.Equal(t, http.StatusCreated, code)
	execID := out.Execution.ID

	resp := rig.post(t, "/v1/executions/"+execID+"/cancel", v1.CancelRequest{ActorID: "ops-user", Reason: "abort"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exec v1.Execution
	decodeJSON(t, resp, &exec)
	assert.Equal(t, "cancelled", exec.Status)

	resp = rig.post(t, "/v1/executions/"+execID+"/cancel", v1.CancelRequest{ActorID: "ops-user"})
	var apiErr v1.ErrorResponse
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Kind)

	resp = rig.post(t, "/v1/executions/no-such-exec/cancel", v1.CancelRequest{ActorID: "ops-user"})
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", apiErr.Kind)
}

func TestEventsEndpointListsOrdered(t *testing.T) {
	rig := newAPIRig(t)

	code, out := rig.submit(t, v1.SubmitRequest{TenantID: "acme", ActorID: "ops-user", Plan: wirePlan()})
	require.Equal(t, http.StatusCreated, code)
	execID := out.Execution.ID

	resp := rig.get(t, "/v1/executions/"+execID+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list v1.EventList
	decodeJSON(t, resp, &list)
	require.NotEmpty(t, list.Events)
	var last uint64
	for _, ev := range list.Events {
		assert.Greater(t, ev.Sequence, last)
		last = ev.Sequence
	}

	resp = rig.get(t, "/v1/executions/"+execID+"/events?since="+strconvUint(last))
	var tail v1.EventList
	decodeJSON(t, resp, &tail)
	assert.Empty(t, tail.Events)

	resp = rig.get(t, "/v1/executions/"+execID+"/events?since=bogus")
	var apiErr v1.ErrorResponse
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = rig.get(t, "/v1/executions/no-such-exec/events")
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func strconvUint(n uint64) string {
	return strconvFormatUint(n)
}

func strconvFormatUint(n uint64) string {
	const digits = "0123456789"
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}

func TestEventsFollowStreamsUntilTerminal(t *testing.T) {
	rig := newAPIRig(t)

	code, out := rig.submit(t, v1.SubmitRequest{TenantID: "acme", ActorID: "ops-user", Plan: wirePlan()})
	require.Equal(t, http.StatusCreated, code)
	execID := out.Execution.ID

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = rig.store.RequestCancel(execID, "ops-user", "abort stream test")
	}()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		rig.srv.URL+"/v1/executions/"+execID+"/events?follow=true", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var evs []v1.Event
	var last uint64
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev v1.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		require.Greater(t, ev.Sequence, last)
		last = ev.Sequence
		evs = append(evs, ev)
	}
	// The stream ends on its own once the execution settles.
	require.NoError(t, sc.Err())
	require.NotEmpty(t, evs)
	final := evs[len(evs)-1]
	assert.Equal(t, "cancel", final.Kind)
	assert.Equal(t, "cancelled", final.ToStatus)
}

func TestDLQEndpoints(t *testing.T) {
	rig := newAPIRig(t)

	code, out := rig.submit(t, v1.SubmitRequest{TenantID: "acme", ActorID: "ops-user", Plan: wirePlan()})
	require.Equal(t, http.StatusCreated, code)
	execID := out.Execution.ID

	// Walk the execution to a dead-lettered failure by hand.
	_, err := rig.store.TransitionExecution(execID, types.ExecutionQueued, types.ExecutionRunning, storage.TransitionOpts{
		TimeoutAt: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	_, _, err = rig.store.SettleExecutionToDLQ(execID, types.ExecutionFailed, storage.TransitionOpts{
		FailureKind:    types.ErrKindPermanent,
		FailureMessage: "adapter rejected the action",
	}, 3)
	require.NoError(t, err)

	resp := rig.get(t, "/v1/dlq")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list v1.DLQList
	decodeJSON(t, resp, &list)
	require.Len(t, list.Items, 1)
	assert.Equal(t, execID, list.Items[0].ExecutionID)
	assert.Equal(t, "permanent", list.Items[0].Kind)
	assert.Equal(t, 3, list.Items[0].AttemptCount)

	resp = rig.post(t, "/v1/dlq/"+list.Items[0].ID+"/requeue", v1.RequeueRequest{ActorID: "lead-sre"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exec v1.Execution
	decodeJSON(t, resp, &exec)
	assert.Equal(t, "queued", exec.Status)

	// A second requeue of the same disposal record is refused.
	resp = rig.post(t, "/v1/dlq/"+list.Items[0].ID+"/requeue", v1.RequeueRequest{ActorID: "lead-sre"})
	var apiErr v1.ErrorResponse
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLockEndpoints(t *testing.T) {
	rig := newAPIRig(t)

	_, err := rig.store.AcquireLock("acme", "web-01", "exec-1:worker-1", time.Minute)
	require.NoError(t, err)

	resp := rig.get(t, "/v1/locks")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list v1.LockList
	decodeJSON(t, resp, &list)
	require.Len(t, list.Locks, 1)
	assert.Equal(t, "web-01", list.Locks[0].AssetID)
	assert.Equal(t, "exec-1:worker-1", list.Locks[0].OwnerTag)

	resp = rig.post(t, "/v1/locks/release", map[string]string{"tenant_id": "acme", "asset_id": "web-01"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = rig.post(t, "/v1/locks/release", map[string]string{"tenant_id": "acme", "asset_id": "web-01"})
	var apiErr v1.ErrorResponse
	decodeJSON(t, resp, &apiErr)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusAndVersionEndpoints(t *testing.T) {
	rig := newAPIRig(t)

	code, _ := rig.submit(t, v1.SubmitRequest{TenantID: "acme", ActorID: "ops-user", Plan: wirePlan()})
	require.Equal(t, http.StatusCreated, code)

	resp := rig.get(t, "/v1/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status v1.StatusResponse
	decodeJSON(t, resp, &status)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 1, status.Executions["queued"])
	assert.Equal(t, 1, status.QueueDepth)
	assert.Zero(t, status.DLQSize)
	assert.Empty(t, status.Workers)

	resp = rig.get(t, "/v1/version")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ver v1.VersionResponse
	decodeJSON(t, resp, &ver)
	assert.Equal(t, "test", ver.Version)
}

func TestWorkersEndpointWithoutPool(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.get(t, "/v1/workers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list v1.WorkerList
	decodeJSON(t, resp, &list)
	assert.Empty(t, list.Workers)
}

func TestHealthEndpoints(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = rig.get(t, "/live")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = rig.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
