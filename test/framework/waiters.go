package framework

import (
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/stagee/engine/pkg/api/v1"
	"github.com/stagee/engine/pkg/types"
)

// pollEvery is the waiter cadence. Coarse enough to stay off the API's
// back, fine enough that waits don't dominate test time.
const pollEvery = 20 * time.Millisecond

// SubmitPlan submits through the public API and fails the test on any
// transport or validation error.
func (h *Harness) SubmitPlan(tenant, actor string, plan *v1.Plan, opts v1.SubmitOptions) *v1.Execution {
	h.t.Helper()
	resp, err := h.Client.Submit(&v1.SubmitRequest{
		TenantID: tenant,
		ActorID:  actor,
		Plan:     plan,
		Options:  opts,
	})
	require.NoError(h.t, err, "submit plan %s", plan.Name)
	return resp.Execution
}

// WaitForTerminal polls until the execution settles and returns its
// final row.
func (h *Harness) WaitForTerminal(execID string, timeout time.Duration) *v1.Execution {
	h.t.Helper()
	var out *v1.Execution
	require.Eventually(h.t, func() bool {
		d, err := h.Client.GetExecution(execID)
		if err != nil || !types.ExecutionStatus(d.Execution.Status).Terminal() {
			return false
		}
		out = d.Execution
		return true
	}, timeout, pollEvery, "execution %s did not settle", execID)
	return out
}

// WaitForStatus polls until the execution reports the wanted status.
func (h *Harness) WaitForStatus(execID, status string, timeout time.Duration) *v1.Execution {
	h.t.Helper()
	var out *v1.Execution
	require.Eventually(h.t, func() bool {
		d, err := h.Client.GetExecution(execID)
		if err != nil || d.Execution.Status != status {
			return false
		}
		out = d.Execution
		return true
	}, timeout, pollEvery, "execution %s never reached %s", execID, status)
	return out
}

// Detail fetches the execution with its steps, failing the test on error.
func (h *Harness) Detail(execID string) *v1.ExecutionDetail {
	h.t.Helper()
	d, err := h.Client.GetExecution(execID)
	require.NoError(h.t, err, "get execution %s", execID)
	return d
}

// Events fetches the full event log of an execution in sequence order.
func (h *Harness) Events(execID string) []*v1.Event {
	h.t.Helper()
	evs, err := h.Client.EventsSince(execID, 0)
	require.NoError(h.t, err, "events of %s", execID)
	return evs
}

// StateChanges extracts "from->to" edges from an event log, executions
// and steps alike, in sequence order.
func StateChanges(events []*v1.Event) []string {
	var out []string
	for _, e := range events {
		if e.Kind == string(types.EventStateChange) {
			out = append(out, e.FromStatus+"->"+e.ToStatus)
		}
	}
	return out
}

// CountKind counts events of one kind.
func CountKind(events []*v1.Event, kind types.EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == string(kind) {
			n++
		}
	}
	return n
}

// Plan builds a wire plan with medium SLA and the given steps.
func Plan(name string, steps ...v1.PlanStep) *v1.Plan {
	return &v1.Plan{
		Name:     name,
		SLAClass: string(types.SLAMedium),
		Steps:    steps,
	}
}

// ReadStep is a read-class automation step against one asset.
func ReadStep(name, asset string) v1.PlanStep {
	return v1.PlanStep{
		Name:        name,
		AssetID:     asset,
		Adapter:     string(types.AdapterAutomation),
		ActionClass: string(types.ActionRead),
		Action:      map[string]any{"probe": true},
	}
}

// ModifyStep is a modify-class automation step against one asset.
func ModifyStep(name, asset string) v1.PlanStep {
	return v1.PlanStep{
		Name:        name,
		AssetID:     asset,
		Adapter:     string(types.AdapterAutomation),
		ActionClass: string(types.ActionModify),
		Action:      map[string]any{"change": name},
	}
}
