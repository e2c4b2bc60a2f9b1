package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagee/engine/pkg/adapters"
	"github.com/stagee/engine/pkg/adapters/adaptertest"
	"github.com/stagee/engine/pkg/cancel"
	"github.com/stagee/engine/pkg/masking"
	"github.com/stagee/engine/pkg/mutex"
	"github.com/stagee/engine/pkg/policy"
	"github.com/stagee/engine/pkg/rbac"
	"github.com/stagee/engine/pkg/secrets"
	"github.com/stagee/engine/pkg/storage"
	"github.com/stagee/engine/pkg/types"
)

type fakeOracle struct {
	mu       sync.Mutex
	deny     map[string]string // asset id -> denial reason
	failures int               // error this many checks before answering
	calls    int
}

func (f *fakeOracle) Check(_ context.Context, req rbac.CheckRequest) (rbac.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return rbac.Decision{}, errors.New("oracle: connection refused")
	}
	if reason, ok := f.deny[req.AssetID]; ok {
		return rbac.Decision{Allowed: false, Reason: reason}, nil
	}
	return rbac.Decision{Allowed: true}, nil
}

type fakeSecrets struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	calls  int
}

func (f *fakeSecrets) Resolve(_ context.Context, req secrets.ResolveRequest) (secrets.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[req.Ref]; ok {
		return secrets.Secret{}, err
	}
	v, ok := f.values[req.Ref]
	if !ok {
		return secrets.Secret{}, secrets.ErrNotFound
	}
	return secrets.NewSecret(req.Ref, "password", v), nil
}

type testRig struct {
	store    storage.Store
	eng      *Engine
	asset    *adaptertest.Server
	auto     *adaptertest.Server
	oracle   *fakeOracle
	secrets  *fakeSecrets
	registry *cancel.Registry
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	masker := masking.NewMasker()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "engine.db"), storage.WithMasker(masker))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rig := &testRig{
		store:    store,
		asset:    adaptertest.New(t),
		auto:     adaptertest.New(t),
		oracle:   &fakeOracle{deny: map[string]string{}},
		secrets:  &fakeSecrets{values: map[string]string{}, errs: map[string]error{}},
		registry: cancel.NewRegistry(),
	}
	rig.eng = New(Deps{
		Store:    store,
		Locks:    mutex.NewService(store, mutex.WithMaxWait(200*time.Millisecond)),
		Access:   rbac.NewValidator(rig.oracle),
		Secrets:  rig.secrets,
		Adapters: adapters.NewSet(rig.asset.URL(), rig.auto.URL(), masker),
		Registry: rig.registry,
		Masker:   masker,
	}, WithCancelPollInterval(20*time.Millisecond))
	return rig
}

// submit creates an approved execution for the plan and returns it.
func (r *testRig) submit(t *testing.T, plan *types.PlanSnapshot) *types.Execution {
	t.Helper()
	exec := &types.Execution{
		TenantID: "acme",
		ActorID:  "ops-user",
		Plan:     plan,
		PlanHash: plan.Hash(),
		Mode:     types.ModeBackground,
		SLAClass: plan.SLAClass,
		Status:   types.ExecutionApproved,
		Priority: policy.PriorityFor(types.ModeBackground, plan.SLAClass),
	}
	steps := make([]*types.Step, len(plan.Steps))
	for i, ps := range plan.Steps {
		steps[i] = &types.Step{
			Name:          ps.Name,
			AssetID:       ps.AssetID,
			Adapter:       ps.Adapter,
			ActionClass:   ps.ActionClass,
			Action:        ps.Action,
			SecretRefs:    ps.SecretRefs,
			ParallelGroup: ps.ParallelGroup,
			MaxAttempts:   policy.StepMaxAttempts(exec.SLAClass, ps.ActionClass),
		}
	}
	require.NoError(t, r.store.CreateExecution(exec, steps))
	return exec
}

func (r *testRig) enqueue(t *testing.T, execID string) *types.QueueItem {
	t.Helper()
	item, err := r.store.EnqueueExecution(execID, "ops-user")
	require.NoError(t, err)
	return item
}

func (r *testRig) lease(t *testing.T) *types.QueueItem {
	t.Helper()
	items, err := r.store.Lease(1, "worker-1", 30*time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

// redeliver nacks the item with no delay and leases it again.
func (r *testRig) redeliver(t *testing.T, item *types.QueueItem, reason types.ErrorKind) *types.QueueItem {
	t.Helper()
	_, dead, err := r.store.Nack(item.ID, item.LeaseToken, 0, reason)
	require.NoError(t, err)
	require.Nil(t, dead)
	return r.lease(t)
}

func restartPlan() *types.PlanSnapshot {
	return &types.PlanSnapshot{
		Name:     "restart web",
		SLAClass: types.SLAFast,
		Steps: []*types.PlanStep{
			{Name: "restart nginx", AssetID: "web-01", Adapter: types.AdapterAsset, ActionClass: types.ActionModify},
		},
	}
}

func TestRunCompletesSingleStepPlan(t *testing.T) {
	rig := newTestRig(t)
	rig.asset.Handle("restart nginx", func(_ context.Context, _ adapters.ExecuteRequest) adapters.ExecuteResponse {
		return adaptertest.OK("nginx restarted")
	})

	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)
	leased := rig.lease(t)

	out, err := rig.eng.Run(context.Background(), leased, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, out.Execution)
	assert.False(t, out.Requeue)
	assert.Equal(t, types.ExecutionCompleted, out.Execution.Status)
	assert.WithinDuration(t, time.Now().Add(15*time.Second), out.Execution.TimeoutAt, 5*time.Second)
	assert.False(t, out.Execution.StartedAt.IsZero())
	assert.False(t, out.Execution.FinishedAt.IsZero())
	assert.Equal(t, 1, out.Execution.AttemptCount)

	st, err := rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StepSucceeded, st.Status)
	assert.Equal(t, 1, st.Attempt)
	assert.Equal(t, "nginx restarted", st.Artifacts)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 0, *st.ExitCode)

	reqs := rig.asset.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, exec.ID, reqs[0].ExecutionID)
	assert.Equal(t, "acme", reqs[0].TenantID)
	assert.Equal(t, "web-01", reqs[0].AssetID)
	assert.Equal(t, 1, reqs[0].Attempt)
	assert.False(t, reqs[0].DeadlineAt.IsZero())

	require.NoError(t, rig.store.Ack(leased.ID, leased.LeaseToken))
}

func TestRunEmitsProgressAndAuditEvents(t *testing.T) {
	rig := newTestRig(t)
	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)

	_, err := rig.eng.Run(context.Background(), rig.lease(t), "worker-1")
	require.NoError(t, err)

	evs, err := rig.store.ListEventsSince(exec.ID, 0)
	require.NoError(t, err)

	var progress, audits int
	var lastSeq uint64
	for _, ev := range evs {
		require.Greater(t, ev.Sequence, lastSeq, "sequences must be strictly increasing")
		lastSeq = ev.Sequence
		switch ev.Kind {
		case types.EventProgress:
			progress++
			assert.Equal(t, "0", ev.Payload["step_index"])
			assert.Equal(t, "1", ev.Payload["succeeded"])
		case types.EventAudit:
			audits++
			assert.Equal(t, "true", ev.Payload["allowed"])
		}
	}
	assert.Equal(t, 1, progress)
	assert.Equal(t, 1, audits)
}

func TestRunDeniedStepFailsAuthDenied(t *testing.T) {
	rig := newTestRig(t)
	rig.oracle.deny["web-01"] = "change freeze in effect"

	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)

	out, err := rig.eng.Run(context.Background(), rig.lease(t), "worker-1")
	require.NoError(t, err)
	assert.False(t, out.Requeue)
	assert.Equal(t, types.ExecutionFailed, out.Execution.Status)
	assert.Equal(t, types.ErrKindAuthDenied, out.Execution.FailureKind)

	st, err := rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StepFailed, st.Status)
	assert.Equal(t, types.ErrKindAuthDenied, st.ErrorKind)
	assert.Equal(t, "change freeze in effect", st.Error)

	// The adapter must never see a denied step.
	assert.Zero(t, rig.asset.RequestCount())

	dead, err := rig.store.ListDLQ()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, types.ErrKindAuthDenied, dead[0].Kind)
}

func TestRunOracleOutageIsRetried(t *testing.T) {
	rig := newTestRig(t)
	rig.oracle.failures = 1

	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)
	leased := rig.lease(t)

	out, err := rig.eng.Run(context.Background(), leased, "worker-1")
	require.NoError(t, err)
	require.True(t, out.Requeue)
	assert.Equal(t, types.ErrKindTransient, out.Reason)

	st, err := rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StepPending, st.Status)
	assert.Equal(t, 1, st.Attempt)

	leased = rig.redeliver(t, leased, out.Reason)
	out, err = rig.eng.Run(context.Background(), leased, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, out.Execution.Status)

	st, err = rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Attempt)
}

func TestRunTransientFailureRequeuesAndRecovers(t *testing.T) {
	rig := newTestRig(t)
	rig.asset.Handle("restart nginx", adaptertest.Script(
		adaptertest.Fail(types.ErrKindTransient, "agent not ready"),
		adaptertest.OK("recovered"),
	))

	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)
	leased := rig.lease(t)

	out, err := rig.eng.Run(context.Background(), leased, "worker-1")
	require.NoError(t, err)
	require.True(t, out.Requeue)
	assert.Equal(t, types.ErrKindTransient, out.Reason)
	assert.Greater(t, out.Delay, time.Duration(0))

	st, err := rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StepPending, st.Status, "failed step resets for its next attempt")

	leased = rig.redeliver(t, leased, out.Reason)
	out, err = rig.eng.Run(context.Background(), leased, "worker-1")
	require.NoError(t, err)
	assert.False(t, out.Requeue)
	assert.Equal(t, types.ExecutionCompleted, out.Execution.Status)

	st, err = rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StepSucceeded, st.Status)
	assert.Equal(t, 2, st.Attempt)
	assert.Equal(t, "recovered", st.Artifacts)
	assert.Equal(t, 2, rig.asset.RequestCount())
}

func TestRunPermanentFailureParksInDLQ(t *testing.T) {
	rig := newTestRig(t)
	rig.asset.Handle("restart nginx", func(_ context.Context, _ adapters.ExecuteRequest) adapters.ExecuteResponse {
		return adaptertest.Fail(types.ErrKindPermanent, "package not installed")
	})

	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)

	out, err := rig.eng.Run(context.Background(), rig.lease(t), "worker-1")
	require.NoError(t, err)
	assert.False(t, out.Requeue, "permanent failures are never retried")
	assert.Equal(t, types.ExecutionFailed, out.Execution.Status)
	assert.Equal(t, types.ErrKindPermanent, out.Execution.FailureKind)
	assert.Equal(t, 1, rig.asset.RequestCount())

	dead, err := rig.store.ListDLQ()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, types.ErrKindPermanent, dead[0].Kind)
	assert.Equal(t, 1, dead[0].AttemptCount)
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	rig := newTestRig(t)
	rig.asset.Handle("restart nginx", func(_ context.Context, _ adapters.ExecuteRequest) adapters.ExecuteResponse {
		return adaptertest.Fail(types.ErrKindTransient, "agent not ready")
	})

	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)
	leased := rig.lease(t)

	// Fast/modify policy grants three attempts; the first two requeue.
	for i := 0; i < 2; i++ {
		out, err := rig.eng.Run(context.Background(), leased, "worker-1")
		require.NoError(t, err)
		require.True(t, out.Requeue, "attempt %d should requeue", i+1)
		leased = rig.redeliver(t, leased, out.Reason)
	}

	out, err := rig.eng.Run(context.Background(), leased, "worker-1")
	require.NoError(t, err)
	assert.False(t, out.Requeue)
	assert.Equal(t, types.ExecutionFailed, out.Execution.Status)

	st, err := rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StepFailed, st.Status)
	assert.Equal(t, 3, st.Attempt)
	assert.Equal(t, 3, rig.asset.RequestCount())

	dead, err := rig.store.ListDLQ()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].AttemptCount)
}

func TestRunPartialAllowedContinuesPastFailure(t *testing.T) {
	rig := newTestRig(t)
	plan := &types.PlanSnapshot{
		Name:           "rollout",
		SLAClass:       types.SLAFast,
		PartialAllowed: true,
		Steps: []*types.PlanStep{
			{Name: "patch app", AssetID: "web-01", Adapter: types.AdapterAsset, ActionClass: types.ActionModify},
			{Name: "notify fleet", AssetID: "web-02", Adapter: types.AdapterAutomation, ActionClass: types.ActionModify},
		},
	}
	rig.asset.Handle("patch app", func(_ context.Context, _ adapters.ExecuteRequest) adapters.ExecuteResponse {
		return adaptertest.Fail(types.ErrKindPermanent, "unsupported image")
	})
	rig.auto.Handle("notify fleet", func(_ context.Context, _ adapters.ExecuteRequest) adapters.ExecuteResponse {
		return adaptertest.OK("sent")
	})

	exec := rig.submit(t, plan)
	rig.enqueue(t, exec.ID)

	out, err := rig.eng.Run(context.Background(), rig.lease(t), "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionPartial, out.Execution.Status)
	assert.Equal(t, types.ErrKindPermanent, out.Execution.FailureKind)

	second, err := rig.store.GetStep(exec.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StepSucceeded, second.Status)
	assert.Equal(t, 1, rig.auto.RequestCount())

	// Partial settlements do not dead-letter.
	dead, err := rig.store.ListDLQ()
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestRunPartialDisallowedSkipsRemainingSteps(t *testing.T) {
	rig := newTestRig(t)
	plan := &types.PlanSnapshot{
		Name:     "rollout",
		SLAClass: types.SLAFast,
		Steps: []*types.PlanStep{
			{Name: "stop app", AssetID: "web-01", Adapter: types.AdapterAsset, ActionClass: types.ActionModify},
			{Name: "patch app", AssetID: "web-01", Adapter: types.AdapterAsset, ActionClass: types.ActionModify},
			{Name: "start app", AssetID: "web-01", Adapter: types.AdapterAsset, ActionClass: types.ActionModify},
		},
	}
	rig.asset.Handle("patch app", func(_ context.Context, _ adapters.ExecuteRequest) adapters.ExecuteResponse {
		return adaptertest.Fail(types.ErrKindPermanent, "unsupported image")
	})

	exec := rig.submit(t, plan)
	rig.enqueue(t, exec.ID)

	out, err := rig.eng.Run(context.Background(), rig.lease(t), "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, out.Execution.Status)
	assert.Equal(t, 2, rig.asset.RequestCount(), "third step must not reach the adapter")

	steps, err := rig.store.ListSteps(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StepSucceeded, steps[0].Status)
	assert.Equal(t, types.StepFailed, steps[1].Status)
	assert.Equal(t, types.StepSkipped, steps[2].Status)
	assert.Equal(t, "prior step failed", steps[2].Error)
}

func TestRunParallelGroupRunsConcurrently(t *testing.T) {
	rig := newTestRig(t)
	plan := &types.PlanSnapshot{
		Name:     "fan out",
		SLAClass: types.SLAFast,
		Steps: []*types.PlanStep{
			{Name: "drain a", AssetID: "web-01", Adapter: types.AdapterAsset, ActionClass: types.ActionModify, ParallelGroup: 1},
			{Name: "drain b", AssetID: "web-02", Adapter: types.AdapterAsset, ActionClass: types.ActionModify, ParallelGroup: 1},
			{Name: "verify", AssetID: "lb-01", Adapter: types.AdapterAsset, ActionClass: types.ActionRead},
		},
	}

	var inFlight, peak atomic.Int32
	track := func(_ context.Context, _ adapters.ExecuteRequest) adapters.ExecuteResponse {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := peak.Load()
			if cur <= prev || peak.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(150 * time.Millisecond)
		return adaptertest.OK("drained")
	}
	rig.asset.Handle("drain a", track)
	rig.asset.Handle("drain b", track)

	exec := rig.submit(t, plan)
	rig.enqueue(t, exec.ID)

	out, err := rig.eng.Run(context.Background(), rig.lease(t), "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, out.Execution.Status)
	assert.Equal(t, int32(2), peak.Load(), "parallel group steps should overlap")
	assert.Equal(t, 3, rig.asset.RequestCount())

	steps, err := rig.store.ListSteps(exec.ID)
	require.NoError(t, err)
	for _, st := range steps {
		assert.Equal(t, types.StepSucceeded, st.Status)
	}
}

func TestRunCancelMidStepSettlesCancelled(t *testing.T) {
	rig := newTestRig(t)
	rig.asset.Handle("restart nginx", adaptertest.Hang(5*time.Second, adaptertest.OK("late")))

	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)
	leased := rig.lease(t)

	var out *Outcome
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		out, runErr = rig.eng.Run(context.Background(), leased, "worker-1")
	}()

	require.Eventually(t, func() bool {
		st, err := rig.store.GetStep(exec.ID, 0)
		return err == nil && st.Status == types.StepRunning
	}, 3*time.Second, 10*time.Millisecond)

	_, err := rig.store.RequestCancel(exec.ID, "ops-user", "wrong maintenance window")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.NoError(t, runErr)
	assert.False(t, out.Requeue)
	assert.Equal(t, types.ExecutionCancelled, out.Execution.Status)

	st, err := rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StepCancelled, st.Status)
	assert.Equal(t, types.ErrKindCancelled, st.ErrorKind)
	assert.Equal(t, "wrong maintenance window", st.Error)

	dead, err := rig.store.ListDLQ()
	require.NoError(t, err)
	assert.Empty(t, dead, "cancellations do not dead-letter")
}

func TestRunCancelWhileQueuedAcksTerminal(t *testing.T) {
	rig := newTestRig(t)
	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)

	_, err := rig.store.RequestCancel(exec.ID, "ops-user", "not needed anymore")
	require.NoError(t, err)

	out, err := rig.eng.Run(context.Background(), rig.lease(t), "worker-1")
	require.NoError(t, err)
	assert.False(t, out.Requeue)
	assert.Equal(t, types.ExecutionCancelled, out.Execution.Status)
	assert.Zero(t, rig.asset.RequestCount())
}

func TestRunExecDeadlineMidStepSettlesTimeout(t *testing.T) {
	rig := newTestRig(t)
	rig.asset.Handle("restart nginx", adaptertest.Hang(5*time.Second, adaptertest.OK("late")))

	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)

	// Claim with a nearly spent deadline; the engine resumes RUNNING rows
	// without restamping it.
	_, err := rig.store.TransitionExecution(exec.ID, types.ExecutionQueued, types.ExecutionRunning, storage.TransitionOpts{
		ActorID:   "worker-0",
		TimeoutAt: time.Now().Add(300 * time.Millisecond),
	})
	require.NoError(t, err)

	out, err := rig.eng.Run(context.Background(), rig.lease(t), "worker-1")
	require.NoError(t, err)
	assert.False(t, out.Requeue)
	assert.Equal(t, types.ExecutionTimeout, out.Execution.Status)
	assert.Equal(t, types.ErrKindExecTimeout, out.Execution.FailureKind)

	st, err := rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StepTimeout, st.Status)
	assert.Equal(t, types.ErrKindStepTimeout, st.ErrorKind)
	assert.Equal(t, "execution deadline exceeded mid step", st.Error)

	dead, err := rig.store.ListDLQ()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, types.ErrKindExecTimeout, dead[0].Kind)
}

func TestRunExecDeadlineBeforeStartSkipsAllSteps(t *testing.T) {
	rig := newTestRig(t)
	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)

	_, err := rig.store.TransitionExecution(exec.ID, types.ExecutionQueued, types.ExecutionRunning, storage.TransitionOpts{
		ActorID:   "worker-0",
		TimeoutAt: time.Now().Add(-time.Second),
	})
	require.NoError(t, err)

	out, err := rig.eng.Run(context.Background(), rig.lease(t), "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionTimeout, out.Execution.Status)
	assert.Zero(t, rig.asset.RequestCount())

	st, err := rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StepSkipped, st.Status)
	assert.Equal(t, "execution deadline exceeded", st.Error)
}

func TestRunSecretNotFoundFailsPermanently(t *testing.T) {
	rig := newTestRig(t)
	plan := restartPlan()
	plan.Steps[0].SecretRefs = []string{"vault://prod/web#ssh"}

	exec := rig.submit(t, plan)
	rig.enqueue(t, exec.ID)

	out, err := rig.eng.Run(context.Background(), rig.lease(t), "worker-1")
	require.NoError(t, err)
	assert.False(t, out.Requeue)
	assert.Equal(t, types.ExecutionFailed, out.Execution.Status)
	assert.Equal(t, types.ErrKindSecretNotFound, out.Execution.FailureKind)
	assert.Zero(t, rig.asset.RequestCount(), "unresolvable steps never reach the adapter")
}

func TestRunSecretOutageRequeues(t *testing.T) {
	rig := newTestRig(t)
	plan := restartPlan()
	plan.Steps[0].SecretRefs = []string{"vault://prod/web#ssh"}

	rig.secrets.errs["vault://prod/web#ssh"] = secrets.ErrUnavailable

	exec := rig.submit(t, plan)
	rig.enqueue(t, exec.ID)
	leased := rig.lease(t)

	out, err := rig.eng.Run(context.Background(), leased, "worker-1")
	require.NoError(t, err)
	require.True(t, out.Requeue)
	assert.Equal(t, types.ErrKindSecretUnavailable, out.Reason)

	// Store recovers; the redelivered attempt succeeds.
	rig.secrets.mu.Lock()
	delete(rig.secrets.errs, "vault://prod/web#ssh")
	rig.secrets.values["vault://prod/web#ssh"] = "s3cr3t-key"
	rig.secrets.mu.Unlock()

	leased = rig.redeliver(t, leased, out.Reason)
	out, err = rig.eng.Run(context.Background(), leased, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, out.Execution.Status)
	assert.Equal(t, exec.ID, out.Execution.ID)
}

func TestRunDeliversSecretsAndMasksArtifacts(t *testing.T) {
	rig := newTestRig(t)
	plan := restartPlan()
	plan.Steps[0].SecretRefs = []string{"vault://prod/web#ssh"}
	rig.secrets.values["vault://prod/web#ssh"] = "hunter2-key"

	rig.asset.Handle("restart nginx", func(_ context.Context, req adapters.ExecuteRequest) adapters.ExecuteResponse {
		return adaptertest.OK("connected with " + req.Secrets["vault://prod/web#ssh"])
	})

	exec := rig.submit(t, plan)
	rig.enqueue(t, exec.ID)

	out, err := rig.eng.Run(context.Background(), rig.lease(t), "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, out.Execution.Status)

	// The adapter saw cleartext; the durable row must not.
	reqs := rig.asset.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "hunter2-key", reqs[0].Secrets["vault://prod/web#ssh"])

	st, err := rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.NotContains(t, st.Artifacts, "hunter2-key")
	assert.Contains(t, st.Artifacts, masking.Token("password"))
}

func TestRunAssetBusyRequeues(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.store.AcquireLock("acme", "web-01", "other-exec:worker-9", time.Minute)
	require.NoError(t, err)

	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)
	leased := rig.lease(t)

	out, err := rig.eng.Run(context.Background(), leased, "worker-1")
	require.NoError(t, err)
	require.True(t, out.Requeue)
	assert.Equal(t, types.ErrKindAssetBusy, out.Reason)
	assert.Zero(t, rig.asset.RequestCount())

	require.NoError(t, rig.store.ReleaseLock("acme", "web-01", "other-exec:worker-9"))

	leased = rig.redeliver(t, leased, out.Reason)
	out, err = rig.eng.Run(context.Background(), leased, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, out.Execution.Status)

	st, err := rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StepSucceeded, st.Status)
	assert.Equal(t, 2, st.Attempt)
}

func TestRunShutdownLeavesStepRunningForReclaim(t *testing.T) {
	rig := newTestRig(t)

	var calls atomic.Int32
	rig.asset.Handle("restart nginx", func(ctx context.Context, _ adapters.ExecuteRequest) adapters.ExecuteResponse {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return adaptertest.OK("")
		}
		return adaptertest.OK("recovered")
	})

	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)
	leased := rig.lease(t)

	runCtx, shutdown := context.WithCancel(context.Background())
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, runErr = rig.eng.Run(runCtx, leased, "worker-1")
	}()

	require.Eventually(t, func() bool {
		st, err := rig.store.GetStep(exec.ID, 0)
		return err == nil && st.Status == types.StepRunning
	}, 3*time.Second, 10*time.Millisecond)
	shutdown()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after shutdown")
	}
	require.Error(t, runErr)

	st, err := rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StepRunning, st.Status, "shutdown must not settle the step")

	// Next delivery reclaims the dangling row and requeues the attempt.
	leased = rig.redeliver(t, leased, types.ErrKindShutdown)
	out, err := rig.eng.Run(context.Background(), leased, "worker-1")
	require.NoError(t, err)
	require.True(t, out.Requeue)
	assert.Equal(t, types.ErrKindTransient, out.Reason)

	leased = rig.redeliver(t, leased, out.Reason)
	out, err = rig.eng.Run(context.Background(), leased, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, out.Execution.Status)

	st, err = rig.store.GetStep(exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StepSucceeded, st.Status)
	assert.Equal(t, "recovered", st.Artifacts)
}

func TestRunTerminalExecutionAcksWithoutWork(t *testing.T) {
	rig := newTestRig(t)
	exec := rig.submit(t, restartPlan())
	rig.enqueue(t, exec.ID)

	out, err := rig.eng.Run(context.Background(), rig.lease(t), "worker-1")
	require.NoError(t, err)
	require.Equal(t, types.ExecutionCompleted, out.Execution.Status)
	before := rig.asset.RequestCount()

	// A duplicate delivery after settlement must be a no-op ack.
	dup := &types.QueueItem{ExecutionID: exec.ID, TenantID: exec.TenantID, MaxAttempts: 3}
	require.NoError(t, rig.store.Enqueue(dup))

	out, err = rig.eng.Run(context.Background(), rig.lease(t), "worker-2")
	require.NoError(t, err)
	assert.False(t, out.Requeue)
	assert.Equal(t, types.ExecutionCompleted, out.Execution.Status)
	assert.Equal(t, before, rig.asset.RequestCount())
}

func TestRunMissingExecutionDropsItem(t *testing.T) {
	rig := newTestRig(t)
	ghost := &types.QueueItem{ExecutionID: "ghost", TenantID: "acme", MaxAttempts: 3}
	require.NoError(t, rig.store.Enqueue(ghost))

	out, err := rig.eng.Run(context.Background(), rig.lease(t), "worker-1")
	require.NoError(t, err)
	assert.False(t, out.Requeue)
	assert.Nil(t, out.Execution)
}

func TestBatchEndGroupsContiguousParallelSteps(t *testing.T) {
	steps := []*types.Step{
		{Index: 0, ParallelGroup: 0},
		{Index: 1, ParallelGroup: 1},
		{Index: 2, ParallelGroup: 1},
		{Index: 3, ParallelGroup: 2},
		{Index: 4, ParallelGroup: 0},
	}
	assert.Equal(t, 1, batchEnd(steps, 0))
	assert.Equal(t, 3, batchEnd(steps, 1))
	assert.Equal(t, 4, batchEnd(steps, 3))
	assert.Equal(t, 5, batchEnd(steps, 4))
}

func TestCapArtifactsTruncatesWithMarker(t *testing.T) {
	small := "all good"
	assert.Equal(t, small, capArtifacts(small))

	big := strings.Repeat("x", maxArtifactBytes+500)
	capped := capArtifacts(big)
	assert.Contains(t, capped, "[truncated 500 bytes]")
	assert.LessOrEqual(t, len(capped), maxArtifactBytes+len("[truncated 500 bytes]"))

	// Multi-byte runes are cut on a boundary, never split.
	runes := strings.Repeat("é", maxArtifactBytes/2+10)
	assert.True(t, utf8ValidString(capArtifacts(runes)))
}

func utf8ValidString(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
	}
	return true
}
