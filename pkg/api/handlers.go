package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/stagee/engine/pkg/dispatcher"
	"github.com/stagee/engine/pkg/types"

	v1 "github.com/stagee/engine/pkg/api/v1"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req v1.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}
	if req.Plan == nil {
		badRequest(w, "plan is required")
		return
	}
	snap, err := req.Plan.ToSnapshot()
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	res, err := s.disp.Submit(snap, req.ActorID, req.TenantID, dispatcher.SubmitOptions{
		IdempotencyKey: req.Options.IdempotencyKey,
		ApprovalLevel:  req.Options.ApprovalLevel,
		Priority:       req.Options.Priority,
		PartialAllowed: req.Options.PartialAllowed,
		SLAOverride:    types.SLAClass(req.Options.SLAOverride),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := v1.SubmitResponse{
		Execution:     v1.FromExecution(res.Execution),
		IdempotentHit: res.IdempotentHit,
	}
	status := http.StatusCreated
	if res.IdempotentHit {
		status = http.StatusOK
	}

	if req.WaitMS > 0 && !res.Execution.Status.Terminal() {
		wait := time.Duration(req.WaitMS) * time.Millisecond
		if wait > maxWait {
			wait = maxWait
		}
		exec, settled, werr := s.disp.WaitForTerminal(r.Context(), res.Execution.ID, wait)
		if werr == nil {
			resp.Execution = v1.FromExecution(exec)
			resp.Settled = settled
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var statuses []types.ExecutionStatus
	for _, st := range q["status"] {
		statuses = append(statuses, types.ExecutionStatus(st))
	}
	execs, err := s.store.ListExecutions(q.Get("tenant"), statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	out := v1.ExecutionList{Executions: make([]*v1.Execution, len(execs))}
	for i, e := range execs {
		out.Executions[i] = v1.FromExecution(e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	detail, err := s.disp.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := v1.ExecutionDetail{
		Execution: v1.FromExecution(detail.Execution),
		Steps:     make([]*v1.Step, len(detail.Steps)),
	}
	for i, st := range detail.Steps {
		out.Steps[i] = v1.FromStep(st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req v1.ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}
	var approve bool
	switch req.Decision {
	case "approve":
		approve = true
	case "reject":
	default:
		badRequest(w, "decision must be \"approve\" or \"reject\"")
		return
	}
	exec, err := s.disp.Approve(r.PathValue("id"), req.PlanHash, req.ActorID, approve)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v1.FromExecution(exec))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req v1.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}
	exec, err := s.disp.Cancel(r.PathValue("id"), req.ActorID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v1.FromExecution(exec))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()

	var since uint64
	if raw := q.Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			badRequest(w, "since must be a sequence number")
			return
		}
		since = n
	}

	if q.Get("follow") != "true" {
		evs, err := s.disp.EventsSince(id, since)
		if err != nil {
			writeError(w, err)
			return
		}
		out := v1.EventList{Events: make([]*v1.Event, len(evs))}
		for i, ev := range evs {
			out.Events[i] = v1.FromEvent(ev)
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	s.followEvents(w, r, id, since)
}

// followEvents streams events as NDJSON until the execution settles or
// the client disconnects. Broker deliveries only wake the loop; every
// emit re-reads the log so ordering survives dropped events.
func (s *Server) followEvents(w http.ResponseWriter, r *http.Request, id string, since uint64) {
	if _, err := s.store.GetExecution(id); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, v1.ErrorResponse{Error: "streaming unsupported"})
		return
	}

	var wake <-chan *types.Event
	if s.broker != nil {
		sub := s.broker.Subscribe(id)
		defer s.broker.Unsubscribe(sub)
		wake = sub
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	last := since
	resync := time.NewTicker(followResync)
	defer resync.Stop()

	for {
		// Status first: the settle event commits in the same transaction
		// as the terminal status, so a list issued after a terminal read
		// is guaranteed to include it.
		exec, err := s.store.GetExecution(id)
		if err != nil {
			return
		}
		done := exec.Status.Terminal()

		evs, err := s.store.ListEventsSince(id, last)
		if err != nil {
			return
		}
		for _, ev := range evs {
			if err := enc.Encode(v1.FromEvent(ev)); err != nil {
				return
			}
			last = ev.Sequence
		}
		flusher.Flush()

		if done {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-resync.C:
		case <-wake:
		}
	}
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	items, err := s.store.ListDLQ()
	if err != nil {
		writeError(w, err)
		return
	}
	out := v1.DLQList{Items: []*v1.DLQItem{}}
	for _, d := range items {
		if tenant != "" && d.TenantID != tenant {
			continue
		}
		out.Items = append(out.Items, v1.FromDLQItem(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRequeueDLQ(w http.ResponseWriter, r *http.Request) {
	var req v1.RequeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}
	item, err := s.store.RequeueFromDLQ(r.PathValue("id"), req.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	exec, err := s.store.GetExecution(item.ExecutionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v1.FromExecution(exec))
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asset := q.Get("asset")
	expiredOnly := q.Get("expired") == "true"

	locks, err := s.store.ListLocks()
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now()
	out := v1.LockList{Locks: []*v1.Lock{}}
	for _, l := range locks {
		if asset != "" && l.AssetID != asset {
			continue
		}
		if expiredOnly && l.Live(now) {
			continue
		}
		out.Locks = append(out.Locks, v1.FromLock(l))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReleaseLock force-releases a lock. Operator escape hatch for a
// crashed worker whose lock has a long TTL; the release lands as an AUDIT
// event on the owning execution. Addressed by lock_id, or by
// tenant_id+asset_id for callers that only know the asset.
func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LockID   string `json:"lock_id"`
		TenantID string `json:"tenant_id"`
		AssetID  string `json:"asset_id"`
		ActorID  string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}

	lockID := req.LockID
	if lockID == "" {
		if req.TenantID == "" || req.AssetID == "" {
			badRequest(w, "lock_id or tenant_id+asset_id is required")
			return
		}
		locks, err := s.store.ListLocks()
		if err != nil {
			writeError(w, err)
			return
		}
		for _, l := range locks {
			if l.TenantID == req.TenantID && l.AssetID == req.AssetID {
				lockID = l.ID
				break
			}
		}
		if lockID == "" {
			writeJSON(w, http.StatusNotFound, v1.ErrorResponse{Error: "lock not held", Kind: "not_found"})
			return
		}
	}

	lock, err := s.store.ForceReleaseLock(lockID, req.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().
		Str("lock_id", lock.ID).
		Str("tenant_id", lock.TenantID).
		Str("asset_id", lock.AssetID).
		Str("owner_tag", lock.OwnerTag).
		Str("actor_id", req.ActorID).
		Msg("Lock force released")
	writeJSON(w, http.StatusOK, v1.FromLock(lock))
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, v1.WorkerList{Workers: s.workerStatuses()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	execs, err := s.store.ListExecutions("")
	if err != nil {
		writeError(w, err)
		return
	}
	byStatus := make(map[string]int)
	for _, e := range execs {
		byStatus[string(e.Status)]++
	}

	items, err := s.store.ListQueue()
	if err != nil {
		writeError(w, err)
		return
	}
	depth := 0
	for _, it := range items {
		if it.Status != types.QueueCompleted {
			depth++
		}
	}

	dead, err := s.store.ListDLQ()
	if err != nil {
		writeError(w, err)
		return
	}
	dlqSize := 0
	for _, d := range dead {
		if !d.Requeued {
			dlqSize++
		}
	}

	locks, err := s.store.ListLocks()
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now()
	held := 0
	for _, l := range locks {
		if l.Live(now) {
			held++
		}
	}

	writeJSON(w, http.StatusOK, v1.StatusResponse{
		Version:    s.version,
		Executions: byStatus,
		QueueDepth: depth,
		DLQSize:    dlqSize,
		LocksHeld:  held,
		Workers:    s.workerStatuses(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, v1.VersionResponse{Version: s.version})
}

func (s *Server) workerStatuses() []*v1.Worker {
	if s.pool == nil {
		return []*v1.Worker{}
	}
	statuses := s.pool.Status()
	out := make([]*v1.Worker, len(statuses))
	for i, st := range statuses {
		out[i] = &v1.Worker{
			ID:          st.ID,
			Busy:        st.Busy,
			ExecutionID: st.ExecutionID,
			Since:       st.Since,
			Processed:   st.Processed,
		}
	}
	return out
}
