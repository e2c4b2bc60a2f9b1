package types

// ErrorKind is the engine-wide error taxonomy. Kinds, not messages, drive
// retry decisions; messages are masked before they are persisted anywhere.
type ErrorKind string

const (
	ErrKindNone ErrorKind = ""

	// User errors. Never retried.
	ErrKindInvalidPlan      ErrorKind = "invalid_plan"
	ErrKindNotAuthorized    ErrorKind = "not_authorized"
	ErrKindIdempotentHit    ErrorKind = "idempotent_hit"
	ErrKindApprovalExpired  ErrorKind = "approval_expired"
	ErrKindPlanHashMismatch ErrorKind = "plan_hash_mismatch"

	// Step-permanent errors. Fail the step, no retry.
	ErrKindAuthDenied      ErrorKind = "auth_denied"
	ErrKindSecretNotFound  ErrorKind = "secret_not_found"
	ErrKindSecretForbidden ErrorKind = "secret_forbidden"
	ErrKindPermanent       ErrorKind = "permanent"

	// Step-transient errors. Retried per policy.
	ErrKindTransient         ErrorKind = "transient"
	ErrKindAssetBusy         ErrorKind = "asset_busy"
	ErrKindSecretUnavailable ErrorKind = "secret_store_unavailable"
	ErrKindStoreConflict     ErrorKind = "store_conflict"

	// Timeouts. Terminal for the step that hit them.
	ErrKindStepTimeout  ErrorKind = "step_timeout"
	ErrKindExecTimeout  ErrorKind = "execution_timeout"
	ErrKindLeaseExpired ErrorKind = "lease_expired"

	// Operational errors. Surfaced, never masked away.
	ErrKindStoreUnavailable ErrorKind = "store_unavailable"
	ErrKindShutdown         ErrorKind = "shutdown"
	ErrKindWorkerException  ErrorKind = "worker_exception"
	ErrKindCancelled        ErrorKind = "cancelled"
)

// Retryable reports whether a step failure of this kind may be retried
// under the execution's timeout policy.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindTransient, ErrKindAssetBusy, ErrKindSecretUnavailable, ErrKindStoreConflict:
		return true
	}
	return false
}
