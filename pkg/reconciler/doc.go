/*
Package reconciler runs the engine's time-based housekeeping sweeps.

Two invariants rot without it:

  - Asset locks: a worker that died mid-step stops heartbeating, and its
    locks must lapse so other executions can touch the asset again. The
    lock sweep deletes every expired lock and audits the reap on the
    owning execution.

  - Approval windows: an execution parked on approval must not wait
    forever. The approval sweep rejects executions whose window has
    passed, recording APPROVAL_EXPIRED as the terminal failure kind.

Both sweeps run on one ticker (10s default), each timed and counted under
its own metric label. The queue's lease reaper is deliberately not here:
its cadence must track the lease TTL, so it lives with the queue.

# Usage

	rec := reconciler.New(mutexService, store)
	rec.Start()
	defer rec.Stop()

Sweeps are also callable directly, which tests use:

	rec.SweepOnce(time.Now())
*/
package reconciler
