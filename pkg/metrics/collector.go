package metrics

import (
	"time"

	"github.com/stagee/engine/pkg/types"
)

// StatsSource is the slice of the store the collector polls. Defined here
// so the collector does not depend on a concrete store implementation.
type StatsSource interface {
	ListExecutions(tenantID string, statuses ...types.ExecutionStatus) ([]*types.Execution, error)
	ListSteps(executionID string) ([]*types.Step, error)
	ListQueue() ([]*types.QueueItem, error)
	ListDLQ() ([]*types.DLQItem, error)
	ListLocks() ([]*types.AssetLock, error)
}

// Collector polls the store and keeps the state gauges current
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectExecutionMetrics()
	c.collectQueueMetrics()
	c.collectLockMetrics()
}

var executionStates = []types.ExecutionStatus{
	types.ExecutionPendingApproval,
	types.ExecutionApproved,
	types.ExecutionQueued,
	types.ExecutionRunning,
	types.ExecutionCompleted,
	types.ExecutionFailed,
	types.ExecutionPartial,
	types.ExecutionTimeout,
	types.ExecutionCancelled,
	types.ExecutionRejected,
}

var stepStates = []types.StepStatus{
	types.StepPending,
	types.StepRunning,
	types.StepSucceeded,
	types.StepFailed,
	types.StepTimeout,
	types.StepCancelled,
	types.StepSkipped,
}

func (c *Collector) collectExecutionMetrics() {
	execs, err := c.source.ListExecutions("")
	if err != nil {
		return
	}

	execCounts := make(map[types.ExecutionStatus]int)
	stepCounts := make(map[types.StepStatus]int)

	for _, exec := range execs {
		execCounts[exec.Status]++

		steps, err := c.source.ListSteps(exec.ID)
		if err != nil {
			continue
		}
		for _, step := range steps {
			stepCounts[step.Status]++
		}
	}

	// Set every known state so counts that drop to zero read zero.
	for _, state := range executionStates {
		ExecutionsTotal.WithLabelValues(string(state)).Set(float64(execCounts[state]))
	}
	for _, state := range stepStates {
		StepsTotal.WithLabelValues(string(state)).Set(float64(stepCounts[state]))
	}
}

func (c *Collector) collectQueueMetrics() {
	items, err := c.source.ListQueue()
	if err != nil {
		return
	}

	var ready, leased int
	for _, item := range items {
		switch item.Status {
		case types.QueueLeased:
			leased++
		case types.QueueAvailable:
			ready++
		}
	}

	QueueDepth.Set(float64(ready))
	QueueLeasesHeld.Set(float64(leased))

	dlq, err := c.source.ListDLQ()
	if err != nil {
		return
	}
	var pending int
	for _, item := range dlq {
		if !item.Requeued {
			pending++
		}
	}
	DLQSize.Set(float64(pending))
}

func (c *Collector) collectLockMetrics() {
	locks, err := c.source.ListLocks()
	if err != nil {
		return
	}

	now := time.Now()
	var live int
	for _, lock := range locks {
		if lock.Live(now) {
			live++
		}
	}
	LocksHeld.Set(float64(live))
}
