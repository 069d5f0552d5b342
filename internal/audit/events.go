// Package audit is the structured event trail for coordination decisions.
// Components record what they decided (shed, preempt, suppress, escalate)
// and the pipeline fans the events out to the configured sinks.
package audit

import "time"

// Kind names one category of coordination decision.
type Kind string

const (
	// Scheduler decisions.
	TaskSubmitted    Kind = "task.submitted"
	TaskDispatched   Kind = "task.dispatched"
	TaskCompleted    Kind = "task.completed"
	TaskFailed       Kind = "task.failed"
	TaskShed         Kind = "task.shed"
	TaskPreempted    Kind = "task.preempted"
	TaskTimedOut     Kind = "task.timed_out"
	TaskRequeued     Kind = "task.requeued"
	TaskConsolidated Kind = "task.consolidated"

	// Pool decisions.
	SlotAcquired     Kind = "pool.acquired"
	SlotReleased     Kind = "pool.released"
	PoolResized      Kind = "pool.resized"
	LeaseReaped      Kind = "pool.lease_reaped"
	ScaleRecommended Kind = "pool.scale_recommended"

	// Bus decisions.
	MessagePublished   Kind = "bus.published"
	MessageSuppressed  Kind = "bus.suppressed"
	MessageAggregated  Kind = "bus.aggregated"
	MessageRateLimited Kind = "bus.rate_limited"
	MessageRetried     Kind = "bus.retried"
	MessageDeadLetter  Kind = "bus.dead_letter"
	MessageRequeued    Kind = "bus.requeued"

	// Orchestrator decisions.
	WorkflowStarted     Kind = "workflow.started"
	WorkflowStep        Kind = "workflow.step"
	WorkflowCheckpoint  Kind = "workflow.checkpoint"
	WorkflowCompensated Kind = "workflow.compensated"
	WorkflowCompleted   Kind = "workflow.completed"
	WorkflowRolledBack  Kind = "workflow.rolled_back"
	WorkflowCancelled   Kind = "workflow.cancelled"

	// Objective monitoring.
	SLOViolated  Kind = "slo.violated"
	SLORecovered Kind = "slo.recovered"
	ScaleApplied Kind = "slo.scale_applied"

	// Recovery decisions.
	BranchCommitted  Kind = "recovery.branch_committed"
	BranchDiscarded  Kind = "recovery.branch_discarded"
	RetryAttempted   Kind = "recovery.retry"
	Escalated        Kind = "recovery.escalated"
	TicketResolved   Kind = "recovery.ticket_resolved"
	TicketExhausted  Kind = "recovery.ticket_exhausted"
	RecoveryObserved Kind = "recovery.observed"
)

// Event is one recorded coordination decision.
type Event struct {
	Time      time.Time      `json:"time"`
	Kind      Kind           `json:"kind"`
	Component string         `json:"component"`
	// Ref identifies the subject: a task, workflow, envelope or ticket ID.
	Ref    string         `json:"ref,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Recorder accepts events. Components hold a Recorder so tests can swap in
// a capture or the no-op implementation.
type Recorder interface {
	Record(event Event)
}

// NopRecorder discards every event.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(Event) {}
