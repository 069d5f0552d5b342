package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"yqhp/coordinator/pkg/jsonx"
)

// Severity ranks how urgent an envelope is. Critical envelopes bypass
// per-recipient rate limits and dominate aggregated groups.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank maps severity to an ordinal for comparisons. Unknown severities
// rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 0
	}
	return -1
}

// Max returns the higher of two severities.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// Well-known bus targets. Worker collaborators subscribe under the name a
// workflow step addresses, so those targets are free-form.
const (
	// TargetWorkflow receives step responses and cancellations for the
	// orchestrator.
	TargetWorkflow = "workflow"
	// TargetRecovery receives everything the recovery coordinator observes:
	// cancellations, dead-letter alerts, objective violations, escalation
	// replies.
	TargetRecovery = "recovery"
	// TargetNotifier receives escalation notices for the human-notification
	// collaborator.
	TargetNotifier = "notifier"
)

// EventType discriminates envelope bodies. It doubles as the tag of the
// payload union: each known event type maps to one body struct below, and
// unknown types are carried as raw bytes for forward compatibility.
type EventType string

const (
	// EventStepRequest asks a worker collaborator to run a workflow step.
	EventStepRequest EventType = "step.request"
	// EventStepResponse carries a worker's reply for a correlated step.
	EventStepResponse EventType = "step.response"
	// EventCancellation announces that a task or step was cancelled so
	// dependents can unwind.
	EventCancellation EventType = "cancellation"
	// EventScaleRecommendation carries a pool watermark crossing.
	EventScaleRecommendation EventType = "pool.scale"
	// EventLeaseExpired announces a reaped slot lease.
	EventLeaseExpired EventType = "pool.lease_expired"
	// EventSLOViolation reports consecutive objective breaches.
	EventSLOViolation EventType = "slo.violation"
	// EventDeadLetter alerts that an envelope exhausted its retries.
	EventDeadLetter EventType = "bus.dead_letter"
	// EventEscalationNotice routes a ticket level to the human-notification
	// collaborator.
	EventEscalationNotice EventType = "escalation.notice"
	// EventEscalationReply carries the human decision for a ticket level.
	EventEscalationReply EventType = "escalation.reply"
)

// Envelope is the unit of bus traffic. All cross-component communication
// travels as envelopes; components never call each other directly.
type Envelope struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	Source        string          `json:"source"`
	Target        string          `json:"target"`
	EventType     EventType       `json:"event_type"`
	Severity      Severity        `json:"severity"`
	Sequence      uint64          `json:"sequence,omitempty"`
	TTL           time.Duration   `json:"ttl,omitempty"`
	Body          json.RawMessage `json:"body,omitempty"`
	PublishedAt   time.Time       `json:"published_at"`

	// Delivery bookkeeping, maintained by the bus.
	Attempts        int      `json:"attempts,omitempty"`
	SuppressedCount int      `json:"suppressed_count,omitempty"`
	AggregatedIDs   []string `json:"aggregated_ids,omitempty"`
}

// NewEnvelope builds an envelope with a fresh ID and an encoded body.
func NewEnvelope(source, target string, eventType EventType, body any) (*Envelope, error) {
	raw, err := jsonx.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Source:    source,
		Target:    target,
		EventType: eventType,
		Severity:  SeverityInfo,
		Body:      raw,
	}, nil
}

// Decode unmarshals the envelope body into v.
func (e *Envelope) Decode(v any) error {
	return jsonx.Unmarshal(e.Body, v)
}

// Signature is the deduplication key: envelopes carrying the same event
// type from the same source to the same target inside the dedup window are
// suppressed onto the first one.
func (e *Envelope) Signature() string {
	return string(e.EventType) + "|" + e.Source + "|" + e.Target
}

// Expired reports whether the envelope outlived its TTL at the given time.
func (e *Envelope) Expired(now time.Time) bool {
	return e.TTL > 0 && !e.PublishedAt.IsZero() && now.Sub(e.PublishedAt) > e.TTL
}

// StepStatus is the outcome field of a step response.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
)

// StepRequest asks a collaborator to execute one workflow step.
type StepRequest struct {
	WorkflowID string         `json:"workflow_id"`
	StepIndex  int            `json:"step_index"`
	StepName   string         `json:"step_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Script     string         `json:"script,omitempty"`
	Deadline   time.Time      `json:"deadline,omitempty"`
}

// StepResponse is a collaborator's reply. Correlation travels on the
// envelope, not in the body.
type StepResponse struct {
	Status StepStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Cancellation announces that work was abandoned before completing.
type Cancellation struct {
	TaskID     string `json:"task_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	StepIndex  int    `json:"step_index,omitempty"`
	Reason     string `json:"reason"`
}

// LeaseExpired reports a slot whose lease lapsed and was reclaimed by the
// pool janitor.
type LeaseExpired struct {
	SlotID string    `json:"slot_id"`
	TaskID string    `json:"task_id"`
	Expiry time.Time `json:"expiry"`
}

// SLOViolation reports a breached objective after the consecutive-sample
// threshold.
type SLOViolation struct {
	Metric      string  `json:"metric"`
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold"`
	Consecutive int     `json:"consecutive"`
}

// DeadLetterAlert notifies the recovery coordinator that an envelope was
// parked after exhausting its retry budget.
type DeadLetterAlert struct {
	EnvelopeID string    `json:"envelope_id"`
	EventType  EventType `json:"event_type"`
	Target     string    `json:"target"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
}

// EscalationNotice is delivered to the human-notification collaborator for
// one level of a ticket's recipient chain.
type EscalationNotice struct {
	TicketID string         `json:"ticket_id"`
	EventID  string         `json:"event_id"`
	Severity Severity       `json:"severity"`
	Level    int            `json:"level"`
	To       Recipient      `json:"to"`
	Deadline time.Time      `json:"deadline"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// EscalationAction is the human decision for one notice.
type EscalationAction string

const (
	EscalationApprove  EscalationAction = "approve"
	EscalationReject   EscalationAction = "reject"
	EscalationEscalate EscalationAction = "escalate"
	// EscalationTimeout is synthesized when a level's deadline lapses and
	// is handled exactly like an explicit escalate.
	EscalationTimeout EscalationAction = "timeout"
)

// EscalationReply carries the decision for one ticket level back to the
// recovery coordinator.
type EscalationReply struct {
	TicketID string           `json:"ticket_id"`
	Level    int              `json:"level"`
	Action   EscalationAction `json:"action"`
	By       string           `json:"by,omitempty"`
}
