package rest

import (
	"encoding/json"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/internal/store"
	"yqhp/coordinator/pkg/types"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuccessResponse represents a generic success response.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadyResponse represents a readiness check response.
type ReadyResponse struct {
	Ready     bool   `json:"ready"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// WorkflowSubmitRequest carries a workflow definition, either inline or as
// a YAML document.
type WorkflowSubmitRequest struct {
	Definition *types.WorkflowDefinition `json:"definition,omitempty"`
	YAML       string                    `json:"yaml,omitempty"`
}

// WorkflowSubmitResponse represents a workflow submission response.
type WorkflowSubmitResponse struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
}

// WorkflowListResponse represents a list of workflow instances.
type WorkflowListResponse struct {
	Workflows []*types.WorkflowInstance `json:"workflows"`
	Total     int                       `json:"total"`
}

// TaskSubmitRequest represents a task submission. Deadline is a duration
// from now (e.g. "30s"); zero means the task never times out.
type TaskSubmitRequest struct {
	Kind              string                    `json:"kind"`
	BaseScore         float64                   `json:"base_score,omitempty"`
	CriticalityWeight float64                   `json:"criticality_weight,omitempty"`
	Deadline          string                    `json:"deadline,omitempty"`
	Requirement       types.ResourceRequirement `json:"requirement,omitempty"`
	Preemptible       bool                      `json:"preemptible,omitempty"`
	MaxRetries        int                       `json:"max_retries,omitempty"`
	Payload           json.RawMessage           `json:"payload,omitempty"`
}

// TaskSubmitResponse represents a task submission response.
type TaskSubmitResponse struct {
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"`
	Priority float64 `json:"priority"`
}

// PoolResizeRequest asks for a new pool capacity.
type PoolResizeRequest struct {
	Capacity int `json:"capacity"`
}

// PoolResizeResponse reports the capacity actually applied, which can
// exceed the requested one when occupied slots block a shrink.
type PoolResizeResponse struct {
	Requested int `json:"requested"`
	Capacity  int `json:"capacity"`
}

// DeadLetterListResponse represents the parked envelopes.
type DeadLetterListResponse struct {
	DeadLetters []*store.DeadLetter `json:"dead_letters"`
	Total       int                 `json:"total"`
}

// EscalationListResponse represents the known escalation tickets.
type EscalationListResponse struct {
	Tickets []*types.EscalationTicket `json:"tickets"`
	Total   int                       `json:"total"`
}

// EscalationAckRequest records a human decision on a ticket.
type EscalationAckRequest struct {
	Action string `json:"action"`
	By     string `json:"by,omitempty"`
}

// EventListResponse represents a slice of the audit trail.
type EventListResponse struct {
	Events []audit.Event `json:"events"`
	Total  int           `json:"total"`
}
