package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// StepMode controls whether the orchestrator waits for a correlated
// response before advancing.
type StepMode string

const (
	// StepSync parks the workflow until the step response arrives or the
	// step deadline lapses.
	StepSync StepMode = "sync"
	// StepAsync publishes the request and advances immediately.
	StepAsync StepMode = "async"
)

// StepContract is the expectation a synchronous step response must meet.
// Path is a JSONPath expression evaluated against the response result;
// when Equals is nil the path only has to yield a value.
type StepContract struct {
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
	Equals any    `yaml:"equals,omitempty" json:"equals,omitempty"`
}

// CompensationDef describes how to undo a step's side effects during
// rollback. It is dispatched like a regular step request, in reverse
// checkpoint order.
type CompensationDef struct {
	Target     string         `yaml:"target" json:"target"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Script     string         `yaml:"script,omitempty" json:"script,omitempty"`
}

// StepDefinition is one handoff in a workflow.
type StepDefinition struct {
	Name            string           `yaml:"name" json:"name"`
	Target          string           `yaml:"target" json:"target"`
	Mode            StepMode         `yaml:"mode,omitempty" json:"mode,omitempty"`
	Parameters      map[string]any   `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Script          string           `yaml:"script,omitempty" json:"script,omitempty"`
	Timeout         time.Duration    `yaml:"timeout,omitempty" json:"-"`
	MaxRetries      int              `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	AlternateTarget string           `yaml:"alternate_target,omitempty" json:"alternate_target,omitempty"`
	Expect          *StepContract    `yaml:"expect,omitempty" json:"expect,omitempty"`
	Compensation    *CompensationDef `yaml:"compensation,omitempty" json:"compensation,omitempty"`
}

// UnmarshalJSON accepts the step timeout as a duration string (e.g. "30s")
// or as integer nanoseconds.
func (s *StepDefinition) UnmarshalJSON(data []byte) error {
	type Alias StepDefinition
	aux := &struct {
		Timeout json.RawMessage `json:"timeout,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.Timeout) > 0 && string(aux.Timeout) != "null" && string(aux.Timeout) != `""` {
		var str string
		if json.Unmarshal(aux.Timeout, &str) == nil && str != "" {
			if d, err := time.ParseDuration(str); err == nil {
				s.Timeout = d
			}
		} else {
			var ns int64
			if json.Unmarshal(aux.Timeout, &ns) == nil {
				s.Timeout = time.Duration(ns)
			}
		}
	}
	return nil
}

// MarshalJSON outputs the step timeout as a human-readable duration string.
func (s StepDefinition) MarshalJSON() ([]byte, error) {
	type Alias StepDefinition
	aux := struct {
		Timeout string `json:"timeout,omitempty"`
		Alias
	}{
		Alias: Alias(s),
	}
	if s.Timeout > 0 {
		aux.Timeout = s.Timeout.String()
	}
	return json.Marshal(aux)
}

// WorkflowDefinition is a parsed workflow submission. The scheduling
// fields feed the task the orchestrator submits on the workflow's behalf.
type WorkflowDefinition struct {
	ID                string              `yaml:"id,omitempty" json:"id,omitempty"`
	Name              string              `yaml:"name" json:"name"`
	Description       string              `yaml:"description,omitempty" json:"description,omitempty"`
	Steps             []StepDefinition    `yaml:"steps" json:"steps"`
	BaseScore         float64             `yaml:"base_score,omitempty" json:"base_score,omitempty"`
	CriticalityWeight float64             `yaml:"criticality_weight,omitempty" json:"criticality_weight,omitempty"`
	Preemptible       bool                `yaml:"preemptible,omitempty" json:"preemptible,omitempty"`
	Deadline          time.Duration       `yaml:"deadline,omitempty" json:"-"`
	Requirement       ResourceRequirement `yaml:"requirement,omitempty" json:"requirement,omitempty"`
}

// WorkflowState describes where a workflow instance is in its lifecycle.
type WorkflowState string

const (
	WorkflowInitialized     WorkflowState = "initialized"
	WorkflowRunning         WorkflowState = "running"
	WorkflowWaitingResponse WorkflowState = "waiting_response"
	WorkflowCompleted       WorkflowState = "completed"
	WorkflowFailed          WorkflowState = "failed"
	WorkflowRolledBack      WorkflowState = "rolled_back"
)

// Terminal reports whether the state is final.
func (s WorkflowState) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowRolledBack:
		return true
	}
	return false
}

// ValidTransition reports whether the state machine permits moving from
// one state to another.
func ValidTransition(from, to WorkflowState) bool {
	switch from {
	case WorkflowInitialized:
		return to == WorkflowRunning
	case WorkflowRunning:
		return to == WorkflowWaitingResponse || to == WorkflowCompleted || to == WorkflowFailed
	case WorkflowWaitingResponse:
		return to == WorkflowRunning || to == WorkflowFailed
	case WorkflowFailed:
		return to == WorkflowRolledBack
	}
	return false
}

// Checkpoint is one append-only record of workflow progress. Records are
// keyed by (workflow ID, step index, state); replaying an identical
// checkpoint is a no-op at the store.
type Checkpoint struct {
	WorkflowID    string        `json:"workflow_id"`
	StepIndex     int           `json:"step_index"`
	State         WorkflowState `json:"state"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Note          string        `json:"note,omitempty"`
	At            time.Time     `json:"at"`
}

// Key returns the idempotency key of the checkpoint.
func (c Checkpoint) Key() string {
	return c.WorkflowID + "/" + strconv.Itoa(c.StepIndex) + "/" + string(c.State)
}

// WorkflowInstance is the orchestrator's record of one workflow run. It is
// retained after reaching a terminal state for audit.
type WorkflowInstance struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Definition       WorkflowDefinition `json:"definition"`
	TaskID           string             `json:"task_id,omitempty"`
	CurrentStep      int                `json:"current_step"`
	StepCorrelations map[int]string     `json:"step_correlations,omitempty"`
	State            WorkflowState      `json:"state"`
	Checkpoints      []Checkpoint       `json:"checkpoints,omitempty"`
	FailureReason    string             `json:"failure_reason,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Clone returns a deep copy safe to hand outside the orchestrator.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	cp := *w
	if w.StepCorrelations != nil {
		cp.StepCorrelations = make(map[int]string, len(w.StepCorrelations))
		for k, v := range w.StepCorrelations {
			cp.StepCorrelations[k] = v
		}
	}
	cp.Checkpoints = append([]Checkpoint(nil), w.Checkpoints...)
	return &cp
}
