package types

import (
	"encoding/json"
	"time"
)

// TaskStatus describes where a task is in its lifecycle.
type TaskStatus string

const (
	// TaskQueued means the task is waiting for a slot.
	TaskQueued TaskStatus = "queued"
	// TaskRunning means the task occupies a slot and is executing.
	TaskRunning TaskStatus = "running"
	// TaskCompleted means the task finished successfully.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed means the task finished with an error.
	TaskFailed TaskStatus = "failed"
	// TaskPreempted means the task was paused to free its slot for
	// higher-priority work and returned to the queue.
	TaskPreempted TaskStatus = "preempted"
	// TaskTimedOut means the task's deadline elapsed before completion.
	TaskTimedOut TaskStatus = "timed_out"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut:
		return true
	}
	return false
}

// ResourceRequirement describes what a task needs from an execution slot,
// or what a slot is able to provide.
type ResourceRequirement struct {
	CPU       float64 `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	MemoryMB  int     `yaml:"memory_mb,omitempty" json:"memory_mb,omitempty"`
	Exclusive bool    `yaml:"exclusive,omitempty" json:"exclusive,omitempty"`
}

// Fits reports whether a slot with the given capacity can host this
// requirement. A zero requirement fits any slot.
func (r ResourceRequirement) Fits(capacity ResourceRequirement) bool {
	if r.CPU > 0 && capacity.CPU > 0 && r.CPU > capacity.CPU {
		return false
	}
	if r.MemoryMB > 0 && capacity.MemoryMB > 0 && r.MemoryMB > capacity.MemoryMB {
		return false
	}
	return true
}

// Task is a unit of schedulable work. The scheduler owns the task while it
// is queued or running; callers receive copies and regain ownership only
// when the task reaches a terminal status.
type Task struct {
	ID                string              `json:"id"`
	Kind              string              `json:"kind"`
	BaseScore         float64             `json:"base_score"`
	CriticalityWeight float64             `json:"criticality_weight"`
	Priority          float64             `json:"priority"`
	SubmittedAt       time.Time           `json:"submitted_at"`
	Deadline          time.Time           `json:"deadline,omitempty"`
	Requirement       ResourceRequirement `json:"requirement"`
	Preemptible       bool                `json:"preemptible"`
	RetryCount        int                 `json:"retry_count"`
	MaxRetries        int                 `json:"max_retries"`
	Status            TaskStatus          `json:"status"`
	Payload           json.RawMessage     `json:"payload,omitempty"`
	Result            json.RawMessage     `json:"result,omitempty"`
	FailureReason     string              `json:"failure_reason,omitempty"`
}

// Clone returns a deep copy of the task. Raw payload bytes are copied so
// the caller cannot alias scheduler-owned memory.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &cp
}

// Expired reports whether the task's deadline has passed at the given time.
// Tasks without a deadline never expire.
func (t *Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// TaskOutcome is reported back to the scheduler when a dispatched task
// finishes.
type TaskOutcome struct {
	Status        TaskStatus      `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}
