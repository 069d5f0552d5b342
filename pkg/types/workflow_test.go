package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestValidTransition(t *testing.T) {
	allowed := []struct{ from, to WorkflowState }{
		{WorkflowInitialized, WorkflowRunning},
		{WorkflowRunning, WorkflowWaitingResponse},
		{WorkflowRunning, WorkflowCompleted},
		{WorkflowRunning, WorkflowFailed},
		{WorkflowWaitingResponse, WorkflowRunning},
		{WorkflowWaitingResponse, WorkflowFailed},
		{WorkflowFailed, WorkflowRolledBack},
	}
	for _, tc := range allowed {
		if !ValidTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to WorkflowState }{
		{WorkflowInitialized, WorkflowCompleted},
		{WorkflowCompleted, WorkflowRunning},
		{WorkflowRolledBack, WorkflowRunning},
		{WorkflowFailed, WorkflowRunning},
		{WorkflowWaitingResponse, WorkflowCompleted},
	}
	for _, tc := range denied {
		if ValidTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestWorkflowStateTerminal(t *testing.T) {
	if !WorkflowCompleted.Terminal() || !WorkflowRolledBack.Terminal() {
		t.Error("completed and rolled_back should be terminal")
	}
	// failed is not terminal: it still owes a rollback or escalation
	if WorkflowFailed.Terminal() {
		t.Error("failed should not be terminal")
	}
	if WorkflowRunning.Terminal() || WorkflowWaitingResponse.Terminal() {
		t.Error("active states should not be terminal")
	}
}

func TestStepDefinitionTimeoutJSON(t *testing.T) {
	in := []byte(`{"name":"approve","target":"notify.human","timeout":"45s","max_retries":2}`)
	var step StepDefinition
	if err := json.Unmarshal(in, &step); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if step.Timeout != 45*time.Second {
		t.Errorf("expected 45s timeout, got %v", step.Timeout)
	}

	out, err := json.Marshal(step)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("re-unmarshal failed: %v", err)
	}
	if m["timeout"] != "45s" {
		t.Errorf("expected timeout serialized as \"45s\", got %v", m["timeout"])
	}

	// integer nanoseconds are accepted too
	var step2 StepDefinition
	if err := json.Unmarshal([]byte(`{"name":"n","target":"t","timeout":1000000000}`), &step2); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if step2.Timeout != time.Second {
		t.Errorf("expected 1s timeout, got %v", step2.Timeout)
	}
}

func TestCheckpointKey(t *testing.T) {
	cp := Checkpoint{WorkflowID: "wf-1", StepIndex: 2, State: WorkflowWaitingResponse}
	if cp.Key() != "wf-1/2/waiting_response" {
		t.Errorf("unexpected key: %s", cp.Key())
	}
	same := Checkpoint{WorkflowID: "wf-1", StepIndex: 2, State: WorkflowWaitingResponse, Note: "retry"}
	if cp.Key() != same.Key() {
		t.Error("key must ignore non-identity fields")
	}
}

func TestWorkflowInstanceClone(t *testing.T) {
	inst := &WorkflowInstance{
		ID:               "wf-1",
		State:            WorkflowRunning,
		StepCorrelations: map[int]string{0: "c-0"},
		Checkpoints:      []Checkpoint{{WorkflowID: "wf-1", State: WorkflowRunning}},
	}
	cp := inst.Clone()
	cp.StepCorrelations[1] = "c-1"
	cp.Checkpoints = append(cp.Checkpoints, Checkpoint{WorkflowID: "wf-1"})

	if len(inst.StepCorrelations) != 1 {
		t.Error("clone must not alias correlation map")
	}
	if len(inst.Checkpoints) != 1 {
		t.Error("clone must not alias checkpoint log")
	}
}
