package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/internal/bus"
	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/internal/recovery"
	"yqhp/coordinator/internal/store"
	"yqhp/coordinator/pkg/types"
)

// stubBus collects published envelopes and, when a responder is set,
// answers step requests synchronously through the orchestrator's handler.
type stubBus struct {
	mu      sync.Mutex
	envs    []*types.Envelope
	respond func(env *types.Envelope) *types.StepResponse
	deliver bus.Handler
}

func (b *stubBus) Publish(_ context.Context, env *types.Envelope) error {
	b.mu.Lock()
	b.envs = append(b.envs, env)
	respond := b.respond
	deliver := b.deliver
	b.mu.Unlock()

	if env.EventType == types.EventStepRequest && respond != nil && deliver != nil {
		if resp := respond(env); resp != nil {
			renv, err := types.NewEnvelope(env.Target, types.TargetWorkflow, types.EventStepResponse, resp)
			if err != nil {
				return err
			}
			renv.CorrelationID = env.CorrelationID
			renv.CausationID = env.ID
			return deliver(renv)
		}
	}
	return nil
}

func (b *stubBus) Subscribe(string, bus.Handler) func() { return func() {} }

func (b *stubBus) setRespond(fn func(env *types.Envelope) *types.StepResponse) {
	b.mu.Lock()
	b.respond = fn
	b.mu.Unlock()
}

func (b *stubBus) published() []*types.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Envelope, len(b.envs))
	copy(out, b.envs)
	return out
}

func (b *stubBus) requests(target string) []*types.Envelope {
	var out []*types.Envelope
	for _, env := range b.published() {
		if env.EventType == types.EventStepRequest && env.Target == target {
			out = append(out, env)
		}
	}
	return out
}

type stubSubmitter struct {
	mu    sync.Mutex
	tasks []*types.Task
	err   error
}

func (s *stubSubmitter) Submit(_ context.Context, t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	s.tasks = append(s.tasks, t.Clone())
	return nil
}

func (s *stubSubmitter) submitted() []*types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

func testOrchestrator(t *testing.T, mutate func(*config.WorkflowConfig)) (*Orchestrator, *stubBus, *store.Memory, *stubSubmitter) {
	t.Helper()
	cfg := config.WorkflowConfig{
		DefaultStepTimeout: 200 * time.Millisecond,
		DefaultMaxRetries:  1,
		StepBackoff:        5 * time.Millisecond,
		Retention:          time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	rcfg := config.RecoveryConfig{
		RetryCeiling:    1,
		BackoffBase:     time.Millisecond,
		Chain:           []types.Recipient{{Name: "primary-oncall", Contact: "https://primary.example/hook"}},
		InfoTimeout:     time.Hour,
		WarningTimeout:  time.Hour,
		CriticalTimeout: time.Hour,
	}
	b := &stubBus{}
	mem := store.NewMemory()
	rec := recovery.New(rcfg, b, mem, audit.NopRecorder{}, zap.NewNop())
	t.Cleanup(rec.Stop)
	sub := &stubSubmitter{}
	o := New(cfg, b, mem, sub, rec, audit.NopRecorder{}, zap.NewNop())
	b.deliver = o.HandleEnvelope
	return o, b, mem, sub
}

func successResponder(result string) func(env *types.Envelope) *types.StepResponse {
	return func(*types.Envelope) *types.StepResponse {
		return &types.StepResponse{Status: types.StepSuccess, Result: json.RawMessage(result)}
	}
}

func def(steps ...types.StepDefinition) types.WorkflowDefinition {
	return types.WorkflowDefinition{Name: "deploy", Steps: steps}
}

func TestStartValidatesDefinition(t *testing.T) {
	o, _, _, _ := testOrchestrator(t, nil)
	ctx := context.Background()

	_, err := o.Start(ctx, types.WorkflowDefinition{})
	require.ErrorContains(t, err, "needs a name")

	_, err = o.Start(ctx, types.WorkflowDefinition{Name: "empty"})
	require.ErrorContains(t, err, "at least one step")

	_, err = o.Start(ctx, def(types.StepDefinition{Name: "s1"}))
	require.ErrorContains(t, err, "needs a target")

	_, err = o.Start(ctx, def(types.StepDefinition{Name: "s1", Target: "w", Mode: "later"}))
	require.ErrorContains(t, err, "unknown mode")
}

func TestStartRegistersInstanceAndSubmitsTask(t *testing.T) {
	o, _, mem, sub := testOrchestrator(t, nil)

	id, err := o.Start(context.Background(), types.WorkflowDefinition{
		Name:      "deploy",
		BaseScore: 80,
		Deadline:  time.Minute,
		Steps:     []types.StepDefinition{{Name: "build", Target: "builder"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	inst, err := o.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowInitialized, inst.State)
	// Defaults filled during normalization.
	assert.Equal(t, types.StepSync, inst.Definition.Steps[0].Mode)
	assert.Equal(t, 200*time.Millisecond, inst.Definition.Steps[0].Timeout)
	assert.Equal(t, 1, inst.Definition.Steps[0].MaxRetries)

	tasks := sub.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskKind, tasks[0].Kind)
	assert.Equal(t, 80.0, tasks[0].BaseScore)
	assert.False(t, tasks[0].Deadline.IsZero())
	got, err := WorkflowIDFromTask(tasks[0])
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, tasks[0].ID, inst.TaskID)

	cps, err := mem.ListCheckpoints(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, types.WorkflowInitialized, cps[0].State)
}

func TestStartSubmitRejectionClosesInstance(t *testing.T) {
	o, b, mem, sub := testOrchestrator(t, nil)
	sub.err = types.NewQueueFullError("", 100)

	_, err := o.Start(context.Background(), def(types.StepDefinition{Name: "s1", Target: "w"}))
	require.True(t, types.IsQueueFull(err))

	insts, lerr := mem.ListInstances(context.Background())
	require.NoError(t, lerr)
	require.Len(t, insts, 1)
	assert.Equal(t, types.WorkflowRolledBack, insts[0].State)
	assert.Contains(t, insts[0].FailureReason, "task submission rejected")

	var notices int
	for _, env := range b.published() {
		if env.EventType == types.EventCancellation && env.Target == types.TargetRecovery {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
}

func TestRunCompletesSyncWorkflow(t *testing.T) {
	o, b, mem, _ := testOrchestrator(t, nil)
	b.setRespond(successResponder(`{"ok":true}`))

	id, err := o.Start(context.Background(), def(
		types.StepDefinition{Name: "build", Target: "builder"},
		types.StepDefinition{Name: "ship", Target: "shipper"},
	))
	require.NoError(t, err)

	ch, err := o.Await(id)
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), id))

	select {
	case out := <-ch:
		assert.Equal(t, types.WorkflowCompleted, out.State)
		assert.Empty(t, out.FailureReason)
	default:
		t.Fatal("awaiter not resolved")
	}

	inst, err := o.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, inst.State)
	assert.Equal(t, 2, inst.CurrentStep)
	// One fresh correlation ID per step.
	assert.NotEmpty(t, inst.StepCorrelations[0])
	assert.NotEmpty(t, inst.StepCorrelations[1])
	assert.NotEqual(t, inst.StepCorrelations[0], inst.StepCorrelations[1])

	require.Len(t, b.requests("builder"), 1)
	require.Len(t, b.requests("shipper"), 1)

	// The durable trail is idempotent by (workflow, step, state), so
	// returning to running at step 0 adds no second record there.
	cps, err := mem.ListCheckpoints(context.Background(), id)
	require.NoError(t, err)
	var states []types.WorkflowState
	for _, cp := range cps {
		states = append(states, cp.State)
	}
	assert.Equal(t, []types.WorkflowState{
		types.WorkflowInitialized,
		types.WorkflowRunning,
		types.WorkflowWaitingResponse,
		types.WorkflowWaitingResponse,
		types.WorkflowRunning,
		types.WorkflowCompleted,
	}, states)
	assert.Equal(t, inst.State, cps[len(cps)-1].State)
	// The instance journal keeps every transition.
	assert.Len(t, inst.Checkpoints, 7)
}

func TestRunAsyncStepAdvancesWithoutResponse(t *testing.T) {
	o, b, _, _ := testOrchestrator(t, nil)
	b.setRespond(func(env *types.Envelope) *types.StepResponse {
		if env.Target == "notify" {
			return nil // fire-and-forget collaborator never answers
		}
		return &types.StepResponse{Status: types.StepSuccess}
	})

	id, err := o.Start(context.Background(), def(
		types.StepDefinition{Name: "announce", Target: "notify", Mode: types.StepAsync},
		types.StepDefinition{Name: "verify", Target: "checker"},
	))
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), id))

	inst, err := o.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, inst.State)
	require.Len(t, b.requests("notify"), 1)
	require.Len(t, b.requests("checker"), 1)
}

func TestStepTimeoutRedirectsToAlternate(t *testing.T) {
	o, b, _, _ := testOrchestrator(t, nil)
	b.setRespond(func(env *types.Envelope) *types.StepResponse {
		if env.Target == "backup" {
			return &types.StepResponse{Status: types.StepSuccess}
		}
		return nil // primary never answers
	})

	id, err := o.Start(context.Background(), def(types.StepDefinition{
		Name:            "ingest",
		Target:          "primary",
		Timeout:         30 * time.Millisecond,
		MaxRetries:      1,
		AlternateTarget: "backup",
	}))
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), id))

	// Full budget on the primary, then the redirect succeeds first try.
	assert.Len(t, b.requests("primary"), 2)
	assert.Len(t, b.requests("backup"), 1)

	seen := map[string]bool{}
	for _, env := range append(b.requests("primary"), b.requests("backup")...) {
		assert.False(t, seen[env.CorrelationID], "correlation IDs must be fresh per attempt")
		seen[env.CorrelationID] = true
	}
}

func TestStepRetryExhaustionFailsAndRollsBack(t *testing.T) {
	o, b, mem, _ := testOrchestrator(t, nil)
	b.setRespond(func(env *types.Envelope) *types.StepResponse {
		if env.Target == "flaky" {
			return nil
		}
		return &types.StepResponse{Status: types.StepSuccess}
	})

	id, err := o.Start(context.Background(), def(
		types.StepDefinition{
			Name:         "reserve",
			Target:       "steady",
			Compensation: &types.CompensationDef{Target: "undo", Parameters: map[string]any{"release": true}},
		},
		types.StepDefinition{Name: "charge", Target: "flaky", Timeout: 30 * time.Millisecond, MaxRetries: 1},
		types.StepDefinition{Name: "notify", Target: "steady"},
	))
	require.NoError(t, err)

	err = o.Run(context.Background(), id)
	require.Error(t, err)
	require.True(t, types.IsStepTimeout(err))

	inst, gerr := o.Get(context.Background(), id)
	require.NoError(t, gerr)
	assert.Equal(t, types.WorkflowRolledBack, inst.State)
	assert.Contains(t, inst.FailureReason, "charge")

	// The third step never ran.
	assert.Len(t, b.requests("steady"), 1)

	// The completed step's compensation was dispatched during rollback.
	undo := b.requests("undo")
	require.Len(t, undo, 1)
	var comp types.StepRequest
	require.NoError(t, undo[0].Decode(&comp))
	assert.Equal(t, "reserve.compensate", comp.StepName)
	assert.Equal(t, id, comp.WorkflowID)

	// Exactly one escalation ticket for the exhausted step.
	tickets, terr := mem.ListTickets(context.Background())
	require.NoError(t, terr)
	require.Len(t, tickets, 1)
	assert.Equal(t, id, tickets[0].EventID)
	assert.Equal(t, types.SeverityWarning, tickets[0].Severity)

	cps, cerr := mem.ListCheckpoints(context.Background(), id)
	require.NoError(t, cerr)
	var states []types.WorkflowState
	for _, cp := range cps {
		states = append(states, cp.State)
	}
	assert.Contains(t, states, types.WorkflowFailed)
	assert.Equal(t, types.WorkflowRolledBack, states[len(states)-1])
}

func TestContractViolationRejectsWithoutRetry(t *testing.T) {
	o, b, mem, _ := testOrchestrator(t, nil)
	b.setRespond(successResponder(`{"status":"degraded"}`))

	id, err := o.Start(context.Background(), def(types.StepDefinition{
		Name:       "health",
		Target:     "prober",
		MaxRetries: 3,
		Expect:     &types.StepContract{Path: "$.status", Equals: "ok"},
	}))
	require.NoError(t, err)

	err = o.Run(context.Background(), id)
	require.Error(t, err)
	require.True(t, types.IsStepRejected(err))

	// Contract violations never retry.
	assert.Len(t, b.requests("prober"), 1)

	inst, gerr := o.Get(context.Background(), id)
	require.NoError(t, gerr)
	assert.Equal(t, types.WorkflowRolledBack, inst.State)

	tickets, terr := mem.ListTickets(context.Background())
	require.NoError(t, terr)
	require.Len(t, tickets, 1)
	assert.Equal(t, types.SeverityCritical, tickets[0].Severity)
}

func TestContractMatching(t *testing.T) {
	step := func(path string, equals any) types.StepDefinition {
		return types.StepDefinition{Name: "s", Expect: &types.StepContract{Path: path, Equals: equals}}
	}

	require.NoError(t, matchContract("wf", step("$.count", 5), json.RawMessage(`{"count":5}`)))
	require.NoError(t, matchContract("wf", step("$.tags[0]", "blue"), json.RawMessage(`{"tags":["blue","green"]}`)))
	// Presence-only contract.
	require.NoError(t, matchContract("wf", step("$.id", nil), json.RawMessage(`{"id":"abc"}`)))

	err := matchContract("wf", step("$.missing", nil), json.RawMessage(`{"id":"abc"}`))
	require.True(t, types.IsStepRejected(err))

	err = matchContract("wf", step("$.count", 6), json.RawMessage(`{"count":5}`))
	require.True(t, types.IsStepRejected(err))

	err = matchContract("wf", step("$.id", nil), json.RawMessage(`not json`))
	require.True(t, types.IsStepRejected(err))
}

func TestRemoteFailureRetriesThenSucceeds(t *testing.T) {
	o, b, _, _ := testOrchestrator(t, nil)
	var calls int
	var mu sync.Mutex
	b.setRespond(func(*types.Envelope) *types.StepResponse {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return &types.StepResponse{Status: types.StepFailure, Error: "warming up"}
		}
		return &types.StepResponse{Status: types.StepSuccess}
	})

	id, err := o.Start(context.Background(), def(types.StepDefinition{Name: "s1", Target: "w", MaxRetries: 2}))
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), id))
	assert.Len(t, b.requests("w"), 2)
}

func TestCancelWakesParkedRun(t *testing.T) {
	o, b, mem, _ := testOrchestrator(t, nil)
	// No responder: the step parks until cancelled.

	id, err := o.Start(context.Background(), def(types.StepDefinition{
		Name: "s1", Target: "w", Timeout: 5 * time.Second,
	}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), id) }()

	require.Eventually(t, func() bool {
		inst, gerr := o.Get(context.Background(), id)
		return gerr == nil && inst.State == types.WorkflowWaitingResponse
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.Cancel(id, "operator abort"))

	select {
	case rerr := <-done:
		require.ErrorContains(t, rerr, "operator abort")
	case <-time.After(time.Second):
		t.Fatal("run did not wake on cancellation")
	}

	inst, gerr := o.Get(context.Background(), id)
	require.NoError(t, gerr)
	assert.Equal(t, types.WorkflowRolledBack, inst.State)

	var notice *types.Envelope
	for _, env := range b.published() {
		if env.EventType == types.EventCancellation && env.Target == types.TargetRecovery {
			notice = env
		}
	}
	require.NotNil(t, notice, "cancellation must reach the recovery coordinator")
	var body types.Cancellation
	require.NoError(t, notice.Decode(&body))
	assert.Equal(t, id, body.WorkflowID)

	// Deliberate cancellation opens no ticket.
	tickets, terr := mem.ListTickets(context.Background())
	require.NoError(t, terr)
	assert.Empty(t, tickets)
}

func TestCancelDormantInstance(t *testing.T) {
	o, _, _, _ := testOrchestrator(t, nil)

	id, err := o.Start(context.Background(), def(types.StepDefinition{Name: "s1", Target: "w"}))
	require.NoError(t, err)

	ch, err := o.Await(id)
	require.NoError(t, err)
	require.NoError(t, o.Cancel(id, "queue drained"))

	select {
	case out := <-ch:
		assert.Equal(t, types.WorkflowRolledBack, out.State)
		assert.Contains(t, out.FailureReason, "queue drained")
	default:
		t.Fatal("awaiter not resolved")
	}

	// A second cancel hits a closed instance.
	require.Error(t, o.Cancel(id, "again"))
}

func TestInterruptedRunResumes(t *testing.T) {
	o, b, _, _ := testOrchestrator(t, nil)

	id, err := o.Start(context.Background(), def(types.StepDefinition{
		Name: "s1", Target: "w", Timeout: 5 * time.Second,
	}))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(runCtx, id) }()

	require.Eventually(t, func() bool {
		inst, gerr := o.Get(context.Background(), id)
		return gerr == nil && inst.State == types.WorkflowWaitingResponse
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case rerr := <-done:
		require.ErrorIs(t, rerr, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("run did not wake on context cancellation")
	}

	// The instance stays resumable, parked state reverted.
	inst, gerr := o.Get(context.Background(), id)
	require.NoError(t, gerr)
	assert.Equal(t, types.WorkflowRunning, inst.State)
	assert.Equal(t, 0, inst.CurrentStep)

	// A later dispatch finishes the workflow.
	b.setRespond(successResponder(`{}`))
	require.NoError(t, o.Run(context.Background(), id))
	inst, gerr = o.Get(context.Background(), id)
	require.NoError(t, gerr)
	assert.Equal(t, types.WorkflowCompleted, inst.State)
}

func TestStaleStepResponseDropped(t *testing.T) {
	o, _, _, _ := testOrchestrator(t, nil)

	env, err := types.NewEnvelope("w", types.TargetWorkflow, types.EventStepResponse, types.StepResponse{Status: types.StepSuccess})
	require.NoError(t, err)
	env.CorrelationID = "long-gone"
	require.NoError(t, o.HandleEnvelope(env))
}

func TestCancellationEnvelopeCancelsInstance(t *testing.T) {
	o, _, _, _ := testOrchestrator(t, nil)

	id, err := o.Start(context.Background(), def(types.StepDefinition{Name: "s1", Target: "w"}))
	require.NoError(t, err)

	env, err := types.NewEnvelope("sched", types.TargetWorkflow, types.EventCancellation, types.Cancellation{
		WorkflowID: id,
		Reason:     "task deadline exceeded",
	})
	require.NoError(t, err)
	require.NoError(t, o.HandleEnvelope(env))

	inst, gerr := o.Get(context.Background(), id)
	require.NoError(t, gerr)
	assert.Equal(t, types.WorkflowRolledBack, inst.State)
	assert.Contains(t, inst.FailureReason, "task deadline exceeded")
}

func TestAwaitUnknownInstance(t *testing.T) {
	o, _, _, _ := testOrchestrator(t, nil)
	_, err := o.Await("nope")
	require.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestAwaitAfterSettlement(t *testing.T) {
	o, b, _, _ := testOrchestrator(t, nil)
	b.setRespond(successResponder(`{}`))

	id, err := o.Start(context.Background(), def(types.StepDefinition{Name: "s1", Target: "w"}))
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), id))

	ch, err := o.Await(id)
	require.NoError(t, err)
	select {
	case out := <-ch:
		assert.Equal(t, types.WorkflowCompleted, out.State)
	default:
		t.Fatal("settled instance must deliver immediately")
	}
}

func TestSweepDropsSettledInstances(t *testing.T) {
	o, b, _, _ := testOrchestrator(t, nil)
	b.setRespond(successResponder(`{}`))

	id, err := o.Start(context.Background(), def(types.StepDefinition{Name: "s1", Target: "w"}))
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), id))

	require.Equal(t, 1, o.Sweep(0))
	require.Equal(t, 0, o.Sweep(0))

	// The store still serves the archived view.
	inst, gerr := o.Get(context.Background(), id)
	require.NoError(t, gerr)
	assert.Equal(t, types.WorkflowCompleted, inst.State)
}

func TestWorkflowIDFromTask(t *testing.T) {
	tk := &types.Task{ID: "t1", Payload: json.RawMessage(`{"workflow_id":"wf-9"}`)}
	id, err := WorkflowIDFromTask(tk)
	require.NoError(t, err)
	assert.Equal(t, "wf-9", id)

	_, err = WorkflowIDFromTask(&types.Task{ID: "t2", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)

	_, err = WorkflowIDFromTask(&types.Task{ID: "t3", Payload: json.RawMessage(`broken`)})
	require.Error(t, err)
}

func TestDuplicateStartRejected(t *testing.T) {
	o, _, _, _ := testOrchestrator(t, nil)

	d := def(types.StepDefinition{Name: "s1", Target: "w"})
	d.ID = "fixed-id"
	_, err := o.Start(context.Background(), d)
	require.NoError(t, err)
	_, err = o.Start(context.Background(), d)
	require.ErrorContains(t, err, "already exists")
}

func TestRunRejectsConcurrentExecution(t *testing.T) {
	o, _, _, _ := testOrchestrator(t, nil)

	id, err := o.Start(context.Background(), def(types.StepDefinition{
		Name: "s1", Target: "w", Timeout: time.Second,
	}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background(), id) }()
	require.Eventually(t, func() bool {
		inst, gerr := o.Get(context.Background(), id)
		return gerr == nil && inst.State == types.WorkflowWaitingResponse
	}, time.Second, 5*time.Millisecond)

	require.ErrorContains(t, o.Run(context.Background(), id), "already executing")
	require.NoError(t, o.Cancel(id, "cleanup"))
	<-done
}

func TestFailureWithoutCompensationsStillRollsBack(t *testing.T) {
	o, _, _, _ := testOrchestrator(t, nil)
	// No responder: the only step times out, and there is nothing to
	// compensate.

	id, err := o.Start(context.Background(), def(types.StepDefinition{
		Name: "solo", Target: "w", Timeout: 20 * time.Millisecond, MaxRetries: -1,
	}))
	require.NoError(t, err)

	err = o.Run(context.Background(), id)
	require.True(t, types.IsStepTimeout(err))

	inst, gerr := o.Get(context.Background(), id)
	require.NoError(t, gerr)
	assert.Equal(t, types.WorkflowRolledBack, inst.State)
}
