package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/internal/store"
	"yqhp/coordinator/pkg/types"
)

// recordingWorker is a collaborator that notes the order work reached it.
// A gated worker parks on its gate until the test opens it, yielding the
// slot only on context cancellation.
type recordingWorker struct {
	name    string
	gate    chan struct{}
	started chan string

	mu    sync.Mutex
	order []string
}

func newRecordingWorker(name string, gated bool) *recordingWorker {
	w := &recordingWorker{name: name, started: make(chan string, 16)}
	if gated {
		w.gate = make(chan struct{})
	}
	return w
}

func (w *recordingWorker) Name() string { return w.name }

func (w *recordingWorker) Handle(ctx context.Context, req *types.StepRequest) (any, error) {
	label, _ := req.Parameters["name"].(string)
	select {
	case w.started <- label:
	default:
	}
	if w.gate != nil {
		select {
		case <-w.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	w.mu.Lock()
	w.order = append(w.order, label)
	w.mu.Unlock()
	return map[string]any{"name": label}, nil
}

func (w *recordingWorker) executed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.order))
	copy(out, w.order)
	return out
}

type failingWorker struct {
	name string
	err  error

	mu    sync.Mutex
	calls int
}

func (w *failingWorker) Name() string { return w.name }

func (w *failingWorker) Handle(context.Context, *types.StepRequest) (any, error) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	return nil, w.err
}

func (w *failingWorker) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store.Backend = "memory"
	cfg.Scheduler.DispatchInterval = 10 * time.Millisecond
	cfg.Scheduler.AgingInterval = 50 * time.Millisecond
	cfg.Pool.Capacity = 2
	cfg.Bus.AggregationWindow = 0
	cfg.Bus.BackoffBase = 5 * time.Millisecond
	cfg.Bus.BackoffMax = 20 * time.Millisecond
	cfg.Workflow.DefaultStepTimeout = 2 * time.Second
	cfg.Workflow.DefaultMaxRetries = 1
	cfg.Workflow.StepBackoff = 5 * time.Millisecond
	// Keep the sampler quiet: an idle test pool would otherwise rack up
	// parallelization violations and open tickets of its own.
	cfg.SLO.SampleInterval = time.Hour
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func newTestNode(t *testing.T, mutate func(*config.Config)) *Node {
	t.Helper()
	cfg := testConfig(mutate)
	require.NoError(t, cfg.Validate())
	n, err := NewNode(cfg, zap.NewNop())
	require.NoError(t, err)
	return n
}

func submitLocal(t *testing.T, n *Node, kind, label string, score float64, opts ...func(*types.Task)) *types.Task {
	t.Helper()
	task := &types.Task{
		Kind:              kind,
		BaseScore:         score,
		CriticalityWeight: 1,
		Requirement:       types.ResourceRequirement{CPU: 1, MemoryMB: 128},
		Payload:           json.RawMessage(fmt.Sprintf(`{"parameters":{"name":%q}}`, label)),
	}
	for _, opt := range opts {
		opt(task)
	}
	require.NoError(t, n.sched.Submit(context.Background(), task))
	return task
}

func waitForStatus(t *testing.T, n *Node, taskID string, want types.TaskStatus) *types.Task {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := n.sched.Get(taskID)
		return err == nil && got.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", taskID, want)
	got, err := n.sched.Get(taskID)
	require.NoError(t, err)
	return got
}

func TestNodeStartStop(t *testing.T) {
	n := newTestNode(t, nil)
	require.NoError(t, n.Start())
	n.Stop()
	n.Stop() // second stop is a no-op
}

func TestNewNodeRejectsBadArchiveSchedule(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Maintenance.ArchiveSchedule = "every day at three"
	})
	_, err := NewNode(cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive schedule")
}

func TestDispatchOrderFollowsPriority(t *testing.T) {
	n := newTestNode(t, func(c *config.Config) {
		c.Pool.Capacity = 1
	})
	probe := newRecordingWorker("probe", false)
	n.Workers().MustRegister(probe)

	low := submitLocal(t, n, "probe", "low", 10)
	mid := submitLocal(t, n, "probe", "mid", 50)
	high := submitLocal(t, n, "probe", "high", 90)

	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)

	require.Eventually(t, func() bool {
		return len(probe.executed()) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"high", "mid", "low"}, probe.executed())

	for _, task := range []*types.Task{low, mid, high} {
		waitForStatus(t, n, task.ID, types.TaskCompleted)
	}
}

func TestQueuedTaskExpiresBeforeGrant(t *testing.T) {
	n := newTestNode(t, func(c *config.Config) {
		c.Pool.Capacity = 1
	})
	blocker := newRecordingWorker("blocker", true)
	probe := newRecordingWorker("probe", false)
	n.Workers().MustRegister(blocker)
	n.Workers().MustRegister(probe)

	hold := submitLocal(t, n, "blocker", "hold", 50)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)

	select {
	case <-blocker.started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker never reached its slot")
	}

	victim := submitLocal(t, n, "probe", "victim", 90, func(task *types.Task) {
		task.Deadline = time.Now().Add(30 * time.Millisecond)
	})

	got := waitForStatus(t, n, victim.ID, types.TaskTimedOut)
	assert.NotEmpty(t, got.FailureReason)
	assert.EqualValues(t, 1, n.sched.Stats().TimedOut)

	close(blocker.gate)
	waitForStatus(t, n, hold.ID, types.TaskCompleted)
	assert.Empty(t, probe.executed(), "an expired task must never reach a worker")
}

func TestDuplicateEventDeliversOnce(t *testing.T) {
	n := newTestNode(t, nil)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)

	var mu sync.Mutex
	var got []*types.Envelope
	unsub := n.bus.Subscribe("ops", func(env *types.Envelope) error {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
		return nil
	})
	t.Cleanup(unsub)

	first, err := types.NewEnvelope("janitor", "ops", types.EventLeaseExpired, map[string]any{"slot": "s-1"})
	require.NoError(t, err)
	dup, err := types.NewEnvelope("janitor", "ops", types.EventLeaseExpired, map[string]any{"slot": "s-1"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, n.bus.Publish(ctx, first))
	require.NoError(t, n.bus.Publish(ctx, dup))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, first.SuppressedCount)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1, "the duplicate must be folded, not delivered")
	assert.Equal(t, first.ID, got[0].ID)
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	n := newTestNode(t, nil)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)

	def := types.WorkflowDefinition{
		Name:      "nightly-rollup",
		BaseScore: 60,
		Steps: []types.StepDefinition{
			{Name: "collect", Target: "echo", Parameters: map[string]any{"shard": "a"}},
			{Name: "publish", Target: "echo"},
		},
	}
	id, err := n.workflow.Start(context.Background(), def)
	require.NoError(t, err)
	ch, err := n.workflow.Await(id)
	require.NoError(t, err)

	select {
	case out := <-ch:
		assert.Equal(t, types.WorkflowCompleted, out.State)
	case <-time.After(5 * time.Second):
		t.Fatal("workflow never settled")
	}

	inst, err := n.workflow.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, inst.State)
	assert.NotEmpty(t, inst.Checkpoints)
	waitForStatus(t, n, inst.TaskID, types.TaskCompleted)
}

func TestFailingStepRollsBackAndEscalates(t *testing.T) {
	n := newTestNode(t, nil)
	steps := newRecordingWorker("steprunner", false)
	flaky := &failingWorker{name: "flaky", err: errors.New("downstream unavailable")}
	n.Workers().MustRegister(steps)
	n.Workers().MustRegister(flaky)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)

	def := types.WorkflowDefinition{
		Name:      "release",
		BaseScore: 70,
		Steps: []types.StepDefinition{
			{Name: "prepare", Target: "steprunner", Parameters: map[string]any{"name": "prepare"}},
			{Name: "apply", Target: "flaky", MaxRetries: 1},
			{Name: "verify", Target: "steprunner", Parameters: map[string]any{"name": "verify"}},
		},
	}
	id, err := n.workflow.Start(context.Background(), def)
	require.NoError(t, err)
	ch, err := n.workflow.Await(id)
	require.NoError(t, err)

	select {
	case out := <-ch:
		assert.Equal(t, types.WorkflowRolledBack, out.State)
		assert.Contains(t, out.FailureReason, "downstream unavailable")
	case <-time.After(5 * time.Second):
		t.Fatal("workflow never settled")
	}

	inst, err := n.workflow.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowRolledBack, inst.State)
	assert.Equal(t, 2, flaky.callCount(), "one retry on top of the first attempt")
	assert.Equal(t, []string{"prepare"}, steps.executed(), "steps after the failure must not run")

	tickets, err := n.recovery.Tickets(context.Background())
	require.NoError(t, err)
	require.Len(t, tickets, 1, "exactly one escalation ticket per failed instance")
	assert.Equal(t, id, tickets[0].EventID)
	assert.Equal(t, types.SeverityWarning, tickets[0].Severity)

	waitForStatus(t, n, inst.TaskID, types.TaskFailed)
}

func TestPreemptionYieldsSlotToUrgentTask(t *testing.T) {
	n := newTestNode(t, func(c *config.Config) {
		c.Pool.Capacity = 1
		c.Scheduler.PreemptionMargin = 20
	})
	blocker := newRecordingWorker("blocker", true)
	probe := newRecordingWorker("probe", false)
	n.Workers().MustRegister(blocker)
	n.Workers().MustRegister(probe)

	victim := submitLocal(t, n, "blocker", "victim", 10, func(task *types.Task) {
		task.Preemptible = true
	})
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)

	select {
	case <-blocker.started:
	case <-time.After(2 * time.Second):
		t.Fatal("victim never reached its slot")
	}

	urgent := submitLocal(t, n, "probe", "urgent", 90)

	// The urgent task completes while the gate is still closed, so the
	// victim must have been pushed off the only slot.
	waitForStatus(t, n, urgent.ID, types.TaskCompleted)
	assert.GreaterOrEqual(t, n.sched.Stats().Preempted, uint64(1))

	close(blocker.gate)
	waitForStatus(t, n, victim.ID, types.TaskCompleted)
}

func TestScriptTaskExecutesEndToEnd(t *testing.T) {
	n := newTestNode(t, nil)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)

	task := &types.Task{
		Kind:              "script",
		BaseScore:         40,
		CriticalityWeight: 1,
		Payload:           json.RawMessage(`{"script":"6*7"}`),
	}
	require.NoError(t, n.sched.Submit(context.Background(), task))

	got := waitForStatus(t, n, task.ID, types.TaskCompleted)
	var result struct {
		Value float64 `json:"value"`
	}
	require.NoError(t, json.Unmarshal(got.Result, &result))
	assert.EqualValues(t, 42, result.Value)
}

func TestLocalTaskWithoutWorkerFails(t *testing.T) {
	n := newTestNode(t, nil)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)

	task := submitLocal(t, n, "carrier-pigeon", "x", 40)
	got := waitForStatus(t, n, task.ID, types.TaskFailed)
	assert.Contains(t, got.FailureReason, "no collaborator")
}

func TestMaintenanceArchivesAndSweeps(t *testing.T) {
	n := newTestNode(t, func(c *config.Config) {
		c.Workflow.Retention = time.Minute
		c.Maintenance.DeadLetterTTL = time.Minute
	})
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	ctx := context.Background()

	old := &types.WorkflowInstance{
		ID:        uuid.New().String(),
		Name:      "stale",
		State:     types.WorkflowCompleted,
		CreatedAt: time.Now().Add(-3 * time.Hour),
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, n.store.SaveInstance(ctx, old))
	fresh := &types.WorkflowInstance{
		ID:        uuid.New().String(),
		Name:      "current",
		State:     types.WorkflowCompleted,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, n.store.SaveInstance(ctx, fresh))

	env, err := types.NewEnvelope("bus", "ops", types.EventDeadLetter, map[string]any{"n": 1})
	require.NoError(t, err)
	require.NoError(t, n.store.SaveDeadLetter(ctx, &store.DeadLetter{
		Envelope: env,
		Reason:   "delivery exhausted",
		ParkedAt: time.Now().Add(-2 * time.Hour),
	}))

	n.archive()
	n.sweep()

	instances, err := n.store.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, fresh.ID, instances[0].ID)

	// Archived instances stay readable by ID.
	got, err := n.store.GetInstance(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, got.State)

	letters, err := n.store.ListDeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestApplyConfigResizesPool(t *testing.T) {
	n := newTestNode(t, nil)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)

	next := testConfig(func(c *config.Config) {
		c.Pool.Capacity = 5
	})
	n.ApplyConfig(next)
	assert.Equal(t, 5, n.pool.Capacity())

	// A reload that does not touch capacity leaves the pool alone.
	n.ApplyConfig(next)
	assert.Equal(t, 5, n.pool.Capacity())
}

func TestStopInterruptsInFlightWork(t *testing.T) {
	n := newTestNode(t, func(c *config.Config) {
		c.Pool.Capacity = 1
	})
	blocker := newRecordingWorker("blocker", true)
	n.Workers().MustRegister(blocker)
	submitLocal(t, n, "blocker", "hold", 50)
	require.NoError(t, n.Start())

	select {
	case <-blocker.started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker never reached its slot")
	}

	done := make(chan struct{})
	go func() {
		n.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop hung on in-flight work")
	}
	assert.Empty(t, blocker.executed(), "interrupted work must not finish after shutdown")
}
