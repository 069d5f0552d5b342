// Package core assembles a coordinator node: it wires the store, audit
// pipeline, bus, pool, scheduler, orchestrator, recovery coordinator,
// objective monitor and control surface together, and runs the dispatch
// loop that moves queued tasks onto granted slots.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"yqhp/coordinator/internal/api/rest"
	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/internal/bus"
	"yqhp/coordinator/internal/collab"
	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/internal/pool"
	"yqhp/coordinator/internal/recovery"
	"yqhp/coordinator/internal/sched"
	"yqhp/coordinator/internal/slo"
	"yqhp/coordinator/internal/store"
	"yqhp/coordinator/internal/workflow"
	"yqhp/coordinator/pkg/jsonx"
	"yqhp/coordinator/pkg/metrics"
	"yqhp/coordinator/pkg/types"
)

// Node owns the lifecycle of every coordinator component. Construction
// wires them, Start brings them up, Stop tears them down in reverse.
type Node struct {
	cfg *config.Config
	lg  *zap.Logger

	store    store.Store
	registry *metrics.Registry
	pipeline *audit.Pipeline
	bus      *bus.Bus
	pool     *pool.Manager
	sched    *sched.Scheduler
	recovery *recovery.Coordinator
	workflow *workflow.Orchestrator
	monitor  *slo.Monitor
	workers  *collab.Registry
	notifier *collab.Notifier
	rest     *rest.Server
	cron     *cron.Cron

	unsubs []func()

	// runCtx parents every task execution context; cancelling it on
	// Stop interrupts in-flight work so it requeues before the
	// scheduler shuts down.
	runCtx    context.Context
	runCancel context.CancelFunc

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewNode builds a node from validated configuration. The store backend
// is opened here; everything else is wired but not started.
func NewNode(cfg *config.Config, lg *zap.Logger) (*Node, error) {
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("core: open store: %w", err)
	}

	registry := metrics.NewRegistry()
	pipeline := audit.NewPipeline(0,
		audit.NewLogSink(lg),
		audit.NewCountersSink(registry),
		audit.NewStoreSink(st, lg),
	)

	b := bus.New(cfg.Bus, st, pipeline, lg)
	p := pool.New(cfg.Pool, b, pipeline, lg)
	sc := sched.New(cfg.Scheduler, b, pipeline, lg)
	rc := recovery.New(cfg.Recovery, b, st, pipeline, lg)
	orch := workflow.New(cfg.Workflow, b, st, sc, rc, pipeline, lg)
	mon := slo.New(cfg.SLO, p, sc, b, pipeline, lg)

	workers := collab.NewRegistry()
	workers.MustRegister(collab.NewScriptWorker(lg))
	workers.MustRegister(collab.NewEchoWorker())

	n := &Node{
		cfg:      cfg,
		lg:       lg,
		store:    st,
		registry: registry,
		pipeline: pipeline,
		bus:      b,
		pool:     p,
		sched:    sc,
		recovery: rc,
		workflow: orch,
		monitor:  mon,
		workers:  workers,
		notifier: collab.NewNotifier(b, lg),
		cron:     cron.New(),
		stop:     make(chan struct{}),
	}
	n.runCtx, n.runCancel = context.WithCancel(context.Background())

	n.rest = rest.NewServer(cfg.Server, rest.Components{
		Workflows:   orch,
		Tasks:       sc,
		Pool:        p,
		Objectives:  mon,
		DeadLetters: b,
		Escalations: rc,
		Events:      st,
		Counters:    registry,
	}, lg)

	if _, err := n.cron.AddFunc(cfg.Maintenance.ArchiveSchedule, n.archive); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("core: archive schedule %q: %w", cfg.Maintenance.ArchiveSchedule, err)
	}
	if _, err := n.cron.AddFunc(cfg.Maintenance.SweepSchedule, n.sweep); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("core: sweep schedule %q: %w", cfg.Maintenance.SweepSchedule, err)
	}
	return n, nil
}

// Start brings every component up and launches the dispatch loop and
// maintenance schedules. The control surface is started separately by
// Run so tests can drive a node without binding a port.
func (n *Node) Start() error {
	if err := n.pipeline.Start(); err != nil {
		return fmt.Errorf("core: start audit pipeline: %w", err)
	}

	n.pool.Start()
	n.sched.Start()
	n.recovery.Start()
	n.workflow.Attach()
	n.monitor.Start()

	for _, name := range n.workers.Names() {
		w, ok := n.workers.Get(name)
		if !ok {
			continue
		}
		n.unsubs = append(n.unsubs, n.bus.Subscribe(name, collab.Bind(w, n.bus, n.lg)))
	}
	n.unsubs = append(n.unsubs, n.bus.Subscribe(types.TargetNotifier, n.notifier.HandleEnvelope))

	n.wg.Add(1)
	go n.dispatch()

	n.cron.Start()

	n.lg.Info("coordinator node started",
		zap.Int("pool_capacity", n.pool.Capacity()),
		zap.Strings("collaborators", n.workers.Names()),
		zap.String("store", n.cfg.Store.Backend))
	return nil
}

// Run starts the node and serves the control surface until ctx is
// cancelled, then stops everything.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(); err != nil {
		return err
	}
	err := n.rest.StartWithContext(ctx)
	n.Stop()
	return err
}

// Stop shuts the node down in reverse of Start. In-flight tasks are
// interrupted through their contexts and requeue inside the scheduler
// before it goes away; the store closes last so late audit writes and
// instance saves still land.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stop)
		n.cron.Stop()
		n.runCancel()

		n.monitor.Stop()
		for _, unsub := range n.unsubs {
			unsub()
		}
		n.unsubs = nil
		n.workflow.Detach()

		n.wg.Wait()

		n.recovery.Stop()
		n.sched.Stop()
		n.pool.Stop()
		n.bus.Stop()
		n.pipeline.Stop()
		if err := n.store.Close(); err != nil {
			n.lg.Warn("close store", zap.Error(err))
		}
		n.lg.Info("coordinator node stopped")
	})
}

// Workers exposes the collaborator registry so embedders can add their
// own kinds before Start.
func (n *Node) Workers() *collab.Registry { return n.workers }

// ApplyConfig applies the runtime-tunable parts of a reloaded
// configuration. Today that is the pool capacity; structural settings
// take effect on the next start.
func (n *Node) ApplyConfig(next *config.Config) {
	if next == nil {
		return
	}
	if next.Pool.Capacity != n.pool.Capacity() {
		applied, err := n.pool.Resize(next.Pool.Capacity)
		if err != nil {
			n.lg.Warn("apply reloaded pool capacity",
				zap.Int("requested", next.Pool.Capacity), zap.Error(err))
			return
		}
		n.lg.Info("pool capacity reloaded", zap.Int("capacity", applied))
	}
}

// dispatch moves work from the scheduler onto pool slots. It wakes on
// the scheduler's kick channel and on a steady tick, then drains the
// queue until nothing dispatchable remains or the pool is full.
func (n *Node) dispatch() {
	defer n.wg.Done()

	interval := n.cfg.Scheduler.DispatchInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slotCapacity := types.ResourceRequirement{
		CPU:      n.cfg.Pool.SlotCPU,
		MemoryMB: n.cfg.Pool.SlotMemoryMB,
	}

	for {
		select {
		case <-n.stop:
			return
		case <-n.sched.Kicks():
		case <-ticker.C:
		}

		for {
			if n.pool.Utilization() >= 1 {
				break
			}
			task, ok := n.sched.RequestNext(slotCapacity)
			if !ok {
				break
			}
			if !n.dispatchOne(task) {
				break
			}
		}
	}
}

// dispatchOne acquires a slot for an already-granted task and launches
// its worker goroutine, bound one-to-one to the slot. A false return
// means the pool had nothing and the task went back to the queue.
func (n *Node) dispatchOne(task *types.Task) bool {
	slot, err := n.pool.Acquire(n.runCtx, task.ID, task.Requirement)
	if err != nil {
		if rqErr := n.sched.Requeue(task.ID); rqErr != nil && !errors.Is(rqErr, sched.ErrUnknownTask) {
			n.lg.Warn("requeue after failed acquire",
				zap.String("task_id", task.ID), zap.Error(rqErr))
		}
		if !types.IsSlotUnavailable(err) {
			n.lg.Warn("acquire slot", zap.String("task_id", task.ID), zap.Error(err))
		}
		return false
	}

	n.monitor.RecordScheduling(time.Since(task.SubmittedAt))

	var runCtx context.Context
	var cancel context.CancelFunc
	if task.Deadline.IsZero() {
		runCtx, cancel = context.WithCancel(n.runCtx)
	} else {
		runCtx, cancel = context.WithDeadline(n.runCtx, task.Deadline)
	}

	if err := n.sched.Bind(task.ID, slot.ID, cancel); err != nil {
		// The task was preempted or expired between grant and bind;
		// give the slot back and keep draining.
		cancel()
		if relErr := n.pool.Release(slot.ID); relErr != nil {
			n.lg.Warn("release slot after lost bind",
				zap.String("slot_id", slot.ID), zap.Error(relErr))
		}
		return true
	}

	n.wg.Add(1)
	go n.runTask(runCtx, cancel, task, slot.ID)
	return true
}

// runTask executes one dispatched task on its slot and reports the
// outcome. Preemption and node shutdown arrive as context cancellation
// through the cancel handle the scheduler holds.
func (n *Node) runTask(ctx context.Context, cancel context.CancelFunc, task *types.Task, slotID string) {
	defer n.wg.Done()
	defer cancel()

	started := time.Now()
	outcome := n.execute(ctx, task)
	n.monitor.RecordExecution(time.Since(started))

	// Release before Ack so a retrying task finds its slot free.
	if relErr := n.pool.Release(slotID); relErr != nil {
		n.lg.Warn("release slot", zap.String("slot_id", slotID), zap.Error(relErr))
	}
	if ackErr := n.sched.Ack(task.ID, outcome); ackErr != nil && !errors.Is(ackErr, sched.ErrUnknownTask) {
		n.lg.Warn("ack task", zap.String("task_id", task.ID), zap.Error(ackErr))
	}
}

// execute runs the task body matching its kind.
func (n *Node) execute(ctx context.Context, task *types.Task) types.TaskOutcome {
	if task.Kind == workflow.TaskKind {
		return n.executeWorkflow(ctx, task)
	}
	return n.executeLocal(ctx, task)
}

// executeWorkflow drives the instance the carrier task references. An
// interrupted run maps back onto the task by the cause: deadline
// expiry closes the instance out as timed out, any other cancellation
// is a preemption and the instance stays resumable.
func (n *Node) executeWorkflow(ctx context.Context, task *types.Task) types.TaskOutcome {
	wfID, err := workflow.WorkflowIDFromTask(task)
	if err != nil {
		return types.TaskOutcome{Status: types.TaskFailed, FailureReason: err.Error()}
	}

	err = n.workflow.Run(ctx, wfID)
	switch {
	case err == nil:
		return types.TaskOutcome{Status: types.TaskCompleted}
	case errors.Is(err, workflow.ErrInterrupted):
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason := "workflow deadline exceeded"
			if cErr := n.workflow.Cancel(wfID, reason); cErr != nil {
				n.lg.Debug("cancel timed out workflow",
					zap.String("workflow_id", wfID), zap.Error(cErr))
			}
			return types.TaskOutcome{Status: types.TaskTimedOut, FailureReason: reason}
		}
		return types.TaskOutcome{Status: types.TaskPreempted}
	default:
		return types.TaskOutcome{Status: types.TaskFailed, FailureReason: err.Error()}
	}
}

// executeLocal runs a plain task on the collaborator registered under
// its kind. The payload carries optional parameters and script source.
func (n *Node) executeLocal(ctx context.Context, task *types.Task) types.TaskOutcome {
	w, ok := n.workers.Get(task.Kind)
	if !ok {
		return types.TaskOutcome{
			Status:        types.TaskFailed,
			FailureReason: fmt.Sprintf("no collaborator handles kind %q", task.Kind),
		}
	}

	var body struct {
		Parameters map[string]any `json:"parameters,omitempty"`
		Script     string         `json:"script,omitempty"`
	}
	if len(task.Payload) > 0 {
		if err := jsonx.Unmarshal(task.Payload, &body); err != nil {
			return types.TaskOutcome{Status: types.TaskFailed, FailureReason: "malformed payload: " + err.Error()}
		}
	}

	result, err := w.Handle(ctx, &types.StepRequest{
		StepName:   task.Kind,
		Parameters: body.Parameters,
		Script:     body.Script,
		Deadline:   task.Deadline,
	})
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return types.TaskOutcome{Status: types.TaskTimedOut, FailureReason: err.Error()}
		case errors.Is(ctx.Err(), context.Canceled):
			return types.TaskOutcome{Status: types.TaskPreempted}
		default:
			return types.TaskOutcome{Status: types.TaskFailed, FailureReason: err.Error()}
		}
	}

	out := types.TaskOutcome{Status: types.TaskCompleted}
	if result != nil {
		raw, merr := jsonx.Marshal(result)
		if merr != nil {
			return types.TaskOutcome{Status: types.TaskFailed, FailureReason: "encode result: " + merr.Error()}
		}
		out.Result = raw
	}
	return out
}

// archive moves settled instances past retention into the store's
// archive and drops their in-memory residue.
func (n *Node) archive() {
	retention := n.cfg.Workflow.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	moved, err := n.store.ArchiveInstances(ctx, time.Now().Add(-retention))
	if err != nil {
		n.lg.Warn("archive instances", zap.Error(err))
		return
	}
	dropped := n.workflow.Sweep(retention)
	if moved > 0 || dropped > 0 {
		n.lg.Info("archived settled workflows",
			zap.Int("archived", moved), zap.Int("swept", dropped))
	}
}

// sweep expires stale dead letters and prunes terminal task records.
func (n *Node) sweep() {
	ttl := n.cfg.Maintenance.DeadLetterTTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	expired, err := n.store.ExpireDeadLetters(ctx, time.Now().Add(-ttl))
	if err != nil {
		n.lg.Warn("expire dead letters", zap.Error(err))
	}
	pruned := n.sched.PruneTerminal(n.cfg.Workflow.Retention)
	if expired > 0 || pruned > 0 {
		n.lg.Debug("maintenance sweep",
			zap.Int("dead_letters_expired", expired), zap.Int("tasks_pruned", pruned))
	}
}
