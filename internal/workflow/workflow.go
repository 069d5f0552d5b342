// Package workflow is the saga orchestrator. A submitted definition
// becomes an instance whose state machine walks initialized → running →
// (waiting_response)* → completed, or → failed → rolled_back. Every
// transition persists a checkpoint before it applies. Steps travel as
// correlated step-request envelopes to worker collaborators; synchronous
// steps park on a correlation-wait table until the response arrives or the
// step deadline lapses. Failed steps retry with backoff, then redirect to
// the alternate target, then fail the workflow, which compensates
// checkpointed side effects in reverse through a recovery branch.
//
// The instance itself is mutated only under its per-instance lock;
// checkpoint appends happen inside that lock, bus publishes never do.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ohler55/ojg/jp"
	"go.uber.org/zap"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/internal/bus"
	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/internal/recovery"
	"yqhp/coordinator/pkg/jsonx"
	"yqhp/coordinator/pkg/types"
)

var (
	// ErrUnknownWorkflow is returned for instance IDs the orchestrator has
	// never seen.
	ErrUnknownWorkflow = errors.New("workflow: unknown instance")
	// ErrInterrupted is returned by Run when execution was suspended by a
	// cancelled context (preemption, shutdown). The instance stays
	// resumable: a later Run picks up from the current step.
	ErrInterrupted = errors.New("workflow: run interrupted")

	errCancelRequested = errors.New("workflow: cancellation requested")
)

// TaskKind is the scheduler task kind under which workflow instances run.
const TaskKind = "workflow"

// taskPayload links a scheduler task back to its instance.
type taskPayload struct {
	WorkflowID string `json:"workflow_id"`
}

// WorkflowIDFromTask extracts the instance ID a workflow task carries.
func WorkflowIDFromTask(t *types.Task) (string, error) {
	var p taskPayload
	if err := jsonx.Unmarshal(t.Payload, &p); err != nil {
		return "", fmt.Errorf("workflow: task %s payload: %w", t.ID, err)
	}
	if p.WorkflowID == "" {
		return "", fmt.Errorf("workflow: task %s carries no workflow id", t.ID)
	}
	return p.WorkflowID, nil
}

// Outcome is the terminal result delivered to awaiters.
type Outcome struct {
	InstanceID    string              `json:"instance_id"`
	State         types.WorkflowState `json:"state"`
	FailureReason string              `json:"failure_reason,omitempty"`
}

// Bus is the slice of the message plane the orchestrator uses.
type Bus interface {
	Publish(ctx context.Context, env *types.Envelope) error
	Subscribe(target string, handler bus.Handler) func()
}

// Store is the slice of the durable store the orchestrator writes.
type Store interface {
	AppendCheckpoint(ctx context.Context, cp *types.Checkpoint) error
	ListCheckpoints(ctx context.Context, workflowID string) ([]types.Checkpoint, error)
	SaveInstance(ctx context.Context, inst *types.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*types.WorkflowInstance, error)
	ListInstances(ctx context.Context) ([]*types.WorkflowInstance, error)
}

// Submitter enqueues the task that carries a workflow through the
// scheduler and the slot pool.
type Submitter interface {
	Submit(ctx context.Context, task *types.Task) error
}

// Recovery is the slice of the failure coordinator the orchestrator leans
// on for compensating branches and escalation.
type Recovery interface {
	BeginBranch(scope string) *recovery.Branch
	Commit(b *recovery.Branch) error
	Discard(b *recovery.Branch) error
	Escalate(ctx context.Context, eventID, reason string, severity types.Severity, payload map[string]any) (*types.EscalationTicket, error)
}

// instanceState wraps one live instance. Lock order is orchestrator mutex
// before instance mutex, never the reverse.
type instanceState struct {
	mu   sync.Mutex
	inst *types.WorkflowInstance

	branch       *recovery.Branch
	executing    bool
	cancelled    bool
	cancelReason string
	cancelCh     chan struct{}
}

// Orchestrator drives workflow instances.
type Orchestrator struct {
	cfg      config.WorkflowConfig
	bus      Bus
	store    Store
	sched    Submitter
	rec      Recovery
	recorder audit.Recorder
	lg       *zap.Logger

	mu        sync.Mutex
	instances map[string]*instanceState
	waits     map[string]chan *types.Envelope
	awaiters  map[string][]chan Outcome
	settled   map[string]Outcome
	unsub     func()
}

// New builds an orchestrator. Attach subscribes it to the workflow target.
func New(cfg config.WorkflowConfig, b Bus, st Store, sched Submitter, rec Recovery, recorder audit.Recorder, lg *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		bus:       b,
		store:     st,
		sched:     sched,
		rec:       rec,
		recorder:  recorder,
		lg:        lg,
		instances: make(map[string]*instanceState),
		waits:     make(map[string]chan *types.Envelope),
		awaiters:  make(map[string][]chan Outcome),
		settled:   make(map[string]Outcome),
	}
}

// Attach subscribes the orchestrator to workflow-bound bus traffic.
func (o *Orchestrator) Attach() {
	o.unsub = o.bus.Subscribe(types.TargetWorkflow, o.HandleEnvelope)
}

// Detach unsubscribes from the bus. Parked runs are woken by their own
// context, not by Detach.
func (o *Orchestrator) Detach() {
	if o.unsub != nil {
		o.unsub()
		o.unsub = nil
	}
}

// Start validates and registers a definition, persists the birth
// checkpoint and submits the scheduler task that will carry the run. The
// returned ID identifies the instance from then on.
func (o *Orchestrator) Start(ctx context.Context, def types.WorkflowDefinition) (string, error) {
	if err := o.normalize(&def); err != nil {
		return "", err
	}
	id := def.ID
	now := time.Now()
	inst := &types.WorkflowInstance{
		ID:               id,
		Name:             def.Name,
		Definition:       def,
		State:            types.WorkflowInitialized,
		StepCorrelations: make(map[int]string),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	st := &instanceState{inst: inst, cancelCh: make(chan struct{})}

	o.mu.Lock()
	if _, dup := o.instances[id]; dup {
		o.mu.Unlock()
		return "", fmt.Errorf("workflow: instance %s already exists", id)
	}
	o.instances[id] = st
	o.mu.Unlock()

	st.mu.Lock()
	cp := &types.Checkpoint{WorkflowID: id, StepIndex: 0, State: types.WorkflowInitialized, Note: "accepted", At: now}
	if err := o.appendCheckpoint(cp); err != nil {
		st.mu.Unlock()
		o.forget(id)
		return "", err
	}
	inst.Checkpoints = append(inst.Checkpoints, *cp)
	o.saveInstanceLocked(st)
	st.mu.Unlock()

	payload, err := jsonx.Marshal(taskPayload{WorkflowID: id})
	if err != nil {
		o.forget(id)
		return "", fmt.Errorf("workflow: encode task payload: %w", err)
	}
	task := &types.Task{
		Kind:              TaskKind,
		BaseScore:         def.BaseScore,
		CriticalityWeight: def.CriticalityWeight,
		Preemptible:       def.Preemptible,
		Requirement:       def.Requirement,
		Payload:           payload,
	}
	if def.Deadline > 0 {
		task.Deadline = now.Add(def.Deadline)
	}
	if err := o.sched.Submit(ctx, task); err != nil {
		// Nothing ran; close the instance out with a full trail and
		// surface the rejection to the caller.
		o.lg.Warn("workflow task rejected",
			zap.String("workflow_id", id),
			zap.Error(err))
		_ = o.abort(st, fmt.Sprintf("task submission rejected: %v", err))
		return "", err
	}

	st.mu.Lock()
	inst.TaskID = task.ID
	o.saveInstanceLocked(st)
	st.mu.Unlock()

	o.recorder.Record(audit.Event{
		Kind: audit.WorkflowStarted, Component: "workflow", Ref: id,
		Fields: map[string]any{"name": def.Name, "task_id": task.ID, "steps": len(def.Steps)},
	})
	o.lg.Info("workflow accepted",
		zap.String("workflow_id", id),
		zap.String("name", def.Name),
		zap.String("task_id", task.ID),
		zap.Int("steps", len(def.Steps)))
	return id, nil
}

// normalize validates a definition and fills scheduler and step defaults
// in place. A zero step timeout or retry budget takes the configured
// default; a negative retry budget means no retries.
func (o *Orchestrator) normalize(def *types.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("workflow: definition needs a name")
	}
	if len(def.Steps) == 0 {
		return errors.New("workflow: definition needs at least one step")
	}
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.Name == "" {
			return fmt.Errorf("workflow: step %d needs a name", i)
		}
		if s.Target == "" {
			return fmt.Errorf("workflow: step %q needs a target", s.Name)
		}
		switch s.Mode {
		case "":
			s.Mode = types.StepSync
		case types.StepSync, types.StepAsync:
		default:
			return fmt.Errorf("workflow: step %q has unknown mode %q", s.Name, s.Mode)
		}
		if s.Timeout <= 0 {
			s.Timeout = o.cfg.DefaultStepTimeout
		}
		if s.MaxRetries == 0 {
			s.MaxRetries = o.cfg.DefaultMaxRetries
		}
		if s.MaxRetries < 0 {
			s.MaxRetries = 0
		}
		if s.Expect != nil && s.Expect.Path == "" {
			return fmt.Errorf("workflow: step %q contract needs a path", s.Name)
		}
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	return nil
}

// Run executes an instance from its current step. The core's dispatch
// loop calls this when the workflow's task lands on a slot. A cancelled
// context suspends the run and returns ErrInterrupted with the instance
// left resumable; everything else drives the instance to a terminal
// state before returning.
func (o *Orchestrator) Run(ctx context.Context, instanceID string) error {
	st, err := o.state(instanceID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	switch st.inst.State {
	case types.WorkflowCompleted:
		st.mu.Unlock()
		return nil
	case types.WorkflowRolledBack, types.WorkflowFailed:
		reason := st.inst.FailureReason
		st.mu.Unlock()
		return errors.New(reason)
	}
	if st.executing {
		st.mu.Unlock()
		return fmt.Errorf("workflow: instance %s is already executing", instanceID)
	}
	st.executing = true
	if st.cancelled {
		reason := st.cancelReason
		st.executing = false
		st.mu.Unlock()
		return o.abort(st, reason)
	}
	if st.branch == nil {
		st.branch = o.rec.BeginBranch("workflow/" + instanceID)
	}
	switch st.inst.State {
	case types.WorkflowInitialized:
		err = o.transitionLocked(st, types.WorkflowRunning, "", "started")
	case types.WorkflowWaitingResponse:
		err = o.transitionLocked(st, types.WorkflowRunning, "", "resumed")
	}
	steps := st.inst.Definition.Steps
	start := st.inst.CurrentStep
	st.mu.Unlock()
	if err != nil {
		o.clearExecuting(st)
		return err
	}
	defer o.clearExecuting(st)

	for i := start; i < len(steps); i++ {
		st.mu.Lock()
		cancelled, reason := st.cancelled, st.cancelReason
		st.mu.Unlock()
		if cancelled {
			return o.abort(st, reason)
		}
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("%w: %v", ErrInterrupted, cerr)
		}

		step := steps[i]
		if serr := o.runStep(ctx, st, instanceID, i, step); serr != nil {
			switch {
			case errors.Is(serr, ErrInterrupted):
				o.lg.Info("workflow run suspended",
					zap.String("workflow_id", instanceID),
					zap.Int("step", i))
				return serr
			case errors.Is(serr, errCancelRequested):
				st.mu.Lock()
				reason := st.cancelReason
				st.mu.Unlock()
				return o.abort(st, reason)
			default:
				return o.finalize(st, i, serr, true, failureSeverity(serr))
			}
		}

		st.mu.Lock()
		if step.Compensation != nil {
			comp := *step.Compensation
			stepIdx, stepName := i, step.Name
			_ = st.branch.Record(step.Name, nil, func() error {
				return o.publishCompensation(instanceID, stepIdx, stepName, comp)
			})
		}
		st.inst.CurrentStep = i + 1
		st.inst.UpdatedAt = time.Now()
		o.saveInstanceLocked(st)
		st.mu.Unlock()
	}

	st.mu.Lock()
	br := st.branch
	st.branch = nil
	if terr := o.transitionLocked(st, types.WorkflowCompleted, "", "all steps completed"); terr != nil {
		st.branch = br
		st.mu.Unlock()
		return terr
	}
	st.mu.Unlock()

	if br != nil {
		if cerr := o.rec.Commit(br); cerr != nil {
			o.lg.Warn("commit workflow branch", zap.String("workflow_id", instanceID), zap.Error(cerr))
		}
	}
	o.recorder.Record(audit.Event{Kind: audit.WorkflowCompleted, Component: "workflow", Ref: instanceID})
	o.lg.Info("workflow completed", zap.String("workflow_id", instanceID))
	o.settle(instanceID, types.WorkflowCompleted, "")
	return nil
}

// runStep drives one step through its retry budget on the primary target
// and, if configured, the same budget on the alternate.
func (o *Orchestrator) runStep(ctx context.Context, st *instanceState, wfID string, idx int, step types.StepDefinition) error {
	targets := []string{step.Target}
	if step.AlternateTarget != "" && step.AlternateTarget != step.Target {
		targets = append(targets, step.AlternateTarget)
	}
	attempts := 1 + step.MaxRetries

	var last error
	for ti, target := range targets {
		if ti > 0 {
			o.lg.Info("redirecting step to alternate target",
				zap.String("workflow_id", wfID),
				zap.String("step", step.Name),
				zap.String("target", target))
		}
		for attempt := 1; attempt <= attempts; attempt++ {
			err := o.attemptStep(ctx, st, wfID, idx, step, target, attempt)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrInterrupted) || errors.Is(err, errCancelRequested) {
				return err
			}
			last = err
			o.lg.Warn("step attempt failed",
				zap.String("workflow_id", wfID),
				zap.String("step", step.Name),
				zap.String("target", target),
				zap.Int("attempt", attempt),
				zap.Error(err))
			var ce *types.CoordError
			if errors.As(err, &ce) && !ce.Retryable() {
				return err
			}
			final := ti == len(targets)-1 && attempt == attempts
			if final {
				break
			}
			select {
			case <-time.After(o.cfg.StepBackoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
			case <-st.cancelCh:
				return errCancelRequested
			}
		}
	}
	return last
}

// attemptStep publishes one step request under a fresh correlation ID
// and, for synchronous steps, parks on the wait table until the response,
// the step deadline, or an interruption.
func (o *Orchestrator) attemptStep(ctx context.Context, st *instanceState, wfID string, idx int, step types.StepDefinition, target string, attempt int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	select {
	case <-st.cancelCh:
		return errCancelRequested
	default:
	}

	corrID := uuid.New().String()
	deadline := time.Now().Add(step.Timeout)
	env, err := types.NewEnvelope("workflow", target, types.EventStepRequest, types.StepRequest{
		WorkflowID: wfID,
		StepIndex:  idx,
		StepName:   step.Name,
		Parameters: step.Parameters,
		Script:     step.Script,
		Deadline:   deadline,
	})
	if err != nil {
		return types.NewIntegrityViolationError("encode step request", err)
	}
	env.CorrelationID = corrID
	sync := step.Mode != types.StepAsync
	if sync {
		env.TTL = step.Timeout
	}

	st.mu.Lock()
	st.inst.StepCorrelations[idx] = corrID
	if sync {
		note := fmt.Sprintf("step %s dispatched to %s", step.Name, target)
		if terr := o.transitionLocked(st, types.WorkflowWaitingResponse, corrID, note); terr != nil {
			st.mu.Unlock()
			return terr
		}
	} else {
		o.saveInstanceLocked(st)
	}
	st.mu.Unlock()

	o.recorder.Record(audit.Event{
		Kind: audit.WorkflowStep, Component: "workflow", Ref: wfID,
		Fields: map[string]any{
			"step": step.Name, "index": idx, "target": target,
			"attempt": attempt, "mode": string(step.Mode), "correlation_id": corrID,
		},
	})

	var waitCh chan *types.Envelope
	if sync {
		waitCh = o.registerWait(corrID)
	}
	if perr := o.bus.Publish(ctx, env); perr != nil {
		if sync {
			o.unregisterWait(corrID)
			_ = o.stepSettled(st, corrID, "publish failed")
		}
		return types.NewDeliveryError(env.ID, "publish step request", perr)
	}
	if !sync {
		return nil
	}

	timer := time.NewTimer(step.Timeout)
	defer timer.Stop()
	select {
	case resp := <-waitCh:
		if terr := o.stepSettled(st, corrID, "response received"); terr != nil {
			return terr
		}
		return o.validateResponse(wfID, step, resp)
	case <-timer.C:
		o.unregisterWait(corrID)
		if terr := o.stepSettled(st, corrID, "step timed out"); terr != nil {
			return terr
		}
		return types.NewStepTimeoutError(wfID, step.Name, step.Timeout)
	case <-ctx.Done():
		o.unregisterWait(corrID)
		_ = o.stepSettled(st, corrID, "interrupted")
		return fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
	case <-st.cancelCh:
		o.unregisterWait(corrID)
		_ = o.stepSettled(st, corrID, "cancellation requested")
		return errCancelRequested
	}
}

// validateResponse checks the collaborator's reply against the step
// contract. A remote failure is retryable; a contract violation is not.
func (o *Orchestrator) validateResponse(wfID string, step types.StepDefinition, env *types.Envelope) error {
	var body types.StepResponse
	if err := env.Decode(&body); err != nil {
		return types.NewIntegrityViolationError("malformed step response", err)
	}
	switch body.Status {
	case types.StepSuccess:
	case types.StepFailure:
		msg := body.Error
		if msg == "" {
			msg = "collaborator reported failure"
		}
		return fmt.Errorf("step %s failed at %s: %s", step.Name, env.Source, msg)
	default:
		return types.NewIntegrityViolationError(fmt.Sprintf("step %s returned unknown status %q", step.Name, body.Status), nil)
	}
	if step.Expect == nil {
		return nil
	}
	return matchContract(wfID, step, body.Result)
}

// matchContract evaluates the JSONPath expectation over the response
// result. Mismatches reject the step without retries.
func matchContract(wfID string, step types.StepDefinition, raw json.RawMessage) error {
	expr, err := jp.ParseString(step.Expect.Path)
	if err != nil {
		return types.NewStepRejectedError(wfID, step.Name, fmt.Sprintf("invalid contract path %q: %v", step.Expect.Path, err))
	}
	var doc any
	if len(raw) > 0 {
		if uerr := jsonx.Unmarshal(raw, &doc); uerr != nil {
			return types.NewStepRejectedError(wfID, step.Name, "result is not valid JSON")
		}
	}
	got := expr.Get(doc)
	if len(got) == 0 {
		return types.NewStepRejectedError(wfID, step.Name, fmt.Sprintf("path %s yielded no value", step.Expect.Path))
	}
	if step.Expect.Equals == nil {
		return nil
	}
	if !jsonEqual(got[0], step.Expect.Equals) {
		want, _ := jsonx.MarshalString(step.Expect.Equals)
		have, _ := jsonx.MarshalString(got[0])
		return types.NewStepRejectedError(wfID, step.Name, fmt.Sprintf("path %s yielded %s, expected %s", step.Expect.Path, have, want))
	}
	return nil
}

// jsonEqual compares two values structurally after a JSON round-trip, so
// YAML integers meet decoded float64s on equal footing.
func jsonEqual(a, b any) bool {
	na, err := jsonNormalize(a)
	if err != nil {
		return false
	}
	nb, err := jsonNormalize(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func jsonNormalize(v any) (any, error) {
	raw, err := jsonx.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := jsonx.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel requests cancellation of a live instance. A parked run wakes and
// unwinds; a dormant instance (queued task, between dispatches) is closed
// out immediately.
func (o *Orchestrator) Cancel(instanceID, reason string) error {
	st, err := o.state(instanceID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	st.mu.Lock()
	if st.inst.State.Terminal() || st.inst.State == types.WorkflowFailed {
		state := st.inst.State
		st.mu.Unlock()
		return fmt.Errorf("workflow: instance %s already %s", instanceID, state)
	}
	if !st.cancelled {
		st.cancelled = true
		st.cancelReason = reason
		close(st.cancelCh)
	}
	executing := st.executing
	st.mu.Unlock()

	o.recorder.Record(audit.Event{
		Kind: audit.WorkflowCancelled, Component: "workflow", Ref: instanceID,
		Fields: map[string]any{"reason": reason},
	})
	if !executing {
		_ = o.abort(st, reason)
	}
	return nil
}

// abort closes out an instance that never gets to finish: cancelled,
// rejected at submission, or deadline-expired while dormant. The notice
// reaches the recovery coordinator; no ticket is opened for a deliberate
// cancellation.
func (o *Orchestrator) abort(st *instanceState, reason string) error {
	st.mu.Lock()
	if st.inst.State.Terminal() || st.inst.State == types.WorkflowFailed {
		st.mu.Unlock()
		return nil
	}
	if st.inst.State == types.WorkflowInitialized {
		if err := o.transitionLocked(st, types.WorkflowRunning, "", "closing undispatched workflow"); err != nil {
			st.mu.Unlock()
			return err
		}
	}
	id := st.inst.ID
	stepIdx := st.inst.CurrentStep
	st.mu.Unlock()

	o.publishCancellationNotice(id, stepIdx, reason)
	return o.finalize(st, stepIdx, errors.New(reason), false, "")
}

// finalize drives failed → rolled_back: persist the failure, escalate if
// asked, discard the branch so compensations run in reverse. When a
// compensation cannot run the instance stays failed with an open ticket.
func (o *Orchestrator) finalize(st *instanceState, stepIdx int, cause error, escalate bool, sev types.Severity) error {
	st.mu.Lock()
	if st.inst.State.Terminal() || st.inst.State == types.WorkflowFailed {
		st.mu.Unlock()
		return cause
	}
	st.inst.FailureReason = cause.Error()
	if err := o.transitionLocked(st, types.WorkflowFailed, "", cause.Error()); err != nil {
		st.mu.Unlock()
		return errors.Join(cause, err)
	}
	br := st.branch
	st.branch = nil
	id := st.inst.ID
	st.mu.Unlock()

	if escalate {
		if _, err := o.rec.Escalate(context.Background(), id, cause.Error(), sev, map[string]any{
			"workflow_id": id,
			"step_index":  stepIdx,
		}); err != nil {
			o.lg.Error("escalate workflow failure", zap.String("workflow_id", id), zap.Error(err))
		}
	}

	if br != nil {
		if derr := o.rec.Discard(br); derr != nil {
			if _, err := o.rec.Escalate(context.Background(), id,
				fmt.Sprintf("rollback incomplete: %v", derr),
				types.SeverityCritical,
				map[string]any{"workflow_id": id}); err != nil {
				o.lg.Error("escalate rollback failure", zap.String("workflow_id", id), zap.Error(err))
			}
			o.lg.Error("workflow rollback incomplete, instance stays failed with an open ticket",
				zap.String("workflow_id", id),
				zap.Error(derr))
			o.settle(id, types.WorkflowFailed, cause.Error())
			return cause
		}
		o.recorder.Record(audit.Event{
			Kind: audit.WorkflowCompensated, Component: "workflow", Ref: id,
			Fields: map[string]any{"through_step": stepIdx},
		})
	}

	st.mu.Lock()
	terr := o.transitionLocked(st, types.WorkflowRolledBack, "", "compensations applied")
	st.mu.Unlock()
	if terr != nil {
		o.lg.Error("persist rollback transition", zap.String("workflow_id", id), zap.Error(terr))
		o.settle(id, types.WorkflowFailed, cause.Error())
		return cause
	}
	o.recorder.Record(audit.Event{
		Kind: audit.WorkflowRolledBack, Component: "workflow", Ref: id,
		Fields: map[string]any{"reason": cause.Error()},
	})
	o.lg.Warn("workflow rolled back",
		zap.String("workflow_id", id),
		zap.String("reason", cause.Error()))
	o.settle(id, types.WorkflowRolledBack, cause.Error())
	return cause
}

// failureSeverity maps a terminal step error to the escalation severity:
// contract and integrity violations page harder than exhausted retries.
func failureSeverity(err error) types.Severity {
	var ce *types.CoordError
	if errors.As(err, &ce) {
		switch ce.Code {
		case types.ErrCodeStepRejected, types.ErrCodeIntegrityViolation:
			return types.SeverityCritical
		}
	}
	return types.SeverityWarning
}

// Get returns the freshest view of one instance, falling back to the
// store for archived ones.
func (o *Orchestrator) Get(ctx context.Context, instanceID string) (*types.WorkflowInstance, error) {
	if st, err := o.state(instanceID); err == nil {
		st.mu.Lock()
		out := st.inst.Clone()
		st.mu.Unlock()
		return out, nil
	}
	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, ErrUnknownWorkflow
	}
	return inst, nil
}

// List returns every live instance the store knows.
func (o *Orchestrator) List(ctx context.Context) ([]*types.WorkflowInstance, error) {
	return o.store.ListInstances(ctx)
}

// Await returns a channel that receives the instance's terminal outcome.
// An already-settled instance delivers immediately.
func (o *Orchestrator) Await(instanceID string) (<-chan Outcome, error) {
	o.mu.Lock()
	if out, ok := o.settled[instanceID]; ok {
		o.mu.Unlock()
		ch := make(chan Outcome, 1)
		ch <- out
		return ch, nil
	}
	if _, ok := o.instances[instanceID]; ok {
		ch := make(chan Outcome, 1)
		o.awaiters[instanceID] = append(o.awaiters[instanceID], ch)
		o.mu.Unlock()
		return ch, nil
	}
	o.mu.Unlock()

	inst, err := o.store.GetInstance(context.Background(), instanceID)
	if err != nil {
		return nil, ErrUnknownWorkflow
	}
	if !inst.State.Terminal() && inst.State != types.WorkflowFailed {
		return nil, fmt.Errorf("workflow: instance %s is %s but no longer resident", instanceID, inst.State)
	}
	ch := make(chan Outcome, 1)
	ch <- Outcome{InstanceID: instanceID, State: inst.State, FailureReason: inst.FailureReason}
	return ch, nil
}

// HandleEnvelope consumes workflow-bound bus traffic: correlated step
// responses wake their parked step, cancellations cancel their instance.
func (o *Orchestrator) HandleEnvelope(env *types.Envelope) error {
	switch env.EventType {
	case types.EventStepResponse:
		if env.CorrelationID == "" {
			o.lg.Warn("step response without correlation id", zap.String("envelope_id", env.ID))
			return nil
		}
		o.mu.Lock()
		ch, ok := o.waits[env.CorrelationID]
		if ok {
			delete(o.waits, env.CorrelationID)
		}
		o.mu.Unlock()
		if !ok {
			o.lg.Debug("stale step response",
				zap.String("correlation_id", env.CorrelationID),
				zap.String("envelope_id", env.ID))
			return nil
		}
		ch <- env
		return nil

	case types.EventCancellation:
		var body types.Cancellation
		if err := env.Decode(&body); err != nil {
			o.lg.Warn("malformed cancellation", zap.String("envelope_id", env.ID), zap.Error(err))
			return nil
		}
		if body.WorkflowID == "" {
			return nil
		}
		if err := o.Cancel(body.WorkflowID, body.Reason); err != nil {
			o.lg.Debug("cancellation not applied",
				zap.String("workflow_id", body.WorkflowID),
				zap.Error(err))
		}
		return nil

	default:
		o.lg.Debug("unhandled workflow event",
			zap.String("event_type", string(env.EventType)),
			zap.String("envelope_id", env.ID))
		return nil
	}
}

// Sweep drops settled instances untouched for longer than the retention
// window from the resident map. The store keeps them until archival.
func (o *Orchestrator) Sweep(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	o.mu.Lock()
	for id := range o.settled {
		st, ok := o.instances[id]
		if !ok {
			delete(o.settled, id)
			continue
		}
		st.mu.Lock()
		stale := st.inst.UpdatedAt.Before(cutoff)
		st.mu.Unlock()
		if stale {
			delete(o.instances, id)
			delete(o.settled, id)
			delete(o.awaiters, id)
			removed++
		}
	}
	o.mu.Unlock()
	return removed
}

// transitionLocked appends the checkpoint and only then applies the state
// change. Callers hold the instance lock.
func (o *Orchestrator) transitionLocked(st *instanceState, to types.WorkflowState, corrID, note string) error {
	from := st.inst.State
	if !types.ValidTransition(from, to) {
		return types.NewIntegrityViolationError(
			fmt.Sprintf("invalid transition %s -> %s for workflow %s", from, to, st.inst.ID), nil)
	}
	cp := &types.Checkpoint{
		WorkflowID:    st.inst.ID,
		StepIndex:     st.inst.CurrentStep,
		State:         to,
		CorrelationID: corrID,
		Note:          note,
		At:            time.Now(),
	}
	if err := o.appendCheckpoint(cp); err != nil {
		return err
	}
	st.inst.State = to
	st.inst.Checkpoints = append(st.inst.Checkpoints, *cp)
	st.inst.UpdatedAt = cp.At
	o.saveInstanceLocked(st)
	o.recorder.Record(audit.Event{
		Kind: audit.WorkflowCheckpoint, Component: "workflow", Ref: st.inst.ID,
		Fields: map[string]any{"step": cp.StepIndex, "state": string(to), "note": note},
	})
	return nil
}

func (o *Orchestrator) appendCheckpoint(cp *types.Checkpoint) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.AppendCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("workflow: persist checkpoint: %w", err)
	}
	return nil
}

func (o *Orchestrator) saveInstanceLocked(st *instanceState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.SaveInstance(ctx, st.inst.Clone()); err != nil {
		o.lg.Warn("persist workflow instance",
			zap.String("workflow_id", st.inst.ID),
			zap.Error(err))
	}
}

// registerWait installs the park for one correlation ID. The channel is
// buffered so the handler's delete-before-send never blocks, and a
// response can be delivered at most once.
func (o *Orchestrator) registerWait(corrID string) chan *types.Envelope {
	ch := make(chan *types.Envelope, 1)
	o.mu.Lock()
	o.waits[corrID] = ch
	o.mu.Unlock()
	return ch
}

// unregisterWait abandons a park after a timeout or interruption; a late
// response for the correlation then drops as stale.
func (o *Orchestrator) unregisterWait(corrID string) {
	o.mu.Lock()
	delete(o.waits, corrID)
	o.mu.Unlock()
}

// stepSettled returns a waiting instance to running once its park ends,
// whatever the reason.
func (o *Orchestrator) stepSettled(st *instanceState, corrID, note string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inst.State != types.WorkflowWaitingResponse {
		return nil
	}
	return o.transitionLocked(st, types.WorkflowRunning, corrID, note)
}

// publishCompensation dispatches one compensation as a fire-and-forget
// step request. Rollback outlives the run's context on purpose.
func (o *Orchestrator) publishCompensation(wfID string, stepIdx int, stepName string, comp types.CompensationDef) error {
	env, err := types.NewEnvelope("workflow", comp.Target, types.EventStepRequest, types.StepRequest{
		WorkflowID: wfID,
		StepIndex:  stepIdx,
		StepName:   stepName + ".compensate",
		Parameters: comp.Parameters,
		Script:     comp.Script,
	})
	if err != nil {
		return fmt.Errorf("encode compensation for step %s: %w", stepName, err)
	}
	env.CorrelationID = uuid.New().String()
	env.Severity = types.SeverityWarning
	if err := o.bus.Publish(context.Background(), env); err != nil {
		return fmt.Errorf("publish compensation for step %s: %w", stepName, err)
	}
	o.lg.Info("compensation dispatched",
		zap.String("workflow_id", wfID),
		zap.String("step", stepName),
		zap.String("target", comp.Target))
	return nil
}

func (o *Orchestrator) publishCancellationNotice(wfID string, stepIdx int, reason string) {
	env, err := types.NewEnvelope("workflow", types.TargetRecovery, types.EventCancellation, types.Cancellation{
		WorkflowID: wfID,
		StepIndex:  stepIdx,
		Reason:     reason,
	})
	if err != nil {
		o.lg.Error("encode cancellation notice", zap.Error(err))
		return
	}
	env.Severity = types.SeverityWarning
	if err := o.bus.Publish(context.Background(), env); err != nil {
		o.lg.Warn("publish cancellation notice",
			zap.String("workflow_id", wfID),
			zap.Error(err))
	}
}

func (o *Orchestrator) settle(instanceID string, state types.WorkflowState, reason string) {
	out := Outcome{InstanceID: instanceID, State: state, FailureReason: reason}
	o.mu.Lock()
	if _, done := o.settled[instanceID]; done {
		o.mu.Unlock()
		return
	}
	o.settled[instanceID] = out
	waiters := o.awaiters[instanceID]
	delete(o.awaiters, instanceID)
	o.mu.Unlock()
	for _, ch := range waiters {
		ch <- out
	}
}

func (o *Orchestrator) state(instanceID string) (*instanceState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.instances[instanceID]
	if !ok {
		return nil, ErrUnknownWorkflow
	}
	return st, nil
}

func (o *Orchestrator) clearExecuting(st *instanceState) {
	st.mu.Lock()
	st.executing = false
	st.mu.Unlock()
}

func (o *Orchestrator) forget(instanceID string) {
	o.mu.Lock()
	delete(o.instances, instanceID)
	o.mu.Unlock()
}
