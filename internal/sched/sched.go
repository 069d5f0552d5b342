// Package sched is the priority scheduler. It owns every task from
// submission to terminal state: a heap-ordered queue with age-boosted
// priorities, overflow shedding with duplicate consolidation, preemption
// of running low-priority work, and deadline enforcement for queued tasks.
//
// The scheduler never touches slots. The dispatch loop in internal/core
// pairs RequestNext with a pool acquisition and gives the task back via
// Requeue when no slot fits.
package sched

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/pkg/types"
)

// ErrUnknownTask is returned when a task ID is not queued, running or
// recently finished.
var ErrUnknownTask = errors.New("sched: unknown task")

// maxPriority caps the effective priority; base score and age boost can
// never push a task past it.
const maxPriority = 1000

// Publisher is the slice of the bus the scheduler needs for cancellation
// notices.
type Publisher interface {
	Publish(ctx context.Context, env *types.Envelope) error
}

// Stats is a point-in-time census for the SLO monitor and the control
// surface.
type Stats struct {
	Queued       int    `json:"queued"`
	Running      int    `json:"running"`
	Completed    uint64 `json:"completed"`
	Failed       uint64 `json:"failed"`
	TimedOut     uint64 `json:"timed_out"`
	Shed         uint64 `json:"shed"`
	Preempted    uint64 `json:"preempted"`
	Consolidated uint64 `json:"consolidated"`
}

// runningTask tracks a dispatched task: the slot hosting it and the cancel
// function that interrupts its worker.
type runningTask struct {
	task   *types.Task
	slotID string
	cancel context.CancelFunc
}

// doneRecord keeps a terminal task long enough for callers to read the
// outcome; PruneTerminal evicts old ones.
type doneRecord struct {
	task *types.Task
	at   time.Time
}

// Scheduler owns queued and running tasks behind one mutex. Audit records
// and bus publishes happen after the lock is released; the scheduler never
// calls another component while holding its own lock.
type Scheduler struct {
	cfg      config.SchedulerConfig
	bus      Publisher
	recorder audit.Recorder
	lg       *zap.Logger

	mu      sync.Mutex
	queue   taskHeap
	queued  map[string]*entry
	running map[string]*runningTask
	done    map[string]doneRecord

	completed    uint64
	failed       uint64
	timedOut     uint64
	shed         uint64
	preempted    uint64
	consolidated uint64

	kick chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a scheduler. Start launches the aging/deadline loop.
func New(cfg config.SchedulerConfig, bus Publisher, recorder audit.Recorder, lg *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		bus:      bus,
		recorder: recorder,
		lg:       lg,
		queued:   make(map[string]*entry),
		running:  make(map[string]*runningTask),
		done:     make(map[string]doneRecord),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the maintenance loop that ages queued priorities and
// expires queued deadlines every DispatchInterval.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.maintain()
}

// Stop halts the maintenance loop. Queued and running tasks are left
// as-is.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Kicks signals that dispatchable work appeared: a submission, a requeue
// or a preemption. The dispatch loop selects on it alongside its ticker.
func (s *Scheduler) Kicks() <-chan struct{} {
	return s.kick
}

func (s *Scheduler) kickNow() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Submit admits a task to the queue, stamping identity and submission time
// onto the caller's struct. Over the overflow threshold the queue sheds:
// duplicates consolidate onto their eldest, then lowest-priority entries
// are evicted, and a newcomer that is itself the lowest is rejected with
// QueueFull instead of evicting queued work.
func (s *Scheduler) Submit(ctx context.Context, task *types.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("sched: nil task")
	}
	if task.Kind == "" {
		return fmt.Errorf("sched: task kind is required")
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}
	if task.CriticalityWeight == 0 {
		task.CriticalityWeight = 1
	}
	task.Status = types.TaskQueued

	t := task.Clone()
	e := &entry{task: t}
	now := time.Now()
	e.priority = s.effectivePriority(t, now)
	t.Priority = e.priority
	task.Priority = e.priority

	s.mu.Lock()
	if _, ok := s.queued[t.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("sched: task %s already queued", t.ID)
	}
	if _, ok := s.running[t.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("sched: task %s already running", t.ID)
	}

	var evicted []*types.Task
	var folded []consolidation
	if s.cfg.OverflowThreshold > 0 && len(s.queue) >= s.cfg.OverflowThreshold {
		folded = s.consolidateLocked()
		if len(s.queue) >= s.cfg.OverflowThreshold {
			var err error
			evicted, err = s.shedLocked(e)
			if err != nil {
				s.shed++
				s.mu.Unlock()
				s.reportConsolidations(folded)
				s.reportEvictions(evicted)
				s.recorder.Record(audit.Event{
					Kind: audit.TaskShed, Component: "sched", Ref: t.ID,
					Fields: map[string]any{"reason": "rejected", "priority": e.priority},
				})
				return err
			}
		}
	}

	heap.Push(&s.queue, e)
	s.queued[t.ID] = e
	victim := s.preemptLocked(e)
	s.mu.Unlock()

	s.reportConsolidations(folded)
	s.reportEvictions(evicted)
	s.recorder.Record(audit.Event{
		Kind: audit.TaskSubmitted, Component: "sched", Ref: t.ID,
		Fields: map[string]any{"kind": t.Kind, "priority": e.priority},
	})
	if victim != nil {
		s.recorder.Record(audit.Event{
			Kind: audit.TaskPreempted, Component: "sched", Ref: victim.task.ID,
			Fields: map[string]any{"by": t.ID, "priority": victim.task.Priority},
		})
		s.lg.Info("preempting running task",
			zap.String("task_id", victim.task.ID),
			zap.String("preempted_by", t.ID))
		if victim.cancel != nil {
			victim.cancel()
		}
	}
	s.kickNow()
	return nil
}

// RequestNext hands out the highest-priority task that fits the offered
// capacity and marks it running. Queued tasks whose deadline already
// passed are expired instead of granted.
func (s *Scheduler) RequestNext(capacity types.ResourceRequirement) (*types.Task, bool) {
	now := time.Now()

	s.mu.Lock()
	var skipped []*entry
	var picked *entry
	var expired []*types.Task
	for s.queue.Len() > 0 {
		e := heap.Pop(&s.queue).(*entry)
		if e.task.Expired(now) {
			delete(s.queued, e.task.ID)
			s.expireLocked(e.task, "deadline expired while queued")
			expired = append(expired, e.task)
			continue
		}
		if !e.task.Requirement.Fits(capacity) {
			skipped = append(skipped, e)
			continue
		}
		picked = e
		break
	}
	for _, e := range skipped {
		heap.Push(&s.queue, e)
	}
	var clone *types.Task
	if picked != nil {
		delete(s.queued, picked.task.ID)
		picked.task.Status = types.TaskRunning
		s.running[picked.task.ID] = &runningTask{task: picked.task}
		clone = picked.task.Clone()
	}
	s.mu.Unlock()

	s.reportExpired(expired)
	if clone == nil {
		return nil, false
	}
	s.recorder.Record(audit.Event{
		Kind: audit.TaskDispatched, Component: "sched", Ref: clone.ID,
		Fields: map[string]any{"priority": clone.Priority},
	})
	return clone, true
}

// Bind attaches the slot and the worker's cancel function to a dispatched
// task. An ErrUnknownTask return means the task was preempted or expired
// between dispatch and bind; the caller must release the slot and skip
// execution.
func (s *Scheduler) Bind(taskID, slotID string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.running[taskID]
	if !ok {
		return ErrUnknownTask
	}
	rt.slotID = slotID
	rt.cancel = cancel
	return nil
}

// Requeue gives a dispatched task back to the queue, keeping its original
// submission time so the age boost survives. The dispatch loop calls this
// when no slot fits after all.
func (s *Scheduler) Requeue(taskID string) error {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTask
	}
	delete(s.running, taskID)
	s.requeueLocked(rt.task, types.TaskQueued)
	s.mu.Unlock()

	s.recorder.Record(audit.Event{
		Kind: audit.TaskRequeued, Component: "sched", Ref: taskID,
		Fields: map[string]any{"reason": "slot_unavailable"},
	})
	s.kickNow()
	return nil
}

// Ack reports a dispatched task's outcome. Failed tasks with retry budget
// left return to the queue; exhausted or non-retryable outcomes become
// terminal. Acking a task the scheduler already moved (preempted and
// requeued, say) is a harmless no-op.
func (s *Scheduler) Ack(taskID string, outcome types.TaskOutcome) error {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	if !ok {
		_, isQueued := s.queued[taskID]
		_, isDone := s.done[taskID]
		s.mu.Unlock()
		if isQueued || isDone {
			return nil
		}
		return ErrUnknownTask
	}
	delete(s.running, taskID)
	t := rt.task

	var event audit.Event
	var cancellation string
	requeued := false
	switch outcome.Status {
	case types.TaskCompleted:
		t.Status = types.TaskCompleted
		t.Result = outcome.Result
		s.completed++
		s.doneLocked(t)
		event = audit.Event{Kind: audit.TaskCompleted, Component: "sched", Ref: taskID}
	case types.TaskFailed:
		t.FailureReason = outcome.FailureReason
		if t.RetryCount < t.MaxRetries {
			t.RetryCount++
			s.requeueLocked(t, types.TaskQueued)
			requeued = true
			event = audit.Event{
				Kind: audit.TaskRequeued, Component: "sched", Ref: taskID,
				Fields: map[string]any{"reason": "retry", "attempt": t.RetryCount},
			}
		} else {
			t.Status = types.TaskFailed
			s.failed++
			s.doneLocked(t)
			event = audit.Event{
				Kind: audit.TaskFailed, Component: "sched", Ref: taskID,
				Fields: map[string]any{"reason": t.FailureReason},
			}
		}
	case types.TaskTimedOut:
		t.Status = types.TaskTimedOut
		if outcome.FailureReason != "" {
			t.FailureReason = outcome.FailureReason
		} else {
			t.FailureReason = "execution deadline exceeded"
		}
		s.timedOut++
		s.doneLocked(t)
		event = audit.Event{
			Kind: audit.TaskTimedOut, Component: "sched", Ref: taskID,
			Fields: map[string]any{"reason": t.FailureReason},
		}
		cancellation = t.FailureReason
	case types.TaskPreempted:
		// The worker was interrupted from outside the scheduler, during
		// shutdown for example. Give the task back to the queue.
		s.requeueLocked(t, types.TaskPreempted)
		requeued = true
		event = audit.Event{
			Kind: audit.TaskRequeued, Component: "sched", Ref: taskID,
			Fields: map[string]any{"reason": "interrupted"},
		}
	default:
		// Unknown outcome: put the task back rather than lose it.
		s.requeueLocked(t, types.TaskQueued)
		s.mu.Unlock()
		return fmt.Errorf("sched: invalid outcome status %q for task %s", outcome.Status, taskID)
	}
	s.mu.Unlock()

	s.recorder.Record(event)
	if cancellation != "" {
		s.publishCancellation(taskID, cancellation)
	}
	if requeued {
		s.kickNow()
	}
	return nil
}

// Get returns a copy of the task wherever it currently lives.
func (s *Scheduler) Get(taskID string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.queued[taskID]; ok {
		return e.task.Clone(), nil
	}
	if rt, ok := s.running[taskID]; ok {
		return rt.task.Clone(), nil
	}
	if d, ok := s.done[taskID]; ok {
		return d.task.Clone(), nil
	}
	return nil, ErrUnknownTask
}

// Stats returns the current census.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:       len(s.queue),
		Running:      len(s.running),
		Completed:    s.completed,
		Failed:       s.failed,
		TimedOut:     s.timedOut,
		Shed:         s.shed,
		Preempted:    s.preempted,
		Consolidated: s.consolidated,
	}
}

// PruneTerminal drops terminal tasks older than the given age and returns
// how many were removed. The maintenance cron calls this.
func (s *Scheduler) PruneTerminal(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, d := range s.done {
		if d.at.Before(cutoff) {
			delete(s.done, id)
			n++
		}
	}
	return n
}

// requeueLocked puts a task that was running back on the heap with its
// submission time intact.
func (s *Scheduler) requeueLocked(t *types.Task, status types.TaskStatus) {
	t.Status = status
	e := &entry{task: t, priority: s.effectivePriority(t, time.Now())}
	t.Priority = e.priority
	heap.Push(&s.queue, e)
	s.queued[t.ID] = e
}

// expireLocked marks a queued task timed out. The caller already removed
// it from the heap and index.
func (s *Scheduler) expireLocked(t *types.Task, reason string) {
	t.Status = types.TaskTimedOut
	t.FailureReason = reason
	s.timedOut++
	s.doneLocked(t)
}

func (s *Scheduler) doneLocked(t *types.Task) {
	s.done[t.ID] = doneRecord{task: t, at: time.Now()}
}

// effectivePriority is base score × criticality weight plus the age boost
// earned per whole aging interval spent queued, clamped to [0, maxPriority].
// The boost only grows while a task waits, so priorities never decay.
func (s *Scheduler) effectivePriority(t *types.Task, now time.Time) float64 {
	boost := 0.0
	if s.cfg.AgingInterval > 0 && s.cfg.BoostFactor > 0 {
		intervals := math.Floor(float64(now.Sub(t.SubmittedAt)) / float64(s.cfg.AgingInterval))
		if intervals > 0 {
			boost = s.cfg.BoostFactor * intervals
		}
	}
	p := t.BaseScore*t.CriticalityWeight + boost
	if p < 0 {
		return 0
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}

func (s *Scheduler) maintain() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.agePass(now)
			s.expireDeadlines(now)
		}
	}
}

// agePass refreshes every queued priority and restores heap order if
// anything moved.
func (s *Scheduler) agePass(now time.Time) {
	s.mu.Lock()
	changed := false
	for _, e := range s.queue {
		if p := s.effectivePriority(e.task, now); p != e.priority {
			e.priority = p
			e.task.Priority = p
			changed = true
		}
	}
	if changed {
		heap.Init(&s.queue)
	}
	s.mu.Unlock()
}

// expireDeadlines times out queued tasks whose deadline passed. They are
// never granted a slot; recovery hears about each one.
func (s *Scheduler) expireDeadlines(now time.Time) {
	s.mu.Lock()
	var expired []*types.Task
	for _, e := range s.queue {
		if e.task.Expired(now) {
			expired = append(expired, e.task)
		}
	}
	for _, t := range expired {
		e := s.queued[t.ID]
		heap.Remove(&s.queue, e.pos)
		delete(s.queued, t.ID)
		s.expireLocked(t, "deadline expired while queued")
	}
	s.mu.Unlock()

	s.reportExpired(expired)
}

func (s *Scheduler) reportEvictions(evicted []*types.Task) {
	for _, dead := range evicted {
		s.recorder.Record(audit.Event{
			Kind: audit.TaskShed, Component: "sched", Ref: dead.ID,
			Fields: map[string]any{"reason": "evicted", "priority": dead.Priority},
		})
		s.publishCancellation(dead.ID, "shed under queue overflow")
	}
}

func (s *Scheduler) reportExpired(expired []*types.Task) {
	for _, t := range expired {
		s.recorder.Record(audit.Event{
			Kind: audit.TaskTimedOut, Component: "sched", Ref: t.ID,
			Fields: map[string]any{"reason": t.FailureReason},
		})
		s.publishCancellation(t.ID, t.FailureReason)
	}
}

func (s *Scheduler) publishCancellation(taskID, reason string) {
	env, err := types.NewEnvelope("sched", types.TargetRecovery, types.EventCancellation, types.Cancellation{
		TaskID: taskID,
		Reason: reason,
	})
	if err != nil {
		s.lg.Error("encode cancellation notice", zap.Error(err))
		return
	}
	env.Severity = types.SeverityWarning
	if err := s.bus.Publish(context.Background(), env); err != nil {
		s.lg.Warn("publish cancellation notice",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}
