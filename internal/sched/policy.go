package sched

import (
	"container/heap"
	"hash/fnv"
	"strconv"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/pkg/types"
)

// consolidation records one duplicate folded onto its eldest submission.
type consolidation struct {
	dropped string
	into    string
}

// dupSignature identifies duplicate submissions: same kind, same payload.
func dupSignature(t *types.Task) string {
	h := fnv.New64a()
	h.Write([]byte(t.Kind))
	h.Write([]byte{0})
	h.Write(t.Payload)
	return strconv.FormatUint(h.Sum64(), 16)
}

// consolidateLocked folds queued duplicates onto their eldest submission.
// The survivor keeps the largest retry budget of the group; each duplicate
// turns terminal with a reason pointing at the survivor.
func (s *Scheduler) consolidateLocked() []consolidation {
	eldest := make(map[string]*entry, len(s.queue))
	var victims []*entry
	for _, e := range s.queue {
		sig := dupSignature(e.task)
		cur, ok := eldest[sig]
		if !ok {
			eldest[sig] = e
			continue
		}
		if e.task.SubmittedAt.Before(cur.task.SubmittedAt) {
			eldest[sig] = e
			victims = append(victims, cur)
		} else {
			victims = append(victims, e)
		}
	}

	var out []consolidation
	for _, v := range victims {
		keep := eldest[dupSignature(v.task)]
		if v.task.MaxRetries > keep.task.MaxRetries {
			keep.task.MaxRetries = v.task.MaxRetries
		}
		heap.Remove(&s.queue, v.pos)
		delete(s.queued, v.task.ID)
		v.task.Status = types.TaskFailed
		v.task.FailureReason = "consolidated into task " + keep.task.ID
		s.doneLocked(v.task)
		s.consolidated++
		out = append(out, consolidation{dropped: v.task.ID, into: keep.task.ID})
	}
	return out
}

func (s *Scheduler) reportConsolidations(folded []consolidation) {
	for _, c := range folded {
		s.recorder.Record(audit.Event{
			Kind: audit.TaskConsolidated, Component: "sched", Ref: c.dropped,
			Fields: map[string]any{"into": c.into},
		})
	}
}

// shedLocked makes room under the overflow threshold by evicting strictly
// lower-priority queued entries. A newcomer that does not outrank the
// current lowest is the one rejected, carrying QueueFull back to its
// submitter; queued work is only evicted for someone who outranks it.
func (s *Scheduler) shedLocked(newcomer *entry) ([]*types.Task, error) {
	var evicted []*types.Task
	for len(s.queue) >= s.cfg.OverflowThreshold {
		low := s.queue.lowest()
		if low == nil || low.priority >= newcomer.priority {
			return evicted, types.NewQueueFullError(newcomer.task.ID, len(s.queue))
		}
		heap.Remove(&s.queue, low.pos)
		delete(s.queued, low.task.ID)
		low.task.Status = types.TaskFailed
		low.task.FailureReason = "shed under queue overflow"
		s.doneLocked(low.task)
		s.shed++
		evicted = append(evicted, low.task)
	}
	return evicted, nil
}

// preemptLocked fires when a newcomer outranks the weakest running
// preemptible task by more than the configured margin. The victim returns
// to the queue with its submission time intact, so its age boost keeps
// growing; its slot frees once the interrupted worker exits. The caller
// invokes the victim's cancel outside the lock.
func (s *Scheduler) preemptLocked(newcomer *entry) *runningTask {
	var victim *runningTask
	for _, rt := range s.running {
		if !rt.task.Preemptible {
			continue
		}
		if victim == nil || rt.task.Priority < victim.task.Priority {
			victim = rt
		}
	}
	if victim == nil || newcomer.priority <= victim.task.Priority+s.cfg.PreemptionMargin {
		return nil
	}
	delete(s.running, victim.task.ID)
	s.preempted++
	s.requeueLocked(victim.task, types.TaskPreempted)
	return victim
}
