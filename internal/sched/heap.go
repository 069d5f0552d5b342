package sched

import "yqhp/coordinator/pkg/types"

// entry is one queued task plus the scheduling state the heap maintains
// for it.
type entry struct {
	task *types.Task
	// priority is the cached effective priority, refreshed by the aging
	// pass so the heap order stays current.
	priority float64
	// pos is the heap index, kept by Swap for O(log n) removal.
	pos int
}

// taskHeap orders entries by effective priority, highest first. Equal
// priorities break FIFO by submission time.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].task.SubmittedAt.Before(h[j].task.SubmittedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.pos = -1
	*h = old[:n-1]
	return e
}

// lowest returns the minimum-priority entry, preferring the newest
// submission among equals so shedding evicts late arrivals first. The
// minimum of a max-heap is not at the root, so this is a full scan.
func (h taskHeap) lowest() *entry {
	var low *entry
	for _, e := range h {
		if low == nil || e.priority < low.priority ||
			(e.priority == low.priority && e.task.SubmittedAt.After(low.task.SubmittedAt)) {
			low = e
		}
	}
	return low
}
