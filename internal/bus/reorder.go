package bus

import (
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"yqhp/coordinator/pkg/types"
)

// lineageEntries bounds how many sequence lineages are tracked at once.
const lineageEntries = 4096

// lineage is the reorder state for one (target, correlation) pair.
// Sequences start at 1; envelopes arriving ahead of their predecessors
// wait here until the gap fills or the reorder window lapses.
type lineage struct {
	next    uint64
	waiting map[uint64]*types.Envelope
	timer   *time.Timer
}

// lineageIndex holds reorder state behind an expiring LRU so abandoned
// lineages age out on their own.
type lineageIndex struct {
	lru *expirable.LRU[string, *lineage]
}

func newLineageIndex(ttl time.Duration) *lineageIndex {
	onEvict := func(_ string, lin *lineage) {
		if lin.timer != nil {
			lin.timer.Stop()
		}
	}
	return &lineageIndex{
		lru: expirable.NewLRU[string, *lineage](lineageEntries, onEvict, ttl),
	}
}

func (x *lineageIndex) get(key string) (*lineage, bool) {
	return x.lru.Get(key)
}

func (x *lineageIndex) add(key string, lin *lineage) {
	x.lru.Add(key, lin)
}

func (x *lineageIndex) purge() {
	x.lru.Purge()
}

// sequenceGateLocked decides what an arriving envelope makes deliverable.
// Unsequenced envelopes pass through. A sequenced envelope is delivered
// together with any successors it unblocks, held back when predecessors
// are missing, or reported stale when its sequence was already passed.
// Callers hold b.mu.
func (b *Bus) sequenceGateLocked(env *types.Envelope) (deliverable []*types.Envelope, stale bool) {
	if env.Sequence == 0 || env.CorrelationID == "" || b.cfg.ReorderWindow <= 0 {
		return []*types.Envelope{env}, false
	}

	key := env.Target + "|" + env.CorrelationID
	lin, ok := b.lineages.get(key)
	if !ok {
		lin = &lineage{next: 1, waiting: make(map[uint64]*types.Envelope)}
		b.lineages.add(key, lin)
	}

	switch {
	case env.Sequence < lin.next:
		return nil, true
	case env.Sequence == lin.next:
		deliverable = append(deliverable, env)
		lin.next++
		for {
			nextEnv, ok := lin.waiting[lin.next]
			if !ok {
				break
			}
			delete(lin.waiting, lin.next)
			deliverable = append(deliverable, nextEnv)
			lin.next++
		}
		if len(lin.waiting) == 0 && lin.timer != nil {
			lin.timer.Stop()
			lin.timer = nil
		}
		return deliverable, false
	default:
		lin.waiting[env.Sequence] = env
		if lin.timer == nil {
			lin.timer = time.AfterFunc(b.cfg.ReorderWindow, func() { b.flushLineage(key) })
		}
		return nil, false
	}
}

// flushLineage gives up waiting for a gap: everything held for the lineage
// is delivered in sequence order and the cursor jumps past it.
func (b *Bus) flushLineage(key string) {
	b.mu.Lock()
	lin, ok := b.lineages.get(key)
	if !ok || b.stopped {
		b.mu.Unlock()
		return
	}
	lin.timer = nil

	seqs := make([]uint64, 0, len(lin.waiting))
	for seq := range lin.waiting {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	flushed := make([]*types.Envelope, 0, len(seqs))
	for _, seq := range seqs {
		flushed = append(flushed, lin.waiting[seq])
		delete(lin.waiting, seq)
		if seq >= lin.next {
			lin.next = seq + 1
		}
	}
	b.mu.Unlock()

	if len(flushed) > 0 {
		b.lg.Debug("reorder window lapsed",
			zap.String("lineage", key),
			zap.Int("flushed", len(flushed)),
		)
	}
	for _, e := range flushed {
		b.enqueue(e)
	}
}
