package bus

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/pkg/types"
)

// suppressible reports whether an event type goes through deduplication,
// aggregation and rate limiting. Point-to-point traffic (step requests and
// responses, escalation notices and replies) never does: suppressing a
// correlated message would wedge the workflow waiting on it.
func suppressible(ev types.EventType) bool {
	switch ev {
	case types.EventCancellation,
		types.EventScaleRecommendation,
		types.EventLeaseExpired,
		types.EventSLOViolation,
		types.EventDeadLetter:
		return true
	}
	return false
}

// dedupEntry remembers the first envelope published with a signature so
// later duplicates can be counted onto it.
type dedupEntry struct {
	env *types.Envelope
}

// expirableIndex is the dedup window: signature → first envelope, entries
// lapsing after the configured window.
type expirableIndex struct {
	lru *expirable.LRU[string, *dedupEntry]
}

func newExpirableIndex(size int, ttl time.Duration) *expirableIndex {
	return &expirableIndex{
		lru: expirable.NewLRU[string, *dedupEntry](size, nil, ttl),
	}
}

func (x *expirableIndex) get(sig string) (*dedupEntry, bool) {
	return x.lru.Get(sig)
}

func (x *expirableIndex) add(sig string, entry *dedupEntry) {
	x.lru.Add(sig, entry)
}

func (x *expirableIndex) purge() {
	x.lru.Purge()
}

// rateWindow is a fixed per-target window counter.
type rateWindow struct {
	start time.Time
	count int
}

// suppressLocked runs deduplication and rate limiting. It returns true
// when the envelope was absorbed (suppressed onto an earlier one or over
// the target's rate) and must not be delivered. Callers hold b.mu.
func (b *Bus) suppressLocked(env *types.Envelope) bool {
	sig := env.Signature()
	if entry, ok := b.dedup.get(sig); ok {
		entry.env.SuppressedCount++
		b.recorder.Record(audit.Event{
			Kind: audit.MessageSuppressed, Component: "bus", Ref: env.ID,
			Fields: map[string]any{"original": entry.env.ID, "signature": sig},
		})
		return true
	}
	b.dedup.add(sig, &dedupEntry{env: env})

	over := b.overRateLocked(env.Target)
	if over && env.Severity != types.SeverityCritical {
		b.recorder.Record(audit.Event{
			Kind: audit.MessageRateLimited, Component: "bus", Ref: env.ID,
			Fields: map[string]any{"target": env.Target},
		})
		return true
	}
	return false
}

// overRateLocked counts a publish against the target's window and reports
// whether the window is over threshold. Critical envelopes are counted by
// the caller but never suppressed.
func (b *Bus) overRateLocked(name string) bool {
	now := time.Now()
	w, ok := b.rates[name]
	if !ok || now.Sub(w.start) > b.cfg.RateWindow {
		w = &rateWindow{start: now}
		b.rates[name] = w
	}
	w.count++
	return w.count > b.cfg.RateThreshold
}

// aggregateGroup buffers related envelopes until the window timer fires.
type aggregateGroup struct {
	members []*types.Envelope
	timer   *time.Timer
}

// aggregateLocked adds the envelope to its (event type, target) group,
// opening the group and arming its flush timer on first use. Callers hold
// b.mu.
func (b *Bus) aggregateLocked(env *types.Envelope) {
	key := string(env.EventType) + "|" + env.Target
	g, ok := b.groups[key]
	if !ok {
		g = &aggregateGroup{}
		g.timer = time.AfterFunc(b.cfg.AggregationWindow, func() { b.flushGroup(key) })
		b.groups[key] = g
	}
	g.members = append(g.members, env)
}

// flushGroup closes an aggregation window. A single member is delivered
// as-is; several collapse onto the first one, which carries the member IDs
// and the highest severity of the group.
func (b *Bus) flushGroup(key string) {
	b.mu.Lock()
	g, ok := b.groups[key]
	if !ok || b.stopped {
		b.mu.Unlock()
		return
	}
	delete(b.groups, key)

	carrier := g.members[0]
	if len(g.members) > 1 {
		ids := make([]string, 0, len(g.members))
		severity := carrier.Severity
		suppressed := 0
		for _, m := range g.members {
			ids = append(ids, m.ID)
			severity = severity.Max(m.Severity)
			suppressed += m.SuppressedCount
		}
		carrier.AggregatedIDs = ids
		carrier.Severity = severity
		carrier.SuppressedCount = suppressed

		b.recorder.Record(audit.Event{
			Kind: audit.MessageAggregated, Component: "bus", Ref: carrier.ID,
			Fields: map[string]any{"members": len(ids), "severity": string(severity)},
		})
	}

	deliverable, stale := b.sequenceGateLocked(carrier)
	b.mu.Unlock()

	if stale {
		return
	}
	for _, e := range deliverable {
		b.enqueue(e)
	}
}
