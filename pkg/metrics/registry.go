// Package metrics keeps the coordinator's in-process event census:
// monotonic counters for every audit decision, with derived rates, that
// the control surface renders alongside the scheduler and objective
// reports.
package metrics

import (
	"sync"
	"time"
)

// Counter is one monotonic series. Safe for concurrent use.
type Counter struct {
	mu    sync.Mutex
	total float64
	first time.Time
	last  time.Time
}

// Add folds delta into the counter. The first observation pins the start
// of the window rates are derived over.
func (c *Counter) Add(delta float64) {
	now := time.Now()
	c.mu.Lock()
	c.total += delta
	if c.first.IsZero() {
		c.first = now
	}
	c.last = now
	c.mu.Unlock()
}

// Value returns the accumulated total.
func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Stats is a counter's rendered form. Rate is per second over the span
// between the first and the most recent observation; a counter with a
// single observation has no span and reports a zero rate.
type Stats struct {
	Total float64   `json:"total"`
	Rate  float64   `json:"rate,omitempty"`
	First time.Time `json:"first,omitempty"`
	Last  time.Time `json:"last,omitempty"`
}

// Stats renders the counter.
func (c *Counter) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Total: c.total, First: c.first, Last: c.last}
	if span := c.last.Sub(c.first); span > 0 {
		s.Rate = c.total / span.Seconds()
	}
	return s
}

// Registry holds the named counters. Lookups create on first use, so
// recording a kind never needs prior registration.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*Counter)}
}

// Counter returns the named counter, creating it on first use.
func (r *Registry) Counter(name string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c = &Counter{}
	r.counters[name] = c
	return c
}

// Value returns a named counter's total, zero when the name was never
// observed.
func (r *Registry) Value(name string) float64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Value()
}

// Snapshot renders every counter keyed by name.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.counters))
	for name, c := range r.counters {
		out[name] = c.Stats()
	}
	return out
}
