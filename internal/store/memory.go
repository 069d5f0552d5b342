package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/pkg/types"
)

// maxEvents caps the in-memory audit trail; older entries roll off.
const maxEvents = 10000

// Memory is the default backend. Everything lives in maps behind one
// RWMutex; records are copied on the way in and out so callers can never
// alias internal state.
type Memory struct {
	mu          sync.RWMutex
	checkpoints map[string][]types.Checkpoint
	ckptSeen    map[string]struct{}
	instances   map[string]*types.WorkflowInstance
	archived    map[string]*types.WorkflowInstance
	deadLetters map[string]*DeadLetter
	tickets     map[string]*types.EscalationTicket
	events      []audit.Event
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		checkpoints: make(map[string][]types.Checkpoint),
		ckptSeen:    make(map[string]struct{}),
		instances:   make(map[string]*types.WorkflowInstance),
		archived:    make(map[string]*types.WorkflowInstance),
		deadLetters: make(map[string]*DeadLetter),
		tickets:     make(map[string]*types.EscalationTicket),
	}
}

// AppendCheckpoint implements Store.
func (m *Memory) AppendCheckpoint(_ context.Context, cp *types.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cp.Key()
	if _, dup := m.ckptSeen[key]; dup {
		return nil
	}
	m.ckptSeen[key] = struct{}{}
	m.checkpoints[cp.WorkflowID] = append(m.checkpoints[cp.WorkflowID], *cp)
	return nil
}

// ListCheckpoints implements Store.
func (m *Memory) ListCheckpoints(_ context.Context, workflowID string) ([]types.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Checkpoint(nil), m.checkpoints[workflowID]...), nil
}

// SaveInstance implements Store.
func (m *Memory) SaveInstance(_ context.Context, inst *types.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.archived[inst.ID]; ok {
		m.archived[inst.ID] = inst.Clone()
		return nil
	}
	m.instances[inst.ID] = inst.Clone()
	return nil
}

// GetInstance implements Store.
func (m *Memory) GetInstance(_ context.Context, id string) (*types.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if inst, ok := m.instances[id]; ok {
		return inst.Clone(), nil
	}
	if inst, ok := m.archived[id]; ok {
		return inst.Clone(), nil
	}
	return nil, ErrNotFound
}

// ListInstances implements Store.
func (m *Memory) ListInstances(_ context.Context) ([]*types.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.WorkflowInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ArchiveInstances implements Store.
func (m *Memory) ArchiveInstances(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := 0
	for id, inst := range m.instances {
		if inst.State.Terminal() && inst.UpdatedAt.Before(olderThan) {
			m.archived[id] = inst
			delete(m.instances, id)
			moved++
		}
	}
	return moved, nil
}

// SaveDeadLetter implements Store.
func (m *Memory) SaveDeadLetter(_ context.Context, dl *DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *dl
	m.deadLetters[dl.ID()] = &cp
	return nil
}

// ListDeadLetters implements Store. Oldest parked first.
func (m *Memory) ListDeadLetters(_ context.Context) ([]*DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*DeadLetter, 0, len(m.deadLetters))
	for _, dl := range m.deadLetters {
		cp := *dl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ParkedAt.Before(out[j].ParkedAt)
	})
	return out, nil
}

// RemoveDeadLetter implements Store.
func (m *Memory) RemoveDeadLetter(_ context.Context, id string) (*DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.deadLetters[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.deadLetters, id)
	return dl, nil
}

// ExpireDeadLetters implements Store.
func (m *Memory) ExpireDeadLetters(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, dl := range m.deadLetters {
		if dl.ParkedAt.Before(olderThan) {
			delete(m.deadLetters, id)
			removed++
		}
	}
	return removed, nil
}

// SaveTicket implements Store.
func (m *Memory) SaveTicket(_ context.Context, ticket *types.EscalationTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tickets[ticket.ID] = ticket.Clone()
	return nil
}

// GetTicket implements Store.
func (m *Memory) GetTicket(_ context.Context, id string) (*types.EscalationTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ticket, ok := m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ticket.Clone(), nil
}

// ListTickets implements Store. Most recently opened first.
func (m *Memory) ListTickets(_ context.Context) ([]*types.EscalationTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.EscalationTicket, 0, len(m.tickets))
	for _, ticket := range m.tickets {
		out = append(out, ticket.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})
	return out, nil
}

// AppendEvent implements Store.
func (m *Memory) AppendEvent(_ context.Context, event audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	return nil
}

// ListEvents implements Store.
func (m *Memory) ListEvents(_ context.Context, limit int) ([]audit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	tail := m.events[len(m.events)-limit:]
	return append([]audit.Event(nil), tail...), nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
