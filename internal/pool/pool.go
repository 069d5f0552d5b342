// Package pool manages the bounded set of execution slots. Capacity is
// fixed but adjustable at runtime: acquisitions are atomic under one lock,
// every grant carries a lease, and a janitor reclaims slots whose lease
// lapsed without a release. Sustained utilization past a watermark turns
// into a scale recommendation for the SLO monitor; the pool itself never
// resizes on its own.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/pkg/types"
)

// ErrUnknownSlot is returned when a slot ID does not belong to the pool,
// typically after the slot was removed by a shrink.
var ErrUnknownSlot = errors.New("pool: unknown slot")

// recommendationBuffer bounds the channel to the SLO monitor. Sends are
// non-blocking; a full buffer drops the oldest pending advice in spirit by
// dropping the newest, since recommendations are re-derived every window.
const recommendationBuffer = 8

// Publisher is the slice of the bus the pool needs to announce reaped
// leases.
type Publisher interface {
	Publish(ctx context.Context, env *types.Envelope) error
}

// Manager owns the slot pool. All slot state lives behind mu; callers only
// ever see copies.
type Manager struct {
	cfg      config.PoolConfig
	bus      Publisher
	recorder audit.Recorder
	lg       *zap.Logger

	mu    sync.Mutex
	slots map[string]*types.ExecutionSlot
	// initial is the configured capacity, kept as the reference point the
	// SLO monitor scales back toward.
	initial int

	// Watermark sustain tracking. Zero means the utilization is not
	// currently past that watermark.
	aboveSince time.Time
	belowSince time.Time

	recs chan types.ScaleRecommendation

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a pool with cfg.Capacity idle slots. Start launches the lease
// janitor.
func New(cfg config.PoolConfig, bus Publisher, recorder audit.Recorder, lg *zap.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		recorder: recorder,
		lg:       lg,
		slots:    make(map[string]*types.ExecutionSlot, cfg.Capacity),
		initial:  cfg.Capacity,
		recs:     make(chan types.ScaleRecommendation, recommendationBuffer),
		stop:     make(chan struct{}),
	}
	for i := 0; i < cfg.Capacity; i++ {
		s := m.newSlot()
		m.slots[s.ID] = s
	}
	return m
}

func (m *Manager) newSlot() *types.ExecutionSlot {
	return &types.ExecutionSlot{
		ID: uuid.New().String(),
		Capacity: types.ResourceRequirement{
			CPU:      m.cfg.SlotCPU,
			MemoryMB: m.cfg.SlotMemoryMB,
		},
	}
}

// Start launches the janitor that reaps expired leases and evaluates the
// utilization watermarks every ReapInterval.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.janitor()
}

// Stop halts the janitor. Outstanding slots are left as-is; the process is
// going down anyway.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Acquire grants an idle slot that fits the requirement, stamping the task
// onto it with a fresh lease. Returns a SlotUnavailable coordination error
// when nothing fits, which the scheduler treats as backpressure rather
// than failure.
func (m *Manager) Acquire(ctx context.Context, taskID string, req types.ResourceRequirement) (*types.ExecutionSlot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if taskID == "" {
		return nil, fmt.Errorf("pool: acquire requires a task id")
	}
	now := time.Now()

	m.mu.Lock()
	var grant *types.ExecutionSlot
	for _, s := range m.slots {
		if s.Occupied() {
			continue
		}
		if !req.Fits(s.Capacity) {
			continue
		}
		s.TaskID = taskID
		s.LeaseExpiry = now.Add(m.cfg.LeaseTTL)
		cp := *s
		grant = &cp
		break
	}
	m.mu.Unlock()

	if grant == nil {
		return nil, types.NewSlotUnavailableError(req)
	}
	m.recorder.Record(audit.Event{
		Kind: audit.SlotAcquired, Component: "pool", Ref: grant.ID,
		Fields: map[string]any{"task_id": taskID, "lease_expiry": grant.LeaseExpiry},
	})
	return grant, nil
}

// Release returns a slot to the idle set. Releasing an already-idle slot
// is a no-op so a worker finishing after a janitor reap stays harmless.
func (m *Manager) Release(slotID string) error {
	m.mu.Lock()
	s, ok := m.slots[slotID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSlot
	}
	if !s.Occupied() {
		m.mu.Unlock()
		return nil
	}
	taskID := s.TaskID
	s.TaskID = ""
	s.LeaseExpiry = time.Time{}
	m.mu.Unlock()

	m.recorder.Record(audit.Event{
		Kind: audit.SlotReleased, Component: "pool", Ref: slotID,
		Fields: map[string]any{"task_id": taskID},
	})
	return nil
}

// Renew extends the lease on an occupied slot. Long-running tasks renew at
// step boundaries so the janitor only reaps genuinely wedged work.
func (m *Manager) Renew(slotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotID]
	if !ok {
		return ErrUnknownSlot
	}
	if !s.Occupied() {
		return fmt.Errorf("pool: slot %s is idle, nothing to renew", slotID)
	}
	s.LeaseExpiry = time.Now().Add(m.cfg.LeaseTTL)
	return nil
}

// Resize grows or shrinks the pool toward newCapacity and returns the
// capacity actually applied. Shrinks only remove idle slots, so the
// applied capacity never drops below the occupied count.
func (m *Manager) Resize(newCapacity int) (int, error) {
	if newCapacity < 1 {
		return 0, fmt.Errorf("pool: capacity must be at least 1, got %d", newCapacity)
	}

	m.mu.Lock()
	before := len(m.slots)
	occupied := m.occupiedLocked()
	applied := newCapacity
	if applied < occupied {
		applied = occupied
	}
	switch {
	case applied > before:
		for i := before; i < applied; i++ {
			s := m.newSlot()
			m.slots[s.ID] = s
		}
	case applied < before:
		drop := before - applied
		for id, s := range m.slots {
			if drop == 0 {
				break
			}
			if s.Occupied() {
				continue
			}
			delete(m.slots, id)
			drop--
		}
	}
	m.mu.Unlock()

	if applied != before {
		m.recorder.Record(audit.Event{
			Kind: audit.PoolResized, Component: "pool",
			Fields: map[string]any{"from": before, "to": applied, "requested": newCapacity},
		})
		m.lg.Info("pool resized",
			zap.Int("from", before),
			zap.Int("to", applied),
			zap.Int("requested", newCapacity))
	}
	return applied, nil
}

// Utilization is occupied ÷ capacity, in [0, 1].
func (m *Manager) Utilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utilizationLocked()
}

func (m *Manager) utilizationLocked() float64 {
	if len(m.slots) == 0 {
		return 0
	}
	return float64(m.occupiedLocked()) / float64(len(m.slots))
}

func (m *Manager) occupiedLocked() int {
	n := 0
	for _, s := range m.slots {
		if s.Occupied() {
			n++
		}
	}
	return n
}

// Capacity is the current slot count.
func (m *Manager) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// InitialCapacity is the configured capacity the pool started with.
func (m *Manager) InitialCapacity() int {
	return m.initial
}

// Snapshot copies the pool state for the control surface. Slots are
// ordered by ID so repeated calls render stably.
func (m *Manager) Snapshot() types.PoolSnapshot {
	m.mu.Lock()
	snap := types.PoolSnapshot{
		Capacity:    len(m.slots),
		Occupied:    m.occupiedLocked(),
		Utilization: m.utilizationLocked(),
		Slots:       make([]types.ExecutionSlot, 0, len(m.slots)),
		TakenAt:     time.Now(),
	}
	for _, s := range m.slots {
		snap.Slots = append(snap.Slots, *s)
	}
	m.mu.Unlock()

	sort.Slice(snap.Slots, func(i, j int) bool { return snap.Slots[i].ID < snap.Slots[j].ID })
	return snap
}

// Recommendations is the advice channel the SLO monitor consumes. Sends
// never block; a recommendation nobody reads is dropped.
func (m *Manager) Recommendations() <-chan types.ScaleRecommendation {
	return m.recs
}

func (m *Manager) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.reapExpired(now)
			m.checkWatermarks(now)
		}
	}
}

// reapExpired reclaims slots whose lease lapsed. The abandoned task is not
// the pool's problem, but recovery hears about it.
func (m *Manager) reapExpired(now time.Time) {
	m.mu.Lock()
	var reaped []types.ExecutionSlot
	for _, s := range m.slots {
		if s.LeaseExpired(now) {
			reaped = append(reaped, *s)
			s.TaskID = ""
			s.LeaseExpiry = time.Time{}
		}
	}
	m.mu.Unlock()

	for _, s := range reaped {
		m.recorder.Record(audit.Event{
			Kind: audit.LeaseReaped, Component: "pool", Ref: s.ID,
			Fields: map[string]any{"task_id": s.TaskID, "expired_at": s.LeaseExpiry},
		})
		m.lg.Warn("slot lease expired, reclaiming",
			zap.String("slot_id", s.ID),
			zap.String("task_id", s.TaskID))
		env, err := types.NewEnvelope("pool", types.TargetRecovery, types.EventLeaseExpired, types.LeaseExpired{
			SlotID: s.ID,
			TaskID: s.TaskID,
			Expiry: s.LeaseExpiry,
		})
		if err != nil {
			m.lg.Error("encode lease-expired notice", zap.Error(err))
			continue
		}
		env.Severity = types.SeverityWarning
		if err := m.bus.Publish(context.Background(), env); err != nil {
			m.lg.Warn("publish lease-expired notice", zap.Error(err))
		}
	}
}

// checkWatermarks emits a scale recommendation when utilization stays past
// a watermark for the sustain window. The sustain clock restarts after an
// emission so advice repeats at most once per window.
func (m *Manager) checkWatermarks(now time.Time) {
	m.mu.Lock()
	capacity := len(m.slots)
	occupied := m.occupiedLocked()
	u := m.utilizationLocked()

	var rec *types.ScaleRecommendation
	switch {
	case u >= m.cfg.HighWater:
		m.belowSince = time.Time{}
		if m.aboveSince.IsZero() {
			m.aboveSince = now
		} else if sustained := now.Sub(m.aboveSince); sustained >= m.cfg.SustainWindow {
			rec = &types.ScaleRecommendation{
				Direction:   types.ScaleUp,
				Utilization: u,
				Capacity:    capacity,
				Occupied:    occupied,
				Sustained:   sustained,
			}
			m.aboveSince = now
		}
	case u <= m.cfg.LowWater:
		m.aboveSince = time.Time{}
		if m.belowSince.IsZero() {
			m.belowSince = now
		} else if sustained := now.Sub(m.belowSince); sustained >= m.cfg.SustainWindow {
			rec = &types.ScaleRecommendation{
				Direction:   types.ScaleDown,
				Utilization: u,
				Capacity:    capacity,
				Occupied:    occupied,
				Sustained:   sustained,
			}
			m.belowSince = now
		}
	default:
		m.aboveSince = time.Time{}
		m.belowSince = time.Time{}
	}
	m.mu.Unlock()

	if rec == nil {
		return
	}
	m.recorder.Record(audit.Event{
		Kind: audit.ScaleRecommended, Component: "pool",
		Fields: map[string]any{
			"direction":   string(rec.Direction),
			"utilization": rec.Utilization,
			"capacity":    rec.Capacity,
		},
	})
	select {
	case m.recs <- *rec:
	default:
		m.lg.Debug("recommendation channel full, dropping",
			zap.String("direction", string(rec.Direction)))
	}
}
