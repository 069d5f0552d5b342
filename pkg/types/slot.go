package types

import "time"

// ExecutionSlot is one unit of bounded execution capacity. Slots are owned
// exclusively by the pool manager; a slot hosts at most one task at a time.
type ExecutionSlot struct {
	ID          string              `json:"id"`
	Capacity    ResourceRequirement `json:"capacity"`
	TaskID      string              `json:"task_id,omitempty"`
	LeaseExpiry time.Time           `json:"lease_expiry,omitempty"`
}

// Occupied reports whether the slot currently hosts a task.
func (s *ExecutionSlot) Occupied() bool {
	return s.TaskID != ""
}

// LeaseExpired reports whether the slot's lease has lapsed at the given
// time. Idle slots carry no lease.
func (s *ExecutionSlot) LeaseExpired(now time.Time) bool {
	return s.Occupied() && !s.LeaseExpiry.IsZero() && now.After(s.LeaseExpiry)
}

// PoolSnapshot is a point-in-time view of the slot pool.
type PoolSnapshot struct {
	Capacity    int             `json:"capacity"`
	Occupied    int             `json:"occupied"`
	Utilization float64         `json:"utilization"`
	Slots       []ExecutionSlot `json:"slots"`
	TakenAt     time.Time       `json:"taken_at"`
}

// ScaleDirection indicates which way a utilization watermark was crossed.
type ScaleDirection string

const (
	// ScaleUp recommends growing the pool.
	ScaleUp ScaleDirection = "up"
	// ScaleDown recommends shrinking the pool.
	ScaleDown ScaleDirection = "down"
)

// ScaleRecommendation is emitted by the pool manager when utilization stays
// past a watermark for the sustain window. The SLO monitor decides whether
// to act on it.
type ScaleRecommendation struct {
	Direction   ScaleDirection `json:"direction"`
	Utilization float64        `json:"utilization"`
	Capacity    int            `json:"capacity"`
	Occupied    int            `json:"occupied"`
	Sustained   time.Duration  `json:"sustained"`
}
