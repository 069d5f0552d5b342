// Package store persists coordination state that must survive a restart:
// workflow checkpoints and instances, parked dead letters, escalation
// tickets and the audit trail. Three backends are provided; the memory
// backend is the default and the others are selected by configuration.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// DeadLetter is a parked envelope together with why it was parked.
type DeadLetter struct {
	Envelope *types.Envelope `json:"envelope"`
	Reason   string          `json:"reason"`
	ParkedAt time.Time       `json:"parked_at"`
}

// ID returns the parked envelope's identifier.
func (d *DeadLetter) ID() string {
	if d.Envelope == nil {
		return ""
	}
	return d.Envelope.ID
}

// Store is the persistence surface shared by the orchestrator, the bus and
// the recovery coordinator.
//
// Checkpoint appends are idempotent: a record whose (workflow, step, state)
// key was already written is silently ignored, so replaying a recovered
// workflow does not duplicate its trail.
type Store interface {
	AppendCheckpoint(ctx context.Context, cp *types.Checkpoint) error
	ListCheckpoints(ctx context.Context, workflowID string) ([]types.Checkpoint, error)

	SaveInstance(ctx context.Context, inst *types.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*types.WorkflowInstance, error)
	ListInstances(ctx context.Context) ([]*types.WorkflowInstance, error)
	// ArchiveInstances moves terminal instances last touched before the
	// cutoff out of the live listing, returning how many moved.
	ArchiveInstances(ctx context.Context, olderThan time.Time) (int, error)

	SaveDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context) ([]*DeadLetter, error)
	// RemoveDeadLetter takes a parked envelope out of the store and returns
	// it, typically ahead of a manual requeue.
	RemoveDeadLetter(ctx context.Context, id string) (*DeadLetter, error)
	ExpireDeadLetters(ctx context.Context, olderThan time.Time) (int, error)

	SaveTicket(ctx context.Context, ticket *types.EscalationTicket) error
	GetTicket(ctx context.Context, id string) (*types.EscalationTicket, error)
	ListTickets(ctx context.Context) ([]*types.EscalationTicket, error)

	AppendEvent(ctx context.Context, event audit.Event) error
	// ListEvents returns up to limit of the most recent audit events in
	// chronological order.
	ListEvents(ctx context.Context, limit int) ([]audit.Event, error)

	Close() error
}

// Open constructs the backend named by the configuration.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "redis":
		return OpenRedis(cfg.Redis)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
