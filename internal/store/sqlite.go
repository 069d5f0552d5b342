package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/pkg/jsonx"
	"yqhp/coordinator/pkg/types"
)

// ensureSchema creates the tables if they don't exist.
func ensureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS checkpoints (
  workflow_id TEXT NOT NULL,
  step_index INTEGER NOT NULL,
  state TEXT NOT NULL,
  correlation_id TEXT,
  note TEXT,
  at DATETIME NOT NULL,
  PRIMARY KEY (workflow_id, step_index, state)
);
CREATE TABLE IF NOT EXISTS instances (
  id TEXT PRIMARY KEY,
  state TEXT NOT NULL,
  archived INTEGER NOT NULL DEFAULT 0,
  body BLOB NOT NULL,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_live ON instances(archived, created_at DESC);
CREATE TABLE IF NOT EXISTS dead_letters (
  id TEXT PRIMARY KEY,
  reason TEXT NOT NULL,
  parked_at DATETIME NOT NULL,
  body BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS tickets (
  id TEXT PRIMARY KEY,
  ack_state TEXT NOT NULL,
  opened_at DATETIME NOT NULL,
  body BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  kind TEXT NOT NULL,
  ref TEXT,
  at DATETIME NOT NULL,
  body BLOB NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// SQLite persists through a single-writer database file in WAL mode.
// Records are stored as JSON bodies with the columns needed for filtering
// pulled out alongside.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and bootstraps
// the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = "coordinator.db"
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// AppendCheckpoint implements Store.
func (s *SQLite) AppendCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO checkpoints (workflow_id, step_index, state, correlation_id, note, at)
VALUES (?,?,?,?,?,?)`,
		cp.WorkflowID, cp.StepIndex, string(cp.State), cp.CorrelationID, cp.Note, cp.At)
	return err
}

// ListCheckpoints implements Store.
func (s *SQLite) ListCheckpoints(ctx context.Context, workflowID string) ([]types.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT workflow_id, step_index, state, correlation_id, note, at
FROM checkpoints WHERE workflow_id=? ORDER BY rowid`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Checkpoint
	for rows.Next() {
		var cp types.Checkpoint
		var state string
		if err := rows.Scan(&cp.WorkflowID, &cp.StepIndex, &state, &cp.CorrelationID, &cp.Note, &cp.At); err != nil {
			return nil, err
		}
		cp.State = types.WorkflowState(state)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// SaveInstance implements Store.
func (s *SQLite) SaveInstance(ctx context.Context, inst *types.WorkflowInstance) error {
	body, err := jsonx.Marshal(inst)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO instances (id, state, body, created_at, updated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET state=excluded.state, body=excluded.body, updated_at=excluded.updated_at`,
		inst.ID, string(inst.State), body, inst.CreatedAt, inst.UpdatedAt)
	return err
}

// GetInstance implements Store.
func (s *SQLite) GetInstance(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM instances WHERE id=?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var inst types.WorkflowInstance
	if err := jsonx.Unmarshal(body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances implements Store.
func (s *SQLite) ListInstances(ctx context.Context) ([]*types.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT body FROM instances WHERE archived=0 ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.WorkflowInstance
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var inst types.WorkflowInstance
		if err := jsonx.Unmarshal(body, &inst); err != nil {
			return nil, err
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// ArchiveInstances implements Store.
func (s *SQLite) ArchiveInstances(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE instances SET archived=1
WHERE archived=0 AND state IN (?,?) AND updated_at < ?`,
		string(types.WorkflowCompleted), string(types.WorkflowRolledBack), olderThan)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveDeadLetter implements Store.
func (s *SQLite) SaveDeadLetter(ctx context.Context, dl *DeadLetter) error {
	body, err := jsonx.Marshal(dl)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO dead_letters (id, reason, parked_at, body)
VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET reason=excluded.reason, parked_at=excluded.parked_at, body=excluded.body`,
		dl.ID(), dl.Reason, dl.ParkedAt, body)
	return err
}

// ListDeadLetters implements Store. Oldest parked first.
func (s *SQLite) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM dead_letters ORDER BY parked_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var dl DeadLetter
		if err := jsonx.Unmarshal(body, &dl); err != nil {
			return nil, err
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// RemoveDeadLetter implements Store.
func (s *SQLite) RemoveDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM dead_letters WHERE id=?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var dl DeadLetter
	if err := jsonx.Unmarshal(body, &dl); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id=?`, id); err != nil {
		return nil, err
	}
	return &dl, nil
}

// ExpireDeadLetters implements Store.
func (s *SQLite) ExpireDeadLetters(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE parked_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveTicket implements Store.
func (s *SQLite) SaveTicket(ctx context.Context, ticket *types.EscalationTicket) error {
	body, err := jsonx.Marshal(ticket)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tickets (id, ack_state, opened_at, body)
VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET ack_state=excluded.ack_state, body=excluded.body`,
		ticket.ID, string(ticket.AckState), ticket.OpenedAt, body)
	return err
}

// GetTicket implements Store.
func (s *SQLite) GetTicket(ctx context.Context, id string) (*types.EscalationTicket, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM tickets WHERE id=?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ticket types.EscalationTicket
	if err := jsonx.Unmarshal(body, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// ListTickets implements Store. Most recently opened first.
func (s *SQLite) ListTickets(ctx context.Context) ([]*types.EscalationTicket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM tickets ORDER BY opened_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.EscalationTicket
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ticket types.EscalationTicket
		if err := jsonx.Unmarshal(body, &ticket); err != nil {
			return nil, err
		}
		out = append(out, &ticket)
	}
	return out, rows.Err()
}

// AppendEvent implements Store.
func (s *SQLite) AppendEvent(ctx context.Context, event audit.Event) error {
	body, err := jsonx.Marshal(event)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO audit_events (kind, ref, at, body) VALUES (?,?,?,?)`,
		string(event.Kind), event.Ref, event.Time, body)
	return err
}

// ListEvents implements Store.
func (s *SQLite) ListEvents(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = maxEvents
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT body FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var event audit.Event
		if err := jsonx.Unmarshal(body, &event); err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close implements Store.
func (s *SQLite) Close() error { return s.db.Close() }
