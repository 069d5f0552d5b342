// Package recovery is the failure and recovery coordinator. It wraps
// multi-step operations in compensating branches, retries transient
// failures with exponential backoff, and past the retry ceiling opens an
// escalation ticket that walks a human recipient chain with per-level
// deadlines. It also subscribes to the recovery target on the bus and
// observes every cancellation, dead-letter alert, lease expiry and SLO
// violation the other components report.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/internal/bus"
	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/pkg/types"
)

// ErrUnknownTicket is returned for ticket IDs that are neither open nor
// archived.
var ErrUnknownTicket = errors.New("recovery: unknown ticket")

// maxBackoffShift caps the retry backoff doubling.
const maxBackoffShift = 16

// Bus is the slice of the message plane the coordinator uses.
type Bus interface {
	Publish(ctx context.Context, env *types.Envelope) error
	Subscribe(target string, handler bus.Handler) func()
}

// TicketStore is the slice of the durable store that archives escalation
// tickets.
type TicketStore interface {
	SaveTicket(ctx context.Context, ticket *types.EscalationTicket) error
	GetTicket(ctx context.Context, id string) (*types.EscalationTicket, error)
	ListTickets(ctx context.Context) ([]*types.EscalationTicket, error)
}

// ticketState pairs an open ticket with its level-deadline timer.
type ticketState struct {
	ticket *types.EscalationTicket
	timer  *time.Timer
}

// Coordinator drives branches, retries and escalation chains.
type Coordinator struct {
	cfg      config.RecoveryConfig
	bus      Bus
	store    TicketStore
	recorder audit.Recorder
	lg       *zap.Logger

	mu      sync.Mutex
	open    map[string]*ticketState
	stopped bool
	unsub   func()
}

// New builds a coordinator. Start subscribes it to the recovery target.
func New(cfg config.RecoveryConfig, b Bus, store TicketStore, recorder audit.Recorder, lg *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		bus:      b,
		store:    store,
		recorder: recorder,
		lg:       lg,
		open:     make(map[string]*ticketState),
	}
}

// Start subscribes the coordinator to recovery-bound bus traffic.
func (c *Coordinator) Start() {
	c.unsub = c.bus.Subscribe(types.TargetRecovery, c.HandleEnvelope)
}

// Stop unsubscribes and freezes every open ticket's deadline timer. Open
// tickets stay in the store for the next run.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	for _, st := range c.open {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// BeginBranch opens a compensating branch around one logical operation.
func (c *Coordinator) BeginBranch(scope string) *Branch {
	return &Branch{scope: scope}
}

// Commit applies the branch's buffered effects atomically: a failure
// part-way unwinds what already ran and reports both errors.
func (c *Coordinator) Commit(b *Branch) error {
	err := b.commit()
	if err != nil && !errors.Is(err, ErrBranchClosed) {
		c.recorder.Record(audit.Event{
			Kind: audit.BranchDiscarded, Component: "recovery", Ref: b.scope,
			Fields: map[string]any{"reason": err.Error()},
		})
		return err
	}
	if err == nil {
		c.recorder.Record(audit.Event{Kind: audit.BranchCommitted, Component: "recovery", Ref: b.scope})
	}
	return err
}

// Discard unwinds the branch's applied effects in reverse order. Every
// compensation runs even when earlier ones fail.
func (c *Coordinator) Discard(b *Branch) error {
	err := b.discard()
	if errors.Is(err, ErrBranchClosed) {
		return err
	}
	fields := map[string]any{}
	if err != nil {
		fields["compensation_errors"] = err.Error()
	}
	c.recorder.Record(audit.Event{
		Kind: audit.BranchDiscarded, Component: "recovery", Ref: b.scope, Fields: fields,
	})
	return err
}

// Retry runs fn with exponential backoff up to the retry ceiling. An
// exhausted budget opens an escalation ticket and returns the last error
// wrapped; the caller treats that as terminal.
func (c *Coordinator) Retry(ctx context.Context, scope string, severity types.Severity, fn func(context.Context) error) error {
	ceiling := c.cfg.RetryCeiling
	if ceiling < 1 {
		ceiling = 1
	}
	var last error
	for attempt := 1; attempt <= ceiling; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		c.recorder.Record(audit.Event{
			Kind: audit.RetryAttempted, Component: "recovery", Ref: scope,
			Fields: map[string]any{"attempt": attempt, "error": last.Error()},
		})
		if attempt == ceiling {
			break
		}
		select {
		case <-time.After(c.backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if _, err := c.Escalate(ctx, scope, fmt.Sprintf("retry budget exhausted: %v", last), severity, nil); err != nil {
		c.lg.Error("open escalation ticket", zap.String("scope", scope), zap.Error(err))
	}
	return fmt.Errorf("recovery: %s failed after %d attempts: %w", scope, ceiling, last)
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return c.cfg.BackoffBase << shift
}

// Escalate opens a ticket for the configured recipient chain and routes an
// escalation notice to the human-notification collaborator. The chain
// advances on explicit escalate replies and on per-level deadline expiry;
// a final-level timeout archives the ticket as exhausted.
func (c *Coordinator) Escalate(ctx context.Context, eventID, reason string, severity types.Severity, payload map[string]any) (*types.EscalationTicket, error) {
	if severity == "" {
		severity = types.SeverityWarning
	}
	t := &types.EscalationTicket{
		ID:       uuid.New().String(),
		EventID:  eventID,
		Severity: severity,
		Chain:    append([]types.Recipient(nil), c.cfg.Chain...),
		Position: 0,
		AckState: types.AckPending,
		Reason:   reason,
		Payload:  payload,
		OpenedAt: time.Now(),
	}

	if len(t.Chain) == 0 {
		// Nobody to call: the ticket is born exhausted but still recorded.
		t.AckState = types.AckExhausted
		t.ClosedAt = time.Now()
		c.saveTicket(ctx, t)
		c.recorder.Record(audit.Event{
			Kind: audit.TicketExhausted, Component: "recovery", Ref: t.ID,
			Fields: map[string]any{"event_id": eventID, "reason": "empty chain"},
		})
		return t.Clone(), nil
	}

	level := c.cfg.LevelDeadline(t.Chain[0], severity)
	t.LevelDeadline = time.Now().Add(level)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, errors.New("recovery: coordinator stopped")
	}
	st := &ticketState{ticket: t}
	st.timer = c.armLevelTimer(t.ID, t.Position, level)
	c.open[t.ID] = st
	c.mu.Unlock()

	c.saveTicket(ctx, t)
	c.recorder.Record(audit.Event{
		Kind: audit.Escalated, Component: "recovery", Ref: t.ID,
		Fields: map[string]any{"event_id": eventID, "level": 0, "severity": string(severity)},
	})
	c.lg.Warn("escalation ticket opened",
		zap.String("ticket_id", t.ID),
		zap.String("event_id", eventID),
		zap.String("severity", string(severity)),
		zap.String("reason", reason))
	c.publishNotice(t)
	return t.Clone(), nil
}

// Acknowledge applies a human decision to the ticket's current level. The
// control surface calls this; bus replies land in HandleEnvelope with the
// level they answer.
func (c *Coordinator) Acknowledge(ticketID string, action types.EscalationAction, by string) error {
	switch action {
	case types.EscalationApprove, types.EscalationReject, types.EscalationEscalate, types.EscalationTimeout:
	default:
		return fmt.Errorf("recovery: invalid escalation action %q", action)
	}
	return c.advance(ticketID, -1, action, by)
}

// GetTicket returns the freshest view of one ticket.
func (c *Coordinator) GetTicket(ctx context.Context, id string) (*types.EscalationTicket, error) {
	c.mu.Lock()
	if st, ok := c.open[id]; ok {
		out := st.ticket.Clone()
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()
	t, err := c.store.GetTicket(ctx, id)
	if err != nil {
		return nil, ErrUnknownTicket
	}
	return t, nil
}

// Tickets lists every ticket the store knows, newest first.
func (c *Coordinator) Tickets(ctx context.Context) ([]*types.EscalationTicket, error) {
	return c.store.ListTickets(ctx)
}

// HandleEnvelope consumes recovery-bound bus traffic. Malformed bodies are
// dropped after logging; retrying cannot fix them.
func (c *Coordinator) HandleEnvelope(env *types.Envelope) error {
	switch env.EventType {
	case types.EventEscalationReply:
		var body types.EscalationReply
		if err := env.Decode(&body); err != nil {
			c.lg.Warn("malformed escalation reply", zap.String("envelope_id", env.ID), zap.Error(err))
			return nil
		}
		if err := c.advance(body.TicketID, body.Level, body.Action, body.By); err != nil {
			c.lg.Debug("escalation reply not applied",
				zap.String("ticket_id", body.TicketID),
				zap.Int("level", body.Level),
				zap.Error(err))
		}
		return nil

	case types.EventCancellation:
		var body types.Cancellation
		if err := env.Decode(&body); err != nil {
			c.lg.Warn("malformed cancellation", zap.String("envelope_id", env.ID), zap.Error(err))
			return nil
		}
		c.recorder.Record(audit.Event{
			Kind: audit.RecoveryObserved, Component: "recovery", Ref: env.ID,
			Fields: map[string]any{
				"event_type":  string(env.EventType),
				"task_id":     body.TaskID,
				"workflow_id": body.WorkflowID,
				"reason":      body.Reason,
			},
		})
		c.lg.Info("cancellation observed",
			zap.String("task_id", body.TaskID),
			zap.String("workflow_id", body.WorkflowID),
			zap.String("reason", body.Reason))
		return nil

	case types.EventDeadLetter:
		var body types.DeadLetterAlert
		if err := env.Decode(&body); err != nil {
			c.lg.Warn("malformed dead-letter alert", zap.String("envelope_id", env.ID), zap.Error(err))
			return nil
		}
		c.recorder.Record(audit.Event{
			Kind: audit.RecoveryObserved, Component: "recovery", Ref: env.ID,
			Fields: map[string]any{
				"event_type": string(env.EventType),
				"envelope":   body.EnvelopeID,
				"target":     body.Target,
				"attempts":   body.Attempts,
			},
		})
		c.lg.Warn("dead-lettered envelope reported",
			zap.String("envelope_id", body.EnvelopeID),
			zap.String("target", body.Target),
			zap.Int("attempts", body.Attempts))
		return nil

	case types.EventLeaseExpired:
		var body types.LeaseExpired
		if err := env.Decode(&body); err != nil {
			c.lg.Warn("malformed lease-expired notice", zap.String("envelope_id", env.ID), zap.Error(err))
			return nil
		}
		c.recorder.Record(audit.Event{
			Kind: audit.RecoveryObserved, Component: "recovery", Ref: env.ID,
			Fields: map[string]any{
				"event_type": string(env.EventType),
				"slot_id":    body.SlotID,
				"task_id":    body.TaskID,
			},
		})
		c.lg.Warn("slot lease expiry observed",
			zap.String("slot_id", body.SlotID),
			zap.String("task_id", body.TaskID))
		return nil

	case types.EventSLOViolation:
		var body types.SLOViolation
		if err := env.Decode(&body); err != nil {
			c.lg.Warn("malformed slo violation", zap.String("envelope_id", env.ID), zap.Error(err))
			return nil
		}
		reason := fmt.Sprintf("%s at %.3f breached threshold %.3f for %d consecutive samples",
			body.Metric, body.Value, body.Threshold, body.Consecutive)
		if _, err := c.Escalate(context.Background(), env.ID, reason, env.Severity, map[string]any{
			"metric":    body.Metric,
			"value":     body.Value,
			"threshold": body.Threshold,
		}); err != nil {
			return err
		}
		return nil

	default:
		c.lg.Debug("unhandled recovery event",
			zap.String("event_type", string(env.EventType)),
			zap.String("envelope_id", env.ID))
		return nil
	}
}

// advance applies one action to a ticket. fromLevel guards against stale
// timers and late replies: -1 means the current level, anything else must
// match the ticket's position exactly.
func (c *Coordinator) advance(ticketID string, fromLevel int, action types.EscalationAction, by string) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errors.New("recovery: coordinator stopped")
	}
	st, ok := c.open[ticketID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownTicket
	}
	t := st.ticket
	if fromLevel >= 0 && fromLevel != t.Position {
		c.mu.Unlock()
		return fmt.Errorf("recovery: ticket %s is at level %d, not %d", ticketID, t.Position, fromLevel)
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}

	var event audit.Event
	var notify bool
	switch action {
	case types.EscalationApprove:
		t.AckState = types.AckAcknowledged
		t.AckBy = by
		t.ClosedAt = time.Now()
		delete(c.open, ticketID)
		event = audit.Event{
			Kind: audit.TicketResolved, Component: "recovery", Ref: ticketID,
			Fields: map[string]any{"action": string(action), "by": by, "level": t.Position},
		}
	case types.EscalationReject:
		t.AckState = types.AckRejected
		t.AckBy = by
		t.ClosedAt = time.Now()
		delete(c.open, ticketID)
		event = audit.Event{
			Kind: audit.TicketResolved, Component: "recovery", Ref: ticketID,
			Fields: map[string]any{"action": string(action), "by": by, "level": t.Position},
		}
	case types.EscalationEscalate, types.EscalationTimeout:
		t.Position++
		if _, ok := t.CurrentRecipient(); !ok {
			t.AckState = types.AckExhausted
			t.ClosedAt = time.Now()
			delete(c.open, ticketID)
			event = audit.Event{
				Kind: audit.TicketExhausted, Component: "recovery", Ref: ticketID,
				Fields: map[string]any{"levels": len(t.Chain)},
			}
		} else {
			level := c.cfg.LevelDeadline(t.Chain[t.Position], t.Severity)
			t.LevelDeadline = time.Now().Add(level)
			st.timer = c.armLevelTimer(ticketID, t.Position, level)
			notify = true
			event = audit.Event{
				Kind: audit.Escalated, Component: "recovery", Ref: ticketID,
				Fields: map[string]any{"level": t.Position, "action": string(action)},
			}
		}
	default:
		c.mu.Unlock()
		return fmt.Errorf("recovery: invalid escalation action %q", action)
	}
	snapshot := t.Clone()
	c.mu.Unlock()

	c.saveTicket(context.Background(), snapshot)
	c.recorder.Record(event)
	if notify {
		c.publishNotice(snapshot)
	}
	if snapshot.AckState == types.AckExhausted {
		c.lg.Error("escalation chain exhausted unanswered",
			zap.String("ticket_id", ticketID),
			zap.String("event_id", snapshot.EventID))
	}
	return nil
}

// armLevelTimer schedules the deadline for one chain position. The timer
// fires a timeout action pinned to that position, so a reply that lands
// first wins and the late timer is a no-op.
func (c *Coordinator) armLevelTimer(ticketID string, position int, after time.Duration) *time.Timer {
	return time.AfterFunc(after, func() {
		if err := c.advance(ticketID, position, types.EscalationTimeout, ""); err != nil {
			c.lg.Debug("level deadline lapsed on a moved ticket",
				zap.String("ticket_id", ticketID),
				zap.Int("level", position),
				zap.Error(err))
		}
	})
}

// publishNotice routes the ticket's current level to the notifier target.
func (c *Coordinator) publishNotice(t *types.EscalationTicket) {
	to, ok := t.CurrentRecipient()
	if !ok {
		return
	}
	env, err := types.NewEnvelope("recovery", types.TargetNotifier, types.EventEscalationNotice, types.EscalationNotice{
		TicketID: t.ID,
		EventID:  t.EventID,
		Severity: t.Severity,
		Level:    t.Position,
		To:       to,
		Deadline: t.LevelDeadline,
		Payload:  t.Payload,
	})
	if err != nil {
		c.lg.Error("encode escalation notice", zap.Error(err))
		return
	}
	env.Severity = t.Severity
	env.CorrelationID = t.ID
	if err := c.bus.Publish(context.Background(), env); err != nil {
		c.lg.Warn("publish escalation notice",
			zap.String("ticket_id", t.ID),
			zap.Error(err))
	}
}

func (c *Coordinator) saveTicket(ctx context.Context, t *types.EscalationTicket) {
	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.store.SaveTicket(saveCtx, t.Clone()); err != nil {
		c.lg.Warn("persist escalation ticket",
			zap.String("ticket_id", t.ID),
			zap.Error(err))
	}
}
