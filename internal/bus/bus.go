// Package bus is the coordination message plane. All cross-component
// traffic travels as envelopes through here: point-to-point step requests
// and responses, and the notification events (cancellations, scale
// recommendations, violations) that get deduplicated, aggregated and rate
// limited before delivery.
//
// Delivery is at-least-once. A handler returning nil acknowledges the
// envelope; returning an error schedules a redelivery with exponential
// backoff until the attempt ceiling, after which the envelope is parked in
// the dead-letter store and the recovery coordinator is alerted. Handlers
// that finish the work elsewhere return ErrAsyncAck and call Ack or Nack
// themselves.
package bus

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/internal/store"
	"yqhp/coordinator/pkg/types"
)

var (
	// ErrBusClosed is returned by Publish after Stop.
	ErrBusClosed = errors.New("bus: stopped")
	// ErrAsyncAck is returned by handlers that will Ack or Nack explicitly.
	ErrAsyncAck = errors.New("bus: acknowledgment deferred")
)

// maxBackoffShift caps the exponent so the doubling cannot overflow.
const maxBackoffShift = 16

// Handler consumes one envelope. See the package comment for the
// acknowledgment contract.
type Handler func(env *types.Envelope) error

// DeadLetterStore is the slice of the durable store the bus parks
// exhausted envelopes in.
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, dl *store.DeadLetter) error
	ListDeadLetters(ctx context.Context) ([]*store.DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, id string) (*store.DeadLetter, error)
}

// target is one delivery queue with its dispatcher.
type target struct {
	name    string
	queue   chan *types.Envelope
	handler Handler
	cancel  chan struct{}
	running bool
	// gen guards unsubscribe closures against stopping a newer subscriber.
	gen int
}

// delivery tracks one unacknowledged envelope.
type delivery struct {
	env      *types.Envelope
	attempts int
	// spins counts enqueue retries caused by a full target queue.
	spins int
	timer *time.Timer
}

// Bus routes envelopes between coordination components.
type Bus struct {
	cfg      config.BusConfig
	recorder audit.Recorder
	letters  DeadLetterStore
	lg       *zap.Logger

	mu       sync.RWMutex
	stopped  bool
	targets  map[string]*target
	pending  map[string]*delivery
	dedup    *expirableIndex
	rates    map[string]*rateWindow
	groups   map[string]*aggregateGroup
	lineages *lineageIndex
	wg       sync.WaitGroup
}

// New creates a bus. The recorder and dead-letter store must not be nil;
// pass audit.NopRecorder and the memory store in tests.
func New(cfg config.BusConfig, letters DeadLetterStore, recorder audit.Recorder, lg *zap.Logger) *Bus {
	b := &Bus{
		cfg:      cfg,
		recorder: recorder,
		letters:  letters,
		lg:       lg,
		targets:  make(map[string]*target),
		pending:  make(map[string]*delivery),
		rates:    make(map[string]*rateWindow),
		groups:   make(map[string]*aggregateGroup),
	}
	b.dedup = newExpirableIndex(cfg.DedupMaxEntries, cfg.DedupWindow)
	// Lineage state lives as long as dedup state.
	b.lineages = newLineageIndex(cfg.DedupWindow)
	return b
}

// Publish routes an envelope toward its target. Notification events may be
// suppressed (duplicate or over the target's rate), aggregated into a
// summary, or held briefly for sequence reordering; Publish returning nil
// means the envelope was accepted, not that it was delivered.
func (b *Bus) Publish(_ context.Context, env *types.Envelope) error {
	if env == nil {
		return errors.New("bus: nil envelope")
	}
	if env.Target == "" || env.EventType == "" {
		return types.NewDeliveryError(env.ID, "envelope missing target or event type", nil)
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Severity == "" {
		env.Severity = types.SeverityInfo
	}
	if env.PublishedAt.IsZero() {
		env.PublishedAt = time.Now()
	}

	b.recorder.Record(audit.Event{
		Kind: audit.MessagePublished, Component: "bus", Ref: env.ID,
		Fields: map[string]any{"event_type": string(env.EventType), "target": env.Target},
	})

	if suppressible(env.EventType) {
		if done := b.suppressLocked(env); done {
			b.mu.Unlock()
			return nil
		}
		if b.cfg.AggregationWindow > 0 {
			b.aggregateLocked(env)
			b.mu.Unlock()
			return nil
		}
	}

	deliverable, stale := b.sequenceGateLocked(env)
	b.mu.Unlock()

	if stale {
		b.recorder.Record(audit.Event{
			Kind: audit.MessageSuppressed, Component: "bus", Ref: env.ID,
			Fields: map[string]any{"reason": "stale sequence"},
		})
		return nil
	}
	for _, e := range deliverable {
		b.enqueue(e)
	}
	return nil
}

// Subscribe installs the handler for a target and starts its dispatcher.
// A second Subscribe for the same target replaces the handler. The
// returned function removes the subscription; envelopes published while no
// handler is installed wait in the target's queue.
func (b *Bus) Subscribe(name string, handler Handler) func() {
	b.mu.Lock()
	t := b.targetLocked(name)
	t.handler = handler
	t.gen++
	gen := t.gen
	if !t.running {
		t.running = true
		t.cancel = make(chan struct{})
		b.wg.Add(1)
		go b.dispatcher(t)
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if t.gen != gen || !t.running {
			return
		}
		close(t.cancel)
		t.running = false
		t.handler = nil
	}
}

// Ack acknowledges a delivery, ending its retry cycle.
func (b *Bus) Ack(msgID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.pending[msgID]
	if !ok {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(b.pending, msgID)
}

// Nack reports a failed delivery. With requeue the envelope re-enters the
// backoff cycle; without it the envelope is parked immediately.
func (b *Bus) Nack(msgID string, requeue bool) {
	b.nack(msgID, requeue, errors.New("rejected by consumer"))
}

// DeadLetters lists the parked envelopes, oldest first.
func (b *Bus) DeadLetters(ctx context.Context) ([]*store.DeadLetter, error) {
	return b.letters.ListDeadLetters(ctx)
}

// Requeue takes a parked envelope out of the dead-letter store and
// delivers it again with a fresh attempt budget. The suppression pipeline
// is skipped: a manual requeue must not be deduplicated away.
func (b *Bus) Requeue(ctx context.Context, id string) error {
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return ErrBusClosed
	}

	dl, err := b.letters.RemoveDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	env := dl.Envelope
	env.Attempts = 0

	b.recorder.Record(audit.Event{
		Kind: audit.MessageRequeued, Component: "bus", Ref: env.ID,
		Fields: map[string]any{"target": env.Target},
	})
	b.enqueue(env)
	return nil
}

// Stop halts dispatch. Buffered envelopes are dropped; unacknowledged
// deliveries stay in the dead-letter store only if they were already
// parked.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for _, d := range b.pending {
		if d.timer != nil {
			d.timer.Stop()
		}
	}
	for _, g := range b.groups {
		g.timer.Stop()
	}
	b.dedup.purge()
	b.lineages.purge()
	for _, t := range b.targets {
		if t.running {
			close(t.cancel)
			t.running = false
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// targetLocked returns (creating if needed) the queue for a target.
func (b *Bus) targetLocked(name string) *target {
	t, ok := b.targets[name]
	if !ok {
		t = &target{
			name:  name,
			queue: make(chan *types.Envelope, b.cfg.TargetQueueSize),
		}
		b.targets[name] = t
	}
	return t
}

// enqueue places an envelope on its target queue and registers the
// pending delivery. A full queue backs off and spins a bounded number of
// times before the envelope is parked.
func (b *Bus) enqueue(env *types.Envelope) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	d, ok := b.pending[env.ID]
	if !ok {
		d = &delivery{env: env}
		b.pending[env.ID] = d
	}
	t := b.targetLocked(env.Target)

	select {
	case t.queue <- env:
		b.mu.Unlock()
	default:
		d.spins++
		if d.spins > b.cfg.MaxAttempts {
			delete(b.pending, env.ID)
			b.mu.Unlock()
			b.park(d, errors.New("target queue overflow"))
			return
		}
		id := env.ID
		d.timer = time.AfterFunc(b.cfg.BackoffBase, func() { b.redeliver(id) })
		b.mu.Unlock()
	}
}

// redeliver pushes a pending envelope back onto its target queue after a
// backoff or congestion delay.
func (b *Bus) redeliver(msgID string) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	d, ok := b.pending[msgID]
	if !ok {
		b.mu.Unlock()
		return
	}
	d.timer = nil
	t := b.targetLocked(d.env.Target)
	select {
	case t.queue <- d.env:
		d.spins = 0
		b.mu.Unlock()
	default:
		d.spins++
		if d.spins > b.cfg.MaxAttempts {
			delete(b.pending, msgID)
			b.mu.Unlock()
			b.park(d, errors.New("target queue overflow"))
			return
		}
		d.timer = time.AfterFunc(b.cfg.BackoffBase, func() { b.redeliver(msgID) })
		b.mu.Unlock()
	}
}

func (b *Bus) dispatcher(t *target) {
	defer b.wg.Done()
	for {
		select {
		case <-t.cancel:
			return
		case env := <-t.queue:
			b.dispatchOne(t, env)
		}
	}
}

func (b *Bus) dispatchOne(t *target, env *types.Envelope) {
	b.mu.Lock()
	d, ok := b.pending[env.ID]
	if !ok {
		// Acked or parked while queued.
		b.mu.Unlock()
		return
	}
	if env.Expired(time.Now()) {
		delete(b.pending, env.ID)
		b.mu.Unlock()
		b.recorder.Record(audit.Event{
			Kind: audit.MessageSuppressed, Component: "bus", Ref: env.ID,
			Fields: map[string]any{"reason": "ttl expired"},
		})
		return
	}
	d.attempts++
	env.Attempts = d.attempts
	handler := t.handler
	b.mu.Unlock()

	if handler == nil {
		// Unsubscribed while queued; retry later.
		b.mu.Lock()
		if !b.stopped {
			if d, ok := b.pending[env.ID]; ok {
				d.attempts--
				id := env.ID
				d.timer = time.AfterFunc(b.cfg.BackoffBase, func() { b.redeliver(id) })
			}
		}
		b.mu.Unlock()
		return
	}

	err := handler(env)
	switch {
	case err == nil:
		b.Ack(env.ID)
	case errors.Is(err, ErrAsyncAck):
		// Consumer acknowledges on its own schedule.
	default:
		b.nack(env.ID, true, err)
	}
}

func (b *Bus) nack(msgID string, requeue bool, cause error) {
	b.mu.Lock()
	d, ok := b.pending[msgID]
	if !ok || b.stopped {
		b.mu.Unlock()
		return
	}
	if requeue && d.attempts < b.cfg.MaxAttempts {
		delay := b.backoff(d.attempts)
		d.timer = time.AfterFunc(delay, func() { b.redeliver(msgID) })
		b.mu.Unlock()
		b.recorder.Record(audit.Event{
			Kind: audit.MessageRetried, Component: "bus", Ref: msgID,
			Fields: map[string]any{"attempt": d.attempts, "delay": delay.String()},
		})
		return
	}

	delete(b.pending, msgID)
	b.mu.Unlock()
	b.park(d, cause)
}

// park moves an exhausted delivery to the dead-letter store and alerts the
// recovery coordinator. Alerts about dead-lettered alerts are not raised
// again.
func (b *Bus) park(d *delivery, cause error) {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.letters.SaveDeadLetter(ctx, &store.DeadLetter{
		Envelope: d.env,
		Reason:   reason,
		ParkedAt: time.Now(),
	}); err != nil {
		b.lg.Error("dead letter save failed", zap.String("id", d.env.ID), zap.Error(err))
	}

	b.recorder.Record(audit.Event{
		Kind: audit.MessageDeadLetter, Component: "bus", Ref: d.env.ID,
		Fields: map[string]any{
			"event_type": string(d.env.EventType),
			"target":     d.env.Target,
			"attempts":   d.attempts,
			"reason":     reason,
		},
	})
	b.lg.Warn("envelope dead-lettered",
		zap.String("id", d.env.ID),
		zap.String("event_type", string(d.env.EventType)),
		zap.String("target", d.env.Target),
		zap.Int("attempts", d.attempts),
		zap.String("reason", reason),
	)

	if d.env.EventType == types.EventDeadLetter {
		return
	}
	alert, err := types.NewEnvelope("bus", types.TargetRecovery, types.EventDeadLetter, types.DeadLetterAlert{
		EnvelopeID: d.env.ID,
		EventType:  d.env.EventType,
		Target:     d.env.Target,
		Attempts:   d.attempts,
		LastError:  reason,
	})
	if err != nil {
		return
	}
	alert.Severity = types.SeverityWarning
	_ = b.Publish(context.Background(), alert)
}

// backoff doubles per attempt from the configured base, capped and
// jittered into [cap/2, cap].
func (b *Bus) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	delay := b.cfg.BackoffBase * time.Duration(1<<uint(shift))
	if b.cfg.BackoffMax > 0 && delay > b.cfg.BackoffMax {
		delay = b.cfg.BackoffMax
	}
	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
