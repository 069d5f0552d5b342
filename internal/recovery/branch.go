package recovery

import (
	"errors"
	"fmt"
	"sync"
)

// branchState tracks whether a branch is still open.
type branchState int

const (
	branchOpen branchState = iota
	branchCommitted
	branchDiscarded
)

// ErrBranchClosed is returned when recording into or closing a branch that
// was already committed or discarded.
var ErrBranchClosed = errors.New("recovery: branch already closed")

// effect is one recorded side effect. A nil apply means the effect already
// happened outside the branch and only its compensation is held here.
type effect struct {
	name       string
	apply      func() error
	compensate func() error
	applied    bool
}

// Branch is a checkpointed sequence of side effects. Deferred effects
// buffer until Commit; effects recorded as already done participate only
// in the unwind. Discard runs compensations in reverse order and never
// stops early.
type Branch struct {
	scope string

	mu      sync.Mutex
	state   branchState
	effects []*effect
}

// Scope names what the branch wraps, for audit and logs.
func (b *Branch) Scope() string { return b.scope }

// Record appends one effect. A nil apply marks an effect that already
// happened: Commit skips it, Discard still compensates it. A nil
// compensate marks an effect with nothing to unwind.
func (b *Branch) Record(name string, apply, compensate func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != branchOpen {
		return ErrBranchClosed
	}
	b.effects = append(b.effects, &effect{
		name:       name,
		apply:      apply,
		compensate: compensate,
		applied:    apply == nil,
	})
	return nil
}

// commit applies the buffered effects in order. A failure unwinds
// everything already applied (including effects recorded as done) in
// reverse and reports the original failure joined with any compensation
// errors.
func (b *Branch) commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != branchOpen {
		return ErrBranchClosed
	}
	for i, e := range b.effects {
		if e.apply == nil {
			continue
		}
		if err := e.apply(); err != nil {
			b.state = branchDiscarded
			unwind := b.unwindLocked(i)
			return errors.Join(fmt.Errorf("recovery: branch %s effect %s: %w", b.scope, e.name, err), unwind)
		}
		e.applied = true
	}
	b.state = branchCommitted
	return nil
}

// discard unwinds every applied effect in reverse order. Buffered effects
// that never ran have nothing to compensate.
func (b *Branch) discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != branchOpen {
		return ErrBranchClosed
	}
	b.state = branchDiscarded
	return b.unwindLocked(len(b.effects))
}

// unwindLocked compensates effects[0:end] in reverse. Every compensation
// runs even when earlier ones fail; the errors are joined.
func (b *Branch) unwindLocked(end int) error {
	var errs []error
	for i := end - 1; i >= 0; i-- {
		e := b.effects[i]
		if !e.applied || e.compensate == nil {
			continue
		}
		if err := e.compensate(); err != nil {
			errs = append(errs, fmt.Errorf("recovery: compensate %s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}
