package types

import "time"

// Recipient is one position in an escalation chain.
type Recipient struct {
	Name     string        `yaml:"name" json:"name"`
	Contact  string        `yaml:"contact,omitempty" json:"contact,omitempty"`
	Deadline time.Duration `yaml:"deadline,omitempty" json:"-"`
}

// AckState tracks where an escalation ticket stands.
type AckState string

const (
	// AckPending means the current chain level has not answered yet.
	AckPending AckState = "pending"
	// AckAcknowledged means a recipient approved and the ticket is closed.
	AckAcknowledged AckState = "acknowledged"
	// AckRejected means a recipient explicitly rejected the ticket.
	AckRejected AckState = "rejected"
	// AckExhausted means the final chain level timed out unanswered.
	AckExhausted AckState = "exhausted"
)

// Closed reports whether the ticket reached a final acknowledgment state.
func (s AckState) Closed() bool {
	return s == AckAcknowledged || s == AckRejected || s == AckExhausted
}

// EscalationTicket records one human-escalation in flight. Created when an
// automated retry budget is exhausted; archived once acknowledged or the
// last chain level times out.
type EscalationTicket struct {
	ID       string      `json:"id"`
	EventID  string      `json:"event_id"`
	Severity Severity    `json:"severity"`
	Chain    []Recipient `json:"chain"`
	Position int         `json:"position"`
	// LevelDeadline is when the current chain position times out and the
	// ticket advances to the next recipient.
	LevelDeadline time.Time      `json:"level_deadline"`
	AckState      AckState       `json:"ack_state"`
	AckBy         string         `json:"ack_by,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	OpenedAt      time.Time      `json:"opened_at"`
	ClosedAt      time.Time      `json:"closed_at,omitempty"`
}

// CurrentRecipient returns the recipient for the ticket's chain position,
// or false when the chain is exhausted.
func (t *EscalationTicket) CurrentRecipient() (Recipient, bool) {
	if t.Position < 0 || t.Position >= len(t.Chain) {
		return Recipient{}, false
	}
	return t.Chain[t.Position], true
}

// Clone returns a copy safe to hand outside the recovery coordinator.
func (t *EscalationTicket) Clone() *EscalationTicket {
	cp := *t
	cp.Chain = append([]Recipient(nil), t.Chain...)
	if t.Payload != nil {
		cp.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
