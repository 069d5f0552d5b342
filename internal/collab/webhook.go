package collab

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"yqhp/coordinator/pkg/jsonx"
	"yqhp/coordinator/pkg/types"
)

// notifyTimeout bounds one webhook call. The call never waits past the
// notice's own level deadline either; a recipient who cannot be reached
// in time is handled by the chain timer, not by a hung request.
const notifyTimeout = 10 * time.Second

// Notifier delivers escalation notices to the current recipient's webhook
// and posts an immediate decision back to the recovery coordinator. A
// transport failure or non-2xx answer is logged and otherwise left alone:
// the per-level deadline in the recovery coordinator is the timeout
// semantics, and firing an early synthetic reply would cut the human's
// window short.
type Notifier struct {
	client *fasthttp.Client
	bus    Publisher
	lg     *zap.Logger
}

// NewNotifier creates the webhook notifier.
func NewNotifier(b Publisher, lg *zap.Logger) *Notifier {
	return &Notifier{
		client: &fasthttp.Client{
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: 90 * time.Second,
			ReadTimeout:         notifyTimeout,
			WriteTimeout:        notifyTimeout,
		},
		bus: b,
		lg:  lg,
	}
}

// webhookReply is the body a recipient endpoint may answer with to decide
// the ticket level on the spot.
type webhookReply struct {
	Action types.EscalationAction `json:"action"`
	By     string                 `json:"by,omitempty"`
}

// HandleEnvelope consumes escalation notices from the notifier target.
// Always acknowledges: a notice the webhook could not deliver must not be
// redelivered later, when the chain may already have moved on.
func (n *Notifier) HandleEnvelope(env *types.Envelope) error {
	if env.EventType != types.EventEscalationNotice {
		n.lg.Debug("unexpected event at notifier", zap.String("event_type", string(env.EventType)))
		return nil
	}
	var notice types.EscalationNotice
	if err := env.Decode(&notice); err != nil {
		n.lg.Warn("malformed escalation notice dropped", zap.Error(err))
		return nil
	}
	if notice.To.Contact == "" {
		n.lg.Warn("escalation recipient has no contact, chain timer will advance",
			zap.String("ticket_id", notice.TicketID),
			zap.String("recipient", notice.To.Name),
			zap.Int("level", notice.Level))
		return nil
	}

	status, body, err := n.post(notice)
	if err != nil {
		n.lg.Warn("escalation webhook unreachable",
			zap.String("ticket_id", notice.TicketID),
			zap.String("contact", notice.To.Contact),
			zap.Int("level", notice.Level),
			zap.Error(err))
		return nil
	}
	if status < 200 || status > 299 {
		n.lg.Warn("escalation webhook refused notice",
			zap.String("ticket_id", notice.TicketID),
			zap.String("contact", notice.To.Contact),
			zap.Int("status", status))
		return nil
	}
	n.lg.Info("escalation notice delivered",
		zap.String("ticket_id", notice.TicketID),
		zap.String("recipient", notice.To.Name),
		zap.Int("level", notice.Level))

	reply := decodeReply(body)
	if reply == nil {
		// Delivered but undecided; the human answers later through the
		// acknowledgment endpoint or lets the level time out.
		return nil
	}
	n.publishReply(notice, *reply)
	return nil
}

// post sends the notice and returns the status code and response body.
func (n *Notifier) post(notice types.EscalationNotice) (int, []byte, error) {
	payload, err := jsonx.Marshal(notice)
	if err != nil {
		return 0, nil, err
	}

	deadline := time.Now().Add(notifyTimeout)
	if !notice.Deadline.IsZero() && notice.Deadline.Before(deadline) {
		deadline = notice.Deadline
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetRequestURI(notice.To.Contact)
	req.SetBody(payload)

	if err := n.client.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, err
	}
	// The response body references fasthttp's internal buffer.
	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return resp.StatusCode(), body, nil
}

// decodeReply parses an immediate decision out of the webhook answer.
// Anything but a well-formed, known action reads as "no decision yet".
func decodeReply(body []byte) *webhookReply {
	if len(body) == 0 {
		return nil
	}
	var r webhookReply
	if err := jsonx.Unmarshal(body, &r); err != nil {
		return nil
	}
	switch r.Action {
	case types.EscalationApprove, types.EscalationReject, types.EscalationEscalate:
		return &r
	}
	return nil
}

func (n *Notifier) publishReply(notice types.EscalationNotice, r webhookReply) {
	by := r.By
	if by == "" {
		by = notice.To.Name
	}
	env, err := types.NewEnvelope(types.TargetNotifier, types.TargetRecovery, types.EventEscalationReply, types.EscalationReply{
		TicketID: notice.TicketID,
		Level:    notice.Level,
		Action:   r.Action,
		By:       by,
	})
	if err != nil {
		n.lg.Error("encode escalation reply", zap.Error(err))
		return
	}
	env.CorrelationID = notice.TicketID
	env.Severity = notice.Severity
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := n.bus.Publish(ctx, env); err != nil {
		n.lg.Warn("publish escalation reply",
			zap.String("ticket_id", notice.TicketID),
			zap.Error(err))
	}
}
