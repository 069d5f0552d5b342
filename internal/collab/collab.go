// Package collab hosts the built-in collaborators: local workers that
// answer step requests so a single node runs workflows end to end, and
// the webhook notifier that carries escalation notices to humans. The
// registry maps a step's target name to its worker; internal/core
// subscribes each registered worker on the bus under that name.
package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/coordinator/internal/bus"
	"yqhp/coordinator/pkg/jsonx"
	"yqhp/coordinator/pkg/types"
)

// Worker answers one step request. The returned value is encoded as the
// step result; a returned error becomes a failure response the
// orchestrator may retry.
type Worker interface {
	// Name is the bus target workflow steps address.
	Name() string
	Handle(ctx context.Context, req *types.StepRequest) (any, error)
}

// Publisher posts responses and replies back on the message plane.
type Publisher interface {
	Publish(ctx context.Context, env *types.Envelope) error
}

// Registry maps target names to workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register adds a worker under its name. Registering a taken name is an
// error so a typo cannot silently shadow a collaborator.
func (r *Registry) Register(w Worker) error {
	if w == nil {
		return fmt.Errorf("collab: cannot register a nil worker")
	}
	name := w.Name()
	if name == "" {
		return fmt.Errorf("collab: worker name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[name]; exists {
		return fmt.Errorf("collab: worker %q already registered", name)
	}
	r.workers[name] = w
	return nil
}

// MustRegister registers a worker and panics on error. Assembly-time use
// only.
func (r *Registry) MustRegister(w Worker) {
	if err := r.Register(w); err != nil {
		panic(err)
	}
}

// Get returns the worker for a target name.
func (r *Registry) Get(name string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	return w, ok
}

// Names returns the registered target names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workers))
	for n := range r.workers {
		names = append(names, n)
	}
	return names
}

// Count returns how many workers are registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Bind adapts a worker to the bus acknowledgment contract. The handler
// decodes the step request, runs the worker under the request deadline,
// and publishes a correlated step response back to the requester. A
// worker error becomes a failure response, not a redelivery: the
// orchestrator owns the retry policy. Only a failed response publish
// returns an error, so the bus redelivers the request and the step is
// attempted again.
func Bind(w Worker, publisher Publisher, lg *zap.Logger) bus.Handler {
	return func(env *types.Envelope) error {
		var req types.StepRequest
		if err := env.Decode(&req); err != nil {
			lg.Warn("malformed step request dropped",
				zap.String("worker", w.Name()),
				zap.String("envelope_id", env.ID),
				zap.Error(err))
			return nil
		}

		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if !req.Deadline.IsZero() {
			ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		}
		started := time.Now()
		result, err := w.Handle(ctx, &req)
		cancel()

		resp := types.StepResponse{Status: types.StepSuccess}
		switch {
		case err != nil:
			resp = types.StepResponse{Status: types.StepFailure, Error: err.Error()}
			lg.Debug("step failed",
				zap.String("worker", w.Name()),
				zap.String("workflow_id", req.WorkflowID),
				zap.String("step", req.StepName),
				zap.Duration("took", time.Since(started)),
				zap.Error(err))
		case result != nil:
			raw, merr := jsonx.Marshal(result)
			if merr != nil {
				resp = types.StepResponse{Status: types.StepFailure, Error: "result not encodable: " + merr.Error()}
			} else {
				resp.Result = raw
			}
		}

		out, err := types.NewEnvelope(w.Name(), env.Source, types.EventStepResponse, resp)
		if err != nil {
			lg.Error("encode step response", zap.Error(err))
			return nil
		}
		out.CorrelationID = env.CorrelationID
		out.CausationID = env.ID
		if err := publisher.Publish(context.Background(), out); err != nil {
			return types.NewDeliveryError(out.ID, "step response publish failed", err)
		}
		return nil
	}
}
