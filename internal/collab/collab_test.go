package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/coordinator/pkg/types"
)

type stubPublisher struct {
	mu   sync.Mutex
	envs []*types.Envelope
	fail error
}

func (s *stubPublisher) Publish(_ context.Context, env *types.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.envs = append(s.envs, env)
	return nil
}

func (s *stubPublisher) published() []*types.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Envelope, len(s.envs))
	copy(out, s.envs)
	return out
}

// failingWorker always errors; slowWorker parks until the context ends.
type failingWorker struct{ err error }

func (failingWorker) Name() string { return "failing" }
func (w failingWorker) Handle(context.Context, *types.StepRequest) (any, error) {
	return nil, w.err
}

type slowWorker struct{ d time.Duration }

func (slowWorker) Name() string { return "slow" }
func (w slowWorker) Handle(ctx context.Context, _ *types.StepRequest) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(w.d):
		return map[string]any{"done": true}, nil
	}
}

func stepEnvelope(t *testing.T, target string, req types.StepRequest) *types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope("workflow", target, types.EventStepRequest, req)
	require.NoError(t, err)
	env.CorrelationID = "corr-1"
	return env
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewEchoWorker()))

	w, ok := reg.Get(EchoWorkerName)
	require.True(t, ok)
	assert.Equal(t, EchoWorkerName, w.Name())

	_, ok = reg.Get("nope")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, []string{EchoWorkerName}, reg.Names())
}

func TestRegistryRejectsDuplicatesAndNil(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewEchoWorker()))
	require.Error(t, reg.Register(NewEchoWorker()))
	require.Error(t, reg.Register(nil))
	assert.Panics(t, func() { reg.MustRegister(NewEchoWorker()) })
}

func TestBindDeliversCorrelatedResponse(t *testing.T) {
	pub := &stubPublisher{}
	handler := Bind(NewEchoWorker(), pub, zap.NewNop())

	env := stepEnvelope(t, EchoWorkerName, types.StepRequest{
		WorkflowID: "wf-1",
		StepIndex:  2,
		StepName:   "probe",
		Parameters: map[string]any{"region": "eu"},
	})
	require.NoError(t, handler(env))

	out := pub.published()
	require.Len(t, out, 1)
	resp := out[0]
	assert.Equal(t, "workflow", resp.Target, "reply goes back to the requester")
	assert.Equal(t, EchoWorkerName, resp.Source)
	assert.Equal(t, types.EventStepResponse, resp.EventType)
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Equal(t, env.ID, resp.CausationID)

	var body types.StepResponse
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, types.StepSuccess, body.Status)
	var result map[string]any
	require.NoError(t, json.Unmarshal(body.Result, &result))
	assert.Equal(t, "eu", result["region"])
}

func TestBindEchoWithNilParameters(t *testing.T) {
	pub := &stubPublisher{}
	handler := Bind(NewEchoWorker(), pub, zap.NewNop())

	require.NoError(t, handler(stepEnvelope(t, EchoWorkerName, types.StepRequest{WorkflowID: "wf-1"})))

	var body types.StepResponse
	require.NoError(t, pub.published()[0].Decode(&body))
	assert.Equal(t, types.StepSuccess, body.Status)
	assert.JSONEq(t, `{}`, string(body.Result))
}

func TestBindWorkerErrorBecomesFailureResponse(t *testing.T) {
	pub := &stubPublisher{}
	handler := Bind(failingWorker{err: errors.New("downstream offline")}, pub, zap.NewNop())

	require.NoError(t, handler(stepEnvelope(t, "failing", types.StepRequest{WorkflowID: "wf-1"})),
		"a worker failure is a response, not a redelivery")

	var body types.StepResponse
	require.NoError(t, pub.published()[0].Decode(&body))
	assert.Equal(t, types.StepFailure, body.Status)
	assert.Contains(t, body.Error, "downstream offline")
}

func TestBindMalformedRequestDropped(t *testing.T) {
	pub := &stubPublisher{}
	handler := Bind(NewEchoWorker(), pub, zap.NewNop())

	env := &types.Envelope{
		ID:        "env-1",
		Source:    "workflow",
		Target:    EchoWorkerName,
		EventType: types.EventStepRequest,
		Body:      json.RawMessage(`{"workflow_id":`),
	}
	require.NoError(t, handler(env))
	assert.Empty(t, pub.published())
}

func TestBindPublishFailureRequestsRedelivery(t *testing.T) {
	pub := &stubPublisher{fail: errors.New("bus full")}
	handler := Bind(NewEchoWorker(), pub, zap.NewNop())

	err := handler(stepEnvelope(t, EchoWorkerName, types.StepRequest{WorkflowID: "wf-1"}))
	require.Error(t, err)
	assert.True(t, types.IsDeliveryFailure(err))
}

func TestBindHonorsRequestDeadline(t *testing.T) {
	pub := &stubPublisher{}
	handler := Bind(slowWorker{d: 5 * time.Second}, pub, zap.NewNop())

	env := stepEnvelope(t, "slow", types.StepRequest{
		WorkflowID: "wf-1",
		Deadline:   time.Now().Add(30 * time.Millisecond),
	})
	start := time.Now()
	require.NoError(t, handler(env))
	assert.Less(t, time.Since(start), 2*time.Second)

	var body types.StepResponse
	require.NoError(t, pub.published()[0].Decode(&body))
	assert.Equal(t, types.StepFailure, body.Status)
	assert.Contains(t, body.Error, "deadline")
}
