package collab

import (
	"context"

	"yqhp/coordinator/pkg/types"
)

// EchoWorkerName is the target name of the echo collaborator.
const EchoWorkerName = "echo"

// EchoWorker returns the step parameters unchanged. Smoke flows and
// tests point steps at it to exercise the full request/response path
// without real work.
type EchoWorker struct{}

// NewEchoWorker creates the echo collaborator.
func NewEchoWorker() EchoWorker { return EchoWorker{} }

// Name implements Worker.
func (EchoWorker) Name() string { return EchoWorkerName }

// Handle implements Worker.
func (EchoWorker) Handle(_ context.Context, req *types.StepRequest) (any, error) {
	if req.Parameters == nil {
		return map[string]any{}, nil
	}
	return req.Parameters, nil
}
