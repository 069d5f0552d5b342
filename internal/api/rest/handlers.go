package rest

import (
	"context"
	"errors"
	"strings"
	"time"

	"yqhp/coordinator/internal/bus"
	"yqhp/coordinator/internal/recovery"
	"yqhp/coordinator/internal/store"
	"yqhp/coordinator/internal/workflow"
	"yqhp/coordinator/pkg/types"

	"github.com/gofiber/fiber/v2"
	"gopkg.in/yaml.v3"
)

// healthCheck handles GET /health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// readyCheck handles GET /ready
func (s *Server) readyCheck(c *fiber.Ctx) error {
	ready := s.comp.Workflows != nil && s.comp.Tasks != nil && s.comp.Pool != nil
	status := "ready"
	code := fiber.StatusOK
	if !ready {
		status = "not_ready"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(ReadyResponse{
		Ready:     ready,
		Status:    status,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// submitWorkflow handles POST /api/v1/workflows
func (s *Server) submitWorkflow(c *fiber.Ctx) error {
	ctx := context.Background()

	var req WorkflowSubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}

	var def types.WorkflowDefinition
	switch {
	case req.YAML != "":
		dec := yaml.NewDecoder(strings.NewReader(req.YAML))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "invalid_workflow",
				Message: "Failed to parse workflow YAML: " + err.Error(),
			})
		}
	case req.Definition != nil:
		def = *req.Definition
	default:
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Either 'definition' or 'yaml' must be provided",
		})
	}

	instanceID, err := s.comp.Workflows.Start(ctx, def)
	if err != nil {
		if types.IsQueueFull(err) {
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
				Error:   "queue_full",
				Message: "Submission was shed: " + err.Error(),
			})
		}
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_workflow",
			Message: "Failed to start workflow: " + err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(WorkflowSubmitResponse{
		InstanceID: instanceID,
		Name:       def.Name,
		Status:     "accepted",
	})
}

// listWorkflows handles GET /api/v1/workflows
func (s *Server) listWorkflows(c *fiber.Ctx) error {
	ctx := context.Background()

	instances, err := s.comp.Workflows.List(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "list_failed",
			Message: "Failed to list workflows: " + err.Error(),
		})
	}

	return c.JSON(WorkflowListResponse{
		Workflows: instances,
		Total:     len(instances),
	})
}

// getWorkflow handles GET /api/v1/workflows/:id
func (s *Server) getWorkflow(c *fiber.Ctx) error {
	ctx := context.Background()
	instanceID := c.Params("id")

	inst, err := s.comp.Workflows.Get(ctx, instanceID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "Workflow not found: " + instanceID,
		})
	}

	return c.JSON(inst)
}

// cancelWorkflow handles DELETE /api/v1/workflows/:id
func (s *Server) cancelWorkflow(c *fiber.Ctx) error {
	instanceID := c.Params("id")
	reason := c.Query("reason")

	if err := s.comp.Workflows.Cancel(instanceID, reason); err != nil {
		if errors.Is(err, workflow.ErrUnknownWorkflow) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Error:   "not_found",
				Message: "Workflow not found: " + instanceID,
			})
		}
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{
			Error:   "cancel_rejected",
			Message: err.Error(),
		})
	}

	return c.JSON(SuccessResponse{
		Success: true,
		Message: "Cancellation requested",
	})
}

// submitTask handles POST /api/v1/tasks
func (s *Server) submitTask(c *fiber.Ctx) error {
	ctx := context.Background()

	var req TaskSubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}
	if req.Kind == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Task kind is required",
		})
	}

	task := &types.Task{
		Kind:              req.Kind,
		BaseScore:         req.BaseScore,
		CriticalityWeight: req.CriticalityWeight,
		Requirement:       req.Requirement,
		Preemptible:       req.Preemptible,
		MaxRetries:        req.MaxRetries,
		Payload:           req.Payload,
	}
	if req.Deadline != "" {
		d, err := time.ParseDuration(req.Deadline)
		if err != nil || d <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "invalid_request",
				Message: "Deadline must be a positive duration like \"30s\"",
			})
		}
		task.Deadline = time.Now().Add(d)
	}

	if err := s.comp.Tasks.Submit(ctx, task); err != nil {
		if types.IsQueueFull(err) {
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
				Error:   "queue_full",
				Message: "Submission was shed: " + err.Error(),
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "submission_failed",
			Message: "Failed to submit task: " + err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(TaskSubmitResponse{
		TaskID:   task.ID,
		Status:   string(task.Status),
		Priority: task.Priority,
	})
}

// getTask handles GET /api/v1/tasks/:id
func (s *Server) getTask(c *fiber.Ctx) error {
	taskID := c.Params("id")

	task, err := s.comp.Tasks.Get(taskID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "Task not found: " + taskID,
		})
	}

	return c.JSON(task)
}

// poolSnapshot handles GET /api/v1/pool
func (s *Server) poolSnapshot(c *fiber.Ctx) error {
	return c.JSON(s.comp.Pool.Snapshot())
}

// resizePool handles POST /api/v1/pool/resize
func (s *Server) resizePool(c *fiber.Ctx) error {
	var req PoolResizeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}

	applied, err := s.comp.Pool.Resize(req.Capacity)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
	}

	return c.JSON(PoolResizeResponse{
		Requested: req.Capacity,
		Capacity:  applied,
	})
}

// objectiveReport handles GET /api/v1/slo
func (s *Server) objectiveReport(c *fiber.Ctx) error {
	return c.JSON(s.comp.Objectives.Report())
}

// schedulerStats handles GET /api/v1/stats
func (s *Server) schedulerStats(c *fiber.Ctx) error {
	return c.JSON(s.comp.Tasks.Stats())
}

// eventCounters handles GET /api/v1/counters
func (s *Server) eventCounters(c *fiber.Ctx) error {
	return c.JSON(s.comp.Counters.Snapshot())
}

// listEvents handles GET /api/v1/events
func (s *Server) listEvents(c *fiber.Ctx) error {
	ctx := context.Background()

	limit := c.QueryInt("limit", 100)
	if limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Limit must not be negative",
		})
	}

	events, err := s.comp.Events.ListEvents(ctx, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "list_failed",
			Message: "Failed to list events: " + err.Error(),
		})
	}

	return c.JSON(EventListResponse{
		Events: events,
		Total:  len(events),
	})
}

// listDeadLetters handles GET /api/v1/deadletters
func (s *Server) listDeadLetters(c *fiber.Ctx) error {
	ctx := context.Background()

	letters, err := s.comp.DeadLetters.DeadLetters(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "list_failed",
			Message: "Failed to list dead letters: " + err.Error(),
		})
	}

	return c.JSON(DeadLetterListResponse{
		DeadLetters: letters,
		Total:       len(letters),
	})
}

// requeueDeadLetter handles POST /api/v1/deadletters/:id/requeue
func (s *Server) requeueDeadLetter(c *fiber.Ctx) error {
	ctx := context.Background()
	id := c.Params("id")

	if err := s.comp.DeadLetters.Requeue(ctx, id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Error:   "not_found",
				Message: "Dead letter not found: " + id,
			})
		case errors.Is(err, bus.ErrBusClosed):
			return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
				Error:   "unavailable",
				Message: "Message bus is shut down",
			})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
				Error:   "requeue_failed",
				Message: "Failed to requeue dead letter: " + err.Error(),
			})
		}
	}

	return c.JSON(SuccessResponse{
		Success: true,
		Message: "Envelope requeued",
	})
}

// listEscalations handles GET /api/v1/escalations
func (s *Server) listEscalations(c *fiber.Ctx) error {
	ctx := context.Background()

	tickets, err := s.comp.Escalations.Tickets(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "list_failed",
			Message: "Failed to list escalations: " + err.Error(),
		})
	}

	return c.JSON(EscalationListResponse{
		Tickets: tickets,
		Total:   len(tickets),
	})
}

// getEscalation handles GET /api/v1/escalations/:id
func (s *Server) getEscalation(c *fiber.Ctx) error {
	ctx := context.Background()
	id := c.Params("id")

	ticket, err := s.comp.Escalations.GetTicket(ctx, id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "Escalation ticket not found: " + id,
		})
	}

	return c.JSON(ticket)
}

// ackEscalation handles POST /api/v1/escalations/:id/ack
//
// Operators submit approve, reject or escalate. Timeouts are not
// accepted here; the level deadline timer owns those.
func (s *Server) ackEscalation(c *fiber.Ctx) error {
	id := c.Params("id")

	var req EscalationAckRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}

	action := types.EscalationAction(req.Action)
	switch action {
	case types.EscalationApprove, types.EscalationReject, types.EscalationEscalate:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_action",
			Message: "Action must be approve, reject or escalate",
		})
	}

	if err := s.comp.Escalations.Acknowledge(id, action, req.By); err != nil {
		if errors.Is(err, recovery.ErrUnknownTicket) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Error:   "not_found",
				Message: "No open escalation ticket: " + id,
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "ack_failed",
			Message: "Failed to record decision: " + err.Error(),
		})
	}

	return c.JSON(SuccessResponse{
		Success: true,
		Message: "Decision recorded",
	})
}
