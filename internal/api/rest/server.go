// Package rest exposes the coordinator's control surface over HTTP:
// workflow and task submission, pool inspection and resize, objective
// reports, dead-letter replay and escalation acknowledgment.
package rest

import (
	"context"
	"fmt"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/internal/sched"
	"yqhp/coordinator/internal/slo"
	"yqhp/coordinator/internal/store"
	"yqhp/coordinator/pkg/metrics"
	"yqhp/coordinator/pkg/types"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

// Orchestrator is the workflow surface the API fronts.
type Orchestrator interface {
	Start(ctx context.Context, def types.WorkflowDefinition) (string, error)
	Get(ctx context.Context, instanceID string) (*types.WorkflowInstance, error)
	List(ctx context.Context) ([]*types.WorkflowInstance, error)
	Cancel(instanceID, reason string) error
}

// Scheduler is the task surface.
type Scheduler interface {
	Submit(ctx context.Context, task *types.Task) error
	Get(taskID string) (*types.Task, error)
	Stats() sched.Stats
}

// Pool is the slot-pool surface.
type Pool interface {
	Snapshot() types.PoolSnapshot
	Resize(newCapacity int) (int, error)
}

// Objectives is the monitoring surface.
type Objectives interface {
	Report() slo.Report
}

// DeadLetterQueue lists and replays parked envelopes.
type DeadLetterQueue interface {
	DeadLetters(ctx context.Context) ([]*store.DeadLetter, error)
	Requeue(ctx context.Context, id string) error
}

// Escalations is the ticket surface.
type Escalations interface {
	Tickets(ctx context.Context) ([]*types.EscalationTicket, error)
	GetTicket(ctx context.Context, id string) (*types.EscalationTicket, error)
	Acknowledge(ticketID string, action types.EscalationAction, by string) error
}

// Events reads the audit trail.
type Events interface {
	ListEvents(ctx context.Context, limit int) ([]audit.Event, error)
}

// Counters reads the audit event census.
type Counters interface {
	Snapshot() map[string]metrics.Stats
}

// Components bundles the coordinator internals the API exposes. Readiness
// reports not_ready until the core surfaces are wired.
type Components struct {
	Workflows   Orchestrator
	Tasks       Scheduler
	Pool        Pool
	Objectives  Objectives
	DeadLetters DeadLetterQueue
	Escalations Escalations
	Events      Events
	Counters    Counters
}

// Server is the REST control surface.
type Server struct {
	app  *fiber.App
	comp Components
	cfg  config.ServerConfig
	lg   *zap.Logger
}

// NewServer builds the control surface around the given components.
func NewServer(cfg config.ServerConfig, comp Components, lg *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorHandler: customErrorHandler,
		AppName:      "Coordinator API",
	})

	s := &Server{
		app:  app,
		comp: comp,
		cfg:  cfg,
		lg:   lg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	// Recovery middleware - recovers from panics
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	// Logger middleware - logs HTTP requests
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	// CORS middleware
	if s.cfg.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins:     "*",
			AllowMethods:     "GET,POST,PUT,DELETE,PATCH,OPTIONS",
			AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
			AllowCredentials: false,
			MaxAge:           86400,
		}))
	}
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	// Health check endpoints
	s.app.Get("/health", s.healthCheck)
	s.app.Get("/ready", s.readyCheck)

	// API v1 routes
	api := s.app.Group("/api/v1")

	// Health check endpoints (also under /api/v1)
	api.Get("/health", s.healthCheck)
	api.Get("/ready", s.readyCheck)

	// Workflow routes
	api.Post("/workflows", s.submitWorkflow)
	api.Get("/workflows", s.listWorkflows)
	api.Get("/workflows/:id", s.getWorkflow)
	api.Delete("/workflows/:id", s.cancelWorkflow)

	// Task routes
	api.Post("/tasks", s.submitTask)
	api.Get("/tasks/:id", s.getTask)

	// Pool routes
	api.Get("/pool", s.poolSnapshot)
	api.Post("/pool/resize", s.resizePool)

	// Monitoring routes
	api.Get("/slo", s.objectiveReport)
	api.Get("/stats", s.schedulerStats)
	api.Get("/counters", s.eventCounters)
	api.Get("/events", s.listEvents)

	// Dead-letter routes
	api.Get("/deadletters", s.listDeadLetters)
	api.Post("/deadletters/:id/requeue", s.requeueDeadLetter)

	// Escalation routes
	api.Get("/escalations", s.listEscalations)
	api.Get("/escalations/:id", s.getEscalation)
	api.Post("/escalations/:id/ack", s.ackEscalation)
}

// Start starts the REST API server.
func (s *Server) Start() error {
	s.lg.Info("control surface listening", zap.String("address", s.cfg.Address))
	return s.app.Listen(s.cfg.Address)
}

// StartWithContext starts the server and shuts it down when the context
// is cancelled.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles errors returned by handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	// Default to 500 Internal Server Error
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	// Check if it's a Fiber error
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
