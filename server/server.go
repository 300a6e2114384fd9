// Package server exposes the engine over HTTP: email intake, the decision
// callback webhook and instance inspection.
package server

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
	"github.com/sicko7947/triageflow/engine"
)

// Engine is the engine surface the HTTP API uses
type Engine interface {
	Start(ctx context.Context, email triageflow.NewEmail) (*engine.Result, error)
	Reprocess(ctx context.Context, email triageflow.NewEmail) (*engine.Result, error)
	Continue(ctx context.Context, instanceID string) (*engine.Result, error)
	GetInstance(ctx context.Context, instanceID string) (*engine.Snapshot, error)
	ListInstances(ctx context.Context, filter triageflow.MappingFilter) ([]*triageflow.InstanceMapping, error)
}

// CallbackHandler applies decision callbacks
type CallbackHandler interface {
	Handle(ctx context.Context, cb triageflow.DecisionCallback) (*engine.Result, error)
}

// Server wraps the fiber app
type Server struct {
	app       *fiber.App
	engine    Engine
	callbacks CallbackHandler
	logger    zerolog.Logger
	version   string
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithVersion sets the version reported by /health
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// New creates a server with all routes registered
func New(eng Engine, callbacks CallbackHandler, opts ...Option) *Server {
	s := &Server{
		app:       fiber.New(fiber.Config{AppName: "triageflow"}),
		engine:    eng,
		callbacks: callbacks,
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves HTTP on addr until Shutdown
func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("address", addr).Msg("Starting HTTP server")
	return s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops the server, waiting up to timeout for in-flight requests
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "triageflow",
			"version": s.version,
		})
	})

	v1 := s.app.Group("/api/v1")

	emails := v1.Group("/emails")
	emails.Post("/", s.handleNewEmail)
	emails.Post("/reprocess", s.handleReprocess)

	v1.Post("/callbacks", s.handleCallback)

	instances := v1.Group("/instances")
	instances.Get("/", s.handleListInstances)
	instances.Get("/:instanceId", s.handleGetInstance)
	instances.Post("/:instanceId/continue", s.handleContinue)
}

// handleNewEmail starts an instance for an inbound email
func (s *Server) handleNewEmail(c fiber.Ctx) error {
	var email triageflow.NewEmail
	if err := c.Bind().JSON(&email); err != nil {
		return badRequest(c, "Invalid request body")
	}

	res, err := s.engine.Start(c.Context(), email)
	if err != nil {
		return s.fail(c, err, res)
	}
	return c.Status(fiber.StatusAccepted).JSON(res)
}

func (s *Server) handleReprocess(c fiber.Ctx) error {
	var email triageflow.NewEmail
	if err := c.Bind().JSON(&email); err != nil {
		return badRequest(c, "Invalid request body")
	}

	res, err := s.engine.Reprocess(c.Context(), email)
	if err != nil {
		return s.fail(c, err, res)
	}
	return c.Status(fiber.StatusAccepted).JSON(res)
}

// handleCallback receives decision events from the messaging surface
func (s *Server) handleCallback(c fiber.Ctx) error {
	var cb triageflow.DecisionCallback
	if err := c.Bind().JSON(&cb); err != nil {
		return badRequest(c, "Invalid request body")
	}

	res, err := s.callbacks.Handle(c.Context(), cb)
	if err != nil {
		return s.fail(c, err, res)
	}
	return c.JSON(res)
}

func (s *Server) handleGetInstance(c fiber.Ctx) error {
	snap, err := s.engine.GetInstance(c.Context(), c.Params("instanceId"))
	if err != nil {
		return s.fail(c, err, nil)
	}
	return c.JSON(snap)
}

func (s *Server) handleContinue(c fiber.Ctx) error {
	res, err := s.engine.Continue(c.Context(), c.Params("instanceId"))
	if err != nil {
		return s.fail(c, err, res)
	}
	return c.JSON(res)
}

// handleListInstances supports ?stage=AWAITING_DECISION&updated_before=RFC3339&limit=N
func (s *Server) handleListInstances(c fiber.Ctx) error {
	var filter triageflow.MappingFilter

	if raw := c.Query("stage"); raw != "" {
		stage, err := triageflow.ParseStage(raw)
		if err != nil {
			return badRequest(c, err.Error())
		}
		filter.Stage = &stage
	}
	if raw := c.Query("updated_before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badRequest(c, "updated_before must be RFC3339")
		}
		filter.UpdatedBefore = &before
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return badRequest(c, "limit must be a non-negative integer")
		}
		filter.Limit = limit
	}

	mappings, err := s.engine.ListInstances(c.Context(), filter)
	if err != nil {
		return s.fail(c, err, nil)
	}
	return c.JSON(fiber.Map{
		"instances": mappings,
		"count":     len(mappings),
	})
}

// fail writes err with a status derived from its code. A result that came
// back alongside the error, e.g. an instance moved to ERROR, is included.
func (s *Server) fail(c fiber.Ctx, err error, res *engine.Result) error {
	code := triageflow.ErrorCode(err)
	status := StatusFor(code)

	event := s.logger.Warn()
	if status >= fiber.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).Str("code", code).Str("path", c.Path()).Msg("Request failed")

	body := fiber.Map{"error": err.Error(), "code": code}
	if res != nil {
		body["result"] = res
	}
	return c.Status(status).JSON(body)
}

// StatusFor maps a workflow error code to an HTTP status
func StatusFor(code string) int {
	switch code {
	case triageflow.ErrCodeValidation:
		return fiber.StatusBadRequest
	case triageflow.ErrCodeUnauthorized:
		return fiber.StatusForbidden
	case triageflow.ErrCodeNotFound:
		return fiber.StatusNotFound
	case triageflow.ErrCodeDuplicate, triageflow.ErrCodeConflict:
		return fiber.StatusConflict
	case triageflow.ErrCodeTransient, triageflow.ErrCodeRateLimited, triageflow.ErrCodePersistence:
		return fiber.StatusServiceUnavailable
	case triageflow.ErrCodeTimeout:
		return fiber.StatusGatewayTimeout
	case triageflow.ErrCodeTerminal:
		return fiber.StatusUnprocessableEntity
	}
	return fiber.StatusInternalServerError
}

func badRequest(c fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
		"code":  triageflow.ErrCodeValidation,
	})
}
