// Package api exposes the command pipeline over HTTP: command submission,
// webhook ingestion, insight submission, approvals, audit reads and thread
// operations. Routing is thin — every mutation goes through the pipeline.
package api

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/keeperhq/keeper/internal/config"
	kerrors "github.com/keeperhq/keeper/internal/errors"
	"github.com/keeperhq/keeper/internal/governor"
	"github.com/keeperhq/keeper/internal/health"
	"github.com/keeperhq/keeper/internal/metrics"
	"github.com/keeperhq/keeper/internal/pipeline"
	"github.com/keeperhq/keeper/internal/projection"
	"github.com/keeperhq/keeper/internal/requestid"
	"github.com/keeperhq/keeper/internal/thread"
	"github.com/keeperhq/keeper/internal/token"
	"github.com/keeperhq/keeper/internal/worker"
)

// Server is the public API fiber application.
type Server struct {
	app     *fiber.App
	cfg     *config.Config
	pipe    *pipeline.Pipeline
	gov     *governor.Governor
	threads *thread.Service
	proj    *projection.Materializer
	dlq     *worker.DeadLetterStore
	issuer  *token.Issuer
	logger  zerolog.Logger
}

// NewServer wires routes and middleware. issuer may be nil when insight
// submission is not configured.
func NewServer(cfg *config.Config, pipe *pipeline.Pipeline, gov *governor.Governor,
	threads *thread.Service, proj *projection.Materializer, dlq *worker.DeadLetterStore,
	issuer *token.Issuer, checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Server {

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:     app,
		cfg:     cfg,
		pipe:    pipe,
		gov:     gov,
		threads: threads,
		proj:    proj,
		dlq:     dlq,
		issuer:  issuer,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(cors.New())
	app.Use(func(c *fiber.Ctx) error {
		id := c.Get("X-Request-ID")
		if id == "" {
			_, id = requestid.New(c.Context())
		}
		c.Locals("request_id", id)
		c.Set("X-Request-ID", id)
		return c.Next()
	})

	v1 := app.Group("/v1")
	v1.Post("/commands", s.submitCommand)
	v1.Get("/events/:subjectId", s.getStream)
	v1.Get("/events/:subjectId/version", s.getVersion)
	v1.Get("/correlations/:id", s.getCorrelation)
	v1.Post("/approvals/:eventId/approve", s.approve)
	v1.Post("/approvals/:eventId/deny", s.deny)
	v1.Get("/deadletters", s.listDeadLetters)
	v1.Post("/deadletters/:id/resolve", s.resolveDeadLetter)
	v1.Post("/projections/rebuild", s.rebuildProjections)

	v1.Post("/webhooks", s.ingestWebhook)
	v1.Post("/insights/tokens", s.issueInsightToken)
	v1.Post("/insights", s.submitInsight)

	v1.Post("/threads", s.createThread)
	v1.Get("/threads/:id/messages", s.listMessages)
	v1.Post("/threads/:id/messages", s.appendMessage)
	v1.Post("/threads/:id/branch", s.branchThread)
	v1.Post("/threads/:id/merge", s.mergeThread)
	v1.Post("/threads/:id/archive", s.archiveThread)
	v1.Get("/threads/:id/verify", s.verifyThread)
	v1.Get("/threads/:id/tree", s.threadTree)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/readyz", adaptor.HTTPHandlerFunc(checker.ReadinessHandler()))
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	return s
}

// Listen starts the API server (blocking).
func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("api listening")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		switch {
		case errors.As(err, &fe):
			code = fe.Code
		case kerrors.IsSchemaError(err), errors.Is(err, kerrors.ErrInvalidInput):
			code = fiber.StatusBadRequest
		case errors.Is(err, kerrors.ErrDenied):
			code = fiber.StatusForbidden
		case errors.Is(err, kerrors.ErrNotFound):
			code = fiber.StatusNotFound
		case errors.Is(err, kerrors.ErrVersionConflict):
			code = fiber.StatusConflict
		}
		if code >= 500 {
			logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}
