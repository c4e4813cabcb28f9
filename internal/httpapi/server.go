// Package httpapi serves the inbound webhook endpoint, the job lifecycle API,
// health and metrics over echo.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"

	"github.com/emperorhan/webhook-indexer/internal/circuitbreaker"
	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/jobs"
	"github.com/emperorhan/webhook-indexer/internal/pipeline"
	"github.com/emperorhan/webhook-indexer/internal/ratelimit"
)

// MaxWebhookBodySize is the largest inbound delivery accepted.
const MaxWebhookBodySize = "5M"

// Acceptor takes authenticated inbound deliveries.
type Acceptor interface {
	Accept(ctx context.Context, registrationID uuid.UUID, body []byte, signature string) (*pipeline.Acceptance, error)
}

// JobService is the job lifecycle surface exposed over HTTP.
type JobService interface {
	Create(ctx context.Context, req jobs.CreateRequest) (*model.IndexingJob, error)
	Submit(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error)
	Get(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error)
	Pause(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error)
	Resume(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error)
	Cancel(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error)
}

// Registrations deletes webhook registrations on operator request.
type Registrations interface {
	Delete(ctx context.Context, id uuid.UUID) error
}

// DeliveryLog lists the delivery audit rows of a registration.
type DeliveryLog interface {
	ListByRegistration(ctx context.Context, registrationID uuid.UUID, limit int) ([]model.DeliveryLog, error)
}

// HealthProvider reports worker pool health.
type HealthProvider interface {
	Snapshot() pipeline.HealthSnapshot
}

// BreakerProvider reports circuit breaker state per service.
type BreakerProvider interface {
	Snapshot() []circuitbreaker.Stats
}

type Server struct {
	e             *echo.Echo
	acceptor      Acceptor
	jobs          JobService
	registrations Registrations
	deliveries    DeliveryLog
	health        HealthProvider
	breakers      BreakerProvider
	apiLimiter    ratelimit.Acquirer
	logger        *slog.Logger
}

type ServerOption func(*Server)

func WithRegistrations(r Registrations) ServerOption {
	return func(s *Server) { s.registrations = r }
}

func WithDeliveryLog(d DeliveryLog) ServerOption {
	return func(s *Server) { s.deliveries = d }
}

func WithHealthProvider(h HealthProvider) ServerOption {
	return func(s *Server) { s.health = h }
}

func WithBreakerProvider(b BreakerProvider) ServerOption {
	return func(s *Server) { s.breakers = b }
}

// WithAPIRateLimit throttles the lifecycle API per client IP.
func WithAPIRateLimit(l ratelimit.Acquirer) ServerOption {
	return func(s *Server) { s.apiLimiter = l }
}

func New(acceptor Acceptor, jobService JobService, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		acceptor: acceptor,
		jobs:     jobService,
		logger:   logger.With("component", "httpapi"),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.POST("/webhooks/:registrationID", s.handleWebhook, middleware.BodyLimit(MaxWebhookBodySize))

	api := e.Group("/api/v1", auditMiddleware(logger))
	if s.apiLimiter != nil {
		api.Use(rateLimitMiddleware(s.apiLimiter, s.logger))
	}
	api.POST("/jobs", s.handleCreateJob)
	api.GET("/jobs/:id", s.handleGetJob)
	api.POST("/jobs/:id/pause", s.handlePauseJob)
	api.POST("/jobs/:id/resume", s.handleResumeJob)
	api.POST("/jobs/:id/cancel", s.handleCancelJob)
	if s.registrations != nil {
		api.DELETE("/webhooks/:id", s.handleDeleteRegistration)
	}
	if s.deliveries != nil {
		api.GET("/webhooks/:id/deliveries", s.handleListDeliveries)
	}

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.e = e
	return s
}

// Handler returns the HTTP handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.e.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleError renders every error as {"error": "..."} with a status derived
// from the domain sentinels.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err,
		)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorResponse{Error: msg})
}

func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		}
		return he.Code, msg
	}

	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound, jobs.ErrJobNotFound.Error()
	case errors.Is(err, jobs.ErrJobNotActive),
		errors.Is(err, jobs.ErrJobNotPaused),
		errors.Is(err, jobs.ErrJobFinished):
		return http.StatusConflict, jobs.SanitizeError(err)
	case errors.Is(err, jobs.ErrInvalidJob):
		return http.StatusBadRequest, jobs.SanitizeError(err)
	case errors.Is(err, pipeline.ErrUnknownRegistration):
		return http.StatusNotFound, pipeline.ErrUnknownRegistration.Error()
	case errors.Is(err, pipeline.ErrInvalidSignature):
		return http.StatusUnauthorized, pipeline.ErrInvalidSignature.Error()
	case errors.Is(err, pipeline.ErrInvalidPayload):
		return http.StatusBadRequest, jobs.SanitizeError(err)
	}
	return http.StatusInternalServerError, "internal error"
}
