package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/emperorhan/webhook-indexer/internal/circuitbreaker"
	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/jobs"
	"github.com/emperorhan/webhook-indexer/internal/pipeline"
	"github.com/emperorhan/webhook-indexer/internal/webhookauth"
)

const (
	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 500
)

func (s *Server) handleWebhook(c echo.Context) error {
	id, err := uuid.Parse(c.Param("registrationID"))
	if err != nil {
		return pipeline.ErrUnknownRegistration
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	acc, err := s.acceptor.Accept(c.Request().Context(), id, body, c.Request().Header.Get(webhookauth.SignatureHeader))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, acc)
}

func jobID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, jobs.ErrJobNotFound
	}
	return id, nil
}

// handleCreateJob creates a job and submits it in one call.
func (s *Server) handleCreateJob(c echo.Context) error {
	var req jobs.CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	ctx := c.Request().Context()
	job, err := s.jobs.Create(ctx, req)
	if err != nil {
		return err
	}
	submitted, err := s.jobs.Submit(ctx, job.ID)
	if err != nil {
		// A job that never reached pending is withdrawn so nothing is left in created.
		if _, cerr := s.jobs.Cancel(context.WithoutCancel(ctx), job.ID); cerr != nil {
			s.logger.Warn("withdrawing unsubmitted job failed", "job_id", job.ID, "error", cerr)
		}
		return err
	}
	return c.JSON(http.StatusCreated, submitted)
}

func (s *Server) handleGetJob(c echo.Context) error {
	id, err := jobID(c)
	if err != nil {
		return err
	}
	job, err := s.jobs.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handlePauseJob(c echo.Context) error {
	return s.transitionJob(c, s.jobs.Pause)
}

func (s *Server) handleResumeJob(c echo.Context) error {
	return s.transitionJob(c, s.jobs.Resume)
}

func (s *Server) handleCancelJob(c echo.Context) error {
	return s.transitionJob(c, s.jobs.Cancel)
}

func (s *Server) transitionJob(c echo.Context, op func(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error)) error {
	id, err := jobID(c)
	if err != nil {
		return err
	}
	job, err := op(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleDeleteRegistration(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return pipeline.ErrUnknownRegistration
	}
	if err := s.registrations.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListDeliveries(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return pipeline.ErrUnknownRegistration
	}
	limit := defaultDeliveryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxDeliveryLimit)
	}
	rows, err := s.deliveries.ListByRegistration(c.Request().Context(), id, limit)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []model.DeliveryLog{}
	}
	return c.JSON(http.StatusOK, rows)
}

type healthResponse struct {
	Status   string                   `json:"status"`
	Workers  *pipeline.HealthSnapshot `json:"workers,omitempty"`
	Circuits []circuitStatus          `json:"circuits,omitempty"`
}

type circuitStatus struct {
	Service             string `json:"service"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	if s.health != nil {
		snap := s.health.Snapshot()
		resp.Workers = &snap
		if !snap.Healthy() {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	if s.breakers != nil {
		for _, st := range s.breakers.Snapshot() {
			resp.Circuits = append(resp.Circuits, circuitStatus{
				Service:             st.Service,
				State:               st.State.String(),
				ConsecutiveFailures: st.ConsecutiveFailures,
			})
			if st.State == circuitbreaker.StateOpen && resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
	}
	return c.JSON(status, resp)
}
