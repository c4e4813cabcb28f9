// Package notify fans job-updated events out to subscribers. Delivery is
// one-way: a failing sink is logged and counted, never surfaced to the
// transition that produced the event.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emperorhan/webhook-indexer/internal/domain/model"
	"github.com/emperorhan/webhook-indexer/internal/metrics"
)

// EventTypeJobUpdated names the event on every sink.
const EventTypeJobUpdated = "job.updated"

// JobUpdated describes one job status transition.
type JobUpdated struct {
	JobID           uuid.UUID       `json:"job_id"`
	Owner           string          `json:"owner"`
	Name            string          `json:"name,omitempty"`
	From            model.JobStatus `json:"from"`
	Status          model.JobStatus `json:"status"`
	Progress        int             `json:"progress"`
	EventsProcessed int64           `json:"events_processed"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	At              time.Time       `json:"at"`
}

// NewJobUpdated builds the event for job having left from.
func NewJobUpdated(job *model.IndexingJob, from model.JobStatus) JobUpdated {
	return JobUpdated{
		JobID:           job.ID,
		Owner:           job.Owner,
		Name:            job.Name,
		From:            from,
		Status:          job.Status,
		Progress:        job.Progress,
		EventsProcessed: job.EventsProcessed,
		ErrorMessage:    job.ErrorMessage,
		At:              job.UpdatedAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev JobUpdated) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev JobUpdated) error

func (f PublisherFunc) Publish(ctx context.Context, ev JobUpdated) error {
	return f(ctx, ev)
}

// Sink is a named publisher.
type Sink struct {
	Name      string
	Publisher Publisher
}

// MultiPublisher publishes to every sink in order.
type MultiPublisher struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewMultiPublisher(logger *slog.Logger, sinks ...Sink) *MultiPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiPublisher{sinks: sinks, logger: logger.With("component", "notify")}
}

// Publish never returns an error.
func (m *MultiPublisher) Publish(ctx context.Context, ev JobUpdated) error {
	for _, s := range m.sinks {
		if err := s.Publisher.Publish(ctx, ev); err != nil {
			metrics.NotificationsPublished.WithLabelValues(s.Name, "error").Inc()
			m.logger.Warn("job notification failed",
				"sink", s.Name,
				"job_id", ev.JobID,
				"status", ev.Status,
				"error", err,
			)
			continue
		}
		metrics.NotificationsPublished.WithLabelValues(s.Name, "ok").Inc()
	}
	return nil
}

// Len reports the number of sinks.
func (m *MultiPublisher) Len() int {
	return len(m.sinks)
}
