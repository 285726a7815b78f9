package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/kavos113/quickctf/ctf-manager/domain"
	"github.com/kavos113/quickctf/ctf-manager/metrics"
)

// EventPublisher fans recorded events out to other consumers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *domain.Event) error
}

// EventRecorder appends audit events. Recording never fails the caller: a
// store error is logged and counted, and the lifecycle operation proceeds.
type EventRecorder struct {
	repo      domain.EventRepository
	publisher EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	timeout   time.Duration
}

func NewEventRecorder(repo domain.EventRepository, publisher EventPublisher, m *metrics.Metrics, logger *slog.Logger) *EventRecorder {
	return &EventRecorder{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		timeout:   5 * time.Second,
	}
}

func (r *EventRecorder) Record(ctx context.Context, event domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.repo.Append(ctx, &event); err != nil {
		r.metrics.EventRecordFailed()
		r.logger.Error("failed to record event",
			"event_type", event.Type,
			"instance_id", event.InstanceID,
			"error", err,
		)
		return
	}

	if r.publisher != nil {
		if err := r.publisher.PublishEvent(ctx, &event); err != nil {
			r.logger.Warn("failed to publish event", "event_id", event.ID, "error", err)
		}
	}
}

func (r *EventRecorder) List(ctx context.Context, filter domain.EventFilter) (*domain.EventPage, error) {
	return r.repo.List(ctx, filter)
}
