package usecase

import (
	"context"
	"time"

	"mailflow/pkg/logger"
	"mailflow/services/messages/internal/entity"
	"mailflow/services/messages/internal/repo/persistent"
)

type StatusPublisher interface {
	Publish(ctx context.Context, event entity.StatusEvent) error
}

// DeliveryRecorder logs delivery outcomes. Recording is best effort: a
// notification that was sent must not be sent again because logging failed.
type DeliveryRecorder interface {
	Record(ctx context.Context, delivery *entity.Delivery)
}

type deliveryRecorder struct {
	repo      persistent.DeliveryRepository
	publisher StatusPublisher
	logger    *logger.Logger
}

// NewDeliveryRecorder accepts a nil publisher when live status updates are disabled.
func NewDeliveryRecorder(repo persistent.DeliveryRepository, publisher StatusPublisher, logger *logger.Logger) DeliveryRecorder {
	return &deliveryRecorder{repo: repo, publisher: publisher, logger: logger}
}

func (r *deliveryRecorder) Record(ctx context.Context, delivery *entity.Delivery) {
	if err := r.repo.Create(ctx, delivery); err != nil {
		r.logger.Error("Failed to log %s delivery to %s: %v", delivery.Status, delivery.Recipient, err)
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now()
	}

	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, delivery.Event()); err != nil {
		r.logger.Warn("Failed to publish delivery status for %s: %v", delivery.Recipient, err)
	}
}
