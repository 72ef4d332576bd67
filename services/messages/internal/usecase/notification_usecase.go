package usecase

import (
	"context"

	"mailflow/services/messages/internal/entity"
	"mailflow/services/messages/internal/repo/persistent"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type NotificationUseCase interface {
	ListDeliveries(ctx context.Context, filter entity.DeliveryFilter) ([]*entity.Delivery, int64, error)
}

type notificationUseCase struct {
	repo persistent.DeliveryRepository
}

func NewNotificationUseCase(repo persistent.DeliveryRepository) NotificationUseCase {
	return &notificationUseCase{repo: repo}
}

func (uc *notificationUseCase) ListDeliveries(ctx context.Context, filter entity.DeliveryFilter) ([]*entity.Delivery, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return uc.repo.List(ctx, filter)
}
