package persistent

import (
	"context"
	"strings"

	"mailflow/pkg/models"
	"mailflow/services/messages/internal/entity"

	"gorm.io/gorm"
)

type DeliveryRepository interface {
	Create(ctx context.Context, delivery *entity.Delivery) error
	// List returns one page, newest first, and the total matching count.
	List(ctx context.Context, filter entity.DeliveryFilter) ([]*entity.Delivery, int64, error)
}

type deliveryRepository struct {
	db *gorm.DB
}

func NewDeliveryRepository(db *gorm.DB) DeliveryRepository {
	return &deliveryRepository{db: db}
}

func (r *deliveryRepository) Create(ctx context.Context, delivery *entity.Delivery) error {
	m := ToDeliveryModel(delivery)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return err
	}
	*delivery = *ToDeliveryEntity(m)
	return nil
}

func (r *deliveryRepository) List(ctx context.Context, filter entity.DeliveryFilter) ([]*entity.Delivery, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Notification{})
	if filter.Recipient != "" {
		query = query.Where("LOWER(recipient) = ?", strings.ToLower(filter.Recipient))
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.Notification
	if err := query.Order("created_at DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	deliveries := make([]*entity.Delivery, len(rows))
	for i := range rows {
		deliveries[i] = ToDeliveryEntity(&rows[i])
	}
	return deliveries, total, nil
}
