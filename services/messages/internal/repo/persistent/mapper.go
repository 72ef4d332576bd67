package persistent

import (
	"mailflow/pkg/models"
	"mailflow/services/messages/internal/entity"
)

func ToDeliveryEntity(m *models.Notification) *entity.Delivery {
	if m == nil {
		return nil
	}

	return &entity.Delivery{
		ID:        m.ID,
		Type:      m.Type,
		SubType:   m.SubType,
		Recipient: m.Recipient,
		Subject:   m.Subject,
		Body:      m.Body,
		RefID:     m.RefID,
		Status:    entity.DeliveryStatus(m.Status),
		Error:     m.Error,
		Attempts:  m.Attempts,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func ToDeliveryModel(e *entity.Delivery) *models.Notification {
	if e == nil {
		return nil
	}

	return &models.Notification{
		ID:        e.ID,
		Type:      e.Type,
		SubType:   e.SubType,
		Recipient: e.Recipient,
		Subject:   e.Subject,
		Body:      e.Body,
		RefID:     e.RefID,
		Status:    models.DeliveryStatus(e.Status),
		Error:     e.Error,
		Attempts:  e.Attempts,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}
