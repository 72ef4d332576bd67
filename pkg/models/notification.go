package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "SENT"
	DeliveryFailed  DeliveryStatus = "FAILED"
	DeliveryDropped DeliveryStatus = "DROPPED"
)

// Notification is one delivery attempt outcome written by the messages
// service. RefID points at the broker record (topic/partition/offset).
type Notification struct {
	ID        string         `gorm:"type:uuid;primary_key" json:"id"`
	Type      string         `gorm:"type:varchar(16);not null;index" json:"type"`
	SubType   string         `gorm:"type:varchar(32);not null" json:"sub_type"`
	Recipient string         `gorm:"not null;index" json:"recipient"`
	Subject   string         `json:"subject"`
	Body      string         `gorm:"type:text" json:"-"`
	RefID     string         `gorm:"type:varchar(255)" json:"ref_id"`
	Status    DeliveryStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Error     string         `gorm:"type:text" json:"error,omitempty"`
	Attempts  int            `gorm:"default:1" json:"attempts"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Notification) TableName() string {
	return "notifications"
}

func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return nil
}
