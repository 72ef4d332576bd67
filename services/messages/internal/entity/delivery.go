package entity

import "time"

type DeliveryStatus string

const (
	StatusSent    DeliveryStatus = "SENT"
	StatusFailed  DeliveryStatus = "FAILED"
	StatusDropped DeliveryStatus = "DROPPED"
)

// Delivery is the logged outcome of handling one notification.
type Delivery struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SubType   string         `json:"subType"`
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"-"` // carries action links with tokens
	RefID     string         `json:"refId,omitempty"`
	Status    DeliveryStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// StatusEvent is pushed to live subscribers after a delivery is logged.
type StatusEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SubType   string         `json:"subType"`
	Recipient string         `json:"recipient"`
	Status    DeliveryStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts"`
	At        time.Time      `json:"at"`
}

func (d *Delivery) Event() StatusEvent {
	return StatusEvent{
		ID:        d.ID,
		Type:      d.Type,
		SubType:   d.SubType,
		Recipient: d.Recipient,
		Status:    d.Status,
		Error:     d.Error,
		Attempts:  d.Attempts,
		At:        d.CreatedAt,
	}
}

type DeliveryFilter struct {
	Recipient string
	Status    DeliveryStatus
	Limit     int
	Offset    int
}
