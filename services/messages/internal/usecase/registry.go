package usecase

import (
	"context"
	"fmt"

	"mailflow/pkg/logger"
	"mailflow/pkg/messaging"
	"mailflow/pkg/notification"
	"mailflow/services/messages/internal/entity"
)

// Content is what a channel handler rendered, kept in the delivery log.
type Content struct {
	Subject string
	Body    string
}

// ChannelHandler delivers one kind of notification. Errors should be
// *messaging.TransientDeliveryError or *messaging.PermanentContentError.
type ChannelHandler interface {
	Deliver(ctx context.Context, msg notification.Message) (Content, error)
}

type route struct {
	messageType notification.MessageType
	subType     notification.SubType
}

// Registry selects the handler for a (messageType, notificationSubType)
// pair and records the outcome. It is the consumer loop's handler for the
// notifications topic. Register everything before the loop starts.
type Registry struct {
	handlers map[route]ChannelHandler
	recorder DeliveryRecorder
	logger   *logger.Logger
}

var _ messaging.Handler[notification.Message] = (*Registry)(nil)

func NewRegistry(recorder DeliveryRecorder, logger *logger.Logger) *Registry {
	return &Registry{
		handlers: make(map[route]ChannelHandler),
		recorder: recorder,
		logger:   logger,
	}
}

func (r *Registry) Register(t notification.MessageType, sub notification.SubType, h ChannelHandler) {
	r.handlers[route{t, sub}] = h
}

func (r *Registry) Lookup(t notification.MessageType, sub notification.SubType) (ChannelHandler, bool) {
	h, ok := r.handlers[route{t, sub}]
	return h, ok
}

func (r *Registry) Len() int {
	return len(r.handlers)
}

func (r *Registry) Handle(ctx context.Context, msg notification.Message) error {
	delivery, fromLoop := messaging.DeliveryFromContext(ctx)
	attempt := delivery.Attempt
	if attempt < 1 {
		attempt = 1
	}
	lastAttempt := !fromLoop || delivery.LastAttempt

	var (
		content Content
		err     error
	)
	if verr := msg.Validate(); verr != nil {
		err = messaging.Permanent("invalid notification", verr)
	} else if h, ok := r.Lookup(msg.MessageType, msg.NotificationSubType); !ok {
		err = messaging.Permanent(fmt.Sprintf("no handler for %s/%s", msg.MessageType, msg.NotificationSubType), messaging.ErrNoHandler)
	} else {
		content, err = h.Deliver(ctx, msg)
	}

	var status entity.DeliveryStatus
	switch messaging.Classify(err) {
	case messaging.OutcomeSuccess:
		status = entity.StatusSent
		r.logger.Info("[NOTIFICATION HANDLER] Delivered %s (attempt %d)", msg, attempt)
	case messaging.OutcomePermanent:
		status = entity.StatusDropped
		r.logger.Error("[NOTIFICATION HANDLER] Dropping %s: %v", msg, err)
	case messaging.OutcomeTransient:
		if !lastAttempt {
			r.logger.Warn("[NOTIFICATION HANDLER] Attempt %d for %s failed: %v", attempt, msg, err)
			return err
		}
		status = entity.StatusFailed
		r.logger.Error("[NOTIFICATION HANDLER] Giving up on %s after %d attempts: %v", msg, attempt, err)
	}

	record := &entity.Delivery{
		Type:      string(msg.MessageType),
		SubType:   string(msg.NotificationSubType),
		Recipient: msg.Recipient,
		Subject:   content.Subject,
		Body:      content.Body,
		Status:    status,
		Attempts:  attempt,
	}
	if fromLoop {
		record.RefID = fmt.Sprintf("%s/%d/%d", delivery.Record.Topic, delivery.Record.Partition, delivery.Record.Offset)
	}
	if err != nil {
		record.Error = err.Error()
	}
	r.recorder.Record(ctx, record)

	return err
}
