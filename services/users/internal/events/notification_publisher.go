package events

import (
	"context"
	"fmt"

	"mailflow/pkg/logger"
	"mailflow/pkg/messaging"
	"mailflow/pkg/notification"
)

// MessageSender is the subset of *messaging.Producer used here.
type MessageSender interface {
	Send(ctx context.Context, topic string, key string, value notification.Message) (messaging.Ack, error)
}

// NotificationPublisher turns PublishNotificationCommand events into
// messages on the notifications topic.
type NotificationPublisher struct {
	sender MessageSender
	topic  string
	logger *logger.Logger
}

func NewNotificationPublisher(sender MessageSender, topic string, logger *logger.Logger) *NotificationPublisher {
	if topic == "" {
		topic = notification.Topic
	}
	return &NotificationPublisher{sender: sender, topic: topic, logger: logger}
}

// Handle waits for the broker ack so the caller knows the message is durable.
func (p *NotificationPublisher) Handle(ctx context.Context, cmd notification.PublishNotificationCommand) error {
	msg := cmd.ToMessage()
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", messaging.ErrArgument, err)
	}

	ack, err := p.sender.Send(ctx, p.topic, msg.Key(), msg)
	if err != nil {
		return err
	}

	p.logger.Info("[PRODUCER] Published %s (topic=%s partition=%d offset=%d)", msg, ack.Topic, ack.Partition, ack.Offset)
	return nil
}
