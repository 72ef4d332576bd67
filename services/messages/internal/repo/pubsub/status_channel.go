package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"mailflow/pkg/logger"
	"mailflow/services/messages/internal/entity"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "notifications:status"

// StatusChannel fans delivery status events out over Redis pub/sub so every
// messages instance can serve them to its websocket clients.
type StatusChannel struct {
	client  *redis.Client
	channel string
	logger  *logger.Logger
}

func NewStatusChannel(client *redis.Client, channel string, logger *logger.Logger) *StatusChannel {
	if channel == "" {
		channel = DefaultChannel
	}
	return &StatusChannel{client: client, channel: channel, logger: logger}
}

func (s *StatusChannel) Publish(ctx context.Context, event entity.StatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode status event: %w", err)
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

// Subscribe streams events until ctx is done. The returned channel is closed
// when the subscription ends.
func (s *StatusChannel) Subscribe(ctx context.Context) (<-chan entity.StatusEvent, error) {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	out := make(chan entity.StatusEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event entity.StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					s.logger.Warn("Dropping malformed status event on %s: %v", s.channel, err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
