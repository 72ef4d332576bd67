// Package broker builds messaging transports for the configured driver.
package broker

import (
	"fmt"
	"sync"

	"mailflow/pkg/config"
	"mailflow/pkg/logger"
	"mailflow/pkg/messaging"
	"mailflow/pkg/messaging/kafka"
	"mailflow/pkg/messaging/memory"
	"mailflow/pkg/queue"
)

var (
	sharedOnce   sync.Once
	sharedMemory *memory.Broker
)

// Memory returns the process-wide in-memory broker used by the memory driver.
func Memory() *memory.Broker {
	sharedOnce.Do(func() {
		sharedMemory = memory.NewBroker(3)
	})
	return sharedMemory
}

func kafkaConfig(cfg *config.Config, group string) kafka.Config {
	return kafka.Config{
		Brokers:            cfg.MessagingBrokers,
		ClientID:           cfg.MessagingClientID,
		Group:              group,
		SessionTimeout:     cfg.SessionTimeout,
		AutoCommit:         cfg.AutoCommit(),
		AutoCommitInterval: cfg.AutoCommitInterval,
	}
}

// NewWriter opens a writer owned by the caller.
func NewWriter(cfg *config.Config, log *logger.Logger) (messaging.Writer, error) {
	switch cfg.MessagingDriver {
	case config.DriverKafka:
		w, err := kafka.NewWriter(kafkaConfig(cfg, ""))
		if err != nil {
			return nil, err
		}
		return w, nil
	case config.DriverRabbitMQ:
		w, err := queue.NewWriter(cfg, log)
		if err != nil {
			return nil, err
		}
		return w, nil
	case config.DriverMemory:
		return Memory().NewWriter(), nil
	default:
		return nil, fmt.Errorf("unknown messaging driver %q", cfg.MessagingDriver)
	}
}

// NewConnector returns a reader factory for one (topic, group).
func NewConnector(cfg *config.Config, topic, group string, log *logger.Logger) (messaging.Connector, error) {
	switch cfg.MessagingDriver {
	case config.DriverKafka:
		return kafka.Connector(kafkaConfig(cfg, group), topic), nil
	case config.DriverRabbitMQ:
		return queue.Connector(cfg, queue.ReaderConfig{
			Topic:   topic,
			Group:   group,
			AutoAck: cfg.AutoCommit(),
		}, log), nil
	case config.DriverMemory:
		return Memory().Connector(topic, group), nil
	default:
		return nil, fmt.Errorf("unknown messaging driver %q", cfg.MessagingDriver)
	}
}

// LoopConfig maps the resolved configuration onto a consumer loop.
func LoopConfig(cfg *config.Config, topic, group string) messaging.LoopConfig {
	policy := messaging.CommitManual
	if cfg.AutoCommit() {
		policy = messaging.CommitAuto
	}
	return messaging.LoopConfig{
		Topic:              topic,
		Group:              group,
		PollTimeout:        cfg.PollTimeout,
		Policy:             policy,
		MaxRedeliveries:    cfg.MaxRedeliveries,
		RetryBackoff:       cfg.RetryBackoff,
		MaxRetryBackoff:    cfg.MaxRetryBackoff,
		StatisticsInterval: cfg.StatisticsInterval,
	}
}
