package main

import (
	"context"
	"flag"
	"time"

	"mailflow/pkg/config"
	"mailflow/pkg/logger"
	"mailflow/pkg/messaging/kafka"
	"mailflow/pkg/queue"
)

func main() {
	var (
		partitions  = flag.Int("partitions", 3, "partitions per topic")
		replication = flag.Int("replication", 1, "replication factor")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.NewWithLevel(cfg.LogLevel, cfg.AppEnv == "development")
	defer func() { _ = log.Sync() }()

	switch cfg.MessagingDriver {
	case config.DriverKafka:
	case config.DriverRabbitMQ:
		if err := queue.DeclareBindings(cfg, log); err != nil {
			log.Error("Failed to declare RabbitMQ queues: %v", err)
			panic(err)
		}
		return
	default:
		log.Info("MESSAGING_DRIVER is %s, nothing to provision", cfg.MessagingDriver)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	kcfg := kafka.Config{
		Brokers:     cfg.MessagingBrokers,
		ClientID:    cfg.MessagingClientID,
		DialTimeout: 10 * time.Second,
	}
	specs := []kafka.TopicSpec{
		{Name: cfg.NotificationTopic, Partitions: *partitions, ReplicationFactor: *replication},
		{Name: cfg.DeadLetterTopic, Partitions: 1, ReplicationFactor: *replication},
	}

	if err := kafka.EnsureTopics(ctx, kcfg, specs...); err != nil {
		log.Error("Failed to create topics: %v", err)
		panic(err)
	}
	log.Info("Topics ready: %s, %s", cfg.NotificationTopic, cfg.DeadLetterTopic)
}
