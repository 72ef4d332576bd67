// Package kafka adapts segmentio/kafka-go to the messaging transport interfaces.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"mailflow/pkg/messaging"
)

type Config struct {
	Brokers  []string
	ClientID string

	// Reader settings.
	Group              string
	SessionTimeout     time.Duration
	AutoCommit         bool
	AutoCommitInterval time.Duration
	DialTimeout        time.Duration
}

type Writer struct {
	writer *kafkago.Writer
}

// NewWriter creates a synchronous writer that waits for all in-sync replicas.
// Records with the same key land on the same partition.
func NewWriter(cfg Config) (*Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	return &Writer{
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(cfg.Brokers...),
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           kafkago.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: false,
			Transport: &kafkago.Transport{
				ClientID:    cfg.ClientID,
				DialTimeout: dialTimeout(cfg),
			},
		},
	}, nil
}

func (w *Writer) Write(ctx context.Context, msg messaging.Message) (messaging.Ack, error) {
	km := kafkago.Message{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: toKafkaHeaders(msg.Headers),
	}
	if err := w.writer.WriteMessages(ctx, km); err != nil {
		return messaging.Ack{}, fmt.Errorf("write to kafka: %w", err)
	}
	// kafka-go does not report the assigned offset for synchronous writes.
	return messaging.Ack{Topic: msg.Topic, Partition: -1, Offset: -1, Timestamp: time.Now()}, nil
}

// Close flushes buffered messages and closes connections.
func (w *Writer) Close() error {
	return w.writer.Close()
}

type Reader struct {
	reader *kafkago.Reader
}

// Connector verifies that a broker is reachable and the topic exists before
// creating the group reader, so misconfiguration fails at startup.
func Connector(cfg Config, topic string) messaging.Connector {
	return func(ctx context.Context) (messaging.Reader, error) {
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("at least one Kafka broker address is required")
		}
		if cfg.Group == "" {
			return nil, fmt.Errorf("consumer group is required")
		}
		if err := probe(ctx, cfg, topic); err != nil {
			return nil, err
		}

		commitInterval := time.Duration(0)
		if cfg.AutoCommit {
			commitInterval = cfg.AutoCommitInterval
			if commitInterval <= 0 {
				commitInterval = time.Second
			}
		}

		reader := kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.Group,
			Topic:          topic,
			StartOffset:    kafkago.FirstOffset,
			SessionTimeout: cfg.SessionTimeout,
			CommitInterval: commitInterval,
			MinBytes:       1,
			MaxBytes:       10e6, // 10MB
			MaxWait:        500 * time.Millisecond,
			Dialer: &kafkago.Dialer{
				ClientID: cfg.ClientID,
				Timeout:  dialTimeout(cfg),
			},
		})
		return &Reader{reader: reader}, nil
	}
}

func probe(ctx context.Context, cfg Config, topic string) error {
	dialer := &kafkago.Dialer{ClientID: cfg.ClientID, Timeout: dialTimeout(cfg)}

	var errs []error
	for _, broker := range cfg.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("dial %s: %w", broker, err))
			continue
		}
		partitions, err := conn.ReadPartitions(topic)
		_ = conn.Close()
		if err != nil {
			return fmt.Errorf("read partitions of %q: %w", topic, err)
		}
		if len(partitions) == 0 {
			return fmt.Errorf("topic %q has no partitions", topic)
		}
		return nil
	}
	return errors.Join(errs...)
}

func (r *Reader) Fetch(ctx context.Context) (messaging.Record, error) {
	msg, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return messaging.Record{}, err
	}
	return messaging.Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   fromKafkaHeaders(msg.Headers),
		Time:      msg.Time,
	}, nil
}

// Commit records the offset. With a non-zero CommitInterval kafka-go batches
// commits and flushes them on its own timer.
func (r *Reader) Commit(ctx context.Context, rec messaging.Record) error {
	return r.reader.CommitMessages(ctx, kafkago.Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	})
}

func (r *Reader) Stats() messaging.TransportStats {
	s := r.reader.Stats()
	return messaging.TransportStats{
		Fetches:  s.Fetches,
		Messages: s.Messages,
		Bytes:    s.Bytes,
		Errors:   s.Errors,
		Lag:      s.Lag,
		Commits:  s.Commits,
	}
}

func (r *Reader) Close() error {
	return r.reader.Close()
}

type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// EnsureTopics creates missing topics through the cluster controller.
// Topics that already exist are left alone.
func EnsureTopics(ctx context.Context, cfg Config, specs ...TopicSpec) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker address is required")
	}
	dialer := &kafkago.Dialer{ClientID: cfg.ClientID, Timeout: dialTimeout(cfg)}

	conn, err := dialer.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	controllerConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer controllerConn.Close()

	configs := make([]kafkago.TopicConfig, 0, len(specs))
	for _, spec := range specs {
		partitions, replication := spec.Partitions, spec.ReplicationFactor
		if partitions <= 0 {
			partitions = 1
		}
		if replication <= 0 {
			replication = 1
		}
		configs = append(configs, kafkago.TopicConfig{
			Topic:             spec.Name,
			NumPartitions:     partitions,
			ReplicationFactor: replication,
		})
	}

	if err := controllerConn.CreateTopics(configs...); err != nil && !errors.Is(err, kafkago.TopicAlreadyExists) {
		return fmt.Errorf("create topics: %w", err)
	}
	return nil
}

func dialTimeout(cfg Config) time.Duration {
	if cfg.DialTimeout > 0 {
		return cfg.DialTimeout
	}
	return 10 * time.Second
}

func toKafkaHeaders(h map[string]string) []kafkago.Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]kafkago.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(h []kafkago.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for _, header := range h {
		out[header.Key] = string(header.Value)
	}
	return out
}
