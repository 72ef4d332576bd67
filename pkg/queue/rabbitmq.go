// Package queue implements the messaging transport on RabbitMQ. A topic is a
// durable direct exchange, a consumer group is a durable queue bound to it and
// committing a record acks its delivery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"mailflow/pkg/config"
	"mailflow/pkg/logger"
	"mailflow/pkg/messaging"
)

const (
	// HeaderKey carries the record key, which AMQP has no field for.
	HeaderKey = "x-message-key"
	// HeaderPriority is an optional 0-10 priority hint.
	HeaderPriority = "x-priority"

	maxPriority = 10

	// DeadLetterGroup owns the queue bound to the dead-letter exchange.
	DeadLetterGroup = "dlq"
)

var ErrDeliveriesClosed = errors.New("rabbitmq: delivery channel closed")

type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *logger.Logger
}

func URL(cfg *config.Config) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		cfg.RabbitMQUser,
		cfg.RabbitMQPassword,
		cfg.RabbitMQHost,
		cfg.RabbitMQPort,
	)
}

func NewRabbitMQClient(cfg *config.Config, log *logger.Logger) (*Client, error) {
	conn, err := amqp.Dial(URL(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	log.Info("[RABBITMQ] Connected to RabbitMQ at %s:%s", cfg.RabbitMQHost, cfg.RabbitMQPort)

	return &Client{
		conn:    conn,
		channel: channel,
		logger:  log,
	}, nil
}

func QueueName(topic, group string) string {
	return group + "." + topic
}

func (c *Client) declareExchange(topic string) error {
	err := c.channel.ExchangeDeclare(
		topic,    // name
		"direct", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", topic, err)
	}
	return nil
}

// DeclareTopic declares the exchange for topic and the group's priority queue
// bound to it.
func (c *Client) DeclareTopic(topic, group string) error {
	if err := c.declareExchange(topic); err != nil {
		return err
	}

	queue := QueueName(topic, group)
	_, err := c.channel.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-max-priority": maxPriority,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	if err := c.channel.QueueBind(queue, topic, topic, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	return nil
}

// QueueLength inspects the queue on a throwaway channel so a failed passive
// declare cannot close the consuming channel.
func (c *Client) QueueLength(queue string) (int, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, amqp.Table{"x-max-priority": maxPriority})
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Bindings lists the group queues that must exist for each topic. An
// exchange only routes to queues already bound to it, so a queue declared
// after a publish never sees that message.
func Bindings(cfg *config.Config) map[string][]string {
	bindings := map[string][]string{}
	if cfg.NotificationTopic != "" && cfg.ConsumerGroup != "" {
		bindings[cfg.NotificationTopic] = []string{cfg.ConsumerGroup}
	}
	if cfg.DeadLetterTopic != "" {
		bindings[cfg.DeadLetterTopic] = append(bindings[cfg.DeadLetterTopic], DeadLetterGroup)
	}
	return bindings
}

// DeclareBindings provisions every exchange and group queue from Bindings.
func DeclareBindings(cfg *config.Config, log *logger.Logger) error {
	client, err := NewRabbitMQClient(cfg, log)
	if err != nil {
		return err
	}
	defer client.Close()

	for topic, groups := range Bindings(cfg) {
		for _, group := range groups {
			if err := client.DeclareTopic(topic, group); err != nil {
				return err
			}
			log.Info("[RABBITMQ] Declared queue %s", QueueName(topic, group))
		}
	}
	return nil
}

// Writer publishes with publisher confirms; Write returns once the broker
// has confirmed the message. Before the first publish to a topic it declares
// the group queues from Bindings.
type Writer struct {
	client   *Client
	bindings map[string][]string

	mu       sync.Mutex
	declared map[string]bool
	closed   bool
}

func NewWriter(cfg *config.Config, log *logger.Logger) (*Writer, error) {
	client, err := NewRabbitMQClient(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := client.channel.Confirm(false); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	returns := client.channel.NotifyReturn(make(chan amqp.Return, 16))
	go func() {
		for r := range returns {
			log.Error("[RABBITMQ] Message %s returned by exchange=%s: %d %s", r.MessageId, r.Exchange, r.ReplyCode, r.ReplyText)
		}
	}()

	return &Writer{
		client:   client,
		bindings: Bindings(cfg),
		declared: make(map[string]bool),
	}, nil
}

func (w *Writer) declare(topic string) error {
	groups := w.bindings[topic]
	if len(groups) == 0 {
		return w.client.declareExchange(topic)
	}
	for _, group := range groups {
		if err := w.client.DeclareTopic(topic, group); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) Write(ctx context.Context, msg messaging.Message) (messaging.Ack, error) {
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         msg.Value,
		Priority:     priority(msg.Headers),
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    uuid.New().String(),
		Headers:      toTable(msg.Key, msg.Headers),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return messaging.Ack{}, errors.New("rabbitmq: writer closed")
	}
	if !w.declared[msg.Topic] {
		if err := w.declare(msg.Topic); err != nil {
			w.mu.Unlock()
			return messaging.Ack{}, err
		}
		w.declared[msg.Topic] = true
	}
	confirm, err := w.client.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		msg.Topic, // exchange
		msg.Topic, // routing key
		true,      // mandatory
		false,     // immediate
		publishing,
	)
	w.mu.Unlock()
	if err != nil {
		w.client.logger.Error("[RABBITMQ] Failed to publish message to exchange=%s: %v", msg.Topic, err)
		return messaging.Ack{}, fmt.Errorf("failed to publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return messaging.Ack{}, fmt.Errorf("waiting for publisher confirm: %w", err)
	}
	if !acked {
		return messaging.Ack{}, fmt.Errorf("broker nacked message on exchange %s", msg.Topic)
	}

	return messaging.Ack{
		Topic:     msg.Topic,
		Partition: -1,
		Offset:    int64(confirm.DeliveryTag),
		Timestamp: publishing.Timestamp,
	}, nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.client.Close()
}

type ReaderConfig struct {
	Topic   string
	Group   string
	AutoAck bool
}

// Reader consumes one group queue with prefetch 1, so at most one unacked
// delivery is outstanding at a time.
type Reader struct {
	client     *Client
	queue      string
	autoAck    bool
	deliveries <-chan amqp.Delivery
	closeOnce  sync.Once

	fetches  atomic.Int64
	messages atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
	commits  atomic.Int64
}

func Connector(cfg *config.Config, rc ReaderConfig, log *logger.Logger) messaging.Connector {
	return func(ctx context.Context) (messaging.Reader, error) {
		client, err := NewRabbitMQClient(cfg, log)
		if err != nil {
			return nil, err
		}
		if err := client.DeclareTopic(rc.Topic, rc.Group); err != nil {
			client.Close()
			return nil, err
		}
		if err := client.channel.Qos(1, 0, false); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}

		queue := QueueName(rc.Topic, rc.Group)
		deliveries, err := client.channel.ConsumeWithContext(
			ctx,
			queue,      // queue
			"",         // consumer
			rc.AutoAck, // auto-ack
			false,      // exclusive
			false,      // no-local
			false,      // no-wait
			nil,        // args
		)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to register consumer: %w", err)
		}

		log.Info("[RABBITMQ] Started consuming from queue: %s", queue)
		return &Reader{
			client:     client,
			queue:      queue,
			autoAck:    rc.AutoAck,
			deliveries: deliveries,
		}, nil
	}
}

func (r *Reader) Fetch(ctx context.Context) (messaging.Record, error) {
	r.fetches.Add(1)
	select {
	case <-ctx.Done():
		return messaging.Record{}, ctx.Err()
	case d, ok := <-r.deliveries:
		if !ok {
			r.errors.Add(1)
			return messaging.Record{}, ErrDeliveriesClosed
		}
		r.messages.Add(1)
		r.bytes.Add(int64(len(d.Body)))
		key, headers := fromTable(d.Headers)
		return messaging.Record{
			Topic:     d.Exchange,
			Partition: 0,
			Offset:    int64(d.DeliveryTag),
			Key:       key,
			Value:     d.Body,
			Headers:   headers,
			Time:      d.Timestamp,
		}, nil
	}
}

func (r *Reader) Commit(_ context.Context, rec messaging.Record) error {
	if r.autoAck {
		return nil
	}
	if err := r.client.channel.Ack(uint64(rec.Offset), false); err != nil {
		r.errors.Add(1)
		return fmt.Errorf("ack delivery %d: %w", rec.Offset, err)
	}
	r.commits.Add(1)
	return nil
}

func (r *Reader) Stats() messaging.TransportStats {
	stats := messaging.TransportStats{
		Fetches:  r.fetches.Load(),
		Messages: r.messages.Load(),
		Bytes:    r.bytes.Load(),
		Errors:   r.errors.Load(),
		Commits:  r.commits.Load(),
	}
	if n, err := r.client.QueueLength(r.queue); err == nil {
		stats.Lag = int64(n)
	}
	return stats
}

// Close cancels the consumer; unacked deliveries go back to the queue.
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.client.Close()
	})
	return err
}

func priority(headers map[string]string) uint8 {
	p, err := strconv.Atoi(headers[HeaderPriority])
	if err != nil {
		return 1
	}
	// Clamp priority to 0-10 range
	if p < 0 {
		p = 0
	}
	if p > maxPriority {
		p = maxPriority
	}
	return uint8(p)
}

func toTable(key []byte, headers map[string]string) amqp.Table {
	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}
	if len(key) > 0 {
		table[HeaderKey] = string(key)
	}
	return table
}

func fromTable(table amqp.Table) ([]byte, map[string]string) {
	var key []byte
	headers := make(map[string]string, len(table))
	for k, v := range table {
		s := fmt.Sprint(v)
		if k == HeaderKey {
			key = []byte(s)
			continue
		}
		headers[k] = s
	}
	return key, headers
}
