package messaging

import (
	"context"
	"sync"
	"time"

	"mailflow/pkg/logger"
)

type SendResult struct {
	Ack Ack
	Err error
}

type ProducerOption func(*producerOptions)

type producerOptions struct {
	sendTimeout time.Duration
}

// WithSendTimeout bounds each write, including the wait for the broker ack.
// Zero leaves the caller's context as the only limit.
func WithSendTimeout(d time.Duration) ProducerOption {
	return func(o *producerOptions) {
		if d > 0 {
			o.sendTimeout = d
		}
	}
}

// Producer publishes keyed values of one (K, V) pair. It owns its writer and
// is safe for concurrent use.
type Producer[K, V any] struct {
	writer Writer
	keys   Encoder[K]
	values Encoder[V]
	log    *logger.Logger
	opts   producerOptions

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	once     sync.Once
	closeErr error
}

func NewProducer[K, V any](writer Writer, keys Encoder[K], values Encoder[V], log *logger.Logger, opts ...ProducerOption) *Producer[K, V] {
	if log == nil {
		log = logger.NewNop()
	}
	p := &Producer[K, V]{
		writer: writer,
		keys:   keys,
		values: values,
		log:    log,
	}
	for _, opt := range opts {
		opt(&p.opts)
	}
	return p
}

// Send encodes and writes one record and waits for the broker ack.
func (p *Producer[K, V]) Send(ctx context.Context, topic string, key K, value V) (Ack, error) {
	if !p.acquire() {
		return Ack{}, &PublishError{Topic: topic, Err: ErrProducerClosed}
	}
	defer p.inflight.Done()
	return p.send(ctx, topic, key, value, nil)
}

// SendWithHeaders is Send with transport headers attached.
func (p *Producer[K, V]) SendWithHeaders(ctx context.Context, topic string, key K, value V, headers map[string]string) (Ack, error) {
	if !p.acquire() {
		return Ack{}, &PublishError{Topic: topic, Err: ErrProducerClosed}
	}
	defer p.inflight.Done()
	return p.send(ctx, topic, key, value, headers)
}

// SendAsync starts a send and returns a channel that receives exactly one
// result. Close waits for sends started this way.
func (p *Producer[K, V]) SendAsync(ctx context.Context, topic string, key K, value V) <-chan SendResult {
	result := make(chan SendResult, 1)
	if !p.acquire() {
		result <- SendResult{Err: &PublishError{Topic: topic, Err: ErrProducerClosed}}
		close(result)
		return result
	}

	go func() {
		defer p.inflight.Done()
		defer close(result)
		ack, err := p.send(ctx, topic, key, value, nil)
		result <- SendResult{Ack: ack, Err: err}
	}()
	return result
}

func (p *Producer[K, V]) send(ctx context.Context, topic string, key K, value V, headers map[string]string) (Ack, error) {
	keyBytes, err := p.keys.Encode(key)
	if err != nil {
		return Ack{}, &PublishError{Topic: topic, Err: err}
	}
	valueBytes, err := p.values.Encode(value)
	if err != nil {
		return Ack{}, &PublishError{Topic: topic, Err: err}
	}

	if p.opts.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.sendTimeout)
		defer cancel()
	}

	ack, err := p.writer.Write(ctx, Message{
		Topic:   topic,
		Key:     keyBytes,
		Value:   valueBytes,
		Headers: headers,
	})
	if err != nil {
		p.log.Error("[PRODUCER] Failed to publish to %s: %v", topic, err)
		return Ack{}, &PublishError{Topic: topic, Err: err}
	}
	return ack, nil
}

func (p *Producer[K, V]) acquire() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.inflight.Add(1)
	return true
}

// Close rejects new sends, waits for in-flight ones, then releases the writer.
// Calling it more than once returns the first result.
func (p *Producer[K, V]) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.inflight.Wait()
		p.closeErr = p.writer.Close()
		p.log.Info("[PRODUCER] Closed")
	})
	return p.closeErr
}
