package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mailflow/pkg/logger"
)

type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDecoding
	StateDispatching
	StateCommitDecision
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDecoding:
		return "decoding"
	case StateDispatching:
		return "dispatching"
	case StateCommitDecision:
		return "commit_decision"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type CommitPolicy string

const (
	// CommitManual commits after success, permanent failure or dead-lettering.
	// Transient failures are retried in place, so delivery is at-least-once.
	CommitManual CommitPolicy = "manual"
	// CommitAuto advances offsets regardless of handler outcome. A transient
	// failure is not redelivered and is counted as lost.
	CommitAuto CommitPolicy = "auto"
)

const (
	headerError         = "x-error"
	headerAttempts      = "x-attempts"
	headerSourceTopic   = "x-source-topic"
	headerSourceOffset  = "x-source-offset"
	headerSourcePart    = "x-source-partition"
	sideEffectTimeout   = 5 * time.Second
	defaultPollTimeout  = time.Second
	defaultRetryBackoff = 500 * time.Millisecond
)

type LoopConfig struct {
	Topic              string
	Group              string
	PollTimeout        time.Duration
	Policy             CommitPolicy
	MaxRedeliveries    int
	RetryBackoff       time.Duration
	MaxRetryBackoff    time.Duration
	StatisticsInterval time.Duration
}

type LoopStats struct {
	Topic           string         `json:"topic"`
	Group           string         `json:"group"`
	Policy          CommitPolicy   `json:"policy"`
	State           string         `json:"state"`
	Processed       int64          `json:"processed"`
	Skipped         int64          `json:"skipped"`
	Failed          int64          `json:"failed"`
	Redelivered     int64          `json:"redelivered"`
	DeadLettered    int64          `json:"dead_lettered"`
	Lost            int64          `json:"lost"`
	TransportErrors int64          `json:"transport_errors"`
	Transport       TransportStats `json:"transport"`
	SampledAt       time.Time      `json:"sampled_at"`
}

type LoopOption[K, V any] func(*ConsumerLoop[K, V])

// WithDeadLetter routes exhausted and undecodable records to topic via w.
// The loop does not close w.
func WithDeadLetter[K, V any](w Writer, topic string) LoopOption[K, V] {
	return func(l *ConsumerLoop[K, V]) {
		l.dlq = w
		l.dlqTopic = topic
	}
}

// WithStatsHook is called from the sampler goroutine every StatisticsInterval.
func WithStatsHook[K, V any](fn func(LoopStats)) LoopOption[K, V] {
	return func(l *ConsumerLoop[K, V]) {
		l.onStats = fn
	}
}

// ConsumerLoop reads one (topic, group) and hands each decoded value to the
// routed handler, one record at a time.
type ConsumerLoop[K, V any] struct {
	cfg     LoopConfig
	connect Connector
	keys    Decoder[K]
	values  Decoder[V]
	routes  Routes[V]
	log     *logger.Logger

	dlq      Writer
	dlqTopic string
	onStats  func(LoopStats)

	started atomic.Bool
	state   atomic.Int32

	processed       atomic.Int64
	skipped         atomic.Int64
	failed          atomic.Int64
	redelivered     atomic.Int64
	deadLettered    atomic.Int64
	lost            atomic.Int64
	transportErrors atomic.Int64

	mu        sync.RWMutex
	transport TransportStats
	sampledAt time.Time
}

func NewConsumerLoop[K, V any](
	cfg LoopConfig,
	connect Connector,
	keys Decoder[K],
	values Decoder[V],
	routes Routes[V],
	log *logger.Logger,
	opts ...LoopOption[K, V],
) *ConsumerLoop[K, V] {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Policy == "" {
		cfg.Policy = CommitManual
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}
	if log == nil {
		log = logger.NewNop()
	}

	l := &ConsumerLoop[K, V]{
		cfg:     cfg,
		connect: connect,
		keys:    keys,
		values:  values,
		routes:  routes,
		log:     log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *ConsumerLoop[K, V]) State() State {
	return State(l.state.Load())
}

func (l *ConsumerLoop[K, V]) setState(s State) {
	l.state.Store(int32(s))
}

// Run connects and processes records until ctx is cancelled. It returns a
// *ConnectionFatalError if the loop cannot start and nil after a clean close.
// The record being handled when ctx is cancelled is finished first.
func (l *ConsumerLoop[K, V]) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrLoopStarted
	}

	if _, ok := l.routes.Lookup(l.cfg.Topic); !ok {
		l.setState(StateClosed)
		return &ConnectionFatalError{Err: fmt.Errorf("%w %q", ErrNoHandler, l.cfg.Topic)}
	}

	reader, err := l.connect(ctx)
	if err != nil {
		l.setState(StateClosed)
		l.log.Error("[CONSUMER] Failed to connect to %s (group %s): %v", l.cfg.Topic, l.cfg.Group, err)
		return &ConnectionFatalError{Err: err}
	}

	var closeOnce sync.Once
	release := func() {
		closeOnce.Do(func() {
			if err := reader.Close(); err != nil {
				l.log.Warn("[CONSUMER] Error closing reader for %s: %v", l.cfg.Topic, err)
			}
		})
	}
	defer release()

	samplerCtx, stopSampler := context.WithCancel(context.Background())
	var sampler sync.WaitGroup
	if l.cfg.StatisticsInterval > 0 {
		sampler.Add(1)
		go func() {
			defer sampler.Done()
			l.sample(samplerCtx, reader)
		}()
	}

	l.log.Info("[CONSUMER] Consuming %s as group %s (commit policy %s)", l.cfg.Topic, l.cfg.Group, l.cfg.Policy)

	for ctx.Err() == nil {
		l.setState(StatePolling)
		rec, err := l.poll(ctx, reader)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			l.transportErrors.Add(1)
			l.log.Warn("[CONSUMER] Fetch from %s failed: %v", l.cfg.Topic, err)
			if !sleep(ctx, l.cfg.RetryBackoff) {
				break
			}
			continue
		}
		l.process(ctx, reader, rec)
	}

	l.setState(StateClosing)
	stopSampler()
	sampler.Wait()
	l.sampleOnce(reader)
	release()
	l.setState(StateClosed)
	l.log.Info("[CONSUMER] Stopped consuming %s", l.cfg.Topic)
	return nil
}

func (l *ConsumerLoop[K, V]) poll(ctx context.Context, reader Reader) (Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, l.cfg.PollTimeout)
	defer cancel()
	return reader.Fetch(pollCtx)
}

func (l *ConsumerLoop[K, V]) process(ctx context.Context, reader Reader, rec Record) {
	if rec.Topic == "" {
		rec.Topic = l.cfg.Topic
	}

	l.setState(StateDecoding)
	if _, err := l.keys.Decode(rec.Key); err != nil {
		l.poison(ctx, reader, rec, err)
		return
	}
	decoded, err := l.values.Decode(rec.Value)
	if err != nil {
		l.poison(ctx, reader, rec, err)
		return
	}
	if !decoded.IsValue() {
		l.skipped.Add(1)
		l.log.Debug("[CONSUMER] Skipping %s record at offset %d (%s value)", rec.Topic, rec.Offset, decoded.Kind)
		l.setState(StateCommitDecision)
		l.commit(ctx, reader, rec)
		return
	}

	handler, ok := l.routes.Lookup(rec.Topic)
	if !ok {
		l.failed.Add(1)
		l.log.Error("[CONSUMER] No handler for topic %s, dropping offset %d", rec.Topic, rec.Offset)
		l.setState(StateCommitDecision)
		l.commit(ctx, reader, rec)
		return
	}

	if l.cfg.Policy == CommitAuto {
		l.processAuto(ctx, reader, rec, handler, decoded.Value)
		return
	}
	l.processManual(ctx, reader, rec, handler, decoded.Value)
}

func (l *ConsumerLoop[K, V]) processAuto(ctx context.Context, reader Reader, rec Record, handler Handler[V], value V) {
	err := l.dispatch(ctx, handler, Delivery{Record: rec, Attempt: 1, LastAttempt: true}, value)

	l.setState(StateCommitDecision)
	switch Classify(err) {
	case OutcomeSuccess:
		l.processed.Add(1)
	case OutcomePermanent:
		l.failed.Add(1)
		l.log.Error("[CONSUMER] Dropping %s offset %d: %v", rec.Topic, rec.Offset, err)
	case OutcomeTransient:
		l.lost.Add(1)
		l.log.Error("[CONSUMER] LOST %s offset %d under auto commit: %v", rec.Topic, rec.Offset, err)
	}
	l.commit(ctx, reader, rec)
}

func (l *ConsumerLoop[K, V]) processManual(ctx context.Context, reader Reader, rec Record, handler Handler[V], value V) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.cfg.RetryBackoff
	policy.MaxInterval = l.cfg.MaxRetryBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempts := 1
	err := l.dispatch(ctx, handler, l.delivery(rec, attempts), value)
	for Classify(err) == OutcomeTransient && attempts <= l.cfg.MaxRedeliveries {
		l.log.Warn("[CONSUMER] Attempt %d for %s offset %d failed: %v", attempts, rec.Topic, rec.Offset, err)
		if !sleep(ctx, policy.NextBackOff()) {
			// Offset withheld; the record is delivered again after restart.
			l.log.Info("[CONSUMER] Shutdown during retry of %s offset %d, leaving it uncommitted", rec.Topic, rec.Offset)
			return
		}
		attempts++
		l.redelivered.Add(1)
		err = l.dispatch(ctx, handler, l.delivery(rec, attempts), value)
	}

	l.setState(StateCommitDecision)
	switch Classify(err) {
	case OutcomeSuccess:
		l.processed.Add(1)
	case OutcomePermanent:
		l.failed.Add(1)
		l.log.Error("[CONSUMER] Dropping %s offset %d: %v", rec.Topic, rec.Offset, err)
	case OutcomeTransient:
		l.failed.Add(1)
		l.log.Error("[CONSUMER] Giving up on %s offset %d after %d attempts: %v", rec.Topic, rec.Offset, attempts, err)
		if !l.deadLetter(ctx, rec, err, attempts) {
			l.lost.Add(1)
		}
	}
	l.commit(ctx, reader, rec)
}

// dispatch runs the handler with a context that survives loop cancellation so
// in-flight deliveries are not aborted. Panics become permanent failures.
func (l *ConsumerLoop[K, V]) dispatch(ctx context.Context, handler Handler[V], d Delivery, value V) (err error) {
	l.setState(StateDispatching)
	defer func() {
		if r := recover(); r != nil {
			err = &PermanentContentError{Reason: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return handler.Handle(withDelivery(context.WithoutCancel(ctx), d), value)
}

func (l *ConsumerLoop[K, V]) delivery(rec Record, attempt int) Delivery {
	return Delivery{Record: rec, Attempt: attempt, LastAttempt: attempt > l.cfg.MaxRedeliveries}
}

func (l *ConsumerLoop[K, V]) poison(ctx context.Context, reader Reader, rec Record, err error) {
	l.skipped.Add(1)
	var decodeErr *DeserializationError
	if errors.As(err, &decodeErr) {
		l.log.Error("[CONSUMER] Skipping undecodable %s offset %d: %v (raw=%q)", rec.Topic, rec.Offset, decodeErr.Err, decodeErr.Raw)
	} else {
		l.log.Error("[CONSUMER] Skipping undecodable %s offset %d: %v", rec.Topic, rec.Offset, err)
	}
	l.deadLetter(ctx, rec, err, 0)
	l.setState(StateCommitDecision)
	l.commit(ctx, reader, rec)
}

func (l *ConsumerLoop[K, V]) deadLetter(ctx context.Context, rec Record, cause error, attempts int) bool {
	if l.dlq == nil || l.dlqTopic == "" {
		return false
	}

	headers := make(map[string]string, len(rec.Headers)+5)
	for k, v := range rec.Headers {
		headers[k] = v
	}
	headers[headerError] = cause.Error()
	headers[headerAttempts] = strconv.Itoa(attempts)
	headers[headerSourceTopic] = rec.Topic
	headers[headerSourcePart] = strconv.Itoa(rec.Partition)
	headers[headerSourceOffset] = strconv.FormatInt(rec.Offset, 10)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if _, err := l.dlq.Write(wctx, Message{Topic: l.dlqTopic, Key: rec.Key, Value: rec.Value, Headers: headers}); err != nil {
		l.log.Error("[CONSUMER] Failed to dead-letter %s offset %d: %v", rec.Topic, rec.Offset, err)
		return false
	}
	l.deadLettered.Add(1)
	l.log.Warn("[CONSUMER] Dead-lettered %s offset %d to %s", rec.Topic, rec.Offset, l.dlqTopic)
	return true
}

func (l *ConsumerLoop[K, V]) commit(ctx context.Context, reader Reader, rec Record) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := reader.Commit(cctx, rec); err != nil {
		l.transportErrors.Add(1)
		l.log.Error("[CONSUMER] Commit of %s offset %d failed: %v", rec.Topic, rec.Offset, err)
	}
}

func (l *ConsumerLoop[K, V]) sample(ctx context.Context, reader Reader) {
	ticker := time.NewTicker(l.cfg.StatisticsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := l.sampleOnce(reader)
			l.log.Debug("[CONSUMER] %s stats: processed=%d skipped=%d failed=%d lost=%d lag=%d",
				stats.Topic, stats.Processed, stats.Skipped, stats.Failed, stats.Lost, stats.Transport.Lag)
			if l.onStats != nil {
				l.onStats(stats)
			}
		}
	}
}

func (l *ConsumerLoop[K, V]) sampleOnce(reader Reader) LoopStats {
	ts := reader.Stats()
	l.mu.Lock()
	l.transport = ts
	l.sampledAt = time.Now()
	l.mu.Unlock()
	return l.Stats()
}

// Stats returns the counters and the most recent transport sample.
func (l *ConsumerLoop[K, V]) Stats() LoopStats {
	l.mu.RLock()
	transport, sampledAt := l.transport, l.sampledAt
	l.mu.RUnlock()

	return LoopStats{
		Topic:           l.cfg.Topic,
		Group:           l.cfg.Group,
		Policy:          l.cfg.Policy,
		State:           l.State().String(),
		Processed:       l.processed.Load(),
		Skipped:         l.skipped.Load(),
		Failed:          l.failed.Load(),
		Redelivered:     l.redelivered.Load(),
		DeadLettered:    l.deadLettered.Load(),
		Lost:            l.lost.Load(),
		TransportErrors: l.transportErrors.Load(),
		Transport:       transport,
		SampledAt:       sampledAt,
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
