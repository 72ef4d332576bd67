package messaging_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/pkg/messaging"
	"mailflow/pkg/messaging/memory"
)

const (
	testTopic = "notifications"
	testGroup = "MessagesApp"
	dlqTopic  = "notifications.dlq"
)

type recorder struct {
	mu    sync.Mutex
	seen  []payload
	calls atomic.Int32
	fn    func(call int32, v payload) error
}

func (r *recorder) Handle(ctx context.Context, v payload) error {
	call := r.calls.Add(1)
	var err error
	if r.fn != nil {
		err = r.fn(call, v)
	}
	if err == nil {
		r.mu.Lock()
		r.seen = append(r.seen, v)
		r.mu.Unlock()
	}
	return err
}

func (r *recorder) values() []payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]payload(nil), r.seen...)
}

func loopConfig() messaging.LoopConfig {
	return messaging.LoopConfig{
		Topic:           testTopic,
		Group:           testGroup,
		PollTimeout:     100 * time.Millisecond,
		Policy:          messaging.CommitManual,
		MaxRedeliveries: 3,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 5 * time.Millisecond,
	}
}

func newLoop(b *memory.Broker, cfg messaging.LoopConfig, h messaging.Handler[payload], opts ...messaging.LoopOption[string, payload]) *messaging.ConsumerLoop[string, payload] {
	return messaging.NewConsumerLoop[string, payload](
		cfg,
		b.Connector(cfg.Topic, cfg.Group),
		messaging.StringCodec{},
		messaging.JSONCodec[payload]{},
		messaging.Routes[payload]{cfg.Topic: h},
		nil,
		opts...,
	)
}

func start(t *testing.T, loop interface{ Run(context.Context) error }) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	return cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer loop did not stop")
	}
}

func publish(t *testing.T, b *memory.Broker, key string, value []byte) {
	t.Helper()
	_, err := b.NewWriter().Write(context.Background(), messaging.Message{Topic: testTopic, Key: []byte(key), Value: value})
	require.NoError(t, err)
}

func publishPayload(t *testing.T, b *memory.Broker, key string, v payload) {
	t.Helper()
	data, err := messaging.JSONCodec[payload]{}.Encode(v)
	require.NoError(t, err)
	publish(t, b, key, data)
}

func committedTotal(b *memory.Broker, topic, group string) int64 {
	var total int64
	for _, off := range b.Committed(topic, group) {
		total += off
	}
	return total
}

func TestConsumerLoop_PreservesOrderPerKey(t *testing.T) {
	b := memory.NewBroker(4)
	for i := 1; i <= 3; i++ {
		publishPayload(t, b, "a@x.com", payload{ID: i})
	}

	h := &recorder{}
	loop := newLoop(b, loopConfig(), h)
	cancel, done := start(t, loop)

	require.Eventually(t, func() bool { return len(h.values()) == 3 }, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, []payload{{ID: 1}, {ID: 2}, {ID: 3}}, h.values())
	assert.Equal(t, int64(3), committedTotal(b, testTopic, testGroup))
	assert.Equal(t, int64(3), loop.Stats().Processed)
	assert.Equal(t, messaging.StateClosed, loop.State())
}

func TestConsumerLoop_SkipsPoisonMessage(t *testing.T) {
	b := memory.NewBroker(1)
	publishPayload(t, b, "k", payload{ID: 1})
	publish(t, b, "k", []byte(`{"id": not-json`))
	publishPayload(t, b, "k", payload{ID: 2})

	h := &recorder{}
	loop := newLoop(b, loopConfig(), h, messaging.WithDeadLetter[string, payload](b.NewWriter(), dlqTopic))
	cancel, done := start(t, loop)

	require.Eventually(t, func() bool { return len(h.values()) == 2 }, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, []payload{{ID: 1}, {ID: 2}}, h.values())
	stats := loop.Stats()
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(3), committedTotal(b, testTopic, testGroup))

	dead := b.Records(dlqTopic)
	require.Len(t, dead, 1)
	assert.Equal(t, []byte(`{"id": not-json`), dead[0].Value)
	assert.Equal(t, "0", dead[0].Headers["x-attempts"])
}

func TestConsumerLoop_SkipsNullValue(t *testing.T) {
	b := memory.NewBroker(1)
	publish(t, b, "k", []byte("null"))
	publishPayload(t, b, "k", payload{ID: 9})

	h := &recorder{}
	loop := newLoop(b, loopConfig(), h)
	cancel, done := start(t, loop)

	require.Eventually(t, func() bool { return len(h.values()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, int64(1), loop.Stats().Skipped)
}

type blockingReader struct {
	fetches atomic.Int32
	closes  atomic.Int32
}

func (r *blockingReader) Fetch(ctx context.Context) (messaging.Record, error) {
	r.fetches.Add(1)
	<-ctx.Done()
	return messaging.Record{}, ctx.Err()
}

func (r *blockingReader) Commit(context.Context, messaging.Record) error { return nil }
func (r *blockingReader) Stats() messaging.TransportStats            { return messaging.TransportStats{} }
func (r *blockingReader) Close() error {
	r.closes.Add(1)
	return nil
}

func TestConsumerLoop_ShutdownWithinPollTimeout(t *testing.T) {
	reader := &blockingReader{}
	cfg := loopConfig()
	cfg.PollTimeout = 500 * time.Millisecond
	cfg.StatisticsInterval = 10 * time.Millisecond

	loop := messaging.NewConsumerLoop[string, payload](
		cfg,
		func(context.Context) (messaging.Reader, error) { return reader, nil },
		messaging.StringCodec{},
		messaging.JSONCodec[payload]{},
		messaging.Routes[payload]{testTopic: &recorder{}},
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return reader.fetches.Load() > 0 }, time.Second, time.Millisecond)

	began := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(cfg.PollTimeout):
		t.Fatal("loop did not exit within the poll timeout")
	}
	assert.Less(t, time.Since(began), cfg.PollTimeout)
	assert.Equal(t, int32(1), reader.closes.Load())
	assert.Equal(t, messaging.StateClosed, loop.State())
}

func TestConsumerLoop_PollTimeoutKeepsPolling(t *testing.T) {
	b := memory.NewBroker(1)
	cfg := loopConfig()
	cfg.PollTimeout = 20 * time.Millisecond

	h := &recorder{}
	loop := newLoop(b, cfg, h)
	cancel, done := start(t, loop)

	// Several empty polls elapse before anything is published.
	time.Sleep(100 * time.Millisecond)
	publishPayload(t, b, "k", payload{ID: 1})

	require.Eventually(t, func() bool { return len(h.values()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)
}

func TestConsumerLoop_RetriesTransientInPlace(t *testing.T) {
	b := memory.NewBroker(1)
	publishPayload(t, b, "k", payload{ID: 1})
	publishPayload(t, b, "k", payload{ID: 2})

	h := &recorder{fn: func(call int32, v payload) error {
		if v.ID == 1 && call <= 2 {
			return messaging.Transient("smtp", errors.New("timeout"))
		}
		return nil
	}}
	loop := newLoop(b, loopConfig(), h)
	cancel, done := start(t, loop)

	require.Eventually(t, func() bool { return len(h.values()) == 2 }, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, []payload{{ID: 1}, {ID: 2}}, h.values())
	stats := loop.Stats()
	assert.Equal(t, int64(2), stats.Redelivered)
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(0), stats.Lost)
}

func TestConsumerLoop_DeadLettersAfterMaxRedeliveries(t *testing.T) {
	b := memory.NewBroker(1)
	publishPayload(t, b, "k", payload{ID: 1})

	h := &recorder{fn: func(int32, payload) error {
		return messaging.Transient("smtp", errors.New("connection refused"))
	}}
	cfg := loopConfig()
	cfg.MaxRedeliveries = 2
	loop := newLoop(b, cfg, h, messaging.WithDeadLetter[string, payload](b.NewWriter(), dlqTopic))
	cancel, done := start(t, loop)

	require.Eventually(t, func() bool { return loop.Stats().DeadLettered == 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, int32(3), h.calls.Load())
	dead := b.Records(dlqTopic)
	require.Len(t, dead, 1)
	assert.Equal(t, "3", dead[0].Headers["x-attempts"])
	assert.Equal(t, testTopic, dead[0].Headers["x-source-topic"])
	assert.Contains(t, dead[0].Headers["x-error"], "connection refused")
	assert.Equal(t, int64(1), committedTotal(b, testTopic, testGroup))
}

func TestConsumerLoop_PermanentFailureIsNotRetried(t *testing.T) {
	b := memory.NewBroker(1)
	publishPayload(t, b, "k", payload{ID: 1})
	publishPayload(t, b, "k", payload{ID: 2})

	h := &recorder{fn: func(_ int32, v payload) error {
		if v.ID == 1 {
			return messaging.Permanent("bad recipient", nil)
		}
		return nil
	}}
	loop := newLoop(b, loopConfig(), h)
	cancel, done := start(t, loop)

	require.Eventually(t, func() bool { return len(h.values()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, int32(2), h.calls.Load())
	assert.Equal(t, int64(1), loop.Stats().Failed)
	assert.Equal(t, int64(2), committedTotal(b, testTopic, testGroup))
}

func TestConsumerLoop_HandlerPanicIsContained(t *testing.T) {
	b := memory.NewBroker(1)
	publishPayload(t, b, "k", payload{ID: 1})
	publishPayload(t, b, "k", payload{ID: 2})

	h := &recorder{fn: func(_ int32, v payload) error {
		if v.ID == 1 {
			panic("template exploded")
		}
		return nil
	}}
	loop := newLoop(b, loopConfig(), h)
	cancel, done := start(t, loop)

	require.Eventually(t, func() bool { return len(h.values()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, int64(1), loop.Stats().Failed)
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestConsumerLoop_AutoCommitCountsLoss(t *testing.T) {
	b := memory.NewBroker(1)
	publishPayload(t, b, "k", payload{ID: 1})

	h := &recorder{fn: func(int32, payload) error {
		return messaging.Transient("smtp", errors.New("timeout"))
	}}
	cfg := loopConfig()
	cfg.Policy = messaging.CommitAuto
	loop := newLoop(b, cfg, h)
	cancel, done := start(t, loop)

	require.Eventually(t, func() bool { return loop.Stats().Lost == 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, int64(1), committedTotal(b, testTopic, testGroup))
}

func TestConsumerLoop_ResumesFromCommittedOffset(t *testing.T) {
	b := memory.NewBroker(1)
	publishPayload(t, b, "k", payload{ID: 1})

	first := &recorder{}
	loop := newLoop(b, loopConfig(), first)
	cancel, done := start(t, loop)
	require.Eventually(t, func() bool { return len(first.values()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	publishPayload(t, b, "k", payload{ID: 2})

	second := &recorder{}
	loop = newLoop(b, loopConfig(), second)
	cancel, done = start(t, loop)
	require.Eventually(t, func() bool { return len(second.values()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, []payload{{ID: 2}}, second.values())
}

func TestConsumerLoop_HandlerSeesRecord(t *testing.T) {
	b := memory.NewBroker(1)
	publishPayload(t, b, "a@x.com", payload{ID: 1})

	keys := make(chan string, 1)
	h := messaging.HandlerFunc[payload](func(ctx context.Context, v payload) error {
		rec, ok := messaging.RecordFromContext(ctx)
		if ok {
			keys <- string(rec.Key)
		}
		return nil
	})
	loop := newLoop(b, loopConfig(), h)
	cancel, done := start(t, loop)

	select {
	case key := <-keys:
		assert.Equal(t, "a@x.com", key)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
	stop(t, cancel, done)
}

func TestConsumerLoop_HandlerSeesAttempts(t *testing.T) {
	b := memory.NewBroker(1)
	publishPayload(t, b, "k", payload{ID: 1})

	var mu sync.Mutex
	var seen []messaging.Delivery
	h := messaging.HandlerFunc[payload](func(ctx context.Context, v payload) error {
		d, _ := messaging.DeliveryFromContext(ctx)
		mu.Lock()
		seen = append(seen, d)
		mu.Unlock()
		return messaging.Transient("smtp", errors.New("timeout"))
	})
	cfg := loopConfig()
	cfg.MaxRedeliveries = 1
	loop := newLoop(b, cfg, h)
	cancel, done := start(t, loop)

	require.Eventually(t, func() bool { return loop.Stats().Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].Attempt)
	assert.False(t, seen[0].LastAttempt)
	assert.Equal(t, 2, seen[1].Attempt)
	assert.True(t, seen[1].LastAttempt)
}

func TestConsumerLoop_ConnectFailureIsFatal(t *testing.T) {
	loop := messaging.NewConsumerLoop[string, payload](
		loopConfig(),
		func(context.Context) (messaging.Reader, error) { return nil, errors.New("SASL authentication failed") },
		messaging.StringCodec{},
		messaging.JSONCodec[payload]{},
		messaging.Routes[payload]{testTopic: &recorder{}},
		nil,
	)

	err := loop.Run(context.Background())
	var fatal *messaging.ConnectionFatalError
	require.True(t, errors.As(err, &fatal))
	assert.Contains(t, err.Error(), "SASL")
	assert.Equal(t, messaging.StateClosed, loop.State())
}

func TestConsumerLoop_MissingRouteIsFatal(t *testing.T) {
	b := memory.NewBroker(1)
	loop := messaging.NewConsumerLoop[string, payload](
		loopConfig(),
		b.Connector(testTopic, testGroup),
		messaging.StringCodec{},
		messaging.JSONCodec[payload]{},
		messaging.Routes[payload]{"other": &recorder{}},
		nil,
	)

	err := loop.Run(context.Background())
	var fatal *messaging.ConnectionFatalError
	require.True(t, errors.As(err, &fatal))
	assert.ErrorIs(t, err, messaging.ErrNoHandler)
}

func TestConsumerLoop_RunTwice(t *testing.T) {
	b := memory.NewBroker(1)
	loop := newLoop(b, loopConfig(), &recorder{})
	cancel, done := start(t, loop)
	require.Eventually(t, func() bool { return loop.State() == messaging.StatePolling }, time.Second, time.Millisecond)

	assert.ErrorIs(t, loop.Run(context.Background()), messaging.ErrLoopStarted)
	stop(t, cancel, done)
}

func TestConsumerLoop_StatsHook(t *testing.T) {
	b := memory.NewBroker(1)
	publishPayload(t, b, "k", payload{ID: 1})

	samples := make(chan messaging.LoopStats, 16)
	cfg := loopConfig()
	cfg.StatisticsInterval = 10 * time.Millisecond
	loop := newLoop(b, cfg, &recorder{}, messaging.WithStatsHook[string, payload](func(s messaging.LoopStats) {
		select {
		case samples <- s:
		default:
		}
	}))
	cancel, done := start(t, loop)

	require.Eventually(t, func() bool {
		select {
		case s := <-samples:
			return s.Processed == 1 && s.Transport.Messages == 1
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)
}
