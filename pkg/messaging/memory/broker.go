// Package memory is an in-process partitioned log used by tests and by the
// "memory" messaging driver for local runs.
package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"mailflow/pkg/messaging"
)

var ErrClosed = errors.New("memory broker: closed")

type topicLog struct {
	partitions [][]messaging.Record
	committed  map[string][]int64
	// notify is closed and replaced on every append.
	notify chan struct{}
	next   int
}

// Broker keeps every topic in memory. Each group tracks the next offset to
// read per partition; new readers start from the group's committed offsets,
// or from the beginning of the log for a fresh group.
type Broker struct {
	mu         sync.Mutex
	partitions int
	topics     map[string]*topicLog
}

func NewBroker(partitions int) *Broker {
	if partitions <= 0 {
		partitions = 1
	}
	return &Broker{
		partitions: partitions,
		topics:     make(map[string]*topicLog),
	}
}

// topic must be called with b.mu held.
func (b *Broker) topic(name string) *topicLog {
	t, ok := b.topics[name]
	if !ok {
		t = &topicLog{
			partitions: make([][]messaging.Record, b.partitions),
			committed:  make(map[string][]int64),
			notify:     make(chan struct{}),
		}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) partitionFor(t *topicLog, key []byte) int {
	if len(key) == 0 {
		p := t.next % b.partitions
		t.next++
		return p
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(b.partitions))
}

func (b *Broker) append(msg messaging.Message) messaging.Ack {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(msg.Topic)
	p := b.partitionFor(t, msg.Key)
	now := time.Now()
	rec := messaging.Record{
		Topic:     msg.Topic,
		Partition: p,
		Offset:    int64(len(t.partitions[p])),
		Key:       append([]byte(nil), msg.Key...),
		Value:     append([]byte(nil), msg.Value...),
		Headers:   copyHeaders(msg.Headers),
		Time:      now,
	}
	t.partitions[p] = append(t.partitions[p], rec)

	close(t.notify)
	t.notify = make(chan struct{})

	return messaging.Ack{Topic: msg.Topic, Partition: p, Offset: rec.Offset, Timestamp: now}
}

// Records returns every record of a topic, partition by partition.
func (b *Broker) Records(topic string) []messaging.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	var out []messaging.Record
	for _, part := range t.partitions {
		out = append(out, part...)
	}
	return out
}

// Committed returns the next offset the group will read per partition.
func (b *Broker) Committed(topic, group string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return make([]int64, b.partitions)
	}
	return append([]int64(nil), b.groupOffsets(t, group)...)
}

// groupOffsets must be called with b.mu held.
func (b *Broker) groupOffsets(t *topicLog, group string) []int64 {
	offsets, ok := t.committed[group]
	if !ok {
		offsets = make([]int64, b.partitions)
		t.committed[group] = offsets
	}
	return offsets
}

func (b *Broker) NewWriter() *Writer {
	return &Writer{broker: b}
}

func (b *Broker) NewReader(topic, group string) *Reader {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(topic)
	return &Reader{
		broker:   b,
		topic:    topic,
		group:    group,
		position: append([]int64(nil), b.groupOffsets(t, group)...),
		done:     make(chan struct{}),
	}
}

// Connector binds a reader factory to one (topic, group).
func (b *Broker) Connector(topic, group string) messaging.Connector {
	return func(ctx context.Context) (messaging.Reader, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return b.NewReader(topic, group), nil
	}
}

type Writer struct {
	broker *Broker
	closed atomic.Bool
}

func (w *Writer) Write(ctx context.Context, msg messaging.Message) (messaging.Ack, error) {
	if w.closed.Load() {
		return messaging.Ack{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return messaging.Ack{}, err
	}
	return w.broker.append(msg), nil
}

func (w *Writer) Close() error {
	w.closed.Store(true)
	return nil
}

type Reader struct {
	broker *Broker
	topic  string
	group  string

	// position is only touched by Fetch, which the consumer loop calls from
	// a single goroutine; it is guarded by broker.mu for Stats.
	position []int64
	cursor   int

	done      chan struct{}
	closeOnce sync.Once

	fetches  atomic.Int64
	messages atomic.Int64
	bytes    atomic.Int64
	commits  atomic.Int64
}

func (r *Reader) Fetch(ctx context.Context) (messaging.Record, error) {
	r.fetches.Add(1)
	for {
		select {
		case <-r.done:
			return messaging.Record{}, ErrClosed
		default:
		}

		rec, wait, ok := r.next()
		if ok {
			r.messages.Add(1)
			r.bytes.Add(int64(len(rec.Value)))
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return messaging.Record{}, ctx.Err()
		case <-r.done:
			return messaging.Record{}, ErrClosed
		case <-wait:
		}
	}
}

func (r *Reader) next() (messaging.Record, <-chan struct{}, bool) {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()

	t := r.broker.topic(r.topic)
	n := len(t.partitions)
	for i := 0; i < n; i++ {
		p := (r.cursor + i) % n
		if r.position[p] < int64(len(t.partitions[p])) {
			rec := t.partitions[p][r.position[p]]
			r.position[p]++
			r.cursor = (p + 1) % n
			return rec, nil, true
		}
	}
	return messaging.Record{}, t.notify, false
}

func (r *Reader) Commit(ctx context.Context, rec messaging.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()

	offsets := r.broker.groupOffsets(r.broker.topic(r.topic), r.group)
	if rec.Partition < 0 || rec.Partition >= len(offsets) {
		return errors.New("memory broker: partition out of range")
	}
	if rec.Offset+1 > offsets[rec.Partition] {
		offsets[rec.Partition] = rec.Offset + 1
	}
	r.commits.Add(1)
	return nil
}

func (r *Reader) Stats() messaging.TransportStats {
	r.broker.mu.Lock()
	t := r.broker.topic(r.topic)
	var lag int64
	for p, part := range t.partitions {
		lag += int64(len(part)) - r.position[p]
	}
	r.broker.mu.Unlock()

	return messaging.TransportStats{
		Fetches:  r.fetches.Load(),
		Messages: r.messages.Load(),
		Bytes:    r.bytes.Load(),
		Lag:      lag,
		Commits:  r.commits.Load(),
	}
}

func (r *Reader) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
