package messaging

import (
	"context"
	"time"
)

// Message is what a producer hands to a transport writer.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Ack identifies where the broker stored a record. Partition and Offset are
// -1 when the transport does not report them.
type Ack struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
}

type Writer interface {
	Write(ctx context.Context, msg Message) (Ack, error)
	Close() error
}

// Record is one fetched entry. Offset is transport specific (a delivery tag
// for AMQP) and only round-trips through Reader.Commit.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

// TransportStats is the transport's own view, sampled periodically.
type TransportStats struct {
	Fetches  int64 `json:"fetches"`
	Messages int64 `json:"messages"`
	Bytes    int64 `json:"bytes"`
	Errors   int64 `json:"errors"`
	Lag      int64 `json:"lag"`
	Commits  int64 `json:"commits"`
}

// Reader is bound to one (topic, group). Fetch blocks until a record is
// available or ctx ends.
type Reader interface {
	Fetch(ctx context.Context) (Record, error)
	Commit(ctx context.Context, rec Record) error
	Stats() TransportStats
	Close() error
}

// Connector opens a Reader. Errors returned here are fatal for the loop.
type Connector func(ctx context.Context) (Reader, error)
