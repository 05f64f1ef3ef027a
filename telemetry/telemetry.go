// Package telemetry publishes a best-effort trace of transport
// activity (requests, retries, events) to Redis for out-of-process
// observability. It is entirely optional: a nil *Sink, or one backed
// by NewDiscardSink, drops everything.
package telemetry

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iwanders/surface-serial-hub/internal/logging"
)

// Kind labels the shape of a Record's Detail field.
type Kind string

const (
	KindRequest Kind = "request"
	KindRetry   Kind = "retry"
	KindEvent   Kind = "event"
	KindError   Kind = "error"
)

// Record is one CBOR-encoded trace entry published to the Redis channel.
type Record struct {
	Kind      Kind      `cbor:"kind"`
	Seq       uint8     `cbor:"seq"`
	RequestID uint16    `cbor:"rqid"`
	Detail    string    `cbor:"detail,omitempty"`
	Payload   []byte    `cbor:"payload,omitempty"`
	Timestamp time.Time `cbor:"ts"`
}

// Publisher is the minimal Redis dependency: publish one message to a
// channel. Satisfied by *redis.Client.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Sink encodes Records as CBOR and publishes them to a Redis channel.
// The zero value is not usable; construct with NewSink or NewDiscardSink.
type Sink struct {
	client  Publisher
	channel string
	log     *logging.Logger
	enabled bool
}

// NewSink wires a Sink to an existing Redis client. Publish failures
// are logged, never surfaced — a telemetry outage must never affect
// the transport it's observing.
func NewSink(client *redis.Client, channel string, log *logging.Logger) *Sink {
	if log == nil {
		log = logging.Default()
	}
	return &Sink{client: client, channel: channel, log: log, enabled: true}
}

// NewDiscardSink returns a Sink that drops every record without
// touching Redis. This is the default: telemetry is opt-in.
func NewDiscardSink() *Sink {
	return &Sink{enabled: false}
}

// Publish CBOR-encodes rec and publishes it. A disabled Sink (the
// NewDiscardSink case, or a nil *Sink) is a silent no-op.
func (s *Sink) Publish(ctx context.Context, rec Record) {
	if s == nil || !s.enabled {
		return
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		s.log.Warnf("telemetry: failed to encode record: %v", err)
		return
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		s.log.Warnf("telemetry: failed to publish record: %v", err)
	}
}

// Dial connects to a Redis server at addr for use with NewSink. It
// takes only the address, password and database index, and leaves
// connection pooling at go-redis's defaults.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
