// Package cdc feeds a change-data-capture stream to Kafka/Redpanda for
// the external search indexer (SPEC_FULL.md §9 Design Notes). It is
// deliberately decoupled from the delivery path: Publish is
// fire-and-forget and a broker outage never blocks Ingest or the
// Outbox Processor, only the indexer falls behind.
//
// Grounded on the teacher's ws/kafka/consumer.go franz-go wiring
// (client construction, zerolog logger, context-cancelled shutdown),
// generalized from a consumer to a producer since the indexer is the
// consumer here, not this process.
package cdc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"chatcore/internal/model"
)

// EventType mirrors the Message lifecycle an indexer cares about.
type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageUpdated EventType = "message.updated"
	EventMessageDeleted EventType = "message.deleted"
)

// Event is the JSON value produced to the CDC topic, keyed by channelId
// so a single partitioner keeps a channel's events in order.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Message   *model.Envelope `json:"message"`
}

// Config configures the Producer.
type Config struct {
	Brokers []string
	Topic   string
	Logger  zerolog.Logger
}

// Producer wraps a franz-go client configured for fire-and-forget
// production to the CDC topic. A nil Producer (Disabled) is valid and
// every Publish call becomes a no-op, so operators can run without
// Kafka configured at all.
type Producer struct {
	client  *kgo.Client
	topic   string
	log     zerolog.Logger
	sent    atomic.Uint64
	failed  atomic.Uint64
	closeMu sync.Mutex
	closed  bool
}

// New builds a Producer. If cfg.Brokers is empty, CDC is disabled and
// New returns a nil *Producer, nil error - callers should treat a nil
// Producer the same as an active one since every method is nil-safe.
func New(cfg Config) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchMaxBytes(1024*1024),
		kgo.ProducerLinger(50*time.Millisecond),
		kgo.RequiredAcks(kgo.LeaderAck()),
		kgo.RecordRetries(5),
	)
	if err != nil {
		return nil, err
	}

	return &Producer{client: client, topic: cfg.Topic, log: cfg.Logger}, nil
}

// Publish emits an Event for msg, partitioned by channelId. Errors are
// logged, never returned: a slow or unavailable indexer pipeline must
// never throttle message delivery.
func (p *Producer) Publish(ctx context.Context, eventType EventType, msg *model.Envelope) {
	if p == nil || p.client == nil {
		return
	}

	payload, err := json.Marshal(Event{Type: eventType, Timestamp: time.Now().UnixMilli(), Message: msg})
	if err != nil {
		p.log.Warn().Err(err).Str("msgId", msg.MsgID.String()).Msg("cdc event marshal failed")
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(msg.ChannelID.String()),
		Value: payload,
	}

	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.failed.Add(1)
			p.log.Warn().Err(err).Str("msgId", msg.MsgID.String()).Msg("cdc publish failed")
			return
		}
		p.sent.Add(1)
	})
}

// Stats returns lifetime sent/failed counters for diagnostics.
func (p *Producer) Stats() (sent, failed uint64) {
	if p == nil {
		return 0, 0
	}
	return p.sent.Load(), p.failed.Load()
}

// Close flushes outstanding records and releases the client.
func (p *Producer) Close(ctx context.Context) error {
	if p == nil || p.client == nil {
		return nil
	}
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.client.Flush(ctx); err != nil {
		return err
	}
	p.client.Close()
	return nil
}
