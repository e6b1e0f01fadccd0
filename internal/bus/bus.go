// Package bus implements C4: the cross-gateway Pub/Sub Bus (spec.md
// §4.4), adapted from the teacher's pkg/nats client wrapper. Delivery
// is at-least-once and best-effort - not a durable queue. The Outbox
// (internal/outbox) is the durable path; this is purely a latency
// optimization for currently-online recipients.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ChannelTopic builds the topic a channel's events are published on,
// per spec.md §4.4 ("ch:<channelId>").
func ChannelTopic(channelID string) string { return "ch:" + channelID }

type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Bus wraps a NATS connection for fire-and-forget topic delivery.
type Bus struct {
	conn      *nats.Conn
	log       zerolog.Logger
	subsMu    sync.RWMutex
	subs      map[string]*nats.Subscription
}

func Connect(cfg Config, log zerolog.Logger) (*Bus, error) {
	b := &Bus{log: log, subs: make(map[string]*nats.Subscription)}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("bus connected")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			log.Warn().Err(err).Msg("bus disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("bus reconnected")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			log.Error().Err(err).Msg("bus error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	b.conn = conn
	return b, nil
}

// Publish is fire-and-forget: spec.md §4.5 step 9 calls this on the
// synchronous fast path immediately after commit, and explicitly
// tolerates failure here because the Outbox Processor (C7) will
// republish if this never reaches a subscriber.
func (b *Bus) Publish(topic string, payload []byte) error {
	if err := b.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic, passed to NATS as the subject.
// ChannelTopic subjects have no "." token separators, so a NATS
// wildcard cannot match them. Each gateway process subscribes
// lazily as described in spec.md §4.4, joining a channel's topic the
// first time it holds a local connection for one of that channel's
// members.
func (b *Bus) Subscribe(topic string, handler func(payload []byte)) error {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	if _, exists := b.subs[topic]; exists {
		return nil
	}

	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	b.subs[topic] = sub
	return nil
}

func (b *Bus) Unsubscribe(topic string) error {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	sub, ok := b.subs[topic]
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	delete(b.subs, topic)
	return nil
}

func (b *Bus) IsConnected() bool { return b.conn != nil && b.conn.IsConnected() }

func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}
