// Package gateway implements C6: the WebSocket Gateway (spec.md §4.6),
// the process clients hold a persistent connection to. It accepts
// "publish" frames and hands them to Ingest (C5), fans out messages
// arriving on the Bus (C4) to locally-held subscribers, and enforces
// the connection state machine, heartbeat, rate limiting and
// single-session policy.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chatcore/internal/apperr"
	"chatcore/internal/bus"
	"chatcore/internal/identity"
	"chatcore/internal/ingest"
	"chatcore/internal/metrics"
	"chatcore/internal/model"
	"chatcore/internal/presence"
	"chatcore/internal/resync"
	"chatcore/internal/store"
)

// SingleSessionPolicy mirrors SPEC_FULL.md's GATEWAY_SINGLE_SESSION_POLICY:
// off never kicks, perDeviceClass kicks the previous connection from the
// same device class only, perAccount kicks every other live connection.
type SingleSessionPolicy string

const (
	SingleSessionOff            SingleSessionPolicy = "off"
	SingleSessionPerDeviceClass SingleSessionPolicy = "per-device-class"
	SingleSessionPerAccount     SingleSessionPolicy = "per-account"
)

// Config tunes Hub behavior. ShardCount, MaxOutboundBuffer,
// HeartbeatInterval, MaxMissedHeartbeats and SingleSessionPolicy come
// from config.Config's GATEWAY_* environment variables; GatewayID is set
// by the caller, and the rate-limit fields have no environment variable
// and fall back to the defaults in NewHub.
type Config struct {
	GatewayID           string
	ShardCount          int
	MaxOutboundBuffer   int
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	SingleSessionPolicy SingleSessionPolicy
	RateLimitPerSec     float64
	RateLimitBurst      int
}

// Bus is the slice of *bus.Bus the Hub depends on, so tests can
// substitute a fake instead of a live NATS connection.
type Bus interface {
	Subscribe(topic string, handler func(payload []byte)) error
	Unsubscribe(topic string) error
}

// Hub is the process-wide connection registry and dispatcher.
type Hub struct {
	cfg        Config
	shards     []*shard
	bus        Bus
	presence   *presence.Registry
	membership identity.MembershipClient
	auth       identity.Authenticator
	ingest     *ingest.Ingest
	resync     *resync.Resync
	store      store.Store
	log        zerolog.Logger

	// userSessions tracks every live connId per user for single-session
	// enforcement, keyed by userId.
	sessionsMu   sync.Mutex
	userSessions map[uuid.UUID]map[string]*client

	// busRefs counts distinct local subscribers per channel so the Hub
	// subscribes to the Bus topic on the first subscriber and
	// unsubscribes on the last, per spec.md §4.4 ("lazily... the first
	// time it holds a local connection for one of that channel's
	// members").
	busRefsMu sync.Mutex
	busRefs   map[uuid.UUID]int
}

func NewHub(cfg Config, b Bus, presenceReg *presence.Registry, membership identity.MembershipClient, auth identity.Authenticator, in *ingest.Ingest, rs *resync.Resync, st store.Store, log zerolog.Logger) *Hub {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 32
	}
	if cfg.MaxOutboundBuffer <= 0 {
		cfg.MaxOutboundBuffer = 256
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}

	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = newShard()
	}

	return &Hub{
		cfg: cfg, shards: shards, bus: b, presence: presenceReg, membership: membership,
		auth: auth, ingest: in, resync: rs, store: st, log: log,
		userSessions: make(map[uuid.UUID]map[string]*client),
		busRefs:      make(map[uuid.UUID]int),
	}
}

// ConnectionCount sums live connections across all shards.
func (h *Hub) ConnectionCount() int {
	total := 0
	for _, s := range h.shards {
		total += s.count()
	}
	return total
}

func (h *Hub) limiterFor() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(h.cfg.RateLimitPerSec), h.cfg.RateLimitBurst)
}

// bindClient attaches c to its shard, binds presence, and enforces the
// single-session policy before the connection is marked active.
func (h *Hub) bindClient(ctx context.Context, c *client) error {
	if err := h.enforceSingleSession(c); err != nil {
		return err
	}

	s := shardFor(h.shards, c.connID)
	s.add(c)

	h.sessionsMu.Lock()
	sessions, ok := h.userSessions[c.userID]
	if !ok {
		sessions = make(map[string]*client)
		h.userSessions[c.userID] = sessions
	}
	sessions[c.connID] = c
	h.sessionsMu.Unlock()

	if err := h.presence.Bind(ctx, c.userID, h.cfg.GatewayID, c.connID); err != nil {
		return fmt.Errorf("presence bind: %w", err)
	}
	c.setState(stateActive)
	metrics.ConnectionsActive.Inc()
	return nil
}

// enforceSingleSession kicks conflicting prior sessions per
// h.cfg.SingleSessionPolicy (SPEC_FULL.md §4, resolved Open Question).
func (h *Hub) enforceSingleSession(c *client) error {
	if h.cfg.SingleSessionPolicy == SingleSessionOff {
		return nil
	}

	h.sessionsMu.Lock()
	sessions := h.userSessions[c.userID]
	var toKick []*client
	for connID, existing := range sessions {
		if connID == c.connID {
			continue
		}
		if h.cfg.SingleSessionPolicy == SingleSessionPerAccount || existing.deviceClass == c.deviceClass {
			toKick = append(toKick, existing)
		}
	}
	h.sessionsMu.Unlock()

	for _, existing := range toKick {
		h.kick(existing, FrameSessionKicked, "replaced by a new session")
	}
	return nil
}

func (h *Hub) kick(c *client, reason ServerFrameType, message string) {
	if payload, err := encodeFrame(reason, ErrorPayload{Code: string(reason), Message: message}); err == nil {
		c.enqueue(payload)
	}
	c.setState(stateClosing)
	c.close()
	if reason == FrameSessionKicked {
		metrics.SessionsKicked.WithLabelValues(string(h.cfg.SingleSessionPolicy)).Inc()
	} else if reason == FrameSessionTimeout {
		metrics.SlowClientsDisconnected.Inc()
	}
}

// unbindClient removes c from its shard, its channel subscriptions, and
// presence. Called once from the read pump's deferred cleanup.
func (h *Hub) unbindClient(ctx context.Context, c *client) {
	s := shardFor(h.shards, c.connID)
	for _, channelID := range c.subscribedChannels() {
		s.unsubscribe(channelID, c.connID)
		h.releaseBusRef(channelID)
	}
	s.remove(c.connID)

	h.sessionsMu.Lock()
	if sessions, ok := h.userSessions[c.userID]; ok {
		delete(sessions, c.connID)
		if len(sessions) == 0 {
			delete(h.userSessions, c.userID)
		}
	}
	h.sessionsMu.Unlock()

	if err := h.presence.Unbind(ctx, c.userID, h.cfg.GatewayID, c.connID); err != nil {
		h.log.Warn().Err(err).Str("connId", c.connID).Msg("presence unbind failed")
	}
	metrics.ConnectionsActive.Dec()
}

// subscribe joins channelID's local fan-out index and lazily subscribes
// the Hub's single Bus connection to that channel's topic.
func (h *Hub) subscribe(ctx context.Context, c *client, channelID uuid.UUID) error {
	isMember, err := h.membership.IsMember(ctx, channelID, c.userID)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "check channel membership", err)
	}
	if !isMember {
		return apperr.ErrForbidden
	}

	s := shardFor(h.shards, c.connID)
	s.subscribe(channelID, c)
	c.subscribe(channelID)
	h.acquireBusRef(channelID)
	return nil
}

func (h *Hub) unsubscribe(c *client, channelID uuid.UUID) {
	s := shardFor(h.shards, c.connID)
	s.unsubscribe(channelID, c.connID)
	c.unsubscribe(channelID)
	h.releaseBusRef(channelID)
}

func (h *Hub) acquireBusRef(channelID uuid.UUID) {
	h.busRefsMu.Lock()
	defer h.busRefsMu.Unlock()
	h.busRefs[channelID]++
	if h.busRefs[channelID] == 1 {
		topic := bus.ChannelTopic(channelID.String())
		if err := h.bus.Subscribe(topic, func(payload []byte) { h.fanout(channelID, payload) }); err != nil {
			h.log.Error().Err(err).Str("channelId", channelID.String()).Msg("bus subscribe failed")
		}
	}
}

func (h *Hub) releaseBusRef(channelID uuid.UUID) {
	h.busRefsMu.Lock()
	defer h.busRefsMu.Unlock()
	if h.busRefs[channelID] <= 0 {
		return
	}
	h.busRefs[channelID]--
	if h.busRefs[channelID] == 0 {
		delete(h.busRefs, channelID)
		_ = h.bus.Unsubscribe(bus.ChannelTopic(channelID.String()))
	}
}

// fanout delivers a Bus message to every locally-held subscriber of
// channelID, across every shard (a channel's subscribers are scattered
// across shards by connId hash, not co-located). Non-blocking per
// client, matching the teacher's never-block-the-broadcaster rule
// (src/server.go broadcast): a client whose buffer is full is marked
// degraded rather than stalling delivery to everyone else.
func (h *Hub) fanout(channelID uuid.UUID, payload []byte) {
	frameType := FrameMessage
	var env model.Envelope
	if err := json.Unmarshal(payload, &env); err == nil {
		switch {
		case env.IsDeleted:
			frameType = FrameMessageDelete
		case env.EditedAt != nil:
			frameType = FrameMessageUpdate
		}
	}

	frame, err := encodeFrame(frameType, json.RawMessage(payload))
	if err != nil {
		h.log.Error().Err(err).Msg("encode fanout frame failed")
		return
	}

	for _, s := range h.shards {
		for _, c := range s.subscribers(channelID) {
			if !c.enqueue(frame) {
				c.setState(stateDegraded)
				if c.sendFailures.Load() >= 3 {
					h.kick(c, FrameSessionTimeout, "connection too slow to keep up")
				}
			}
		}
	}
}

// handlePublish runs a "publish" client frame through Ingest and
// returns the ack_result payload to send back on the same connection.
func (h *Hub) handlePublish(ctx context.Context, c *client, p PublishPayload) (*AckResultPayload, error) {
	clientMsgID := p.ClientMsgID
	result, err := h.ingest.CreateMessage(ctx, model.CreateMessageInput{
		ChannelID: p.ChannelID, SenderID: c.userID, Content: p.Content, Type: p.Type,
		ParentID: p.ParentID, ClientMsgID: &clientMsgID, Metadata: p.Metadata, Attachments: p.Attachments,
	})
	if err != nil {
		return nil, err
	}
	return &AckResultPayload{MsgID: result.MsgID, SeqID: result.SeqID, Status: result.Status, ClientMsgID: &clientMsgID}, nil
}

// handleAck records a client's "ack" frame (spec.md §4.6). A delivered
// ack is purely informational and never touches the read cursor; only a
// read ack moves lastReadSeqId forward, per spec.md §5's requirement
// that delivered/read acks are independent of each other.
func (h *Hub) handleAck(ctx context.Context, c *client, p AckPayload) error {
	if p.Kind != AckRead {
		return nil
	}
	msg, err := h.store.GetMessageByID(ctx, p.MsgID)
	if err != nil {
		return err
	}
	return h.store.MarkRead(ctx, c.userID, msg.ChannelID, msg.SeqID)
}

// catchUp sends a resync_batch for channelID covering everything after
// afterSeqID before the connection starts receiving live fanout frames,
// implementing the "catch-up-before-live" ordering from spec.md §4.8.
func (h *Hub) catchUp(ctx context.Context, c *client, channelID uuid.UUID, afterSeqID int64) error {
	page, err := h.resync.Fetch(ctx, c.userID, channelID, afterSeqID, resync.DefaultLimit)
	if err != nil {
		return err
	}
	envelopes := make([]*model.Envelope, 0, len(page.Messages))
	for _, m := range page.Messages {
		envelopes = append(envelopes, m.ToEnvelope())
	}
	frame, err := encodeFrame(FrameResyncBatch, ResyncBatchPayload{
		ChannelID: channelID, Messages: envelopes, HasMore: page.HasMore, NextCursor: page.NextCursor,
	})
	if err != nil {
		return err
	}
	if !c.enqueue(frame) {
		return errors.New("client buffer full during resync catch-up")
	}
	return nil
}
