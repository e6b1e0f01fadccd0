// Package ingest implements C5, the hardest piece of the pipeline: the
// transactional write path described in spec.md §4.5. CreateMessage
// deduplicates, assigns a seqId, persists the message and its outbox
// row in one transaction, then opportunistically publishes to the Bus
// before returning.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/bus"
	"chatcore/internal/cdc"
	"chatcore/internal/dedup"
	"chatcore/internal/identity"
	"chatcore/internal/metrics"
	"chatcore/internal/model"
	"chatcore/internal/sequence"
	"chatcore/internal/store"
)

// ChannelSeqMode resolves which sequence.Mode a channel uses. In the
// default deployment every channel is tight (spec.md's first Open
// Question resolved in SPEC_FULL.md §4); an implementation backed by
// channel configuration can opt specific high-rate channels into
// sequence.ModeBatched.
type ChannelSeqMode interface {
	ModeFor(ctx context.Context, channelID uuid.UUID) sequence.Mode
}

// TightMode always returns sequence.ModeTight.
type TightMode struct{}

func (TightMode) ModeFor(context.Context, uuid.UUID) sequence.Mode { return sequence.ModeTight }

// Publisher is the narrow slice of *bus.Bus Ingest depends on, so tests
// can substitute a fake instead of a live NATS connection.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Ingest is the C5 Sequencer.
type Ingest struct {
	store      store.Store
	seq        *sequence.Service
	dedup      *dedup.Cache
	bus        Publisher
	cdc        *cdc.Producer
	membership identity.MembershipClient
	seqMode    ChannelSeqMode
	timeout    time.Duration
	log        zerolog.Logger
}

func New(st store.Store, seq *sequence.Service, dc *dedup.Cache, b Publisher, cdcProducer *cdc.Producer, membership identity.MembershipClient, seqMode ChannelSeqMode, timeout time.Duration, log zerolog.Logger) *Ingest {
	if seqMode == nil {
		seqMode = TightMode{}
	}
	return &Ingest{store: st, seq: seq, dedup: dc, bus: b, cdc: cdcProducer, membership: membership, seqMode: seqMode, timeout: timeout, log: log}
}

// CreateMessage implements the algorithm in spec.md §4.5 steps 1-10.
func (in *Ingest) CreateMessage(ctx context.Context, input model.CreateMessageInput) (*model.CreateMessageResult, error) {
	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	start := time.Now()
	defer func() { metrics.IngestLatency.Observe(time.Since(start).Seconds()) }()

	if err := validateCreate(input); err != nil {
		return nil, err
	}
	if err := in.validateParent(ctx, input); err != nil {
		return nil, err
	}

	isMember, err := in.membership.IsMember(ctx, input.ChannelID, input.SenderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "check channel membership", err)
	}
	if !isMember {
		return nil, apperr.ErrForbidden // I4
	}

	// Step 1: dedup cache (best-effort fast path)
	if input.ClientMsgID != nil {
		if hit, err := in.dedup.Check(ctx, input.ChannelID, *input.ClientMsgID); err == nil && hit != nil {
			metrics.MessagesIngested.WithLabelValues(string(model.StatusDuplicate)).Inc()
			return &model.CreateMessageResult{
				MsgID: hit.MsgID, SeqID: hit.SeqID, Status: model.StatusDuplicate, Timestamp: time.Now(),
			}, nil
		}
	}

	tenantID, err := in.membership.TenantForChannel(ctx, input.ChannelID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "resolve tenant", err)
	}

	msgID, err := uuid.NewV7()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "generate msgId", err)
	}
	now := time.Now()
	mode := in.seqMode.ModeFor(ctx, input.ChannelID)

	var result model.CreateMessageResult
	var duplicateMsg *model.Message

	txErr := in.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		seqID, err := in.seq.NextSeq(ctx, tx, input.ChannelID, mode)
		if err != nil {
			return fmt.Errorf("allocate seq: %w", err)
		}

		msg := &model.Message{
			MsgID: msgID, SeqID: seqID, ClientMsgID: input.ClientMsgID,
			ChannelID: input.ChannelID, TenantID: tenantID, SenderID: input.SenderID,
			Type: input.Type, Content: input.Content, ParentID: input.ParentID,
			Attachments: input.Attachments, Metadata: input.Metadata, CreatedAt: now,
		}

		if err := in.store.InsertMessage(ctx, tx, msg); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return store.ErrDuplicate
			}
			return fmt.Errorf("insert message: %w", err)
		}

		envelope := msg.ToEnvelope()
		payload, err := json.Marshal(envelope)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}

		row := &model.OutboxRow{
			MsgID: msgID, ChannelID: input.ChannelID, SenderID: input.SenderID, TenantID: tenantID,
			Payload: payload, Status: model.OutboxPending, NextAttemptAt: now, CreatedAt: now,
		}
		if err := in.store.InsertOutboxRow(ctx, tx, row); err != nil {
			return fmt.Errorf("insert outbox row: %w", err)
		}

		result = model.CreateMessageResult{MsgID: msgID, SeqID: seqID, Status: model.StatusPersisted, Timestamp: now}
		return nil
	})

	if txErr != nil {
		if errors.Is(txErr, store.ErrDuplicate) {
			// Step 5 failure path: unique violation means another
			// writer already committed this clientMsgId. Fetch the
			// winner and return it as a duplicate.
			duplicateMsg, err = in.store.GetMessageByClientMsgID(ctx, input.ChannelID, *input.ClientMsgID)
			if err != nil {
				return nil, apperr.Wrap(apperr.Unavailable, "load duplicate message", err)
			}
			dupResult := model.CreateMessageResult{
				MsgID: duplicateMsg.MsgID, SeqID: duplicateMsg.SeqID, Status: model.StatusDuplicate, Timestamp: time.Now(),
			}
			if input.ClientMsgID != nil {
				in.dedup.Record(ctx, input.ChannelID, *input.ClientMsgID, dedup.Result{MsgID: duplicateMsg.MsgID, SeqID: duplicateMsg.SeqID})
			}
			metrics.MessagesIngested.WithLabelValues(string(model.StatusDuplicate)).Inc()
			return &dupResult, nil
		}
		return nil, apperr.Wrap(apperr.Unavailable, "ingest transaction", txErr)
	}

	// Step 8: record in dedup cache
	if input.ClientMsgID != nil {
		in.dedup.Record(ctx, input.ChannelID, *input.ClientMsgID, dedup.Result{MsgID: result.MsgID, SeqID: result.SeqID})
	}
	metrics.MessagesIngested.WithLabelValues(string(model.StatusPersisted)).Inc()

	// Step 9: publish to Bus - fire and forget. Failure here is
	// recovered by the Outbox Processor (C7), never surfaced to the
	// caller (spec.md §4.5, "Bus publish failure after commit").
	sentMsg := &model.Message{
		MsgID: result.MsgID, SeqID: result.SeqID, ClientMsgID: input.ClientMsgID, ChannelID: input.ChannelID,
		TenantID: tenantID, SenderID: input.SenderID, Type: input.Type, Content: input.Content,
		ParentID: input.ParentID, Attachments: input.Attachments, Metadata: input.Metadata, CreatedAt: now,
	}
	env := sentMsg.ToEnvelope()
	if payload, err := json.Marshal(env); err == nil {
		if err := in.bus.Publish(bus.ChannelTopic(input.ChannelID.String()), payload); err != nil {
			in.log.Warn().Err(err).Str("channelId", input.ChannelID.String()).Msg("bus publish failed, outbox processor will republish")
		}
	}

	// Feed the external search indexer, fully decoupled from delivery:
	// a nil/unconfigured Producer and a broker outage both no-op here.
	in.cdc.Publish(ctx, cdc.EventMessageCreated, env)

	return &result, nil
}

// validateParent enforces spec.md §8's boundary case: parentId must
// reference an existing message in the same channel.
func (in *Ingest) validateParent(ctx context.Context, input model.CreateMessageInput) error {
	if input.ParentID == nil {
		return nil
	}
	parent, err := in.store.GetMessageByID(ctx, *input.ParentID)
	if err != nil {
		return apperr.Wrap(apperr.NotFound, "parentId does not reference an existing message", err)
	}
	if parent.ChannelID != input.ChannelID {
		return apperr.New(apperr.NotFound, "parentId references a message in a different channel")
	}
	return nil
}

func validateCreate(input model.CreateMessageInput) error {
	switch input.Type {
	case model.MessageText, model.MessageFile, model.MessageImage, model.MessageSystem:
	default:
		return apperr.New(apperr.Internal, "unknown message type")
	}

	// Empty content with non-empty attachments is allowed iff
	// type ∈ {file, image} (spec.md §8, Boundary cases).
	if input.Content == "" && len(input.Attachments) == 0 {
		return apperr.New(apperr.Internal, "message must have content or attachments")
	}
	if input.Content == "" && input.Type != model.MessageFile && input.Type != model.MessageImage {
		return apperr.New(apperr.Internal, "empty content is only allowed for file/image messages")
	}
	return nil
}
