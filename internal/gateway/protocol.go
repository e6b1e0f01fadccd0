package gateway

import (
	"encoding/json"

	"github.com/google/uuid"

	"chatcore/internal/model"
)

// ClientFrameType enumerates the client -> server frame types from
// spec.md §4.6.
type ClientFrameType string

const (
	FrameHello       ClientFrameType = "hello"
	FramePublish     ClientFrameType = "publish"
	FrameAck         ClientFrameType = "ack"
	FramePing        ClientFrameType = "ping"
	FrameSubscribe   ClientFrameType = "subscribe"
	FrameUnsubscribe ClientFrameType = "unsubscribe"
)

// ServerFrameType enumerates the server -> client frame types.
type ServerFrameType string

const (
	FrameWelcome        ServerFrameType = "welcome"
	FrameMessage        ServerFrameType = "message"
	FrameMessageUpdate  ServerFrameType = "message_update"
	FrameMessageDelete  ServerFrameType = "message_delete"
	FrameAckResult      ServerFrameType = "ack_result"
	FramePong           ServerFrameType = "pong"
	FrameSessionKicked  ServerFrameType = "session_kicked"
	FrameSessionExpired ServerFrameType = "session_expired"
	FrameSessionTimeout ServerFrameType = "session_timeout"
	FrameResyncBatch    ServerFrameType = "resync_batch"
	FrameError          ServerFrameType = "error"
)

// ClientFrame is the envelope every inbound WebSocket text frame is
// unmarshaled into; Data is re-parsed into the specific payload once
// Type is known.
type ClientFrame struct {
	Type ClientFrameType `json:"type"`
	Data json.RawMessage `json:"data"`
}

type HelloPayload struct {
	Token         string `json:"token"`
	DeviceClass   string `json:"deviceClass"` // e.g. "mobile", "desktop" - single-session policy input
	LastSeqByChan map[string]int64 `json:"lastSeqByChannel,omitempty"`
}

type PublishPayload struct {
	ChannelID   uuid.UUID          `json:"channelId"`
	Content     string             `json:"content"`
	Type        model.MessageType  `json:"type"`
	ParentID    *uuid.UUID         `json:"parentId,omitempty"`
	ClientMsgID uuid.UUID          `json:"clientMsgId"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	Metadata    json.RawMessage    `json:"metadata,omitempty"`
}

// AckKind distinguishes a delivery receipt from a read receipt, spec.md
// §4.6/§5: the two are not ordered against each other, and only a read
// ack advances lastReadSeqId.
type AckKind string

const (
	AckDelivered AckKind = "delivered"
	AckRead      AckKind = "read"
)

type AckPayload struct {
	MsgID uuid.UUID `json:"msgId"`
	Kind  AckKind   `json:"kind"`
}

type SubscribePayload struct {
	ChannelIDs []uuid.UUID `json:"channelIds"`
}

// ServerFrame is the outer envelope for every outbound frame.
type ServerFrame struct {
	Type ServerFrameType `json:"type"`
	Data any             `json:"data,omitempty"`
}

type WelcomePayload struct {
	ConnID        string `json:"connId"`
	HeartbeatMs   int64  `json:"heartbeatMs"`
}

type AckResultPayload struct {
	MsgID     uuid.UUID          `json:"msgId"`
	SeqID     int64              `json:"seqId"`
	Status    model.CreateStatus `json:"status"`
	ClientMsgID *uuid.UUID       `json:"clientMsgId,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ResyncBatchPayload struct {
	ChannelID  uuid.UUID        `json:"channelId"`
	Messages   []*model.Envelope `json:"messages"`
	HasMore    bool             `json:"hasMore"`
	NextCursor int64            `json:"nextCursor"`
}

func encodeFrame(t ServerFrameType, data any) ([]byte, error) {
	return json.Marshal(ServerFrame{Type: t, Data: data})
}
