// Package model holds the wire and storage types shared by every
// component in the message delivery pipeline (C1-C8).
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType mirrors spec.md's type ∈ {text, file, image, system}.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageImage  MessageType = "image"
	MessageSystem MessageType = "system"
)

// OutboxStatus is the OutboxRow lifecycle: pending -> broadcasting ->
// done, with a retry returning the row to pending and failed as the
// terminal error state. OutboxDelivered is declared but the Outbox
// Processor never sets it.
type OutboxStatus string

const (
	OutboxPending      OutboxStatus = "pending"
	OutboxBroadcasting OutboxStatus = "broadcasting"
	OutboxDelivered    OutboxStatus = "delivered"
	OutboxDone         OutboxStatus = "done"
	OutboxFailed       OutboxStatus = "failed"
)

// CreateStatus is the result status of CreateMessage: a fresh row or a
// recognized retry of one already persisted.
type CreateStatus string

const (
	StatusPersisted CreateStatus = "persisted"
	StatusDuplicate CreateStatus = "duplicate"
)

// Attachment describes a single uploaded file referenced by a message.
type Attachment struct {
	FileKey  string `json:"fileKey"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// Message is the durable row written by Ingest (C5) and read back by
// Resync (C8). SeqId is assigned inside the same transaction as the
// insert, per spec.md I1.
type Message struct {
	MsgID       uuid.UUID       `json:"msgId"`
	SeqID       int64           `json:"seqId"`
	ClientMsgID *uuid.UUID      `json:"clientMsgId,omitempty"`
	ChannelID   uuid.UUID       `json:"channelId"`
	TenantID    uuid.UUID       `json:"tenantId"`
	SenderID    uuid.UUID       `json:"senderId"`
	Type        MessageType     `json:"type"`
	Content     string          `json:"content"`
	ParentID    *uuid.UUID      `json:"parentId,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	EditedAt    *time.Time      `json:"editedAt,omitempty"`
	IsDeleted   bool            `json:"isDeleted"`
}

// Envelope is the canonical JSON shape broadcast over the Bus and over
// WebSocket/HTTP, per spec.md §6.
type Envelope struct {
	MsgID       uuid.UUID       `json:"msgId"`
	SeqID       int64           `json:"seqId"`
	ClientMsgID *uuid.UUID      `json:"clientMsgId,omitempty"`
	ChannelID   uuid.UUID       `json:"channelId"`
	TenantID    uuid.UUID       `json:"tenantId"`
	SenderID    uuid.UUID       `json:"senderId"`
	Type        MessageType     `json:"type"`
	Content     string          `json:"content"`
	ParentID    *uuid.UUID      `json:"parentId,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	EditedAt    *int64          `json:"editedAt,omitempty"`
	IsDeleted   bool            `json:"isDeleted,omitempty"`
}

// ToEnvelope builds the wire envelope for a stored Message.
func (m *Message) ToEnvelope() *Envelope {
	env := &Envelope{
		MsgID:       m.MsgID,
		SeqID:       m.SeqID,
		ClientMsgID: m.ClientMsgID,
		ChannelID:   m.ChannelID,
		TenantID:    m.TenantID,
		SenderID:    m.SenderID,
		Type:        m.Type,
		Content:     m.Content,
		ParentID:    m.ParentID,
		Attachments: m.Attachments,
		Metadata:    m.Metadata,
		CreatedAt:   m.CreatedAt.UnixMilli(),
		IsDeleted:   m.IsDeleted,
	}
	if m.EditedAt != nil {
		ms := m.EditedAt.UnixMilli()
		env.EditedAt = &ms
	}
	return env
}

// OutboxRow is the durable post-commit work item described in spec.md §3
// and §4.7. It is created in the same transaction as Message.
type OutboxRow struct {
	MsgID         uuid.UUID
	ChannelID     uuid.UUID
	SenderID      uuid.UUID
	TenantID      uuid.UUID
	Payload       []byte // JSON-encoded Envelope
	Status        OutboxStatus
	Attempt       int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// UnreadCursor is the per-(user, channel) read position, per spec.md §3.
type UnreadCursor struct {
	UserID          uuid.UUID
	ChannelID       uuid.UUID
	LastReadSeqID   int64
	UnreadCount     int64
	LastAppliedMsgID uuid.UUID
}

// CreateMessageInput is the argument struct for Ingest.CreateMessage
// (spec.md §4.5).
type CreateMessageInput struct {
	ChannelID   uuid.UUID
	SenderID    uuid.UUID
	Content     string
	Type        MessageType
	ParentID    *uuid.UUID
	ClientMsgID *uuid.UUID
	Metadata    json.RawMessage
	Attachments []Attachment
}

// CreateMessageResult is CreateMessage's return value.
type CreateMessageResult struct {
	MsgID     uuid.UUID
	SeqID     int64
	Status    CreateStatus
	Timestamp time.Time
}
