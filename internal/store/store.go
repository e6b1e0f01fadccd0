// Package store persists the core's owned entities: Message, OutboxRow,
// SeqCounter, UnreadCursor (spec.md §3). Two backends share one
// interface: Postgres (lib/pq) for production, and a pure-Go SQLite
// backend (modernc.org/sqlite) for local development and tests so the
// full pipeline - including the unique-constraint dedup fallback and
// the outbox claim (without FOR UPDATE SKIP LOCKED, which SQLite lacks)
// - runs without an external database.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chatcore/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// ErrDuplicate is returned by InsertMessage when the unique
// (channelId, clientMsgId) constraint rejects the insert - the
// authoritative path to I2, independent of the Dedup Cache.
var ErrDuplicate = errors.New("duplicate clientMsgId for channel")

// Store is the persistence surface every other component depends on.
type Store interface {
	// Migrate creates the owned tables if they don't already exist.
	Migrate(ctx context.Context) error

	// WithTx runs fn inside a single transaction, committing on
	// success and rolling back on error or panic. Ingest (C5) wraps
	// its entire algorithm (sequence allocation + message insert +
	// outbox insert) in one call.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error

	// InsertMessage writes msg inside tx. On a unique-constraint
	// violation it returns ErrDuplicate and the caller must look up
	// the existing row with GetMessageByClientMsgID.
	InsertMessage(ctx context.Context, tx *sql.Tx, msg *model.Message) error

	InsertOutboxRow(ctx context.Context, tx *sql.Tx, row *model.OutboxRow) error

	GetMessageByClientMsgID(ctx context.Context, channelID, clientMsgID uuid.UUID) (*model.Message, error)
	GetMessageByID(ctx context.Context, msgID uuid.UUID) (*model.Message, error)

	// ListMessagesAfterSeq returns up to limit messages in channelID
	// with seqId > afterSeq, ascending - the core of Resync (C8).
	ListMessagesAfterSeq(ctx context.Context, channelID uuid.UUID, afterSeq int64, limit int) ([]*model.Message, error)

	EditMessage(ctx context.Context, msgID uuid.UUID, content string) (*model.Message, error)
	SoftDeleteMessage(ctx context.Context, msgID uuid.UUID) (*model.Message, error)

	// ClaimOutboxBatch claims up to limit pending rows across distinct
	// channels (one row per channel per call, so a single call never
	// hands two rows of the same channel to two concurrent workers),
	// using SKIP LOCKED so claimers don't block each other.
	ClaimOutboxBatch(ctx context.Context, limit int) ([]*model.OutboxRow, error)
	MarkOutboxBroadcasting(ctx context.Context, msgID uuid.UUID) error
	MarkOutboxDone(ctx context.Context, msgID uuid.UUID) error
	MarkOutboxRetry(ctx context.Context, msgID uuid.UUID, attempt int, nextAttemptAt int64) error
	MarkOutboxFailed(ctx context.Context, msgID uuid.UUID) error

	// ApplyUnreadIncrement advances userID's unread counter for
	// channelID by one, guarded by the (userId, channelId,
	// lastAppliedMsgId) watermark from spec.md §4.7 so reprocessing an
	// outbox row never double-counts.
	ApplyUnreadIncrement(ctx context.Context, userID, channelID, msgID uuid.UUID, seqID int64) error
	GetUnreadCursor(ctx context.Context, userID, channelID uuid.UUID) (*model.UnreadCursor, error)

	// MarkRead sets lastReadSeqId if seqID is greater than the current
	// value (idempotent, never moves backward per spec.md §8).
	MarkRead(ctx context.Context, userID, channelID uuid.UUID, seqID int64) error

	Close() error
}

func scanErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, sql.ErrNoRows)
	}
	return fmt.Errorf("%s: %w", op, err)
}
