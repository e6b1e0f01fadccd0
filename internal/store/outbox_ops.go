package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/model"
)

// ClaimOutboxBatch implements spec.md §4.7's claim step: select pending
// rows with row-level locking (FOR UPDATE SKIP LOCKED on Postgres; on
// SQLite, which has no row-level locking, the surrounding transaction
// still serializes against other writers), one row per distinct
// channel so a single worker owns a channel at a time, and transitions
// them pending -> broadcasting atomically with the claim.
func (s *sqlStore) ClaimOutboxBatch(ctx context.Context, limit int) ([]*model.OutboxRow, error) {
	now := time.Now().UnixMilli()

	forUpdate := ""
	if s.driver == driverPostgres {
		forUpdate = "FOR UPDATE SKIP LOCKED"
	}

	var rows []*model.OutboxRow
	err := s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		selectQ := s.rebind(`
			SELECT o.msg_id, o.channel_id, o.sender_id, o.tenant_id, o.payload, o.status, o.attempt, o.next_attempt_at, o.created_at, o.completed_at
			FROM outbox o
			WHERE o.status = 'pending' AND o.next_attempt_at <= ?
			  AND o.seq_id = (
			      SELECT MIN(o2.seq_id) FROM outbox o2
			      WHERE o2.channel_id = o.channel_id AND o2.status = 'pending' AND o2.next_attempt_at <= ?
			  )
			ORDER BY o.next_attempt_at ASC
			LIMIT ?
			` + forUpdate)

		rs, err := tx.QueryContext(ctx, selectQ, now, now, limit)
		if err != nil {
			return fmt.Errorf("claim select: %w", err)
		}

		var claimed []*model.OutboxRow
		for rs.Next() {
			r, err := scanOutboxRow(rs)
			if err != nil {
				rs.Close()
				return fmt.Errorf("scan outbox row: %w", err)
			}
			claimed = append(claimed, r)
		}
		if err := rs.Err(); err != nil {
			rs.Close()
			return err
		}
		rs.Close()

		updateQ := s.rebind(`UPDATE outbox SET status = 'broadcasting' WHERE msg_id = ? AND status = 'pending'`)
		for _, r := range claimed {
			if _, err := tx.ExecContext(ctx, updateQ, r.MsgID.String()); err != nil {
				return fmt.Errorf("claim update: %w", err)
			}
			r.Status = model.OutboxBroadcasting
		}
		rows = claimed
		return nil
	})
	return rows, err
}

func scanOutboxRow(rs *sql.Rows) (*model.OutboxRow, error) {
	var (
		r                                       model.OutboxRow
		msgID, channelID, senderID, tenantID    string
		payload, status                         string
		completedAt                             sql.NullInt64
		createdAt, nextAttemptAt                int64
	)
	if err := rs.Scan(&msgID, &channelID, &senderID, &tenantID, &payload, &status, &r.Attempt, &nextAttemptAt, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	r.MsgID = uuid.MustParse(msgID)
	r.ChannelID = uuid.MustParse(channelID)
	r.SenderID = uuid.MustParse(senderID)
	r.TenantID = uuid.MustParse(tenantID)
	r.Payload = []byte(payload)
	r.Status = model.OutboxStatus(status)
	r.CreatedAt = time.UnixMilli(createdAt)
	r.NextAttemptAt = time.UnixMilli(nextAttemptAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		r.CompletedAt = &t
	}
	return &r, nil
}

func (s *sqlStore) MarkOutboxBroadcasting(ctx context.Context, msgID uuid.UUID) error {
	q := s.rebind(`UPDATE outbox SET status = 'broadcasting' WHERE msg_id = ?`)
	_, err := s.db.ExecContext(ctx, q, msgID.String())
	return err
}

func (s *sqlStore) MarkOutboxDone(ctx context.Context, msgID uuid.UUID) error {
	q := s.rebind(`UPDATE outbox SET status = 'done', completed_at = ? WHERE msg_id = ?`)
	_, err := s.db.ExecContext(ctx, q, time.Now().UnixMilli(), msgID.String())
	return err
}

func (s *sqlStore) MarkOutboxRetry(ctx context.Context, msgID uuid.UUID, attempt int, nextAttemptAt int64) error {
	q := s.rebind(`UPDATE outbox SET status = 'pending', attempt = ?, next_attempt_at = ? WHERE msg_id = ?`)
	_, err := s.db.ExecContext(ctx, q, attempt, nextAttemptAt, msgID.String())
	return err
}

func (s *sqlStore) MarkOutboxFailed(ctx context.Context, msgID uuid.UUID) error {
	q := s.rebind(`UPDATE outbox SET status = 'failed' WHERE msg_id = ?`)
	_, err := s.db.ExecContext(ctx, q, msgID.String())
	return err
}

// ApplyUnreadIncrement is guarded by the (userId, channelId,
// lastAppliedMsgId) watermark from spec.md §4.7: the increment only
// applies if msgID's seqID is greater than the channel's recorded
// watermark seq, making replays of the same outbox row a no-op.
func (s *sqlStore) ApplyUnreadIncrement(ctx context.Context, userID, channelID, msgID uuid.UUID, seqID int64) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var watermarkMsgID sql.NullString
		selectQ := s.rebind(`SELECT last_applied_msg_id FROM unread_cursor WHERE user_id = ? AND channel_id = ?`)
		row := tx.QueryRowContext(ctx, selectQ, userID.String(), channelID.String())
		switch err := row.Scan(&watermarkMsgID); {
		case err == sql.ErrNoRows:
			insertQ := s.rebind(`
				INSERT INTO unread_cursor (user_id, channel_id, last_read_seq_id, unread_count, last_applied_msg_id)
				VALUES (?, ?, 0, 1, ?)`)
			_, err := tx.ExecContext(ctx, insertQ, userID.String(), channelID.String(), msgID.String())
			return err
		case err != nil:
			return fmt.Errorf("read unread cursor: %w", err)
		}

		if watermarkMsgID.Valid && watermarkMsgID.String == msgID.String() {
			return nil // already applied - idempotent re-processing of the same outbox row
		}

		updateQ := s.rebind(`
			UPDATE unread_cursor
			SET unread_count = unread_count + 1, last_applied_msg_id = ?
			WHERE user_id = ? AND channel_id = ?`)
		_, err := tx.ExecContext(ctx, updateQ, msgID.String(), userID.String(), channelID.String())
		return err
	})
}

func (s *sqlStore) GetUnreadCursor(ctx context.Context, userID, channelID uuid.UUID) (*model.UnreadCursor, error) {
	q := s.rebind(`SELECT user_id, channel_id, last_read_seq_id, unread_count, last_applied_msg_id FROM unread_cursor WHERE user_id = ? AND channel_id = ?`)
	row := s.db.QueryRowContext(ctx, q, userID.String(), channelID.String())

	var c model.UnreadCursor
	var uid, cid string
	var lastApplied sql.NullString
	if err := row.Scan(&uid, &cid, &c.LastReadSeqID, &c.UnreadCount, &lastApplied); err != nil {
		if err == sql.ErrNoRows {
			return &model.UnreadCursor{UserID: userID, ChannelID: channelID}, nil
		}
		return nil, scanErr("get unread cursor", err)
	}
	c.UserID = uuid.MustParse(uid)
	c.ChannelID = uuid.MustParse(cid)
	if lastApplied.Valid {
		c.LastAppliedMsgID = uuid.MustParse(lastApplied.String)
	}
	return &c, nil
}

// MarkRead is idempotent: it only advances last_read_seq_id forward,
// matching spec.md §8's "repeated acks do not move lastReadSeqId
// backward."
func (s *sqlStore) MarkRead(ctx context.Context, userID, channelID uuid.UUID, seqID int64) error {
	q := s.rebind(`
		INSERT INTO unread_cursor (user_id, channel_id, last_read_seq_id, unread_count)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (user_id, channel_id) DO UPDATE SET
			last_read_seq_id = CASE WHEN excluded.last_read_seq_id > unread_cursor.last_read_seq_id
				THEN excluded.last_read_seq_id ELSE unread_cursor.last_read_seq_id END,
			unread_count = CASE WHEN excluded.last_read_seq_id > unread_cursor.last_read_seq_id
				THEN 0 ELSE unread_cursor.unread_count END
	`)
	_, err := s.db.ExecContext(ctx, q, userID.String(), channelID.String(), seqID)
	return err
}
