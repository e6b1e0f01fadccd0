package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/model"
)

// driver distinguishes the two supported backends where their SQL
// dialects diverge: bind-parameter placeholders (rebind) and the
// FOR UPDATE SKIP LOCKED clause, which ClaimOutboxBatch appends only for
// Postgres. The schema and ON CONFLICT upserts are shared verbatim.
type driver int

const (
	driverPostgres driver = iota
	driverSQLite
)

// sqlStore is the shared implementation behind both backends.
type sqlStore struct {
	db     *sql.DB
	driver driver
}

var _ Store = (*sqlStore)(nil)

// rebind rewrites "?" placeholders to "$1, $2, ..." for Postgres;
// SQLite accepts "?" natively so it passes through unchanged.
func (s *sqlStore) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func strPtr(u *uuid.UUID) any {
	if u == nil {
		return nil
	}
	return u.String()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func (s *sqlStore) InsertMessage(ctx context.Context, tx *sql.Tx, msg *model.Message) error {
	var attachments, metadata any
	if len(msg.Attachments) > 0 {
		b, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("marshal attachments: %w", err)
		}
		attachments = string(b)
	}
	if len(msg.Metadata) > 0 {
		metadata = string(msg.Metadata)
	}

	q := s.rebind(`
		INSERT INTO messages
			(msg_id, channel_id, tenant_id, sender_id, seq_id, client_msg_id,
			 type, content, parent_id, attachments, metadata, created_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := tx.ExecContext(ctx, q,
		msg.MsgID.String(), msg.ChannelID.String(), msg.TenantID.String(), msg.SenderID.String(),
		msg.SeqID, strPtr(msg.ClientMsgID), string(msg.Type), msg.Content, strPtr(msg.ParentID),
		attachments, metadata, msg.CreatedAt.UnixMilli(), msg.IsDeleted,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *sqlStore) InsertOutboxRow(ctx context.Context, tx *sql.Tx, row *model.OutboxRow) error {
	q := s.rebind(`
		INSERT INTO outbox
			(msg_id, channel_id, sender_id, tenant_id, seq_id, payload, status, attempt, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := tx.ExecContext(ctx, q,
		row.MsgID.String(), row.ChannelID.String(), row.SenderID.String(), row.TenantID.String(),
		seqFromPayload(row), string(row.Payload), string(row.Status), row.Attempt,
		row.NextAttemptAt.UnixMilli(), row.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}

// seqFromPayload decodes the seqId back out of the envelope payload so
// the outbox row can be ordered/claimed by seq without a join; Ingest
// always calls InsertOutboxRow with an already-serialized envelope.
func seqFromPayload(row *model.OutboxRow) int64 {
	var env struct {
		SeqID int64 `json:"seqId"`
	}
	_ = json.Unmarshal(row.Payload, &env)
	return env.SeqID
}

func scanMessage(row interface {
	Scan(dest ...any) error
}) (*model.Message, error) {
	var (
		m                                    model.Message
		msgID, channelID, tenantID, senderID string
		clientMsgID, parentID                sql.NullString
		attachments, metadata                sql.NullString
		msgType                              string
		createdAt                            int64
		editedAt                             sql.NullInt64
	)
	if err := row.Scan(&msgID, &channelID, &tenantID, &senderID, &m.SeqID, &clientMsgID,
		&msgType, &m.Content, &parentID, &attachments, &metadata, &createdAt, &editedAt, &m.IsDeleted); err != nil {
		return nil, err
	}

	m.MsgID = uuid.MustParse(msgID)
	m.ChannelID = uuid.MustParse(channelID)
	m.TenantID = uuid.MustParse(tenantID)
	m.SenderID = uuid.MustParse(senderID)
	m.Type = model.MessageType(msgType)
	m.CreatedAt = time.UnixMilli(createdAt)

	if clientMsgID.Valid {
		u := uuid.MustParse(clientMsgID.String)
		m.ClientMsgID = &u
	}
	if parentID.Valid {
		u := uuid.MustParse(parentID.String)
		m.ParentID = &u
	}
	if attachments.Valid && attachments.String != "" {
		_ = json.Unmarshal([]byte(attachments.String), &m.Attachments)
	}
	if metadata.Valid && metadata.String != "" {
		m.Metadata = json.RawMessage(metadata.String)
	}
	if editedAt.Valid {
		t := time.UnixMilli(editedAt.Int64)
		m.EditedAt = &t
	}
	return &m, nil
}

const messageColumns = `msg_id, channel_id, tenant_id, sender_id, seq_id, client_msg_id,
			type, content, parent_id, attachments, metadata, created_at, edited_at, is_deleted`

func (s *sqlStore) GetMessageByClientMsgID(ctx context.Context, channelID, clientMsgID uuid.UUID) (*model.Message, error) {
	q := s.rebind(`SELECT ` + messageColumns + ` FROM messages WHERE channel_id = ? AND client_msg_id = ?`)
	row := s.db.QueryRowContext(ctx, q, channelID.String(), clientMsgID.String())
	m, err := scanMessage(row)
	if err != nil {
		return nil, scanErr("get message by clientMsgId", err)
	}
	return m, nil
}

func (s *sqlStore) GetMessageByID(ctx context.Context, msgID uuid.UUID) (*model.Message, error) {
	q := s.rebind(`SELECT ` + messageColumns + ` FROM messages WHERE msg_id = ?`)
	row := s.db.QueryRowContext(ctx, q, msgID.String())
	m, err := scanMessage(row)
	if err != nil {
		return nil, scanErr("get message by id", err)
	}
	return m, nil
}

func (s *sqlStore) ListMessagesAfterSeq(ctx context.Context, channelID uuid.UUID, afterSeq int64, limit int) ([]*model.Message, error) {
	q := s.rebind(`SELECT ` + messageColumns + ` FROM messages
		WHERE channel_id = ? AND seq_id > ?
		ORDER BY seq_id ASC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, q, channelID.String(), afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages after seq: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) EditMessage(ctx context.Context, msgID uuid.UUID, content string) (*model.Message, error) {
	now := time.Now().UnixMilli()
	q := s.rebind(`UPDATE messages SET content = ?, edited_at = ? WHERE msg_id = ? AND is_deleted = FALSE`)
	res, err := s.db.ExecContext(ctx, q, content, now, msgID.String())
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, scanErr("edit message", sql.ErrNoRows)
	}
	return s.GetMessageByID(ctx, msgID)
}

func (s *sqlStore) SoftDeleteMessage(ctx context.Context, msgID uuid.UUID) (*model.Message, error) {
	q := s.rebind(`UPDATE messages SET is_deleted = TRUE, content = '' WHERE msg_id = ?`)
	res, err := s.db.ExecContext(ctx, q, msgID.String())
	if err != nil {
		return nil, fmt.Errorf("soft delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, scanErr("soft delete message", sql.ErrNoRows)
	}
	return s.GetMessageByID(ctx, msgID)
}

func (s *sqlStore) Close() error { return s.db.Close() }
