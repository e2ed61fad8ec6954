package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertMessage stores a message (idempotent on guid) and advances the owning
// thread's last-message pointer. A newly seen incoming message that has not
// been read bumps the thread's unread count; a newly seen outgoing message
// clears it. Returns whether the message was new.
func (db *DB) UpsertMessage(ctx context.Context, m *Message) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (guid, thread_guid, sender_address, body, from_me, is_sent, error_code, attachment_mime, created_at, delivered_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO NOTHING`,
		m.GUID, m.ThreadGUID, m.SenderAddress, m.Body, boolToInt(m.FromMe), boolToInt(m.IsSent),
		m.ErrorCode, m.AttachmentMIME, m.CreatedAt, m.DeliveredAt, m.ReadAt)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, _ := res.RowsAffected()
	inserted := n > 0

	if !inserted {
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET
				body = CASE WHEN ? != '' THEN ? ELSE body END,
				is_sent = MAX(is_sent, ?),
				error_code = ?,
				delivered_at = MAX(delivered_at, ?),
				read_at = MAX(read_at, ?)
			WHERE guid = ?`,
			m.Body, m.Body, boolToInt(m.IsSent), m.ErrorCode, m.DeliveredAt, m.ReadAt, m.GUID); err != nil {
			return false, fmt.Errorf("update message: %w", err)
		}
	}

	unreadExpr := "unread_count"
	if inserted && !m.FromMe && m.ReadAt == 0 {
		unreadExpr = "unread_count + 1"
	} else if inserted && m.FromMe {
		unreadExpr = "0"
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE threads SET
			unread_count = `+unreadExpr+`,
			last_message_guid = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_guid END,
			last_message_at = MAX(last_message_at, ?),
			updated_at = ?
		WHERE guid = ?`,
		m.CreatedAt, m.GUID, m.CreatedAt, time.Now().UnixMilli(), m.ThreadGUID); err != nil {
		return false, fmt.Errorf("advance thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// UpdateReceipts records delivery/read timestamps for outgoing messages.
// Zero timestamps leave the stored value unchanged. Returns the number of rows touched.
func (db *DB) UpdateReceipts(ctx context.Context, guids []string, deliveredAt, readAt int64) (int64, error) {
	if len(guids) == 0 {
		return 0, nil
	}
	args := []any{deliveredAt, readAt}
	for _, g := range guids {
		args = append(args, g)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET
			delivered_at = MAX(delivered_at, ?),
			read_at = MAX(read_at, ?),
			is_sent = 1
		WHERE guid IN (`+placeholders(len(guids))+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LatestMessage returns the thread's most recent message, or nil if it has none.
func (db *DB) LatestMessage(ctx context.Context, threadGUID string) (*Message, error) {
	var m Message
	err := db.QueryRowContext(ctx, `
		SELECT guid, thread_guid, sender_address, body, from_me, is_sent, error_code, attachment_mime, created_at, delivered_at, read_at
		FROM messages
		WHERE thread_guid = ?
		ORDER BY created_at DESC, guid DESC
		LIMIT 1`, threadGUID).
		Scan(&m.GUID, &m.ThreadGUID, &m.SenderAddress, &m.Body, &m.FromMe, &m.IsSent, &m.ErrorCode,
			&m.AttachmentMIME, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ThreadForMessage returns the guid of the thread owning a message, or "" if unknown.
func (db *DB) ThreadForMessage(ctx context.Context, guid string) (string, error) {
	var thread string
	err := db.QueryRowContext(ctx, `SELECT thread_guid FROM messages WHERE guid = ?`, guid).Scan(&thread)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return thread, err
}
