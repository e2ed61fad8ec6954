package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// addressSep separates addresses inside the GROUP_CONCAT column.
const addressSep = "\x1f"

const threadColumns = `
	t.guid, t.kind, t.name, t.is_group, t.unread_count, t.is_pinned, t.pin_index,
	t.is_muted, t.is_archived, t.is_spam, t.is_blocked, t.snoozed_until, t.draft_text,
	t.last_message_guid, t.last_message_at,
	COALESCE((SELECT GROUP_CONCAT(p.address, char(31)) FROM participants p WHERE p.thread_guid = t.guid), '')`

// UpsertThread inserts a thread or refreshes its transport-owned fields.
// User-controlled flags (pin, mute, archive, snooze) are left untouched on update.
func (db *DB) UpsertThread(ctx context.Context, t *Thread) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO threads (guid, kind, name, is_group, unread_count, is_spam, is_blocked, draft_text, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE threads.name END,
			is_group = excluded.is_group,
			is_spam = excluded.is_spam,
			is_blocked = excluded.is_blocked,
			draft_text = excluded.draft_text,
			last_message_at = MAX(threads.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		t.GUID, string(t.Kind), t.Name, boolToInt(t.IsGroup), t.UnreadCount,
		boolToInt(t.IsSpam), boolToInt(t.IsBlocked), t.DraftText, t.LastMessageAt, now)
	return err
}

// ListThreadsPage returns one page of visible threads of the given kind,
// ordered pinned first, then by pin index, then most recent activity.
// Archived, blocked and spam threads are excluded.
func (db *DB) ListThreadsPage(ctx context.Context, kind Kind, limit, offset int) ([]Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads t
		WHERE t.kind = ? AND t.is_archived = 0 AND t.is_blocked = 0 AND t.is_spam = 0
		ORDER BY t.is_pinned DESC, t.pin_index IS NULL, t.pin_index ASC, t.last_message_at DESC, t.guid ASC
		LIMIT ? OFFSET ?`, string(kind), limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var threads []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// CountThreads returns the number of visible threads of the given kind.
func (db *DB) CountThreads(ctx context.Context, kind Kind) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM threads
		WHERE kind = ? AND is_archived = 0 AND is_blocked = 0 AND is_spam = 0`, string(kind)).Scan(&count)
	return count, err
}

// GetThread returns a single thread by guid, or nil if it does not exist.
func (db *DB) GetThread(ctx context.Context, guid string) (*Thread, error) {
	row := db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads t WHERE t.guid = ?`, guid)
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(r rowScanner) (Thread, error) {
	var (
		t         Thread
		kind      string
		pinIndex  sql.NullInt64
		addresses string
	)
	err := r.Scan(&t.GUID, &kind, &t.Name, &t.IsGroup, &t.UnreadCount, &t.IsPinned, &pinIndex,
		&t.IsMuted, &t.IsArchived, &t.IsSpam, &t.IsBlocked, &t.SnoozedUntil, &t.DraftText,
		&t.LastMessageGUID, &t.LastMessageAt, &addresses)
	if err != nil {
		return t, err
	}
	t.Kind = Kind(kind)
	if pinIndex.Valid {
		idx := int(pinIndex.Int64)
		t.PinIndex = &idx
	}
	if addresses != "" {
		t.Addresses = strings.Split(addresses, addressSep)
	}
	return t, nil
}
