package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrThreadNotFound is returned by thread writes that matched no row.
var ErrThreadNotFound = errors.New("thread not found")

func (db *DB) updateThread(ctx context.Context, guid, set string, args ...any) error {
	args = append(args, time.Now().UnixMilli(), guid)
	res, err := db.ExecContext(ctx, `UPDATE threads SET `+set+`, updated_at = ? WHERE guid = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, guid)
	}
	return nil
}

// SetPinned pins a thread at the end of the pin order, or unpins it.
func (db *DB) SetPinned(ctx context.Context, guid string, pinned bool) error {
	if !pinned {
		return db.updateThread(ctx, guid, `is_pinned = 0, pin_index = NULL`)
	}
	return db.updateThread(ctx, guid,
		`is_pinned = 1, pin_index = COALESCE(pin_index, (SELECT COALESCE(MAX(pin_index), -1) + 1 FROM threads WHERE is_pinned = 1))`)
}

// SetMuted sets a thread's mute flag.
func (db *DB) SetMuted(ctx context.Context, guid string, muted bool) error {
	return db.updateThread(ctx, guid, `is_muted = ?`, boolToInt(muted))
}

// SetArchived sets a thread's archive flag.
func (db *DB) SetArchived(ctx context.Context, guid string, archived bool) error {
	return db.updateThread(ctx, guid, `is_archived = ?`, boolToInt(archived))
}

// SetSnoozed snoozes a thread until the given unix-millisecond time; zero clears it.
func (db *DB) SetSnoozed(ctx context.Context, guid string, until int64) error {
	return db.updateThread(ctx, guid, `snoozed_until = ?`, until)
}

// MarkRead clears a thread's unread count.
func (db *DB) MarkRead(ctx context.Context, guid string) error {
	return db.updateThread(ctx, guid, `unread_count = 0`)
}

// MarkUnread flags a thread as having at least one unread message.
func (db *DB) MarkUnread(ctx context.Context, guid string) error {
	return db.updateThread(ctx, guid, `unread_count = MAX(unread_count, 1)`)
}

// DeleteThread removes a thread with its messages and participants.
func (db *DB) DeleteThread(ctx context.Context, guid string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM threads WHERE guid = ?`, guid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, guid)
	}
	return nil
}

// ReorderPins rewrites the pin order so that guids[i] gets pin index i.
// Every listed thread becomes pinned.
func (db *DB) ReorderPins(ctx context.Context, guids []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for i, guid := range guids {
		res, err := tx.ExecContext(ctx, `UPDATE threads SET is_pinned = 1, pin_index = ?, updated_at = ? WHERE guid = ?`, i, now, guid)
		if err != nil {
			return fmt.Errorf("reorder pin %q: %w", guid, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrThreadNotFound, guid)
		}
	}
	return tx.Commit()
}
