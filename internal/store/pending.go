package store

import (
	"context"
	"time"
)

// QueuePendingWrite appends a mutation to the pending-write log.
func (db *DB) QueuePendingWrite(ctx context.Context, w *PendingWrite) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO pending_writes (id, thread_guid, op, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		w.ID, w.ThreadGUID, w.Op, w.Payload, now, now)
	return err
}

// MarkPendingWriteSending updates a log entry to 'sending' and counts the attempt.
func (db *DB) MarkPendingWriteSending(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE pending_writes SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE id = ?`, now, id)
	return err
}

// MarkPendingWriteDone updates a log entry to 'done'.
func (db *DB) MarkPendingWriteDone(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE pending_writes SET status = 'done', error_message = '', updated_at = ? WHERE id = ?`, now, id)
	return err
}

// MarkPendingWriteFailed updates a log entry to 'failed' with an error message.
func (db *DB) MarkPendingWriteFailed(ctx context.Context, id, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE pending_writes SET status = 'failed', error_message = ?, updated_at = ? WHERE id = ?`, errMsg, now, id)
	return err
}

// RequeuePendingWrite moves a failed entry back to 'queued'.
func (db *DB) RequeuePendingWrite(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE pending_writes SET status = 'queued', updated_at = ? WHERE id = ?`, now, id)
	return err
}

// PendingWrites returns log entries with the given status, oldest first.
func (db *DB) PendingWrites(ctx context.Context, status string) ([]PendingWrite, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, thread_guid, op, payload, status, error_message, attempts, created_at
		FROM pending_writes WHERE status = ? ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []PendingWrite
	for rows.Next() {
		var e PendingWrite
		if err := rows.Scan(&e.ID, &e.ThreadGUID, &e.Op, &e.Payload, &e.Status, &e.ErrorMessage, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
