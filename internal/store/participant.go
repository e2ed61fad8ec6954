package store

import (
	"context"
	"fmt"
	"strings"
)

// UpsertParticipants inserts or updates a thread's participants in a single transaction.
// Empty name fields never overwrite known ones.
func (db *DB) UpsertParticipants(ctx context.Context, participants []Participant) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (thread_guid, address, contact_name, inferred_name, avatar_ref)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(thread_guid, address) DO UPDATE SET
				contact_name = CASE WHEN excluded.contact_name != '' THEN excluded.contact_name ELSE participants.contact_name END,
				inferred_name = CASE WHEN excluded.inferred_name != '' THEN excluded.inferred_name ELSE participants.inferred_name END,
				avatar_ref = CASE WHEN excluded.avatar_ref != '' THEN excluded.avatar_ref ELSE participants.avatar_ref END`,
			p.ThreadGUID, p.Address, p.ContactName, p.InferredName, p.AvatarRef); err != nil {
			return fmt.Errorf("upsert participant %q: %w", p.Address, err)
		}
	}
	return tx.Commit()
}

// ParticipantsFor returns the participants of one thread.
func (db *DB) ParticipantsFor(ctx context.Context, threadGUID string) ([]Participant, error) {
	return db.ParticipantsForThreads(ctx, []string{threadGUID})
}

// ParticipantsForThreads returns the participants of every given thread in one query.
func (db *DB) ParticipantsForThreads(ctx context.Context, threadGUIDs []string) ([]Participant, error) {
	if len(threadGUIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(threadGUIDs))
	for i, id := range threadGUIDs {
		args[i] = id
	}
	rows, err := db.QueryContext(ctx, `
		SELECT thread_guid, address, contact_name, inferred_name, avatar_ref
		FROM participants
		WHERE thread_guid IN (`+placeholders(len(threadGUIDs))+`)
		ORDER BY thread_guid, address`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ThreadGUID, &p.Address, &p.ContactName, &p.InferredName, &p.AvatarRef); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
