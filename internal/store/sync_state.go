package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"
)

// SetCheckpoint updates a sync checkpoint value.
func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// Checkpoint retrieves a sync checkpoint value; missing keys yield "".
func (db *DB) Checkpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// IntCheckpoint reads a numeric checkpoint; missing or malformed values yield 0.
func (db *DB) IntCheckpoint(ctx context.Context, key string) (int64, error) {
	v, err := db.Checkpoint(ctx, key)
	if err != nil || v == "" {
		return 0, err
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

// UpsertLinkPreview caches the page title for a URL.
func (db *DB) UpsertLinkPreview(ctx context.Context, url, title string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO link_previews (url, title, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at`,
		url, title, now)
	return err
}

// LinkPreviewTitle returns the cached title for a URL.
func (db *DB) LinkPreviewTitle(ctx context.Context, url string) (string, bool, error) {
	var title string
	err := db.QueryRowContext(ctx, `SELECT title FROM link_previews WHERE url = ?`, url).Scan(&title)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return title, true, nil
}
