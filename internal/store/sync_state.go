package store

import (
	"context"
	"database/sql"
	"time"
)

// PutSyncState stores a checkpoint value under key.
func (db *DB) PutSyncState(ctx context.Context, key, value string) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// SyncState returns the checkpoint stored under key. ok is false when absent.
func (db *DB) SyncState(ctx context.Context, key string) (value string, ok bool, err error) {
	conn, err := db.handle()
	if err != nil {
		return "", false, err
	}
	err = conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// DeleteSyncStatePrefix removes all checkpoints whose key starts with prefix.
func (db *DB) DeleteSyncStatePrefix(ctx context.Context, prefix string) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `DELETE FROM sync_state WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	return err
}

// DeleteSyncState removes the checkpoint stored under key.
func (db *DB) DeleteSyncState(ctx context.Context, key string) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key)
	return err
}
