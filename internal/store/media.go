package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertMediaFile records the cached copy of a message attachment. A message
// has at most one tracked copy; a new row replaces the previous one.
func (db *DB) UpsertMediaFile(ctx context.Context, f *MediaFile) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	createdAt := f.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	fileType := f.FileType
	if fileType == "" {
		fileType = MediaFileType
	}
	_, err = conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO media_files (id, message_id, file_name, file_type, local_path, remote_url, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.MessageID, f.FileName, string(fileType), f.LocalPath, f.RemoteURL, f.Size, createdAt)
	if err != nil {
		return fmt.Errorf("upsert media file for message %s: %w", f.MessageID, err)
	}
	return nil
}

// GetMediaFile returns the tracked file for a message, or nil if none.
func (db *DB) GetMediaFile(ctx context.Context, messageID string) (*MediaFile, error) {
	conn, err := db.handle()
	if err != nil {
		return nil, err
	}
	var (
		f        MediaFile
		fileType string
	)
	err = conn.QueryRowContext(ctx, `
		SELECT id, message_id, file_name, file_type, local_path, remote_url, size, created_at
		FROM media_files WHERE message_id = ?`, messageID).
		Scan(&f.ID, &f.MessageID, &f.FileName, &fileType, &f.LocalPath, &f.RemoteURL, &f.Size, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.FileType = MediaType(fileType)
	return &f, nil
}

// DeleteMediaFile forgets the tracked file for a message.
func (db *DB) DeleteMediaFile(ctx context.Context, messageID string) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `DELETE FROM media_files WHERE message_id = ?`, messageID)
	return err
}
