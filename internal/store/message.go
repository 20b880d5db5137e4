package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DefaultMessageLimit is used when ListMessages is called without a limit.
const DefaultMessageLimit = 50

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertMessage inserts or replaces a message by id.
func (db *DB) UpsertMessage(ctx context.Context, m *Message) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	return upsertMessage(ctx, conn, m)
}

// UpsertMessages writes a batch of messages in one transaction.
func (db *DB) UpsertMessages(ctx context.Context, msgs []Message) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range msgs {
		if err := upsertMessage(ctx, tx, &msgs[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

func upsertMessage(ctx context.Context, e execer, m *Message) error {
	status := m.Status
	if status == "" {
		status = StatusSent
	}
	if !status.Valid() {
		return &InvalidStatusError{Status: status}
	}
	attachments := m.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	att, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, attachments, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chat_id = excluded.chat_id,
			sender_id = excluded.sender_id,
			content = excluded.content,
			attachments = excluded.attachments,
			created_at = excluded.created_at,
			status = excluded.status`,
		m.ID, m.ChatID, m.SenderID, nullString(m.Content), string(att), m.CreatedAt, string(status))
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// ListMessages returns messages of a chat, newest first.
func (db *DB) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]Message, error) {
	conn, err := db.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT id, chat_id, sender_id, content, attachments, created_at, status
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, chatID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			content sql.NullString
			att     string
			status  string
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &content, &att, &m.CreatedAt, &status); err != nil {
			return nil, err
		}
		m.Content = content.String
		m.Status = MessageStatus(status)
		if err := json.Unmarshal([]byte(att), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of message %s: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SetMessageStatus updates the delivery status of a message.
func (db *DB) SetMessageStatus(ctx context.Context, id string, status MessageStatus) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	if !status.Valid() {
		return &InvalidStatusError{Status: status}
	}
	_, err = conn.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	return err
}
