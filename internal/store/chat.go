package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const chatColumns = `id, name, avatar, is_group, last_message, last_message_time, unread_count, members`

// UpsertChat inserts or replaces every field of a chat.
func (db *DB) UpsertChat(ctx context.Context, c *Chat) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	members, err := encodeMembers(c.Members)
	if err != nil {
		return err
	}
	unread := max(c.UnreadCount, 0)
	_, err = conn.ExecContext(ctx, `
		INSERT INTO chats (id, name, avatar, is_group, last_message, last_message_time, unread_count, members, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			avatar = excluded.avatar,
			is_group = excluded.is_group,
			last_message = excluded.last_message,
			last_message_time = excluded.last_message_time,
			unread_count = excluded.unread_count,
			members = excluded.members,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, nullString(c.Avatar), c.IsGroup, nullString(c.LastMessage), nullString(c.LastMessageTime),
		unread, members, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert chat %s: %w", c.ID, err)
	}
	return nil
}

// TouchChat advances the last-message summary of a chat, creating a bare row
// when the chat is not cached yet. Older timestamps never overwrite newer ones.
func (db *DB) TouchChat(ctx context.Context, chatID, preview, at string) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO chats (id, last_message, last_message_time, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message = CASE
				WHEN chats.last_message_time IS NULL OR excluded.last_message_time >= chats.last_message_time
				THEN excluded.last_message ELSE chats.last_message END,
			last_message_time = CASE
				WHEN chats.last_message_time IS NULL OR excluded.last_message_time >= chats.last_message_time
				THEN excluded.last_message_time ELSE chats.last_message_time END,
			updated_at = excluded.updated_at`,
		chatID, nullString(preview), at, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("touch chat %s: %w", chatID, err)
	}
	return nil
}

// ListChats returns all chats, most recent activity first. Chats without a
// last message sort last.
func (db *DB) ListChats(ctx context.Context) ([]Chat, error) {
	conn, err := db.handle()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		ORDER BY last_message_time IS NULL, last_message_time DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, or nil if it is not cached.
func (db *DB) GetChat(ctx context.Context, id string) (*Chat, error) {
	conn, err := db.handle()
	if err != nil {
		return nil, err
	}
	c, err := scanChat(conn.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SetUnreadCount overwrites the unread counter. Negative values clamp to zero.
func (db *DB) SetUnreadCount(ctx context.Context, id string, n int) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `UPDATE chats SET unread_count = ?, updated_at = ? WHERE id = ?`,
		max(n, 0), time.Now().UnixMilli(), id)
	return err
}

// IncrementUnread adds delta to the unread counter, never dropping below zero.
func (db *DB) IncrementUnread(ctx context.Context, id string, delta int) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		UPDATE chats SET unread_count = MAX(unread_count + ?, 0), updated_at = ?
		WHERE id = ?`, delta, time.Now().UnixMilli(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(r rowScanner) (*Chat, error) {
	var (
		c                            Chat
		avatar, lastMsg, lastMsgTime sql.NullString
		members                      string
	)
	if err := r.Scan(&c.ID, &c.Name, &avatar, &c.IsGroup, &lastMsg, &lastMsgTime, &c.UnreadCount, &members); err != nil {
		return nil, err
	}
	c.Avatar = avatar.String
	c.LastMessage = lastMsg.String
	c.LastMessageTime = lastMsgTime.String
	if err := json.Unmarshal([]byte(members), &c.Members); err != nil {
		return nil, fmt.Errorf("decode members of chat %s: %w", c.ID, err)
	}
	return &c, nil
}

func encodeMembers(members []string) (string, error) {
	if members == nil {
		members = []string{}
	}
	b, err := json.Marshal(members)
	if err != nil {
		return "", fmt.Errorf("encode members: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
