package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotInitialized is returned by every operation issued before Init has
// completed. Callers must wait for initialization instead of retrying.
var ErrNotInitialized = errors.New("store: not initialized")

// DB is the local chat cache backed by a single SQLite file.
type DB struct {
	mu   sync.RWMutex
	conn *sql.DB
	path string
}

// New returns an uninitialized store. Call Init before use.
func New() *DB {
	return &DB{}
}

// Open creates a store and initializes it at path in one step.
func Open(path string) (*DB, error) {
	db := New()
	if _, err := db.Init(path); err != nil {
		return nil, err
	}
	return db, nil
}

// Init opens the SQLite file with WAL mode and runs pending migrations.
func (db *DB) Init(path string) (*MigrateResult, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	result, err := migrateConn(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	db.mu.Lock()
	old := db.conn
	db.conn = conn
	db.path = path
	db.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return result, nil
}

// Initialized reports whether Init has completed.
func (db *DB) Initialized() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn != nil
}

// Path returns the database file path, or "" before Init.
func (db *DB) Path() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.path
}

// Close releases the connection. The store returns to the uninitialized state.
func (db *DB) Close() error {
	db.mu.Lock()
	conn := db.conn
	db.conn = nil
	db.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (db *DB) handle() (*sql.DB, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.conn == nil {
		return nil, ErrNotInitialized
	}
	return db.conn, nil
}

// ClearAll removes every cached row. Media rows go first, then messages, then chats.
func (db *DB) ClearAll(ctx context.Context) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM media_files`,
		`DELETE FROM messages`,
		`DELETE FROM chats`,
		`DELETE FROM sync_state`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear all: %w", err)
		}
	}
	return tx.Commit()
}

// ClearChat removes a chat together with its messages and their media rows.
// Unknown ids are a no-op.
func (db *DB) ClearChat(ctx context.Context, chatID string) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM media_files
		WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)`, chatID); err != nil {
		return fmt.Errorf("delete media: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return tx.Commit()
}

// Stats holds row counts per relation.
type Stats struct {
	Chats      int
	Messages   int
	MediaFiles int
}

// Stats returns the number of rows in each relation.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	conn, err := db.handle()
	if err != nil {
		return nil, err
	}
	var s Stats
	err = conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM chats),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM media_files)`).
		Scan(&s.Chats, &s.Messages, &s.MediaFiles)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
