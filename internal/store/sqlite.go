package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/assistant-stream/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	// writeMu serialises writers so WAL readers never see SQLITE_BUSY from
	// our own process.
	writeMu sync.Mutex
	now     func() time.Time
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS fetched_conversations (
		conversation_id TEXT PRIMARY KEY,
		fetched_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fetched_at ON fetched_conversations(fetched_at);

	CREATE TABLE IF NOT EXISTS conversation_snapshots (
		conversation_id TEXT PRIMARY KEY,
		messages_json TEXT NOT NULL,
		message_count INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_updated ON conversation_snapshots(updated_at);

	CREATE TABLE IF NOT EXISTS incomplete_saves (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var res sql.Result
	err := withBusyRetry(ctx, op, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// MarkFetched records that the server history of id has been loaded.
func (s *SQLiteStore) MarkFetched(ctx context.Context, id string) error {
	query := `
	INSERT INTO fetched_conversations (conversation_id, fetched_at) VALUES (?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET fetched_at = excluded.fetched_at`
	_, err := s.exec(ctx, "mark fetched", query, id, s.now().Unix())
	return err
}

// IsFetched reports whether id has been marked fetched.
func (s *SQLiteStore) IsFetched(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM fetched_conversations WHERE conversation_id = ?`, id,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query fetched: %w", err)
	}
	return true, nil
}

// CleanupFetched removes fetched marks and snapshots older than ttl.
func (s *SQLiteStore) CleanupFetched(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := s.now().Add(-ttl).Unix()

	marks, err := s.exec(ctx, "cleanup fetched", `DELETE FROM fetched_conversations WHERE fetched_at < ?`, threshold)
	if err != nil {
		return 0, err
	}
	snaps, err := s.exec(ctx, "cleanup snapshots", `DELETE FROM conversation_snapshots WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, err
	}

	n1, err := marks.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetched rows affected: %w", err)
	}
	n2, err := snaps.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("snapshot rows affected: %w", err)
	}
	return n1 + n2, nil
}

// SaveSnapshot replaces the stored message list for key.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, key domain.Key, messages []domain.Message) error {
	if messages == nil {
		messages = []domain.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	query := `
	INSERT INTO conversation_snapshots (conversation_id, messages_json, message_count, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET
		messages_json = excluded.messages_json,
		message_count = excluded.message_count,
		updated_at = excluded.updated_at`
	_, err = s.exec(ctx, "save snapshot", query, string(key), string(data), len(messages), s.now().Unix())
	return err
}

// LoadSnapshot returns the stored message list for key, if any.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, key domain.Key) ([]domain.Message, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages_json FROM conversation_snapshots WHERE conversation_id = ?`, string(key),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan snapshot: %w", err)
	}

	var messages []domain.Message
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return messages, true, nil
}

// EnqueueIncomplete queues an incomplete conversation for redelivery.
func (s *SQLiteStore) EnqueueIncomplete(ctx context.Context, ic domain.IncompleteConversation, lastErr string) (int64, error) {
	data, err := json.Marshal(ic)
	if err != nil {
		return 0, fmt.Errorf("encode incomplete save: %w", err)
	}
	now := s.now().Unix()
	res, err := s.exec(ctx, "enqueue incomplete save",
		`INSERT INTO incomplete_saves (payload_json, attempts, last_error, created_at, updated_at) VALUES (?, 1, ?, ?, ?)`,
		string(data), nullable(lastErr), now, now,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("incomplete save id: %w", err)
	}
	return id, nil
}

// PendingIncomplete returns up to limit queued saves, oldest first.
func (s *SQLiteStore) PendingIncomplete(ctx context.Context, limit int) ([]PendingSave, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload_json, attempts, last_error, created_at
		FROM incomplete_saves ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query incomplete saves: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close incomplete saves rows", "error", closeErr)
		}
	}()

	var out []PendingSave
	for rows.Next() {
		var (
			p         PendingSave
			payload   string
			lastErr   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&p.ID, &payload, &p.Attempts, &lastErr, &createdAt); err != nil {
			return nil, fmt.Errorf("scan incomplete save: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &p.Conversation); err != nil {
			slog.Warn("Skipping undecodable incomplete save", "id", p.ID, "error", err)
			continue
		}
		p.LastError = lastErr.String
		p.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incomplete saves: %w", err)
	}
	return out, nil
}

// RecordIncompleteFailure bumps the attempt count of a queued save.
func (s *SQLiteStore) RecordIncompleteFailure(ctx context.Context, id int64, lastErr string) error {
	_, err := s.exec(ctx, "record incomplete failure",
		`UPDATE incomplete_saves SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		nullable(lastErr), s.now().Unix(), id,
	)
	return err
}

// DeleteIncomplete removes a delivered save.
func (s *SQLiteStore) DeleteIncomplete(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, "delete incomplete save", `DELETE FROM incomplete_saves WHERE id = ?`, id)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
