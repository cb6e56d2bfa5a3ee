package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"wabridge/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists outbound message rows using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbound_messages (
		external_id TEXT PRIMARY KEY,
		recipient   TEXT NOT NULL,
		kind        TEXT NOT NULL,
		status      TEXT NOT NULL,
		attempts    INTEGER DEFAULT 0,
		last_error  TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_outbound_status ON outbound_messages(status, updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) SaveIntent(ctx context.Context, intent *domain.SendIntent) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO outbound_messages (external_id, recipient, kind, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		intent.ExternalID, intent.Recipient(), intent.Kind(), string(domain.StatusSent), intent.Attempts, now, now,
	)
	return err
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, externalID string, status domain.DeliveryStatus, lastError string, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_messages SET status = ?, last_error = ?, attempts = ?, updated_at = ?
		 WHERE external_id = ?`,
		string(status), lastError, attempts, time.Now(), externalID,
	)
	return err
}

// RecentTerminal returns the most recently updated messages that reached a
// terminal status, newest first capped at limit.
func (s *SQLiteStore) RecentTerminal(ctx context.Context, limit int) (map[string]domain.DeliveryStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT external_id, status FROM outbound_messages
		 WHERE status IN (?, ?, ?)
		 ORDER BY updated_at DESC LIMIT ?`,
		string(domain.StatusDelivered), string(domain.StatusRead), string(domain.StatusFailed), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.DeliveryStatus)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = domain.DeliveryStatus(status)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
