package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "tgsender/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         TEXT NOT NULL,
	source     TEXT NOT NULL,
	message_id TEXT NOT NULL,
	pattern    TEXT,
	attempts   INTEGER NOT NULL DEFAULT 0,
	payload    TEXT,
	err        TEXT
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_at ON dead_letters(at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the archive. It returns (nil, nil) when no path is
// configured; callers treat a nil Store as disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) AppendDeadLetter(ctx context.Context, dl DeadLetter) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if dl.At.IsZero() {
		dl.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(at, source, message_id, pattern, attempts, payload, err)
		 VALUES(?,?,?,?,?,?,?)`,
		dl.At.Format(time.RFC3339Nano), dl.Source, dl.MessageID, nullStr(dl.Pattern),
		dl.Attempts, nullStr(dl.Payload), nullStr(dl.Error),
	)
	return err
}

func (s *sqliteStore) RecentDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, source, message_id, pattern, attempts, payload, err
		 FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var at string
		var pattern, payload, errStr sql.NullString
		if err := rows.Scan(&at, &dl.Source, &dl.MessageID, &pattern, &dl.Attempts, &payload, &errStr); err != nil {
			return nil, err
		}
		dl.At, _ = time.Parse(time.RFC3339Nano, at)
		dl.Pattern = pattern.String
		dl.Payload = payload.String
		dl.Error = errStr.String
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Prune discards archived rows older than the cutoff. The archive is for
// short-term inspection, not long-term history.
func (s *sqliteStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE at < ?`, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
