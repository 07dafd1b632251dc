package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whiskerlink/whisker-bridge/internal/credentials"
)

// ErrNotFound is returned when a lookup matches no rows.
var ErrNotFound = errors.New("storage: not found")

// HistoryEntry is one recorded state snapshot for a device.
type HistoryEntry struct {
	Serial     string
	Attributes map[string]any
	Source     string
	RecordedAt time.Time
}

// Repository persists the session token triple and a rolling state
// history so the bridge can resume without a full re-login and answer
// activity queries across restarts.
type Repository struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	repo := &Repository{db: db, logger: logger}
	if err := repo.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS token_cache (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			access_token TEXT NOT NULL,
			id_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS state_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			serial TEXT NOT NULL,
			attrs_json TEXT NOT NULL,
			source TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	if _, err := r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_state_history_serial ON state_history(serial, recorded_at);`); err != nil {
		return err
	}
	return nil
}

// SaveTokens stores the token triple, replacing any previous one. The
// cache holds a single row; the bridge owns one account per process.
func (r *Repository) SaveTokens(ctx context.Context, tokens credentials.Tokens) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO token_cache (id, access_token, id_token, refresh_token, expires_at, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			id_token = excluded.id_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at;`,
		tokens.AccessToken, tokens.IDToken, tokens.RefreshToken,
		tokens.ExpiresAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

// LoadTokens returns the cached token triple, or ErrNotFound when the
// cache is empty.
func (r *Repository) LoadTokens(ctx context.Context) (credentials.Tokens, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT access_token, id_token, refresh_token, expires_at FROM token_cache WHERE id = 1;`)

	var tokens credentials.Tokens
	var expiresAt string
	err := row.Scan(&tokens.AccessToken, &tokens.IDToken, &tokens.RefreshToken, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return credentials.Tokens{}, ErrNotFound
	}
	if err != nil {
		return credentials.Tokens{}, fmt.Errorf("load tokens: %w", err)
	}
	if t, parseErr := time.Parse(time.RFC3339Nano, expiresAt); parseErr == nil {
		tokens.ExpiresAt = t.UTC()
	}
	return tokens, nil
}

// ClearTokens removes the cached token triple.
func (r *Repository) ClearTokens(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM token_cache WHERE id = 1;`); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

// AppendHistory records a state snapshot for a device.
func (r *Repository) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	attrs, err := json.Marshal(entry.Attributes)
	if err != nil {
		return fmt.Errorf("encode history attrs: %w", err)
	}
	recordedAt := entry.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO state_history (serial, attrs_json, source, recorded_at) VALUES (?, ?, ?, ?);`,
		entry.Serial, string(attrs), entry.Source, recordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// RecentHistory returns up to limit snapshots for a device, newest first.
func (r *Repository) RecentHistory(ctx context.Context, serial string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT serial, attrs_json, source, recorded_at FROM state_history
		 WHERE serial = ? ORDER BY recorded_at DESC, id DESC LIMIT ?;`,
		serial, limit)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var attrs, recordedAt string
		if err := rows.Scan(&entry.Serial, &attrs, &entry.Source, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &entry.Attributes); err != nil {
			if r.logger != nil {
				r.logger.Warn("skipping undecodable history row", "serial", entry.Serial, "error", err)
			}
			continue
		}
		if t, parseErr := time.Parse(time.RFC3339Nano, recordedAt); parseErr == nil {
			entry.RecordedAt = t.UTC()
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PruneHistory deletes snapshots older than the cutoff and returns the
// number of rows removed.
func (r *Repository) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM state_history WHERE recorded_at < ?;`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 && r.logger != nil {
		r.logger.Info("pruned state history", "rows", rows)
	}
	return rows, nil
}
