// Package store provides ambient SQLite-backed persistence: a cache of the
// immutable car/track catalog, the server's display name/settings, and an
// audit trail of session lifecycle events. None of this is authoritative
// simulation state — the tick loop's in-memory roster and session runtime
// remain the sole source of truth; a restart with an empty store loses no
// live race, only the convenience cache and history. Built on
// modernc.org/sqlite with migrate-on-open and slog logging of catalog and
// audit writes, the same way this project's other persistence lives.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"raceserver/internal/catalog"
	"raceserver/internal/ids"
)

// ErrSettingNotFound is returned when no row exists for a settings key.
var ErrSettingNotFound = errors.New("store: setting not found")

// Store persists raceserver's ambient (non-authoritative) state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("store: enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS car_configs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	cached_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS track_configs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	file_name TEXT NOT NULL,
	closed INTEGER NOT NULL,
	cached_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	event TEXT NOT NULL,
	detail TEXT NOT NULL,
	ts_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_audit_session ON session_audit(session_id, ts_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// SetSetting upserts a single key/value pair, e.g. the server's display name.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("store: setting key is required")
	}
	const q = `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("store: set setting %q: %w", key, err)
	}
	return nil
}

// Setting returns a previously stored value, or ErrSettingNotFound.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key = ?`
	var value string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: query setting %q: %w", key, err)
	}
	return value, nil
}

// CacheCatalog replaces the cached car/track catalog rows with the given
// content. Read-only from the tick loop's perspective: only the startup
// loader and the `catalog` CLI subcommand call this, never the session runtime.
func (s *Store) CacheCatalog(ctx context.Context, cars []catalog.CarConfig, tracks []catalog.TrackConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin catalog cache tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM car_configs`); err != nil {
		return fmt.Errorf("store: clear car_configs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM track_configs`); err != nil {
		return fmt.Errorf("store: clear track_configs: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, car := range cars {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO car_configs (id, name, cached_at_unix_ms) VALUES (?, ?, ?)`,
			car.ID.String(), car.Name, now); err != nil {
			return fmt.Errorf("store: cache car config %s: %w", car.ID, err)
		}
	}
	for _, track := range tracks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO track_configs (id, name, file_name, closed, cached_at_unix_ms) VALUES (?, ?, ?, ?, ?)`,
			track.ID.String(), track.Name, track.FileName, boolToInt(track.Closed), now); err != nil {
			return fmt.Errorf("store: cache track config %s: %w", track.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit catalog cache tx: %w", err)
	}
	slog.Debug("catalog cached", "cars", len(cars), "tracks", len(tracks))
	return nil
}

// CachedCarConfigRow is one cached car catalog entry.
type CachedCarConfigRow struct {
	ID   string
	Name string
}

// CachedTrackConfigRow is one cached track catalog entry.
type CachedTrackConfigRow struct {
	ID       string
	Name     string
	FileName string
	Closed   bool
}

// CachedCarConfigs returns the most recently cached car catalog.
func (s *Store) CachedCarConfigs(ctx context.Context) ([]CachedCarConfigRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM car_configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: query car_configs: %w", err)
	}
	defer rows.Close()

	var out []CachedCarConfigRow
	for rows.Next() {
		var row CachedCarConfigRow
		if err := rows.Scan(&row.ID, &row.Name); err != nil {
			return nil, fmt.Errorf("store: scan car_config: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CachedTrackConfigs returns the most recently cached track catalog.
func (s *Store) CachedTrackConfigs(ctx context.Context) ([]CachedTrackConfigRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, file_name, closed FROM track_configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: query track_configs: %w", err)
	}
	defer rows.Close()

	var out []CachedTrackConfigRow
	for rows.Next() {
		var row CachedTrackConfigRow
		var closed int
		if err := rows.Scan(&row.ID, &row.Name, &row.FileName, &closed); err != nil {
			return nil, fmt.Errorf("store: scan track_config: %w", err)
		}
		row.Closed = closed != 0
		out = append(out, row)
	}
	return out, rows.Err()
}

// RecordSessionEvent appends one row to the session lifecycle audit trail.
// Diagnostic only: the session runtime's in-memory state is never read back
// from this table.
func (s *Store) RecordSessionEvent(ctx context.Context, sessionID ids.SessionID, event, detail string) error {
	const q = `INSERT INTO session_audit (session_id, event, detail, ts_unix_ms) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, sessionID.String(), event, detail, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: record session event: %w", err)
	}
	slog.Debug("session event recorded", "session_id", sessionID, "event", event)
	return nil
}

// SessionAuditRow is one row of the session lifecycle audit trail.
type SessionAuditRow struct {
	SessionID string
	Event     string
	Detail    string
	Timestamp time.Time
}

// SessionAuditTrail returns every recorded event for one session, oldest
// first.
func (s *Store) SessionAuditTrail(ctx context.Context, sessionID ids.SessionID) ([]SessionAuditRow, error) {
	const q = `SELECT session_id, event, detail, ts_unix_ms FROM session_audit WHERE session_id = ? ORDER BY ts_unix_ms, id`
	rows, err := s.db.QueryContext(ctx, q, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("store: query session_audit: %w", err)
	}
	defer rows.Close()

	var out []SessionAuditRow
	for rows.Next() {
		var row SessionAuditRow
		var tsUnixMs int64
		if err := rows.Scan(&row.SessionID, &row.Event, &row.Detail, &tsUnixMs); err != nil {
			return nil, fmt.Errorf("store: scan session_audit: %w", err)
		}
		row.Timestamp = time.UnixMilli(tsUnixMs).UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
