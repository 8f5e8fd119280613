package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

var sqliteMigrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS kv_entries (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_kv_entries_expires_at ON kv_entries(expires_at);
`,
	},
}

// SQLiteBackend is a local persistent tier backed by a single SQLite file.
// expires_at holds unix nanoseconds, 0 meaning no expiry.
type SQLiteBackend struct {
	name  string
	db    *sql.DB
	clock Clock
}

// NewSQLiteBackend opens (or creates) the database at path and applies migrations.
func NewSQLiteBackend(name, path string, clock Clock) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite %q", path)
	}
	// A single writer avoids SQLITE_BUSY under concurrent promotion.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL")
	}

	if clock == nil {
		clock = SystemClock
	}
	s := &SQLiteBackend{name: name, db: db, clock: clock}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to migrate")
	}
	return s, nil
}

func (s *SQLiteBackend) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return errors.Wrap(err, "create schema_versions")
	}

	for _, m := range sqliteMigrations {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return errors.Wrapf(err, "check migration %d", m.version)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return errors.Wrapf(err, "apply migration %d", m.version)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return errors.Wrapf(err, "record migration %d", m.version)
		}
	}
	return nil
}

func (s *SQLiteBackend) Name() string {
	return s.name
}

func (s *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv_entries WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read %s", key)
	}

	var deadline time.Time
	if expiresAt != 0 {
		deadline = time.Unix(0, expiresAt)
	}
	if expired(deadline, s.clock()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ? AND expires_at = ?`, key, expiresAt); err != nil {
			return nil, false, errors.Wrapf(err, "failed to remove expired %s", key)
		}
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLiteBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if deadline := expiryFor(s.clock(), ttl); !deadline.IsZero() {
		expiresAt = deadline.UnixNano()
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv_entries(key, value, expires_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return errors.Wrapf(err, "failed to write %s", key)
	}
	return nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return errors.Wrapf(err, "failed to delete %s", key)
	}
	return nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
