// Package sqlite implements the relational-store driver on an embedded
// SQLite database. It is the default driver; postgres is the alternative
// for multi-instance deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/carlostoek/yabot/internal/profile"
	"github.com/carlostoek/yabot/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

var _ store.RelationalDriver = (*DB)(nil)

// NewDB creates the driver without opening the database; Connect opens it.
func NewDB(profile *profile.Profile) *DB {
	return &DB{profile: profile}
}

func (d *DB) Connect(ctx context.Context) error {
	if d.profile.SQLitePath == "" {
		return errors.New("sqlite database path required")
	}

	// Connect to the database with some sane settings:
	// - No foreign key enforcement: disabled by default in SQLite, kept
	//   explicit so upgrades do not change behavior under us. Cross-table
	//   cleanup happens in the driver inside transactions instead.
	// - Journal mode set to WAL: the recommended mode, prevents most
	//   locking issues.
	//
	// Note: with the `modernc.org/sqlite` driver each pragma must be
	// prefixed with `_pragma=`.
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(0)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		d.profile.SQLitePath, d.profile.SQLiteBusyTimeoutMS)
	sqliteDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return errors.Wrapf(err, "failed to open db with path: %s", d.profile.SQLitePath)
	}

	// SQLite with WAL performs best over a single connection.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	if err := sqliteDB.PingContext(ctx); err != nil {
		_ = sqliteDB.Close()
		return errors.Wrap(err, "failed to ping sqlite")
	}

	d.db = sqliteDB
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	if d.db == nil {
		return store.ErrUnavailable
	}
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS user_profiles (
		user_id TEXT PRIMARY KEY,
		telegram_user_id INTEGER NOT NULL UNIQUE,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		language_code TEXT NOT NULL DEFAULT '',
		registration_date INTEGER NOT NULL,
		last_login INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES user_profiles (user_id),
		plan_type TEXT NOT NULL CHECK (plan_type IN ('free', 'premium', 'vip')),
		status TEXT NOT NULL CHECK (status IN ('active', 'inactive', 'cancelled', 'expired')),
		start_date INTEGER NOT NULL,
		end_date INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions (status)`,
}

// Migrate applies the schema. Statements are idempotent so repeated starts
// are safe.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply migration")
		}
	}
	return nil
}
