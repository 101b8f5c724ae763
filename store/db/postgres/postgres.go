// Package postgres implements the relational-store driver on PostgreSQL,
// selected with YABOT_RELATIONAL_DRIVER=postgres for deployments where the
// embedded default does not fit.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	// Registers the "postgres" driver; pq.Error is also used directly.
	"github.com/lib/pq"

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
	if d.profile.PostgresDSN == "" {
		return errors.New("postgres dsn required")
	}
	pgDB, err := sql.Open("postgres", d.profile.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	pgDB.SetMaxOpenConns(10)
	pgDB.SetMaxIdleConns(5)

	if err := pgDB.PingContext(ctx); err != nil {
		_ = pgDB.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	d.db = pgDB
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
		telegram_user_id BIGINT NOT NULL UNIQUE,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		language_code TEXT NOT NULL DEFAULT '',
		registration_date TIMESTAMPTZ NOT NULL,
		last_login TIMESTAMPTZ NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES user_profiles (user_id) ON DELETE CASCADE,
		plan_type TEXT NOT NULL CHECK (plan_type IN ('free', 'premium', 'vip')),
		status TEXT NOT NULL CHECK (status IN ('active', 'inactive', 'cancelled', 'expired')),
		start_date TIMESTAMPTZ NOT NULL,
		end_date TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions (status)`,
}

func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func placeholders(n int) string {
	list := make([]string, n)
	for i := range list {
		list[i] = placeholder(i + 1)
	}
	return strings.Join(list, ", ")
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
