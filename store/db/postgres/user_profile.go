package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/carlostoek/yabot/store"
)

func (d *DB) CreateUserProfile(ctx context.Context, create *store.UserProfile) error {
	fields := []string{"user_id", "telegram_user_id", "username", "first_name", "last_name",
		"language_code", "registration_date", "last_login", "is_active"}
	args := []any{create.UserID, create.TelegramUserID, create.Username, create.FirstName,
		create.LastName, create.LanguageCode, create.RegistrationDate, create.LastLogin, create.IsActive}

	stmt := `INSERT INTO user_profiles (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("failed to create user profile: %w", err)
	}
	return nil
}

func (d *DB) GetUserProfile(ctx context.Context, find *store.FindUserProfile) (*store.UserProfile, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.TelegramUserID != nil {
		where, args = append(where, "telegram_user_id = "+placeholder(len(args)+1)), append(args, *find.TelegramUserID)
	}

	query := `SELECT user_id, telegram_user_id, username, first_name, last_name,
			language_code, registration_date, last_login, is_active
		FROM user_profiles
		WHERE ` + strings.Join(where, " AND ")

	profile, err := scanUserProfile(d.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user profile: %w", err)
	}
	return profile, nil
}

func (d *DB) UpdateUserProfile(ctx context.Context, update *store.UpdateUserProfile) (*store.UserProfile, error) {
	set, args := []string{}, []any{}

	if update.Username != nil {
		set, args = append(set, "username = "+placeholder(len(args)+1)), append(args, *update.Username)
	}
	if update.FirstName != nil {
		set, args = append(set, "first_name = "+placeholder(len(args)+1)), append(args, *update.FirstName)
	}
	if update.LastName != nil {
		set, args = append(set, "last_name = "+placeholder(len(args)+1)), append(args, *update.LastName)
	}
	if update.LanguageCode != nil {
		set, args = append(set, "language_code = "+placeholder(len(args)+1)), append(args, *update.LanguageCode)
	}
	if update.LastLogin != nil {
		set, args = append(set, "last_login = "+placeholder(len(args)+1)), append(args, *update.LastLogin)
	}
	if update.IsActive != nil {
		set, args = append(set, "is_active = "+placeholder(len(args)+1)), append(args, *update.IsActive)
	}
	if len(set) == 0 {
		return d.GetUserProfile(ctx, &store.FindUserProfile{UserID: &update.UserID})
	}
	args = append(args, update.UserID)

	stmt := `UPDATE user_profiles SET ` + strings.Join(set, ", ") +
		` WHERE user_id = ` + placeholder(len(args)) + `
		RETURNING user_id, telegram_user_id, username, first_name, last_name,
			language_code, registration_date, last_login, is_active`

	profile, err := scanUserProfile(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update user profile: %w", err)
	}
	return profile, nil
}

// DeleteUserProfile removes the profile and its subscription rows together.
func (d *DB) DeleteUserProfile(ctx context.Context, userID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM user_profiles WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user profile: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserProfile(row rowScanner) (*store.UserProfile, error) {
	var profile store.UserProfile
	err := row.Scan(
		&profile.UserID,
		&profile.TelegramUserID,
		&profile.Username,
		&profile.FirstName,
		&profile.LastName,
		&profile.LanguageCode,
		&profile.RegistrationDate,
		&profile.LastLogin,
		&profile.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}
