package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/store"
)

func (d *DB) CreateUserProfile(ctx context.Context, create *store.UserProfile) error {
	stmt := `
		INSERT INTO user_profiles (
			user_id, telegram_user_id, username, first_name, last_name,
			language_code, registration_date, last_login, is_active
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := d.db.ExecContext(ctx, stmt,
		create.UserID,
		create.TelegramUserID,
		create.Username,
		create.FirstName,
		create.LastName,
		create.LanguageCode,
		create.RegistrationDate.Unix(),
		create.LastLogin.Unix(),
		boolToInt(create.IsActive),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return errors.Wrap(err, "failed to create user profile")
	}
	return nil
}

func (d *DB) GetUserProfile(ctx context.Context, find *store.FindUserProfile) (*store.UserProfile, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}
	if find.TelegramUserID != nil {
		where, args = append(where, "telegram_user_id = ?"), append(args, *find.TelegramUserID)
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
		return nil, errors.Wrap(err, "failed to get user profile")
	}
	return profile, nil
}

func (d *DB) UpdateUserProfile(ctx context.Context, update *store.UpdateUserProfile) (*store.UserProfile, error) {
	set, args := []string{}, []any{}

	if update.Username != nil {
		set, args = append(set, "username = ?"), append(args, *update.Username)
	}
	if update.FirstName != nil {
		set, args = append(set, "first_name = ?"), append(args, *update.FirstName)
	}
	if update.LastName != nil {
		set, args = append(set, "last_name = ?"), append(args, *update.LastName)
	}
	if update.LanguageCode != nil {
		set, args = append(set, "language_code = ?"), append(args, *update.LanguageCode)
	}
	if update.LastLogin != nil {
		set, args = append(set, "last_login = ?"), append(args, update.LastLogin.Unix())
	}
	if update.IsActive != nil {
		set, args = append(set, "is_active = ?"), append(args, boolToInt(*update.IsActive))
	}
	if len(set) == 0 {
		return d.GetUserProfile(ctx, &store.FindUserProfile{UserID: &update.UserID})
	}
	args = append(args, update.UserID)

	stmt := `UPDATE user_profiles SET ` + strings.Join(set, ", ") + ` WHERE user_id = ?
		RETURNING user_id, telegram_user_id, username, first_name, last_name,
			language_code, registration_date, last_login, is_active`

	profile, err := scanUserProfile(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to update user profile")
	}
	return profile, nil
}

// DeleteUserProfile removes the profile and its subscription rows together.
func (d *DB) DeleteUserProfile(ctx context.Context, userID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE user_id = ?`, userID); err != nil {
		return errors.Wrap(err, "failed to delete subscriptions")
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM user_profiles WHERE user_id = ?`, userID)
	if err != nil {
		return errors.Wrap(err, "failed to delete user profile")
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
	var registration, lastLogin int64
	var isActive int
	err := row.Scan(
		&profile.UserID,
		&profile.TelegramUserID,
		&profile.Username,
		&profile.FirstName,
		&profile.LastName,
		&profile.LanguageCode,
		&registration,
		&lastLogin,
		&isActive,
	)
	if err != nil {
		return nil, err
	}
	profile.RegistrationDate = time.Unix(registration, 0)
	profile.LastLogin = time.Unix(lastLogin, 0)
	profile.IsActive = isActive != 0
	return &profile, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
