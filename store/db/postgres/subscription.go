package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/carlostoek/yabot/store"
)

func (d *DB) CreateSubscription(ctx context.Context, create *store.Subscription) (*store.Subscription, error) {
	fields := []string{"user_id", "plan_type", "status", "start_date", "end_date"}
	args := []any{create.UserID, create.PlanType, create.Status, create.StartDate, create.EndDate}

	stmt := `INSERT INTO subscriptions (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id, user_id, plan_type, status, start_date, end_date, created_at, updated_at`

	sub, err := scanSubscription(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

func (d *DB) GetSubscription(ctx context.Context, find *store.FindSubscription) (*store.Subscription, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.Status != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *find.Status)
	}

	// The newest record is the logical "current" one.
	query := `SELECT id, user_id, plan_type, status, start_date, end_date, created_at, updated_at
		FROM subscriptions
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY id DESC
		LIMIT 1`

	sub, err := scanSubscription(d.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (d *DB) UpdateSubscription(ctx context.Context, update *store.UpdateSubscription) (*store.Subscription, error) {
	set, args := []string{"updated_at = now()"}, []any{}

	if update.PlanType != nil {
		set, args = append(set, "plan_type = "+placeholder(len(args)+1)), append(args, *update.PlanType)
	}
	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *update.Status)
	}
	if update.StartDate != nil {
		set, args = append(set, "start_date = "+placeholder(len(args)+1)), append(args, *update.StartDate)
	}
	if update.EndDate != nil {
		set, args = append(set, "end_date = "+placeholder(len(args)+1)), append(args, *update.EndDate)
	}
	args = append(args, update.ID)

	stmt := `UPDATE subscriptions SET ` + strings.Join(set, ", ") +
		` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, user_id, plan_type, status, start_date, end_date, created_at, updated_at`

	sub, err := scanSubscription(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	return sub, nil
}

func scanSubscription(row rowScanner) (*store.Subscription, error) {
	var sub store.Subscription
	var endDate sql.NullTime
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PlanType,
		&sub.Status,
		&sub.StartDate,
		&endDate,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if endDate.Valid {
		end := endDate.Time
		sub.EndDate = &end
	}
	return &sub, nil
}
