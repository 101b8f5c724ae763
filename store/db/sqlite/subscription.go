package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/store"
)

func (d *DB) CreateSubscription(ctx context.Context, create *store.Subscription) (*store.Subscription, error) {
	now := time.Now().Unix()
	var endDate any
	if create.EndDate != nil {
		endDate = create.EndDate.Unix()
	}

	stmt := `
		INSERT INTO subscriptions (user_id, plan_type, status, start_date, end_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id, user_id, plan_type, status, start_date, end_date, created_at, updated_at
	`
	sub, err := scanSubscription(d.db.QueryRowContext(ctx, stmt,
		create.UserID,
		create.PlanType,
		create.Status,
		create.StartDate.Unix(),
		endDate,
		now,
		now,
	))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create subscription")
	}
	return sub, nil
}

func (d *DB) GetSubscription(ctx context.Context, find *store.FindSubscription) (*store.Subscription, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
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
		return nil, errors.Wrap(err, "failed to get subscription")
	}
	return sub, nil
}

func (d *DB) UpdateSubscription(ctx context.Context, update *store.UpdateSubscription) (*store.Subscription, error) {
	set, args := []string{"updated_at = ?"}, []any{time.Now().Unix()}

	if update.PlanType != nil {
		set, args = append(set, "plan_type = ?"), append(args, *update.PlanType)
	}
	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, *update.Status)
	}
	if update.StartDate != nil {
		set, args = append(set, "start_date = ?"), append(args, update.StartDate.Unix())
	}
	if update.EndDate != nil {
		set, args = append(set, "end_date = ?"), append(args, update.EndDate.Unix())
	}
	args = append(args, update.ID)

	stmt := `UPDATE subscriptions SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING id, user_id, plan_type, status, start_date, end_date, created_at, updated_at`

	sub, err := scanSubscription(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to update subscription")
	}
	return sub, nil
}

func scanSubscription(row rowScanner) (*store.Subscription, error) {
	var sub store.Subscription
	var startDate, createdAt, updatedAt int64
	var endDate sql.NullInt64
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PlanType,
		&sub.Status,
		&startDate,
		&endDate,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.StartDate = time.Unix(startDate, 0)
	if endDate.Valid {
		end := time.Unix(endDate.Int64, 0)
		sub.EndDate = &end
	}
	sub.CreatedAt = time.Unix(createdAt, 0)
	sub.UpdatedAt = time.Unix(updatedAt, 0)
	return &sub, nil
}
