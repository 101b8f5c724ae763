// Package subscription owns subscription records and their lifecycle:
// create, TTL expiry on read, upgrade and cancel.
package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/eventbus"
	"github.com/carlostoek/yabot/store"
)

// DefaultDurationDays is the subscription length applied when a create
// or upgrade does not specify one.
const DefaultDurationDays = 30

// ErrInvalidPlan is returned for a plan outside {free, premium, vip}.
var ErrInvalidPlan = errors.New("invalid plan")

// Service implements subscription operations over the relational store.
type Service struct {
	store *store.Store
	bus   eventbus.Publisher
}

func New(st *store.Store, bus eventbus.Publisher) *Service {
	return &Service{store: st, bus: bus}
}

// Create starts a subscription for the user. If an active one already
// exists it is returned unchanged; the operation is idempotent on
// active. durationDays <= 0 selects the default of 30 days.
func (s *Service) Create(ctx context.Context, userID string, plan store.PlanType, durationDays int) (*store.Subscription, error) {
	if !plan.Valid() {
		return nil, errors.Wrapf(ErrInvalidPlan, "plan %q", plan)
	}
	if durationDays <= 0 {
		durationDays = DefaultDurationDays
	}

	current, err := s.Current(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if current != nil && current.Status == store.SubscriptionActive && !expired(current, time.Now()) {
		return current, nil
	}

	now := time.Now().UTC()
	end := now.AddDate(0, 0, durationDays)
	created, err := s.store.CreateSubscription(ctx, &store.Subscription{
		UserID:    userID,
		PlanType:  plan,
		Status:    store.SubscriptionActive,
		StartDate: now,
		EndDate:   &end,
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, eventbus.SubscriptionCreated, userID, eventbus.SubscriptionCreatedPayload{
		PlanType: string(plan),
		EndDate:  created.EndDate,
	})
	return created, nil
}

// Current returns the user's newest subscription record, expired or not.
func (s *Service) Current(ctx context.Context, userID string) (*store.Subscription, error) {
	return s.store.GetSubscription(ctx, &store.FindSubscription{UserID: &userID})
}

// CheckStatus reports whether the user is currently subscribed. A
// record whose end date has passed is transitioned to expired and
// persisted before false is returned.
func (s *Service) CheckStatus(ctx context.Context, userID string) (bool, error) {
	current, err := s.Current(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current.Status != store.SubscriptionActive {
		return false, nil
	}

	if expired(current, time.Now()) {
		status := store.SubscriptionExpired
		if _, err := s.store.UpdateSubscription(ctx, &store.UpdateSubscription{
			ID:     current.ID,
			Status: &status,
		}); err != nil {
			return false, errors.Wrap(err, "persist expiry")
		}
		slog.Info("subscription expired", "user_id", userID, "plan", current.PlanType)
		return false, nil
	}
	return true, nil
}

// Upgrade moves the user to a new plan, reactivating and extending the
// record. Without an existing record it delegates to Create.
func (s *Service) Upgrade(ctx context.Context, userID string, newPlan store.PlanType) (*store.Subscription, error) {
	if !newPlan.Valid() {
		return nil, errors.Wrapf(ErrInvalidPlan, "plan %q", newPlan)
	}

	current, err := s.Current(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return s.Create(ctx, userID, newPlan, DefaultDurationDays)
	}
	if err != nil {
		return nil, err
	}

	status := store.SubscriptionActive
	end := time.Now().UTC().AddDate(0, 0, DefaultDurationDays)
	updated, err := s.store.UpdateSubscription(ctx, &store.UpdateSubscription{
		ID:       current.ID,
		PlanType: &newPlan,
		Status:   &status,
		EndDate:  &end,
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, eventbus.SubscriptionUpgraded, userID, eventbus.SubscriptionUpgradedPayload{
		FromPlan: string(current.PlanType),
		ToPlan:   string(newPlan),
	})
	return updated, nil
}

// Cancel sets the user's current subscription to cancelled.
func (s *Service) Cancel(ctx context.Context, userID string) error {
	current, err := s.Current(ctx, userID)
	if err != nil {
		return err
	}

	status := store.SubscriptionCancelled
	updated, err := s.store.UpdateSubscription(ctx, &store.UpdateSubscription{
		ID:     current.ID,
		Status: &status,
	})
	if err != nil {
		return err
	}

	s.emit(ctx, eventbus.SubscriptionUpdated, userID, eventbus.SubscriptionUpdatedPayload{
		PlanType: string(updated.PlanType),
		Status:   string(updated.Status),
	})
	return nil
}

// expired reports whether the record's end date has passed. A record
// exactly at its end date counts as expired.
func expired(sub *store.Subscription, now time.Time) bool {
	return sub.EndDate != nil && !sub.EndDate.After(now)
}

func (s *Service) emit(ctx context.Context, t eventbus.EventType, userID string, payload any) {
	e, err := eventbus.New(t, userID, payload)
	if err != nil {
		slog.Error("building event", "event_type", t, "error", err)
		return
	}
	if err := s.bus.Emit(ctx, e); err != nil {
		slog.Warn("emitting event", "event_type", t, "error", err)
	}
}
