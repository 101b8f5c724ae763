package store

import "time"

// PlanType is the subscription tier a user pays for.
type PlanType string

const (
	PlanFree    PlanType = "free"
	PlanPremium PlanType = "premium"
	PlanVIP     PlanType = "vip"
)

func (p PlanType) Valid() bool {
	switch p {
	case PlanFree, PlanPremium, PlanVIP:
		return true
	}
	return false
}

// SubscriptionStatus is the lifecycle state of a subscription record.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionInactive  SubscriptionStatus = "inactive"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Subscription is one subscription record. At most one record per user is in
// a logical "current" state; expired records are transitioned on next read.
type Subscription struct {
	ID        int64
	UserID    string
	PlanType  PlanType
	Status    SubscriptionStatus
	StartDate time.Time
	EndDate   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FindSubscription specifies the conditions for finding a subscription.
// When both fields are set they apply conjunctively.
type FindSubscription struct {
	ID     *int64
	UserID *string
	Status *SubscriptionStatus
}

// UpdateSubscription specifies the data for a partial subscription update.
type UpdateSubscription struct {
	ID        int64
	PlanType  *PlanType
	Status    *SubscriptionStatus
	StartDate *time.Time
	EndDate   *time.Time
}
