// internal/domain/entitlement/entity.go
package entitlement

import (
	"database/sql"
	"time"
)

type SubscriptionStatus string

const (
	StatusTrial     SubscriptionStatus = "TRIAL"
	StatusActive    SubscriptionStatus = "ACTIVE"
	StatusExpired   SubscriptionStatus = "EXPIRED"
	StatusSuspended SubscriptionStatus = "SUSPENDED"
	StatusCancelled SubscriptionStatus = "CANCELLED"
)

// Tier is the feature level a store is currently granted.
type Tier string

const (
	TierTrial   Tier = "TRIAL"
	TierBasic   Tier = "BASIC"
	TierPremium Tier = "PREMIUM"
	TierExpired Tier = "EXPIRED"
	TierNone    Tier = "NONE"
)

// Store is the tenant that owns exactly one subscription.
type Store struct {
	StoreID    string         `json:"store_id" db:"store_id"`
	Name       string         `json:"name" db:"name"`
	Phone      sql.NullString `json:"phone,omitempty" db:"phone"`
	Email      sql.NullString `json:"email,omitempty" db:"email"`
	AccessCode string         `json:"access_code" db:"access_code"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// Plan is a purchasable subscription plan. MinAmountMinor/MaxAmountMinor form the
// amount range used to recognise payments that carry no reference.
type Plan struct {
	PlanID         string `json:"plan_id" db:"plan_id"`
	Name           string `json:"name" db:"name"`
	Tier           Tier   `json:"tier" db:"tier"`
	DurationDays   int    `json:"duration_days" db:"duration_days"`
	PriceMinor     int64  `json:"price_minor" db:"price_minor"`
	Currency       string `json:"currency" db:"currency"`
	MinAmountMinor int64  `json:"min_amount_minor" db:"min_amount_minor"`
	MaxAmountMinor int64  `json:"max_amount_minor" db:"max_amount_minor"`
}

func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// Covers reports whether amountMinor falls inside the plan's amount range.
func (p *Plan) Covers(amountMinor int64) bool {
	return amountMinor >= p.MinAmountMinor && amountMinor <= p.MaxAmountMinor
}

type Subscription struct {
	ID                 string             `json:"id" db:"id"`
	StoreID            string             `json:"store_id" db:"store_id"`
	Status             SubscriptionStatus `json:"status" db:"status"`
	ExpiresAt          time.Time          `json:"expires_at" db:"expires_at"`
	PlanID             string             `json:"plan_id" db:"plan_id"`
	IsTrial            bool               `json:"is_trial" db:"is_trial"`
	LastPaymentRef     sql.NullString     `json:"last_payment_ref,omitempty" db:"last_payment_ref"`
	Version            int64              `json:"version" db:"version"`
	CancelledAt        sql.NullTime       `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancellationReason sql.NullString     `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

// PaymentIntent correlates a provider session id (push-payment checkout request or
// checkout-provider session) with the store and plan that initiated it.
type PaymentIntent struct {
	SessionID string    `json:"session_id" db:"session_id"`
	Channel   string    `json:"channel" db:"channel"`
	StoreID   string    `json:"store_id" db:"store_id"`
	PlanID    string    `json:"plan_id" db:"plan_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
