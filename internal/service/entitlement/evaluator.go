// internal/service/entitlement/evaluator.go
package entitlement

import (
	"math"
	"time"

	"duka-service/internal/domain/entitlement"
)

const day = 24 * time.Hour

// EffectiveTier derives the tier a store is entitled to at now. It never trusts
// the stored status alone: a row past expires_at is EXPIRED whatever it says.
func EffectiveTier(sub *entitlement.Subscription, plan *entitlement.Plan, now time.Time) entitlement.Tier {
	if sub == nil {
		return entitlement.TierNone
	}

	switch sub.Status {
	case entitlement.StatusCancelled:
		return entitlement.TierNone
	case entitlement.StatusSuspended, entitlement.StatusExpired:
		return entitlement.TierExpired
	}

	if !sub.ExpiresAt.After(now) {
		return entitlement.TierExpired
	}

	if sub.Status == entitlement.StatusTrial || sub.IsTrial {
		return entitlement.TierTrial
	}

	if plan == nil || plan.Tier == "" {
		return entitlement.TierBasic
	}
	return plan.Tier
}

// DaysRemaining is the whole number of days until expiry, never negative.
func DaysRemaining(sub *entitlement.Subscription, now time.Time) int {
	if sub == nil {
		return 0
	}
	d := DaysToExpiry(sub.ExpiresAt, now)
	if d < 0 {
		return 0
	}
	return d
}

// DaysToExpiry is floor((expiresAt - now) / 24h); negative once lapsed.
func DaysToExpiry(expiresAt, now time.Time) int {
	return int(math.Floor(float64(expiresAt.Sub(now)) / float64(day)))
}

// IsLapsed reports whether an ACTIVE or TRIAL row is past expiry and should be
// persisted as EXPIRED.
func IsLapsed(sub *entitlement.Subscription, now time.Time) bool {
	if sub.Status != entitlement.StatusActive && sub.Status != entitlement.StatusTrial {
		return false
	}
	return !sub.ExpiresAt.After(now)
}

// RenewedExpiry is max(current, now) + d.
func RenewedExpiry(current, now time.Time, d time.Duration) time.Time {
	base := current
	if now.After(base) {
		base = now
	}
	return base.Add(d)
}

// Evaluate builds the read model returned by the entitlement endpoint.
func Evaluate(storeID string, sub *entitlement.Subscription, plan *entitlement.Plan, now time.Time) *entitlement.EntitlementResponse {
	resp := &entitlement.EntitlementResponse{
		StoreID: storeID,
		Tier:    EffectiveTier(sub, plan, now),
	}
	if sub == nil {
		return resp
	}

	expires := sub.ExpiresAt
	resp.Status = sub.Status
	if IsLapsed(sub, now) {
		resp.Status = entitlement.StatusExpired
	}
	resp.PlanID = sub.PlanID
	resp.ExpiresAt = &expires
	resp.DaysRemaining = DaysRemaining(sub, now)
	if resp.Tier == entitlement.TierExpired || resp.Tier == entitlement.TierNone {
		resp.DaysRemaining = 0
	}
	return resp
}
