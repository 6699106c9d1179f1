// internal/domain/entitlement/dto.go
package entitlement

import "time"

type EntitlementResponse struct {
	StoreID       string             `json:"store_id"`
	Tier          Tier               `json:"tier"`
	Status        SubscriptionStatus `json:"status,omitempty"`
	PlanID        string             `json:"plan_id,omitempty"`
	ExpiresAt     *time.Time         `json:"expires_at,omitempty"`
	DaysRemaining int                `json:"days_remaining"`
}

type ProvisionStoreRequest struct {
	StoreID string `json:"store_id" binding:"required,max=64"`
	Name    string `json:"name" binding:"required,max=255"`
	Phone   string `json:"phone" binding:"omitempty,max=20"`
	Email   string `json:"email" binding:"omitempty,email"`
}

type StoreView struct {
	StoreID    string    `json:"store_id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone,omitempty"`
	Email      string    `json:"email,omitempty"`
	AccessCode string    `json:"access_code"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewStoreView(st *Store) StoreView {
	return StoreView{
		StoreID:    st.StoreID,
		Name:       st.Name,
		Phone:      st.Phone.String,
		Email:      st.Email.String,
		AccessCode: st.AccessCode,
		CreatedAt:  st.CreatedAt,
	}
}

type ProvisionStoreResponse struct {
	Store        StoreView        `json:"store"`
	Subscription SubscriptionView `json:"subscription"`
}

type CreatePaymentIntentRequest struct {
	Channel   string `json:"channel" binding:"required,oneof=PUSH_PAYMENT CHECKOUT_PROVIDER"`
	SessionID string `json:"session_id" binding:"required,max=128"`
	PlanID    string `json:"plan_id" binding:"required"`
}

type CancelSubscriptionRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

type SubscriptionView struct {
	StoreID        string             `json:"store_id"`
	Status         SubscriptionStatus `json:"status"`
	PlanID         string             `json:"plan_id"`
	IsTrial        bool               `json:"is_trial"`
	ExpiresAt      time.Time          `json:"expires_at"`
	LastPaymentRef string             `json:"last_payment_ref,omitempty"`
	Version        int64              `json:"version"`
}

func NewSubscriptionView(sub *Subscription) SubscriptionView {
	return SubscriptionView{
		StoreID:        sub.StoreID,
		Status:         sub.Status,
		PlanID:         sub.PlanID,
		IsTrial:        sub.IsTrial,
		ExpiresAt:      sub.ExpiresAt,
		LastPaymentRef: sub.LastPaymentRef.String,
		Version:        sub.Version,
	}
}
