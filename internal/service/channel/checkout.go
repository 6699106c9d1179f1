// internal/service/channel/checkout.go
package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"duka-service/internal/domain/entitlement"
	"duka-service/internal/domain/payment"
	xerrors "duka-service/internal/pkg/errors"
)

const (
	checkoutSignatureHeader = "X-Checkout-Signature"
	checkoutStatusCompleted = "1"
	// RejectedKeySuffix marks the log key of a failed checkout callback.
	RejectedKeySuffix = ":rejected"
)

type IntentFinder interface {
	FindPaymentIntent(ctx context.Context, sessionID string) (*entitlement.PaymentIntent, error)
}

type PlanGetter interface {
	Get(ctx context.Context, planID string) (*entitlement.Plan, error)
}

// CheckoutAdapter handles the hosted checkout provider's completion callback.
// The callback carries no amount, so it is taken from the plan of the intent.
type CheckoutAdapter struct {
	secret   string
	currency string
	intents  IntentFinder
	plans    PlanGetter
	now      func() time.Time
}

func NewCheckoutAdapter(secret, currency string, intents IntentFinder, plans PlanGetter) *CheckoutAdapter {
	return &CheckoutAdapter{
		secret:   secret,
		currency: currency,
		intents:  intents,
		plans:    plans,
		now:      time.Now,
	}
}

func (a *CheckoutAdapter) Channel() payment.Channel {
	return payment.ChannelCheckout
}

// Authenticate checks the hex HMAC-SHA256 of the raw body, or of the raw query
// string when the body is empty.
func (a *CheckoutAdapter) Authenticate(req *RawRequest) error {
	if a.secret == "" {
		return fmt.Errorf("checkout webhook secret not configured: %w", xerrors.ErrUnauthorized)
	}

	signature, err := hex.DecodeString(strings.TrimSpace(req.Header.Get(checkoutSignatureHeader)))
	if err != nil || len(signature) == 0 {
		return fmt.Errorf("checkout signature missing or not hex: %w", xerrors.ErrUnauthorized)
	}

	if !hmac.Equal(SignCheckout(a.secret, signedPayload(req)), signature) {
		return fmt.Errorf("checkout signature mismatch: %w", xerrors.ErrUnauthorized)
	}
	return nil
}

// SignCheckout computes the provider signature over payload.
func SignCheckout(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// signedPayload is the raw body, or the query string in the order the provider
// sent it.
func signedPayload(req *RawRequest) []byte {
	if len(req.Body) > 0 {
		return req.Body
	}
	if req.RawQuery != "" {
		return []byte(req.RawQuery)
	}
	return []byte(req.Query.Encode())
}

func (a *CheckoutAdapter) Normalize(ctx context.Context, req *RawRequest) (*payment.CanonicalEvent, error) {
	var n payment.CheckoutNotification
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &n); err != nil {
			return nil, xerrors.NewValidation("body", "malformed JSON")
		}
	} else {
		n.StatusCode = req.Query.Get("status_code")
		n.Reference = req.Query.Get("reference")
		n.SubscriptionID = req.Query.Get("subscription_id")
	}

	n.Reference = strings.TrimSpace(n.Reference)
	n.SubscriptionID = strings.TrimSpace(n.SubscriptionID)
	if n.Reference == "" {
		return nil, xerrors.NewValidation("reference", "required")
	}
	if n.SubscriptionID == "" {
		return nil, xerrors.NewValidation("subscription_id", "required")
	}

	ev := &payment.CanonicalEvent{
		ExternalID: n.Reference,
		Channel:    payment.ChannelCheckout,
		Currency:   a.currency,
		SessionID:  n.SubscriptionID,
		RawPayload: signedPayload(req),
		ReceivedAt: a.now().UTC(),
	}

	if strings.TrimSpace(n.StatusCode) != checkoutStatusCompleted {
		ev.Failed = true
		ev.FailureReason = "checkout status " + n.StatusCode
	} else {
		amount, err := intentAmount(ctx, a.intents, a.plans, n.SubscriptionID)
		if err != nil {
			return nil, err
		}
		ev.AmountMinor = amount
	}

	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// IdempotencyKey is the provider reference. A failed callback is keyed apart so
// the later completion of the same reference is still recorded.
func (a *CheckoutAdapter) IdempotencyKey(ev *payment.CanonicalEvent) string {
	if ev.Failed {
		return ev.ExternalID + RejectedKeySuffix
	}
	return ev.ExternalID
}

// CorrelationHint exposes only the session. The provider reference is not a
// store account code.
func (a *CheckoutAdapter) CorrelationHint(ev *payment.CanonicalEvent) payment.CorrelationHint {
	return payment.CorrelationHint{SessionID: ev.SessionID}
}

// intentAmount prices the session from its intent's plan. An unknown session
// yields 0 and leaves the decision to the reconciler.
func intentAmount(ctx context.Context, intents IntentFinder, plans PlanGetter, sessionID string) (int64, error) {
	if intents == nil || plans == nil {
		return 0, nil
	}
	intent, err := intents.FindPaymentIntent(ctx, sessionID)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	plan, err := plans.Get(ctx, intent.PlanID)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return plan.PriceMinor, nil
}
