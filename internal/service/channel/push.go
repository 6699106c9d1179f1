// internal/service/channel/push.go
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"duka-service/internal/domain/payment"
	xerrors "duka-service/internal/pkg/errors"
	entsvc "duka-service/internal/service/entitlement"

	"github.com/shopspring/decimal"
)

// PushPaymentAdapter handles the result callback of a push (STK) payment the
// store initiated. The checkout request id doubles as idempotency key and as the
// session id of the payment intent. A successful callback without an amount is
// priced from the intent's plan.
type PushPaymentAdapter struct {
	token    string
	currency string
	intents  IntentFinder
	plans    PlanGetter
	now      func() time.Time
}

func NewPushPaymentAdapter(token, currency string, intents IntentFinder, plans PlanGetter) *PushPaymentAdapter {
	return &PushPaymentAdapter{
		token:    token,
		currency: currency,
		intents:  intents,
		plans:    plans,
		now:      time.Now,
	}
}

func (a *PushPaymentAdapter) Channel() payment.Channel {
	return payment.ChannelPushPayment
}

func (a *PushPaymentAdapter) Authenticate(req *RawRequest) error {
	if !tokenMatches(a.token, webhookToken(req)) {
		return fmt.Errorf("push payment callback: %w", xerrors.ErrUnauthorized)
	}
	return nil
}

func (a *PushPaymentAdapter) Normalize(ctx context.Context, req *RawRequest) (*payment.CanonicalEvent, error) {
	var cb payment.PushPaymentCallback
	if err := json.Unmarshal(req.Body, &cb); err != nil {
		return nil, xerrors.NewValidation("body", "malformed JSON")
	}

	if cb.Body != nil && cb.Body.StkCallback != nil {
		if err := flattenSTK(&cb, cb.Body.StkCallback); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return nil, xerrors.NewValidation("checkout_request_id", "required")
	}
	if cb.ResultCode == nil {
		return nil, xerrors.NewValidation("result_code", "required")
	}

	ev := &payment.CanonicalEvent{
		ExternalID: strings.TrimSpace(cb.CheckoutRequestID),
		Channel:    payment.ChannelPushPayment,
		Currency:   a.currency,
		SessionID:  strings.TrimSpace(cb.CheckoutRequestID),
		PayerPhone: entsvc.NormalizePhone(cb.Phone),
		RawPayload: req.Body,
		ReceivedAt: a.now().UTC(),
	}
	if cb.ReceiptNumber != "" {
		ev.Note = "receipt " + cb.ReceiptNumber
	}

	if *cb.ResultCode != 0 {
		ev.Failed = true
		ev.FailureReason = fmt.Sprintf("provider result %d: %s", *cb.ResultCode, cb.ResultDesc)
	} else if cb.Amount != nil {
		minor, err := ToMinor(*cb.Amount)
		if err != nil {
			return nil, err
		}
		ev.AmountMinor = minor
	} else {
		// amount is optional on the wire; without an intent the event records 0
		// and the reconciler queues it for an operator
		minor, err := intentAmount(ctx, a.intents, a.plans, ev.SessionID)
		if err != nil {
			return nil, err
		}
		ev.AmountMinor = minor
	}

	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// IdempotencyKey is the checkout request id.
func (a *PushPaymentAdapter) IdempotencyKey(ev *payment.CanonicalEvent) string {
	return ev.ExternalID
}

// CorrelationHint exposes the session, resolved through the store's payment
// intent, and the payer phone.
func (a *PushPaymentAdapter) CorrelationHint(ev *payment.CanonicalEvent) payment.CorrelationHint {
	return payment.CorrelationHint{SessionID: ev.SessionID, PayerPhone: ev.PayerPhone}
}

// flattenSTK copies the provider's nested envelope onto the flat fields.
func flattenSTK(cb *payment.PushPaymentCallback, stk *payment.STKCallback) error {
	cb.CheckoutRequestID = stk.CheckoutRequestID
	code := stk.ResultCode
	cb.ResultCode = &code
	cb.ResultDesc = stk.ResultDesc

	if stk.CallbackMetadata == nil {
		return nil
	}
	for _, item := range stk.CallbackMetadata.Item {
		raw := itemString(item.Value)
		switch item.Name {
		case "Amount":
			amt, err := decimal.NewFromString(raw)
			if err != nil {
				return xerrors.NewValidation("Amount", "not a number")
			}
			cb.Amount = &amt
		case "MpesaReceiptNumber":
			cb.ReceiptNumber = raw
		case "PhoneNumber":
			cb.Phone = raw
		}
	}
	return nil
}

// itemString renders a metadata value that may be a JSON string or number.
func itemString(v json.RawMessage) string {
	s := strings.TrimSpace(string(v))
	if unq, err := strconv.Unquote(s); err == nil {
		return unq
	}
	return s
}
