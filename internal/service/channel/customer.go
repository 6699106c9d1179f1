// internal/service/channel/customer.go
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"duka-service/internal/domain/payment"
	xerrors "duka-service/internal/pkg/errors"
	entsvc "duka-service/internal/service/entitlement"
)

// CustomerPaymentAdapter handles payments the customer pushes to the paybill
// themselves, keyed by the account reference they typed.
type CustomerPaymentAdapter struct {
	token     string
	shortCode string
	prefix    string
	currency  string
	now       func() time.Time
}

func NewCustomerPaymentAdapter(token, shortCode, accessCodePrefix, currency string) *CustomerPaymentAdapter {
	return &CustomerPaymentAdapter{
		token:     token,
		shortCode: shortCode,
		prefix:    accessCodePrefix,
		currency:  currency,
		now:       time.Now,
	}
}

func (a *CustomerPaymentAdapter) Channel() payment.Channel {
	return payment.ChannelCustomerPayment
}

func (a *CustomerPaymentAdapter) Authenticate(req *RawRequest) error {
	if !tokenMatches(a.token, webhookToken(req)) {
		return fmt.Errorf("customer payment notification: %w", xerrors.ErrUnauthorized)
	}
	return nil
}

func (a *CustomerPaymentAdapter) Normalize(_ context.Context, req *RawRequest) (*payment.CanonicalEvent, error) {
	var n payment.CustomerPaymentNotification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return nil, xerrors.NewValidation("body", "malformed JSON")
	}
	n.Merge()

	if strings.TrimSpace(n.TransID) == "" {
		return nil, xerrors.NewValidation("trans_id", "required")
	}
	if n.TransAmount == nil {
		return nil, xerrors.NewValidation("trans_amount", "required")
	}
	if a.shortCode != "" && strings.TrimSpace(n.BusinessShortCode) != a.shortCode {
		return nil, xerrors.NewValidation("business_short_code", "does not match this paybill")
	}

	minor, err := ToMinor(*n.TransAmount)
	if err != nil {
		return nil, err
	}
	if minor == 0 {
		return nil, xerrors.NewValidation("trans_amount", "must be positive")
	}

	ev := &payment.CanonicalEvent{
		ExternalID:   strings.TrimSpace(n.TransID),
		Channel:      payment.ChannelCustomerPayment,
		AmountMinor:  minor,
		Currency:     a.currency,
		RawReference: NormalizeReference(n.BillRefNumber, a.prefix),
		PayerPhone:   entsvc.NormalizePhone(n.MSISDN),
		RawPayload:   req.Body,
		ReceivedAt:   a.now().UTC(),
	}

	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (a *CustomerPaymentAdapter) IdempotencyKey(ev *payment.CanonicalEvent) string {
	return ev.ExternalID
}

// CorrelationHint exposes the typed account reference and the payer phone.
func (a *CustomerPaymentAdapter) CorrelationHint(ev *payment.CanonicalEvent) payment.CorrelationHint {
	return payment.CorrelationHint{Reference: ev.RawReference, PayerPhone: ev.PayerPhone}
}
