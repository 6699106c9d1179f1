// internal/service/channel/admin.go
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"duka-service/internal/domain/payment"
	xerrors "duka-service/internal/pkg/errors"
)

const AdminExternalIDPrefix = "ADMIN-"

// AdminGrantAdapter turns an operator's manual grant into an event. The caller
// is authenticated by the admin middleware before the adapter runs.
type AdminGrantAdapter struct {
	currency string
	plans    PlanGetter
	now      func() time.Time
}

func NewAdminGrantAdapter(currency string, plans PlanGetter) *AdminGrantAdapter {
	return &AdminGrantAdapter{currency: currency, plans: plans, now: time.Now}
}

func (a *AdminGrantAdapter) Channel() payment.Channel {
	return payment.ChannelAdminManual
}

func (a *AdminGrantAdapter) Authenticate(*RawRequest) error {
	return nil
}

func (a *AdminGrantAdapter) Normalize(ctx context.Context, req *RawRequest) (*payment.CanonicalEvent, error) {
	var g payment.AdminGrantRequest
	if err := json.Unmarshal(req.Body, &g); err != nil {
		return nil, xerrors.NewValidation("body", "malformed JSON")
	}
	return a.FromRequest(ctx, &g, req.Body)
}

// FromRequest builds the event from an already bound grant request. The
// idempotency key is derived from the operator-supplied payment reference so a
// resubmitted grant cannot extend twice.
func (a *AdminGrantAdapter) FromRequest(ctx context.Context, g *payment.AdminGrantRequest, raw []byte) (*payment.CanonicalEvent, error) {
	ref := strings.TrimSpace(g.PaymentRef)
	switch {
	case ref == "":
		return nil, xerrors.NewValidation("payment_ref", "required")
	case strings.TrimSpace(g.StoreID) == "":
		return nil, xerrors.NewValidation("store_id", "required")
	case strings.TrimSpace(g.Reason) == "":
		return nil, xerrors.NewValidation("reason", "required")
	}

	plan, err := a.plans.Get(ctx, strings.TrimSpace(g.PlanID))
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, xerrors.NewValidation("plan_id", "unknown plan")
		}
		return nil, err
	}

	ev := &payment.CanonicalEvent{
		ExternalID:   adminKey(ref),
		Channel:      payment.ChannelAdminManual,
		AmountMinor:  plan.PriceMinor,
		Currency:     a.currency,
		RawReference: ref,
		StoreID:      strings.TrimSpace(g.StoreID),
		PlanID:       plan.PlanID,
		Manual:       true,
		Note:         strings.TrimSpace(g.Reason),
		RawPayload:   raw,
		ReceivedAt:   a.now().UTC(),
	}

	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func adminKey(ref string) string {
	return AdminExternalIDPrefix + ref
}

// IdempotencyKey derives from the operator's payment reference so a resubmitted
// grant lands on the same row.
func (a *AdminGrantAdapter) IdempotencyKey(ev *payment.CanonicalEvent) string {
	return adminKey(ev.RawReference)
}

func (a *AdminGrantAdapter) CorrelationHint(ev *payment.CanonicalEvent) payment.CorrelationHint {
	return payment.CorrelationHint{StoreID: ev.StoreID, PlanID: ev.PlanID, Reference: ev.RawReference}
}
