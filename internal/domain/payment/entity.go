// internal/domain/payment/entity.go
package payment

import (
	"database/sql"
	"fmt"
	"time"

	xerrors "duka-service/internal/pkg/errors"
)

// Channel is a distinct external payment source.
type Channel string

const (
	ChannelPushPayment     Channel = "PUSH_PAYMENT"
	ChannelCustomerPayment Channel = "CUSTOMER_PAYMENT"
	ChannelCheckout        Channel = "CHECKOUT_PROVIDER"
	ChannelAdminManual     Channel = "ADMIN_MANUAL"
)

type MatchStatus string

const (
	MatchPending   MatchStatus = "PENDING"
	MatchMatched   MatchStatus = "MATCHED"
	MatchUnmatched MatchStatus = "UNMATCHED"
	MatchApplied   MatchStatus = "APPLIED"
	// MatchRejected is terminal: the provider reported the payment as failed.
	MatchRejected MatchStatus = "REJECTED"
)

// CanTransition reports whether an event may move from s to next.
// Statuses never regress and APPLIED/REJECTED are terminal.
func (s MatchStatus) CanTransition(next MatchStatus) bool {
	switch s {
	case MatchPending:
		return next == MatchMatched || next == MatchUnmatched || next == MatchRejected
	case MatchUnmatched:
		return next == MatchMatched
	case MatchMatched:
		return next == MatchApplied
	}
	return false
}

// CanonicalEvent is what every channel adapter normalizes its payload into.
type CanonicalEvent struct {
	ExternalID   string  `json:"external_id" validate:"required,max=128"`
	Channel      Channel `json:"channel" validate:"required,oneof=PUSH_PAYMENT CUSTOMER_PAYMENT CHECKOUT_PROVIDER ADMIN_MANUAL"`
	AmountMinor  int64   `json:"amount_minor" validate:"gte=0"`
	Currency     string  `json:"currency" validate:"required,len=3"`
	RawReference string  `json:"raw_reference,omitempty" validate:"max=128"`

	// Correlation hints. Which ones are set depends on the channel.
	StoreID    string `json:"store_id,omitempty" validate:"max=64"`
	PlanID     string `json:"plan_id,omitempty" validate:"max=64"`
	SessionID  string `json:"session_id,omitempty" validate:"max=128"`
	PayerPhone string `json:"payer_phone,omitempty" validate:"max=20"`

	Failed        bool   `json:"failed"`
	FailureReason string `json:"failure_reason,omitempty"`
	Manual        bool   `json:"manual"`
	Note          string `json:"note,omitempty" validate:"max=500"`

	RawPayload []byte    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

// PaymentEvent is the durable, append-only record of an inbound notification.
type PaymentEvent struct {
	ExternalID         string         `json:"external_id" db:"external_id"`
	Channel            Channel        `json:"channel" db:"channel"`
	AmountMinor        int64          `json:"amount_minor" db:"amount_minor"`
	Currency           string         `json:"currency" db:"currency"`
	RawReference       sql.NullString `json:"raw_reference" db:"raw_reference"`
	CorrelationStoreID sql.NullString `json:"correlation_store_id" db:"correlation_store_id"`
	CorrelationPlanID  sql.NullString `json:"correlation_plan_id" db:"correlation_plan_id"`
	SessionID          sql.NullString `json:"session_id" db:"session_id"`
	PayerPhone         sql.NullString `json:"payer_phone" db:"payer_phone"`
	Manual             bool           `json:"manual" db:"manual"`
	Note               sql.NullString `json:"note" db:"note"`
	RawPayload         []byte         `json:"-" db:"raw_payload"`
	ReceivedAt         time.Time      `json:"received_at" db:"received_at"`

	MatchStatus       MatchStatus    `json:"match_status" db:"match_status"`
	MatchReason       sql.NullString `json:"match_reason" db:"match_reason"`
	MatchedStoreID    sql.NullString `json:"matched_store_id" db:"matched_store_id"`
	MatchedPlanID     sql.NullString `json:"matched_plan_id" db:"matched_plan_id"`
	AppliedAt         sql.NullTime   `json:"applied_at" db:"applied_at"`
	PreviousExpiresAt sql.NullTime   `json:"previous_expires_at" db:"previous_expires_at"`
	NewExpiresAt      sql.NullTime   `json:"new_expires_at" db:"new_expires_at"`
	ConfirmedAt       sql.NullTime   `json:"confirmed_at" db:"confirmed_at"`
}

// NewPaymentEvent builds the PENDING log row for a canonical event.
func NewPaymentEvent(ev *CanonicalEvent) *PaymentEvent {
	return NewKeyedPaymentEvent(ev.ExternalID, HintOf(ev), ev)
}

// NewKeyedPaymentEvent builds the stored row under key, keeping only the
// correlation fields in hint.
func NewKeyedPaymentEvent(key string, hint CorrelationHint, ev *CanonicalEvent) *PaymentEvent {
	pe := &PaymentEvent{
		ExternalID:         key,
		Channel:            ev.Channel,
		AmountMinor:        ev.AmountMinor,
		Currency:           ev.Currency,
		RawReference:       nullString(hint.Reference),
		CorrelationStoreID: nullString(hint.StoreID),
		CorrelationPlanID:  nullString(hint.PlanID),
		SessionID:          nullString(hint.SessionID),
		PayerPhone:         nullString(hint.PayerPhone),
		Manual:             ev.Manual,
		Note:               nullString(ev.Note),
		RawPayload:         ev.RawPayload,
		ReceivedAt:         ev.ReceivedAt,
		MatchStatus:        MatchPending,
	}
	if ev.Failed {
		pe.MatchStatus = MatchRejected
		pe.MatchReason = nullString(ev.FailureReason)
	}
	return pe
}

// CorrelationHint is what the reconciler may use to attribute an event.
type CorrelationHint struct {
	StoreID    string
	PlanID     string
	SessionID  string
	Reference  string
	PayerPhone string
}

// HintOf returns every correlation field the event carries.
func HintOf(ev *CanonicalEvent) CorrelationHint {
	return CorrelationHint{
		StoreID:    ev.StoreID,
		PlanID:     ev.PlanID,
		SessionID:  ev.SessionID,
		Reference:  ev.RawReference,
		PayerPhone: ev.PayerPhone,
	}
}

// Keyer derives an event's log identity and its correlation hints. Each
// channel adapter implements it.
type Keyer interface {
	IdempotencyKey(ev *CanonicalEvent) string
	CorrelationHint(ev *CanonicalEvent) CorrelationHint
}

type ApplyOutcome string

const (
	OutcomeApplied   ApplyOutcome = "APPLIED"
	OutcomeDuplicate ApplyOutcome = "DUPLICATE"
	OutcomeUnmatched ApplyOutcome = "UNMATCHED"
	OutcomeBlocked   ApplyOutcome = "BLOCKED"
	OutcomeRejected  ApplyOutcome = "REJECTED"
)

// ApplyResult is what the reconciler reports for one event. A duplicate apply
// returns the result stored by the first one.
type ApplyResult struct {
	ExternalID        string       `json:"external_id"`
	Outcome           ApplyOutcome `json:"outcome"`
	StoreID           string       `json:"store_id,omitempty"`
	PlanID            string       `json:"plan_id,omitempty"`
	PreviousExpiresAt *time.Time   `json:"previous_expires_at,omitempty"`
	NewExpiresAt      *time.Time   `json:"new_expires_at,omitempty"`
	Reason            string       `json:"reason,omitempty"`
}

// Err maps the outcomes a provider still sees as success onto their sentinels,
// so callers can branch with errors.Is. Applied and failed outcomes return nil.
func (r *ApplyResult) Err() error {
	switch r.Outcome {
	case OutcomeDuplicate:
		return fmt.Errorf("payment event %s: %w", r.ExternalID, xerrors.ErrDuplicateEvent)
	case OutcomeUnmatched:
		return fmt.Errorf("payment event %s: %w", r.ExternalID, xerrors.ErrUnmatchedReference)
	}
	return nil
}

// ResultFromEvent rebuilds the apply result recorded on an event.
func ResultFromEvent(pe *PaymentEvent, outcome ApplyOutcome) *ApplyResult {
	res := &ApplyResult{
		ExternalID: pe.ExternalID,
		Outcome:    outcome,
		StoreID:    pe.MatchedStoreID.String,
		PlanID:     pe.MatchedPlanID.String,
		Reason:     pe.MatchReason.String,
	}
	if pe.PreviousExpiresAt.Valid {
		t := pe.PreviousExpiresAt.Time
		res.PreviousExpiresAt = &t
	}
	if pe.NewExpiresAt.Valid {
		t := pe.NewExpiresAt.Time
		res.NewExpiresAt = &t
	}
	return res
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
