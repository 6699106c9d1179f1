// internal/domain/payment/dto.go
package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PushPaymentCallback is the push-payment (STK) result. The flat shape is what our
// gateway forwards; Body carries the provider's native envelope.
type PushPaymentCallback struct {
	CheckoutRequestID string           `json:"checkout_request_id"`
	ResultCode        *int             `json:"result_code"`
	ResultDesc        string           `json:"result_desc"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	ReceiptNumber     string           `json:"receipt_number,omitempty"`
	Phone             string           `json:"phone,omitempty"`

	Body *struct {
		StkCallback *STKCallback `json:"stkCallback"`
	} `json:"Body,omitempty"`
}

type STKCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []CallbackItem `json:"Item"`
	} `json:"CallbackMetadata,omitempty"`
}

type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// CustomerPaymentNotification is the customer-initiated payment (C2B) body. Both
// our snake_case and the provider's casing are accepted.
type CustomerPaymentNotification struct {
	TransID           string           `json:"trans_id"`
	TransAmount       *decimal.Decimal `json:"trans_amount"`
	BillRefNumber     string           `json:"bill_ref_number"`
	MSISDN            string           `json:"msisdn"`
	BusinessShortCode string           `json:"business_short_code"`

	ProviderTransID       string           `json:"TransID"`
	ProviderTransAmount   *decimal.Decimal `json:"TransAmount"`
	ProviderBillRefNumber string           `json:"BillRefNumber"`
	ProviderMSISDN        string           `json:"MSISDN"`
	ProviderShortCode     string           `json:"BusinessShortCode"`
}

// Merge folds the provider-cased fields into the snake_case ones.
func (n *CustomerPaymentNotification) Merge() {
	if n.TransID == "" {
		n.TransID = n.ProviderTransID
	}
	if n.TransAmount == nil {
		n.TransAmount = n.ProviderTransAmount
	}
	if n.BillRefNumber == "" {
		n.BillRefNumber = n.ProviderBillRefNumber
	}
	if n.MSISDN == "" {
		n.MSISDN = n.ProviderMSISDN
	}
	if n.BusinessShortCode == "" {
		n.BusinessShortCode = n.ProviderShortCode
	}
}

// CheckoutNotification arrives as a query string or a JSON body.
type CheckoutNotification struct {
	StatusCode     string `json:"status_code" form:"status_code"`
	Reference      string `json:"reference" form:"reference"`
	SubscriptionID string `json:"subscription_id" form:"subscription_id"`
}

type AdminGrantRequest struct {
	StoreID    string `json:"store_id" binding:"required,max=64"`
	PlanID     string `json:"plan_id" binding:"required,max=64"`
	PaymentRef string `json:"payment_ref" binding:"required,max=100"`
	Reason     string `json:"reason" binding:"required,max=500"`
}

type LinkRequest struct {
	StoreID string `json:"store_id" binding:"required,max=64"`
	PlanID  string `json:"plan_id" binding:"required,max=64"`
}

// ProviderAck is the acknowledgement body mobile-money callbacks expect.
type ProviderAck struct {
	ResultCode interface{} `json:"ResultCode"`
	ResultDesc string      `json:"ResultDesc"`
}

type CheckoutAck struct {
	Status    int    `json:"status"`
	Reference string `json:"reference"`
}

type UnmatchedFilters struct {
	Page     int `form:"page"`
	PageSize int `form:"page_size"`
}

type EventView struct {
	ExternalID     string      `json:"external_id"`
	Channel        Channel     `json:"channel"`
	Amount         string      `json:"amount"`
	Currency       string      `json:"currency"`
	RawReference   string      `json:"raw_reference,omitempty"`
	PayerPhone     string      `json:"payer_phone,omitempty"`
	ReceivedAt     time.Time   `json:"received_at"`
	MatchStatus    MatchStatus `json:"match_status"`
	MatchReason    string      `json:"match_reason,omitempty"`
	MatchedStoreID string      `json:"matched_store_id,omitempty"`
	MatchedPlanID  string      `json:"matched_plan_id,omitempty"`
	AppliedAt      *time.Time  `json:"applied_at,omitempty"`
	NewExpiresAt   *time.Time  `json:"new_expires_at,omitempty"`
	ConfirmedAt    *time.Time  `json:"confirmed_at,omitempty"`
}

func NewEventView(pe *PaymentEvent) EventView {
	v := EventView{
		ExternalID:     pe.ExternalID,
		Channel:        pe.Channel,
		Amount:         decimal.New(pe.AmountMinor, -2).StringFixed(2),
		Currency:       pe.Currency,
		RawReference:   pe.RawReference.String,
		PayerPhone:     pe.PayerPhone.String,
		ReceivedAt:     pe.ReceivedAt,
		MatchStatus:    pe.MatchStatus,
		MatchReason:    pe.MatchReason.String,
		MatchedStoreID: pe.MatchedStoreID.String,
		MatchedPlanID:  pe.MatchedPlanID.String,
	}
	if pe.AppliedAt.Valid {
		v.AppliedAt = &pe.AppliedAt.Time
	}
	if pe.NewExpiresAt.Valid {
		v.NewExpiresAt = &pe.NewExpiresAt.Time
	}
	if pe.ConfirmedAt.Valid {
		v.ConfirmedAt = &pe.ConfirmedAt.Time
	}
	return v
}

type UnmatchedListResponse struct {
	Events     []EventView `json:"events"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}
