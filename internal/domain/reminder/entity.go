// internal/domain/reminder/entity.go
package reminder

import "time"

type ReminderType string

const (
	TypeTrialEnding ReminderType = "TRIAL_ENDING"
	TypePaymentDue  ReminderType = "PAYMENT_DUE"
	TypeOverdue     ReminderType = "OVERDUE"
	TypeSuspended   ReminderType = "SUSPENDED"
)

// ReminderLog is unique on (SubscriptionID, Type, BucketDate); that constraint is
// the dedup mechanism for sends.
type ReminderLog struct {
	ID             string       `json:"id" db:"id"`
	SubscriptionID string       `json:"subscription_id" db:"subscription_id"`
	StoreID        string       `json:"store_id" db:"store_id"`
	Type           ReminderType `json:"reminder_type" db:"reminder_type"`
	BucketDate     string       `json:"bucket_date" db:"bucket_date"` // YYYY-MM-DD
	DaysToExpiry   int          `json:"days_to_expiry" db:"days_to_expiry"`
	SentAt         time.Time    `json:"sent_at" db:"sent_at"`
}

// SweepReport summarises one reminder sweep.
type SweepReport struct {
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
	Skipped       bool                 `json:"skipped"` // another sweep held the lock
	Scanned       int                  `json:"scanned"`
	Sent          map[ReminderType]int `json:"sent"`
	Deduped       int                  `json:"deduped"`
	MarkedExpired int                  `json:"marked_expired"`
	Errors        int                  `json:"errors"`
}

// Notice is what the notifier fan-out delivers for one reminder.
type Notice struct {
	StoreID      string       `json:"store_id"`
	StoreName    string       `json:"store_name"`
	Email        string       `json:"email,omitempty"`
	Phone        string       `json:"phone,omitempty"`
	AccessCode   string       `json:"access_code"`
	Type         ReminderType `json:"reminder_type"`
	DaysToExpiry int          `json:"days_to_expiry"`
	ExpiresAt    time.Time    `json:"expires_at"`
	PlanID       string       `json:"plan_id"`
}
