// internal/repository/repository.go
package repository

import (
	"context"
	"time"

	"duka-service/internal/domain/entitlement"
	"duka-service/internal/domain/payment"
	"duka-service/internal/domain/reminder"
)

// Queries is the full set of storage operations. Both the pooled store and a
// transaction implement it, so services run the same code inside and outside
// a transaction.
type Queries interface {
	// Stores
	CreateStore(ctx context.Context, st *entitlement.Store) error
	FindStore(ctx context.Context, storeID string) (*entitlement.Store, error)
	FindStoreByAccessCode(ctx context.Context, code string) (*entitlement.Store, error)
	FindStoreByPhone(ctx context.Context, phone string) (*entitlement.Store, error)
	CountStores(ctx context.Context) (int64, error)

	// Plans
	ListPlans(ctx context.Context) ([]entitlement.Plan, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *entitlement.Subscription) error
	FindSubscriptionByStore(ctx context.Context, storeID string) (*entitlement.Subscription, error)
	// UpdateSubscription writes sub only if the stored version still equals
	// expectedVersion, and sets sub.Version to expectedVersion+1. A moved version
	// yields xerrors.ErrConcurrencyConflict.
	UpdateSubscription(ctx context.Context, sub *entitlement.Subscription, expectedVersion int64) error
	ListSweepableSubscriptions(ctx context.Context) ([]entitlement.Subscription, error)

	// Payment intents
	CreatePaymentIntent(ctx context.Context, intent *entitlement.PaymentIntent) error
	FindPaymentIntent(ctx context.Context, sessionID string) (*entitlement.PaymentIntent, error)

	// Payment events
	// InsertPaymentEvent records ev unless its external_id is already known.
	// It reports whether a new row was written.
	InsertPaymentEvent(ctx context.Context, ev *payment.PaymentEvent) (bool, error)
	FindPaymentEvent(ctx context.Context, externalID string) (*payment.PaymentEvent, error)
	// LockPaymentEvent reads the event and holds a row lock until the
	// surrounding transaction ends.
	LockPaymentEvent(ctx context.Context, externalID string) (*payment.PaymentEvent, error)
	UpdatePaymentEventMatch(ctx context.Context, ev *payment.PaymentEvent) error
	MarkPaymentEventConfirmed(ctx context.Context, externalID string, at time.Time) error
	// ListUnconfirmedPaymentEvents returns APPLIED events of channel applied
	// before appliedBefore whose provider was never told, oldest first.
	ListUnconfirmedPaymentEvents(ctx context.Context, channel payment.Channel, appliedBefore time.Time, limit int) ([]payment.PaymentEvent, error)
	ListPaymentEventsByStatus(ctx context.Context, statuses []payment.MatchStatus, receivedBefore time.Time, offset, limit int) ([]payment.PaymentEvent, int64, error)

	// Reminders
	// InsertReminder writes the log row unless (subscription, type, bucket) exists.
	// It reports whether a new row was written.
	InsertReminder(ctx context.Context, log *reminder.ReminderLog) (bool, error)
	ListReminders(ctx context.Context, subscriptionID string) ([]reminder.ReminderLog, error)
}

// Store is the storage handle services depend on.
type Store interface {
	Queries
	// WithinTx runs fn in a single transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
	Ping(ctx context.Context) error
	Close()
}
