// internal/repository/postgres/subscription_repo.go
package postgres

import (
	"context"
	"fmt"

	"duka-service/internal/domain/entitlement"
	xerrors "duka-service/internal/pkg/errors"
)

type SubscriptionRepository struct {
	db querier
}

func NewSubscriptionRepository(db querier) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `
	id, store_id, status, expires_at, plan_id, is_trial, last_payment_ref, version,
	cancelled_at, cancellation_reason, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*entitlement.Subscription, error) {
	var sub entitlement.Subscription
	err := row.Scan(
		&sub.ID, &sub.StoreID, &sub.Status, &sub.ExpiresAt, &sub.PlanID, &sub.IsTrial,
		&sub.LastPaymentRef, &sub.Version, &sub.CancelledAt, &sub.CancellationReason,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscription inserts the single subscription row of a store.
func (r *SubscriptionRepository) CreateSubscription(ctx context.Context, sub *entitlement.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, store_id, status, expires_at, plan_id, is_trial, last_payment_ref, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Exec(ctx, query,
		sub.ID, sub.StoreID, sub.Status, sub.ExpiresAt, sub.PlanID, sub.IsTrial, sub.LastPaymentRef,
		sub.Version, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("subscription for store %s: %w", sub.StoreID, xerrors.ErrConflict)
		}
		return storageErr("create subscription", err)
	}
	return nil
}

func (r *SubscriptionRepository) FindSubscriptionByStore(ctx context.Context, storeID string) (*entitlement.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE store_id = $1`

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, storeID))
	if err != nil {
		return nil, notFoundOr("find subscription", err)
	}
	return sub, nil
}

// UpdateSubscription is the optimistic write: it only lands while the row still
// carries expectedVersion.
func (r *SubscriptionRepository) UpdateSubscription(ctx context.Context, sub *entitlement.Subscription, expectedVersion int64) error {
	query := `
		UPDATE subscriptions
		SET status = $1, expires_at = $2, plan_id = $3, is_trial = $4, last_payment_ref = $5,
		    cancelled_at = $6, cancellation_reason = $7, updated_at = $8, version = version + 1
		WHERE id = $9 AND version = $10
	`

	result, err := r.db.Exec(ctx, query,
		sub.Status, sub.ExpiresAt, sub.PlanID, sub.IsTrial, sub.LastPaymentRef,
		sub.CancelledAt, sub.CancellationReason, sub.UpdatedAt,
		sub.ID, expectedVersion,
	)
	if err != nil {
		return storageErr("update subscription", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s at version %d: %w", sub.ID, expectedVersion, xerrors.ErrConcurrencyConflict)
	}

	sub.Version = expectedVersion + 1
	return nil
}

// ListSweepableSubscriptions returns every subscription that is not cancelled.
func (r *SubscriptionRepository) ListSweepableSubscriptions(ctx context.Context) ([]entitlement.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE status <> 'CANCELLED' ORDER BY expires_at ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, storageErr("list subscriptions", err)
	}
	defer rows.Close()

	var subs []entitlement.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, storageErr("scan subscription", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list subscriptions", err)
	}
	return subs, nil
}
