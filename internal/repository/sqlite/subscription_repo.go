// internal/repository/sqlite/subscription_repo.go
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"duka-service/internal/domain/entitlement"
	xerrors "duka-service/internal/pkg/errors"
)

type SubscriptionRepository struct {
	db querier
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
		&sub.ID, &sub.StoreID, &sub.Status, nanoTime{&sub.ExpiresAt}, &sub.PlanID, &sub.IsTrial,
		&sub.LastPaymentRef, &sub.Version, nullNanoTime{&sub.CancelledAt}, &sub.CancellationReason,
		nanoTime{&sub.CreatedAt}, nanoTime{&sub.UpdatedAt},
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepository) CreateSubscription(ctx context.Context, sub *entitlement.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, store_id, status, expires_at, plan_id, is_trial, last_payment_ref, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		sub.ID, sub.StoreID, string(sub.Status), nanos(sub.ExpiresAt), sub.PlanID, sub.IsTrial, sub.LastPaymentRef,
		sub.Version, nanos(sub.CreatedAt), nanos(sub.UpdatedAt),
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
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE store_id = ?`

	sub, err := scanSubscription(r.db.QueryRowContext(ctx, query, storeID))
	if err != nil {
		return nil, notFoundOr("find subscription", err)
	}
	return sub, nil
}

func (r *SubscriptionRepository) UpdateSubscription(ctx context.Context, sub *entitlement.Subscription, expectedVersion int64) error {
	query := `
		UPDATE subscriptions
		SET status = ?, expires_at = ?, plan_id = ?, is_trial = ?, last_payment_ref = ?,
		    cancelled_at = ?, cancellation_reason = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		string(sub.Status), nanos(sub.ExpiresAt), sub.PlanID, sub.IsTrial, sub.LastPaymentRef,
		nullNanos(sub.CancelledAt), sub.CancellationReason, nanos(sub.UpdatedAt),
		sub.ID, expectedVersion,
	)
	if err != nil {
		return storageErr("update subscription", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("update subscription", err)
	}
	if n == 0 {
		return fmt.Errorf("subscription %s at version %d: %w", sub.ID, expectedVersion, xerrors.ErrConcurrencyConflict)
	}

	sub.Version = expectedVersion + 1
	return nil
}

func (r *SubscriptionRepository) ListSweepableSubscriptions(ctx context.Context) ([]entitlement.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE status <> 'CANCELLED' ORDER BY expires_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list subscriptions", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

func collectSubscriptions(rows *sql.Rows) ([]entitlement.Subscription, error) {
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
