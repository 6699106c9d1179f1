// internal/repository/postgres/payment_intent_repo.go
package postgres

import (
	"context"
	"fmt"

	"duka-service/internal/domain/entitlement"
	xerrors "duka-service/internal/pkg/errors"
)

type PaymentIntentRepository struct {
	db querier
}

func NewPaymentIntentRepository(db querier) *PaymentIntentRepository {
	return &PaymentIntentRepository{db: db}
}

func (r *PaymentIntentRepository) CreatePaymentIntent(ctx context.Context, intent *entitlement.PaymentIntent) error {
	query := `
		INSERT INTO payment_intents (session_id, channel, store_id, plan_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Exec(ctx, query, intent.SessionID, intent.Channel, intent.StoreID, intent.PlanID, intent.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment intent %s: %w", intent.SessionID, xerrors.ErrConflict)
		}
		return storageErr("create payment intent", err)
	}
	return nil
}

func (r *PaymentIntentRepository) FindPaymentIntent(ctx context.Context, sessionID string) (*entitlement.PaymentIntent, error) {
	query := `
		SELECT session_id, channel, store_id, plan_id, created_at
		FROM payment_intents
		WHERE session_id = $1
	`

	var in entitlement.PaymentIntent
	err := r.db.QueryRow(ctx, query, sessionID).Scan(&in.SessionID, &in.Channel, &in.StoreID, &in.PlanID, &in.CreatedAt)
	if err != nil {
		return nil, notFoundOr("find payment intent", err)
	}
	return &in, nil
}
