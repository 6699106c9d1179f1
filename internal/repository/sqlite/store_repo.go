// internal/repository/sqlite/store_repo.go
package sqlite

import (
	"context"
	"fmt"

	"duka-service/internal/domain/entitlement"
	xerrors "duka-service/internal/pkg/errors"
)

type StoreRepository struct {
	db querier
}

const storeColumns = `store_id, name, phone, email, access_code, created_at`

func (r *StoreRepository) CreateStore(ctx context.Context, st *entitlement.Store) error {
	query := `INSERT INTO stores (store_id, name, phone, email, access_code, created_at) VALUES (?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, st.StoreID, st.Name, st.Phone, st.Email, st.AccessCode, nanos(st.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store %s: %w", st.StoreID, xerrors.ErrConflict)
		}
		return storageErr("create store", err)
	}
	return nil
}

func (r *StoreRepository) FindStore(ctx context.Context, storeID string) (*entitlement.Store, error) {
	return r.scanOne(ctx, "find store", `SELECT `+storeColumns+` FROM stores WHERE store_id = ?`, storeID)
}

func (r *StoreRepository) FindStoreByAccessCode(ctx context.Context, code string) (*entitlement.Store, error) {
	return r.scanOne(ctx, "find store by access code", `SELECT `+storeColumns+` FROM stores WHERE access_code = ?`, code)
}

func (r *StoreRepository) FindStoreByPhone(ctx context.Context, phone string) (*entitlement.Store, error) {
	query := `SELECT ` + storeColumns + ` FROM stores WHERE phone = ? ORDER BY created_at ASC LIMIT 1`
	return r.scanOne(ctx, "find store by phone", query, phone)
}

func (r *StoreRepository) CountStores(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stores`).Scan(&n); err != nil {
		return 0, storageErr("count stores", err)
	}
	return n, nil
}

func (r *StoreRepository) scanOne(ctx context.Context, op, query string, arg any) (*entitlement.Store, error) {
	var st entitlement.Store
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&st.StoreID, &st.Name, &st.Phone, &st.Email, &st.AccessCode, nanoTime{&st.CreatedAt},
	)
	if err != nil {
		return nil, notFoundOr(op, err)
	}
	return &st, nil
}

type PlanRepository struct {
	db querier
}

func (r *PlanRepository) ListPlans(ctx context.Context) ([]entitlement.Plan, error) {
	query := `
		SELECT plan_id, name, tier, duration_days, price_minor, currency, min_amount_minor, max_amount_minor
		FROM plans
		ORDER BY min_amount_minor ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list plans", err)
	}
	defer rows.Close()

	var plans []entitlement.Plan
	for rows.Next() {
		var p entitlement.Plan
		if err := rows.Scan(
			&p.PlanID, &p.Name, &p.Tier, &p.DurationDays, &p.PriceMinor, &p.Currency,
			&p.MinAmountMinor, &p.MaxAmountMinor,
		); err != nil {
			return nil, storageErr("scan plan", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list plans", err)
	}
	return plans, nil
}

type PaymentIntentRepository struct {
	db querier
}

func (r *PaymentIntentRepository) CreatePaymentIntent(ctx context.Context, intent *entitlement.PaymentIntent) error {
	query := `INSERT INTO payment_intents (session_id, channel, store_id, plan_id, created_at) VALUES (?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, intent.SessionID, intent.Channel, intent.StoreID, intent.PlanID, nanos(intent.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment intent %s: %w", intent.SessionID, xerrors.ErrConflict)
		}
		return storageErr("create payment intent", err)
	}
	return nil
}

func (r *PaymentIntentRepository) FindPaymentIntent(ctx context.Context, sessionID string) (*entitlement.PaymentIntent, error) {
	query := `SELECT session_id, channel, store_id, plan_id, created_at FROM payment_intents WHERE session_id = ?`

	var in entitlement.PaymentIntent
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&in.SessionID, &in.Channel, &in.StoreID, &in.PlanID, nanoTime{&in.CreatedAt},
	)
	if err != nil {
		return nil, notFoundOr("find payment intent", err)
	}
	return &in, nil
}
