// internal/repository/postgres/store_repo.go
package postgres

import (
	"context"
	"fmt"

	"duka-service/internal/domain/entitlement"
	xerrors "duka-service/internal/pkg/errors"
)

type StoreRepository struct {
	db querier
}

func NewStoreRepository(db querier) *StoreRepository {
	return &StoreRepository{db: db}
}

const storeColumns = `store_id, name, phone, email, access_code, created_at`

// CreateStore inserts a store; a taken store_id or access code yields ErrConflict.
func (r *StoreRepository) CreateStore(ctx context.Context, st *entitlement.Store) error {
	query := `
		INSERT INTO stores (store_id, name, phone, email, access_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Exec(ctx, query, st.StoreID, st.Name, st.Phone, st.Email, st.AccessCode, st.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store %s: %w", st.StoreID, xerrors.ErrConflict)
		}
		return storageErr("create store", err)
	}
	return nil
}

func (r *StoreRepository) FindStore(ctx context.Context, storeID string) (*entitlement.Store, error) {
	query := `SELECT ` + storeColumns + ` FROM stores WHERE store_id = $1`
	return r.scanOne(ctx, "find store", query, storeID)
}

func (r *StoreRepository) FindStoreByAccessCode(ctx context.Context, code string) (*entitlement.Store, error) {
	query := `SELECT ` + storeColumns + ` FROM stores WHERE access_code = $1`
	return r.scanOne(ctx, "find store by access code", query, code)
}

// FindStoreByPhone returns the oldest store registered with phone.
func (r *StoreRepository) FindStoreByPhone(ctx context.Context, phone string) (*entitlement.Store, error) {
	query := `SELECT ` + storeColumns + ` FROM stores WHERE phone = $1 ORDER BY created_at ASC LIMIT 1`
	return r.scanOne(ctx, "find store by phone", query, phone)
}

func (r *StoreRepository) CountStores(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM stores`).Scan(&n); err != nil {
		return 0, storageErr("count stores", err)
	}
	return n, nil
}

func (r *StoreRepository) scanOne(ctx context.Context, op, query string, arg any) (*entitlement.Store, error) {
	var st entitlement.Store
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&st.StoreID, &st.Name, &st.Phone, &st.Email, &st.AccessCode, &st.CreatedAt,
	)
	if err != nil {
		return nil, notFoundOr(op, err)
	}
	return &st, nil
}
