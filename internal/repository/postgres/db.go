// internal/repository/postgres/db.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/repository"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type DB struct {
	pool *pgxpool.Pool
}

func NewDB(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

func (db *DB) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return db.pool.Begin(ctx)
}

// repos bundles the per-table repositories bound to one querier.
type repos struct {
	*StoreRepository
	*PlanRepository
	*SubscriptionRepository
	*PaymentIntentRepository
	*PaymentEventRepository
	*ReminderRepository
}

func newRepos(q querier) *repos {
	return &repos{
		StoreRepository:         NewStoreRepository(q),
		PlanRepository:          NewPlanRepository(q),
		SubscriptionRepository:  NewSubscriptionRepository(q),
		PaymentIntentRepository: NewPaymentIntentRepository(q),
		PaymentEventRepository:  NewPaymentEventRepository(q),
		ReminderRepository:      NewReminderRepository(q),
	}
}

// Store implements repository.Store on a pgx pool.
type Store struct {
	*repos
	db *DB
}

var _ repository.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		repos: newRepos(pool),
		db:    NewDB(pool),
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, q repository.Queries) error) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, newRepos(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeSerializationFailure {
			return fmt.Errorf("commit: %w", xerrors.ErrConcurrencyConflict)
		}
		return storageErr("commit transaction", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.pool.Ping(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *Store) Close() {
	s.db.pool.Close()
}

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// storageErr marks a driver failure as ErrStorageUnavailable while keeping the cause.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, xerrors.ErrStorageUnavailable, err)
}

// notFoundOr maps pgx.ErrNoRows to xerrors.ErrNotFound.
func notFoundOr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return xerrors.ErrNotFound
	}
	return storageErr(op, err)
}
