// internal/repository/sqlite/db.go
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/repository"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

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
		StoreRepository:         &StoreRepository{db: q},
		PlanRepository:          &PlanRepository{db: q},
		SubscriptionRepository:  &SubscriptionRepository{db: q},
		PaymentIntentRepository: &PaymentIntentRepository{db: q},
		PaymentEventRepository:  &PaymentEventRepository{db: q},
		ReminderRepository:      &ReminderRepository{db: q},
	}
}

// Store implements repository.Store on an embedded SQLite database. The handle
// keeps a single connection, so transactions are serialized and a row lock is
// implied by the open transaction.
type Store struct {
	*repos
	db *sql.DB
}

var _ repository.Store = (*Store)(nil)

// Open opens (creating if needed) the database file at path. The path ":memory:"
// gives a private in-memory database.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := path
	if path != ":memory:" {
		path = filepath.Clean(path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create sqlite data dir: %w", err)
		}
		dsn = path + "?" + url.Values{
			"_pragma": []string{
				"busy_timeout(30000)",
				"journal_mode(WAL)",
				"synchronous(NORMAL)",
				"foreign_keys(1)",
			},
		}.Encode()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{repos: newRepos(db), db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stores (
		store_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT,
		email TEXT,
		access_code TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stores_phone ON stores(phone);

	CREATE TABLE IF NOT EXISTS plans (
		plan_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		tier TEXT NOT NULL,
		duration_days INTEGER NOT NULL,
		price_minor INTEGER NOT NULL,
		currency TEXT NOT NULL,
		min_amount_minor INTEGER NOT NULL,
		max_amount_minor INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		store_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		plan_id TEXT NOT NULL,
		is_trial INTEGER NOT NULL DEFAULT 0,
		last_payment_ref TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		cancelled_at INTEGER,
		cancellation_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status_expires ON subscriptions(status, expires_at);

	CREATE TABLE IF NOT EXISTS payment_intents (
		session_id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		store_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_events (
		external_id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		amount_minor INTEGER NOT NULL,
		currency TEXT NOT NULL,
		raw_reference TEXT,
		correlation_store_id TEXT,
		correlation_plan_id TEXT,
		session_id TEXT,
		payer_phone TEXT,
		manual INTEGER NOT NULL DEFAULT 0,
		note TEXT,
		raw_payload BLOB,
		received_at INTEGER NOT NULL,
		match_status TEXT NOT NULL,
		match_reason TEXT,
		matched_store_id TEXT,
		matched_plan_id TEXT,
		applied_at INTEGER,
		previous_expires_at INTEGER,
		new_expires_at INTEGER,
		confirmed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_payment_events_status ON payment_events(match_status, received_at);

	CREATE TABLE IF NOT EXISTS reminder_logs (
		id TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL,
		store_id TEXT NOT NULL,
		reminder_type TEXT NOT NULL,
		bucket_date TEXT NOT NULL,
		days_to_expiry INTEGER NOT NULL,
		sent_at INTEGER NOT NULL,
		UNIQUE (subscription_id, reminder_type, bucket_date)
	);

	INSERT OR IGNORE INTO plans (plan_id, name, tier, duration_days, price_minor, currency, min_amount_minor, max_amount_minor) VALUES
		('basic-monthly', 'Basic Monthly', 'BASIC', 30, 50000, 'KES', 45000, 55000),
		('premium-monthly', 'Premium Monthly', 'PREMIUM', 30, 150000, 'KES', 140000, 160000),
		('basic-yearly', 'Basic Yearly', 'BASIC', 365, 500000, 'KES', 480000, 520000),
		('premium-yearly', 'Premium Yearly', 'PREMIUM', 365, 1500000, 'KES', 1450000, 1550000);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, q repository.Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, newRepos(tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	code := sqlErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, xerrors.ErrStorageUnavailable, err)
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return xerrors.ErrNotFound
	}
	return storageErr(op, err)
}

// Times are stored as INTEGER unix nanoseconds.

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullNanos(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return nanos(t.Time)
}

type nanoTime struct{ dst *time.Time }

func (n nanoTime) Scan(src any) error {
	v, ok := src.(int64)
	if !ok {
		return fmt.Errorf("unexpected time column type %T", src)
	}
	*n.dst = time.Unix(0, v).UTC()
	return nil
}

type nullNanoTime struct{ dst *sql.NullTime }

func (n nullNanoTime) Scan(src any) error {
	if src == nil {
		*n.dst = sql.NullTime{}
		return nil
	}
	v, ok := src.(int64)
	if !ok {
		return fmt.Errorf("unexpected time column type %T", src)
	}
	*n.dst = sql.NullTime{Time: time.Unix(0, v).UTC(), Valid: true}
	return nil
}
