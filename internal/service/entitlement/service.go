// internal/service/entitlement/service.go
package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"duka-service/internal/domain/entitlement"
	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/repository"
	"duka-service/internal/service/plans"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	TrialPlanID         = "trial"
	maxAccessCodeTries  = 5
	statusChangeRetries = 3
)

// Publisher receives the new entitlement of a store after any change.
type Publisher interface {
	PublishEntitlement(ctx context.Context, ent *entitlement.EntitlementResponse)
}

type Config struct {
	AccessCodePrefix string
	TrialLength      time.Duration
}

type Service struct {
	store     repository.Store
	catalog   *plans.Catalog
	publisher Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store repository.Store, catalog *plans.Catalog, publisher Publisher, cfg Config, logger *zap.Logger) *Service {
	if cfg.AccessCodePrefix == "" {
		cfg.AccessCodePrefix = "DUKA"
	}
	if cfg.TrialLength <= 0 {
		cfg.TrialLength = 14 * day
	}
	return &Service{
		store:     store,
		catalog:   catalog,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// GetEntitlement is read-only. Any storage failure yields tier NONE together
// with the error so callers fail closed.
func (s *Service) GetEntitlement(ctx context.Context, storeID string) (*entitlement.EntitlementResponse, error) {
	closed := &entitlement.EntitlementResponse{StoreID: storeID, Tier: entitlement.TierNone}

	if _, err := s.store.FindStore(ctx, storeID); err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return closed, fmt.Errorf("store %s: %w", storeID, xerrors.ErrNotFound)
		}
		return closed, err
	}

	sub, err := s.store.FindSubscriptionByStore(ctx, storeID)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return Evaluate(storeID, nil, nil, s.now()), nil
		}
		return closed, err
	}

	plan, err := s.planFor(ctx, sub)
	if err != nil {
		return closed, err
	}

	return Evaluate(storeID, sub, plan, s.now()), nil
}

// GetStore returns the store with its access code.
func (s *Service) GetStore(ctx context.Context, storeID string) (*entitlement.StoreView, error) {
	st, err := s.store.FindStore(ctx, storeID)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, fmt.Errorf("store %s: %w", storeID, xerrors.ErrNotFound)
		}
		return nil, err
	}
	view := entitlement.NewStoreView(st)
	return &view, nil
}

// planFor resolves the plan of a paid subscription. Trial rows and unknown
// plan ids evaluate without a plan.
func (s *Service) planFor(ctx context.Context, sub *entitlement.Subscription) (*entitlement.Plan, error) {
	if sub.PlanID == "" || sub.PlanID == TrialPlanID {
		return nil, nil
	}
	plan, err := s.catalog.Get(ctx, sub.PlanID)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			s.logger.Warn("subscription references unknown plan",
				zap.String("store_id", sub.StoreID),
				zap.String("plan_id", sub.PlanID),
			)
			return nil, nil
		}
		return nil, err
	}
	return plan, nil
}

// ProvisionStore creates the store, its access code and its TRIAL subscription
// in one transaction.
func (s *Service) ProvisionStore(ctx context.Context, req *entitlement.ProvisionStoreRequest) (*entitlement.ProvisionStoreResponse, error) {
	storeID := strings.TrimSpace(req.StoreID)
	if storeID == "" {
		return nil, xerrors.NewValidation("store_id", "required")
	}

	if _, err := s.store.FindStore(ctx, storeID); err == nil {
		return nil, fmt.Errorf("store %s: %w", storeID, xerrors.ErrConflict)
	} else if !errors.Is(err, xerrors.ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	st := &entitlement.Store{
		StoreID:   storeID,
		Name:      strings.TrimSpace(req.Name),
		Phone:     nullString(NormalizePhone(req.Phone)),
		Email:     nullString(strings.TrimSpace(req.Email)),
		CreatedAt: now,
	}
	sub := &entitlement.Subscription{
		ID:        ulid.Make().String(),
		StoreID:   storeID,
		Status:    entitlement.StatusTrial,
		ExpiresAt: now.Add(s.cfg.TrialLength),
		PlanID:    TrialPlanID,
		IsTrial:   true,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var lastErr error
	for attempt := 0; attempt < maxAccessCodeTries; attempt++ {
		count, err := s.store.CountStores(ctx)
		if err != nil {
			return nil, err
		}
		st.AccessCode = FormatAccessCode(s.cfg.AccessCodePrefix, count+1+int64(attempt))

		lastErr = s.store.WithinTx(ctx, func(ctx context.Context, q repository.Queries) error {
			if err := q.CreateStore(ctx, st); err != nil {
				return err
			}
			return q.CreateSubscription(ctx, sub)
		})
		if lastErr == nil {
			break
		}
		if !errors.Is(lastErr, xerrors.ErrConflict) {
			return nil, lastErr
		}
		// A concurrent provisioning may have taken the store id itself.
		if _, err := s.store.FindStore(ctx, storeID); err == nil {
			return nil, fmt.Errorf("store %s: %w", storeID, xerrors.ErrConflict)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("failed to allocate access code: %w", lastErr)
	}

	s.logger.Info("store provisioned",
		zap.String("store_id", st.StoreID),
		zap.String("access_code", st.AccessCode),
		zap.Time("trial_expires_at", sub.ExpiresAt),
	)

	s.publish(ctx, sub)

	return &entitlement.ProvisionStoreResponse{
		Store:        entitlement.NewStoreView(st),
		Subscription: entitlement.NewSubscriptionView(sub),
	}, nil
}

// CreatePaymentIntent records which store and plan a provider session belongs to.
func (s *Service) CreatePaymentIntent(ctx context.Context, storeID string, req *entitlement.CreatePaymentIntentRequest) (*entitlement.PaymentIntent, error) {
	if _, err := s.store.FindStore(ctx, storeID); err != nil {
		return nil, err
	}
	if _, err := s.catalog.Get(ctx, req.PlanID); err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, xerrors.NewValidation("plan_id", "unknown plan")
		}
		return nil, err
	}

	intent := &entitlement.PaymentIntent{
		SessionID: strings.TrimSpace(req.SessionID),
		Channel:   req.Channel,
		StoreID:   storeID,
		PlanID:    req.PlanID,
		CreatedAt: s.now().UTC(),
	}
	if intent.SessionID == "" {
		return nil, xerrors.NewValidation("session_id", "required")
	}

	if err := s.store.CreatePaymentIntent(ctx, intent); err != nil {
		if errors.Is(err, xerrors.ErrConflict) {
			// A retried request for the same session is fine as long as it agrees.
			existing, findErr := s.store.FindPaymentIntent(ctx, intent.SessionID)
			if findErr == nil && existing.StoreID == storeID && existing.PlanID == req.PlanID {
				return existing, nil
			}
		}
		return nil, err
	}

	s.logger.Info("payment intent registered",
		zap.String("store_id", storeID),
		zap.String("session_id", intent.SessionID),
		zap.String("channel", intent.Channel),
		zap.String("plan_id", intent.PlanID),
	)
	return intent, nil
}

// Cancel moves the subscription to CANCELLED and pulls expires_at back to now
// if it lies in the future.
func (s *Service) Cancel(ctx context.Context, storeID, reason string) (*entitlement.SubscriptionView, error) {
	return s.changeStatus(ctx, storeID, "cancel", func(sub *entitlement.Subscription, now time.Time) error {
		if sub.Status == entitlement.StatusCancelled {
			return nil
		}
		sub.Status = entitlement.StatusCancelled
		if sub.ExpiresAt.After(now) {
			sub.ExpiresAt = now
		}
		sub.CancelledAt = sql.NullTime{Time: now, Valid: true}
		sub.CancellationReason = nullString(reason)
		return nil
	})
}

func (s *Service) Suspend(ctx context.Context, storeID string) (*entitlement.SubscriptionView, error) {
	return s.changeStatus(ctx, storeID, "suspend", func(sub *entitlement.Subscription, _ time.Time) error {
		if sub.Status == entitlement.StatusCancelled {
			return fmt.Errorf("store %s: %w", storeID, xerrors.ErrSubscriptionCancelled)
		}
		sub.Status = entitlement.StatusSuspended
		return nil
	})
}

// Reactivate lifts a suspension or cancellation. The row comes back as TRIAL or
// ACTIVE while time remains, EXPIRED otherwise.
func (s *Service) Reactivate(ctx context.Context, storeID string) (*entitlement.SubscriptionView, error) {
	return s.changeStatus(ctx, storeID, "reactivate", func(sub *entitlement.Subscription, now time.Time) error {
		switch {
		case !sub.ExpiresAt.After(now):
			sub.Status = entitlement.StatusExpired
		case sub.IsTrial:
			sub.Status = entitlement.StatusTrial
		default:
			sub.Status = entitlement.StatusActive
		}
		sub.CancelledAt = sql.NullTime{}
		sub.CancellationReason = sql.NullString{}
		return nil
	})
}

// changeStatus applies mutate with an optimistic write, retrying on a version
// conflict.
func (s *Service) changeStatus(ctx context.Context, storeID, op string, mutate func(*entitlement.Subscription, time.Time) error) (*entitlement.SubscriptionView, error) {
	var updated *entitlement.Subscription

	operation := func() error {
		sub, err := s.store.FindSubscriptionByStore(ctx, storeID)
		if err != nil {
			return backoff.Permanent(err)
		}

		expected := sub.Version
		now := s.now().UTC()
		if err := mutate(sub, now); err != nil {
			return backoff.Permanent(err)
		}
		sub.UpdatedAt = now

		if err := s.store.UpdateSubscription(ctx, sub, expected); err != nil {
			if errors.Is(err, xerrors.ErrConcurrencyConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		updated = sub
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackoff(), statusChangeRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		s.logger.Warn("subscription status change failed",
			zap.String("op", op),
			zap.String("store_id", storeID),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("subscription status changed",
		zap.String("op", op),
		zap.String("store_id", storeID),
		zap.String("status", string(updated.Status)),
		zap.Int64("version", updated.Version),
	)

	s.publish(ctx, updated)
	view := entitlement.NewSubscriptionView(updated)
	return &view, nil
}

func (s *Service) publish(ctx context.Context, sub *entitlement.Subscription) {
	if s.publisher == nil {
		return
	}
	plan, _ := s.planFor(ctx, sub)
	s.publisher.PublishEntitlement(ctx, Evaluate(sub.StoreID, sub, plan, s.now()))
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// FormatAccessCode renders the n-th access code, e.g. DUKA-0001.
func FormatAccessCode(prefix string, n int64) string {
	return fmt.Sprintf("%s-%04d", strings.ToUpper(prefix), n)
}

// NormalizePhone reduces Kenyan numbers to the 2547XXXXXXXX form providers use.
func NormalizePhone(phone string) string {
	p := strings.NewReplacer(" ", "", "-", "", "+", "").Replace(strings.TrimSpace(phone))
	switch {
	case strings.HasPrefix(p, "0") && len(p) == 10:
		return "254" + p[1:]
	case (strings.HasPrefix(p, "7") || strings.HasPrefix(p, "1")) && len(p) == 9:
		return "254" + p
	}
	return p
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
