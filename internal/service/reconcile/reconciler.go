// internal/service/reconcile/reconciler.go
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"duka-service/internal/domain/entitlement"
	"duka-service/internal/domain/payment"
	"duka-service/internal/metrics"
	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/repository"
	entsvc "duka-service/internal/service/entitlement"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Match reasons recorded on the event.
const (
	ReasonExplicit       = "explicit store"
	ReasonIntent         = "payment intent"
	ReasonAccessCode     = "access code"
	ReasonAmountPhone    = "amount range and payer phone"
	ReasonManualLink     = "manual link"
	ReasonEarlierMatch   = "matched earlier"
	ReasonCancelled      = "subscription cancelled"
	ReasonNoStore        = "no store matched"
	ReasonNoPlan         = "no plan matched"
	ReasonUnderpaid      = "amount below plan minimum"
	ReasonUnknownStore   = "unknown store"
	ReasonNoSubscription = "store has no subscription"
)

// PlanSource supplies the plan table. It is read before the transaction opens.
type PlanSource interface {
	List(ctx context.Context) ([]entitlement.Plan, error)
}

// Confirmer is told about applied events whose provider expects a callback.
type Confirmer interface {
	Enqueue(pe *payment.PaymentEvent)
}

type Config struct {
	MaxRetries int
}

// Reconciler is the only writer of a subscription's entitlement fields.
type Reconciler struct {
	store     repository.Store
	plans     PlanSource
	publisher entsvc.Publisher
	confirmer Confirmer
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewReconciler(store repository.Store, plans PlanSource, publisher entsvc.Publisher, confirmer Confirmer, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Reconciler{
		store:     store,
		plans:     plans,
		publisher: publisher,
		confirmer: confirmer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// explicitTarget is the operator's choice when linking an event by hand.
type explicitTarget struct {
	storeID string
	planID  string
}

// applied carries what the post-commit hooks need.
type applied struct {
	result *payment.ApplyResult
	event  *payment.PaymentEvent
	sub    *entitlement.Subscription
	plan   *entitlement.Plan
}

// Apply matches the event and, when it resolves to a store and plan, extends
// that store's subscription. Calling it again for an applied event returns the
// stored result with outcome DUPLICATE.
func (r *Reconciler) Apply(ctx context.Context, externalID string) (*payment.ApplyResult, error) {
	return r.apply(ctx, externalID, nil)
}

// ApplyExplicit applies the event to storeID and planID, skipping matching. It
// is what the manual link uses and may revive a cancelled subscription.
func (r *Reconciler) ApplyExplicit(ctx context.Context, externalID, storeID, planID string) (*payment.ApplyResult, error) {
	if storeID == "" {
		return nil, xerrors.NewValidation("store_id", "required")
	}
	if planID == "" {
		return nil, xerrors.NewValidation("plan_id", "required")
	}
	return r.apply(ctx, externalID, &explicitTarget{storeID: storeID, planID: planID})
}

func (r *Reconciler) apply(ctx context.Context, externalID string, target *explicitTarget) (*payment.ApplyResult, error) {
	start := time.Now()
	defer func() { metrics.ApplyDuration.Observe(time.Since(start).Seconds()) }()

	plans, err := r.plans.List(ctx)
	if err != nil {
		return nil, err
	}

	var out *applied
	operation := func() error {
		res, err := r.applyOnce(ctx, externalID, target, plans)
		if err != nil {
			if errors.Is(err, xerrors.ErrConcurrencyConflict) {
				metrics.ApplyConflictsTotal.Inc()
				r.logger.Debug("version conflict, retrying apply", zap.String("external_id", externalID))
				return err
			}
			return backoff.Permanent(err)
		}
		out = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackoff(), uint64(r.cfg.MaxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		r.logger.Warn("payment apply failed",
			zap.String("external_id", externalID),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.ApplyOutcomesTotal.WithLabelValues(string(out.event.Channel), string(out.result.Outcome)).Inc()
	r.logger.Info("payment event reconciled",
		zap.String("external_id", externalID),
		zap.String("channel", string(out.event.Channel)),
		zap.String("outcome", string(out.result.Outcome)),
		zap.String("store_id", out.result.StoreID),
		zap.String("reason", out.result.Reason),
	)

	if out.result.Outcome == payment.OutcomeApplied {
		r.afterApply(ctx, out)
	}
	return out.result, nil
}

// applyOnce is a single transactional attempt.
func (r *Reconciler) applyOnce(ctx context.Context, externalID string, target *explicitTarget, plans []entitlement.Plan) (*applied, error) {
	var out *applied

	err := r.store.WithinTx(ctx, func(ctx context.Context, q repository.Queries) error {
		pe, err := q.LockPaymentEvent(ctx, externalID)
		if err != nil {
			return err
		}

		switch pe.MatchStatus {
		case payment.MatchApplied:
			out = &applied{result: payment.ResultFromEvent(pe, payment.OutcomeDuplicate), event: pe}
			return nil
		case payment.MatchRejected:
			out = &applied{result: payment.ResultFromEvent(pe, payment.OutcomeRejected), event: pe}
			return nil
		case payment.MatchUnmatched:
			if target == nil {
				// Only an operator moves an event out of the queue.
				out = &applied{result: payment.ResultFromEvent(pe, payment.OutcomeUnmatched), event: pe}
				return nil
			}
		}

		now := r.now().UTC()
		m, err := r.resolve(ctx, q, pe, target, plans)
		if err != nil {
			return err
		}

		if m.unmatched != "" {
			res, err := r.markUnmatched(ctx, q, pe, m.unmatched)
			if err != nil {
				return err
			}
			out = &applied{result: res, event: pe}
			return nil
		}

		sub, err := q.FindSubscriptionByStore(ctx, m.store.StoreID)
		if err != nil {
			if errors.Is(err, xerrors.ErrNotFound) {
				res, err := r.markUnmatched(ctx, q, pe, ReasonNoSubscription)
				if err != nil {
					return err
				}
				out = &applied{result: res, event: pe}
				return nil
			}
			return err
		}

		pe.MatchedStoreID = sql.NullString{String: m.store.StoreID, Valid: true}
		pe.MatchedPlanID = sql.NullString{String: m.plan.PlanID, Valid: true}
		pe.MatchReason = sql.NullString{String: m.reason, Valid: true}

		manual := pe.Manual || target != nil
		if sub.Status == entitlement.StatusCancelled && !manual {
			if pe.MatchStatus != payment.MatchMatched {
				if !pe.MatchStatus.CanTransition(payment.MatchMatched) {
					return fmt.Errorf("event %s in %s: %w", externalID, pe.MatchStatus, xerrors.ErrConflict)
				}
				pe.MatchStatus = payment.MatchMatched
			}
			pe.MatchReason = sql.NullString{String: ReasonCancelled, Valid: true}
			if err := q.UpdatePaymentEventMatch(ctx, pe); err != nil {
				return err
			}
			out = &applied{result: payment.ResultFromEvent(pe, payment.OutcomeBlocked), event: pe}
			return nil
		}

		if pe.MatchStatus != payment.MatchMatched {
			if !pe.MatchStatus.CanTransition(payment.MatchMatched) {
				return fmt.Errorf("event %s in %s: %w", externalID, pe.MatchStatus, xerrors.ErrConflict)
			}
			pe.MatchStatus = payment.MatchMatched
		}

		expected := sub.Version
		previous := sub.ExpiresAt
		sub.ExpiresAt = entsvc.RenewedExpiry(sub.ExpiresAt, now, m.plan.Duration())
		sub.Status = entitlement.StatusActive
		sub.IsTrial = false
		sub.PlanID = m.plan.PlanID
		sub.LastPaymentRef = sql.NullString{String: pe.ExternalID, Valid: true}
		sub.CancelledAt = sql.NullTime{}
		sub.CancellationReason = sql.NullString{}
		sub.UpdatedAt = now

		if err := q.UpdateSubscription(ctx, sub, expected); err != nil {
			return err
		}

		pe.MatchStatus = payment.MatchApplied
		pe.AppliedAt = sql.NullTime{Time: now, Valid: true}
		pe.PreviousExpiresAt = sql.NullTime{Time: previous, Valid: true}
		pe.NewExpiresAt = sql.NullTime{Time: sub.ExpiresAt, Valid: true}
		if err := q.UpdatePaymentEventMatch(ctx, pe); err != nil {
			return err
		}

		out = &applied{
			result: payment.ResultFromEvent(pe, payment.OutcomeApplied),
			event:  pe,
			sub:    sub,
			plan:   m.plan,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reconciler) markUnmatched(ctx context.Context, q repository.Queries, pe *payment.PaymentEvent, reason string) (*payment.ApplyResult, error) {
	pe.MatchReason = sql.NullString{String: reason, Valid: true}
	if pe.MatchStatus != payment.MatchUnmatched {
		if !pe.MatchStatus.CanTransition(payment.MatchUnmatched) {
			// A MATCHED event whose operator link failed keeps its status.
			return payment.ResultFromEvent(pe, payment.OutcomeUnmatched), nil
		}
		pe.MatchStatus = payment.MatchUnmatched
	}
	pe.MatchedStoreID = sql.NullString{}
	pe.MatchedPlanID = sql.NullString{}
	if err := q.UpdatePaymentEventMatch(ctx, pe); err != nil {
		return nil, err
	}
	return payment.ResultFromEvent(pe, payment.OutcomeUnmatched), nil
}

// match is the outcome of resolve. unmatched is set when nothing resolved.
type match struct {
	store     *entitlement.Store
	plan      *entitlement.Plan
	reason    string
	unmatched string
}

// resolve applies the matching precedence: explicit store (operator target,
// event store id, payment intent), then access code, then amount range plus
// payer phone when the event carries no reference at all.
func (r *Reconciler) resolve(ctx context.Context, q repository.Queries, pe *payment.PaymentEvent, target *explicitTarget, plans []entitlement.Plan) (*match, error) {
	var (
		storeID string
		planID  string
		reason  string
	)

	switch {
	case target != nil:
		storeID, planID, reason = target.storeID, target.planID, ReasonManualLink
	case pe.MatchStatus == payment.MatchMatched && pe.MatchedStoreID.Valid:
		storeID, planID, reason = pe.MatchedStoreID.String, pe.MatchedPlanID.String, ReasonEarlierMatch
	case pe.CorrelationStoreID.Valid:
		storeID, planID, reason = pe.CorrelationStoreID.String, pe.CorrelationPlanID.String, ReasonExplicit
	case pe.SessionID.Valid:
		intent, err := q.FindPaymentIntent(ctx, pe.SessionID.String)
		if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
			return nil, err
		}
		if intent != nil {
			storeID, planID, reason = intent.StoreID, intent.PlanID, ReasonIntent
		}
	}

	if storeID != "" {
		st, err := q.FindStore(ctx, storeID)
		if err != nil {
			if errors.Is(err, xerrors.ErrNotFound) {
				return &match{unmatched: ReasonUnknownStore}, nil
			}
			return nil, err
		}
		return r.withPlan(st, planID, reason, pe, target != nil, plans), nil
	}

	if pe.RawReference.Valid {
		st, err := q.FindStoreByAccessCode(ctx, pe.RawReference.String)
		if err != nil {
			if errors.Is(err, xerrors.ErrNotFound) {
				return &match{unmatched: ReasonNoStore}, nil
			}
			return nil, err
		}
		return r.withPlan(st, "", ReasonAccessCode, pe, false, plans), nil
	}

	plan := planForAmount(plans, pe.AmountMinor)
	if plan == nil {
		return &match{unmatched: ReasonNoPlan}, nil
	}
	if !pe.PayerPhone.Valid {
		return &match{unmatched: ReasonNoStore}, nil
	}
	st, err := q.FindStoreByPhone(ctx, pe.PayerPhone.String)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return &match{unmatched: ReasonNoStore}, nil
		}
		return nil, err
	}
	return &match{store: st, plan: plan, reason: ReasonAmountPhone}, nil
}

// withPlan completes a store match with its plan: the explicit one when given,
// otherwise the amount range. Automatic payments must reach the plan's minimum.
func (r *Reconciler) withPlan(st *entitlement.Store, planID, reason string, pe *payment.PaymentEvent, operator bool, plans []entitlement.Plan) *match {
	var plan *entitlement.Plan
	if planID != "" {
		if p, ok := lo.Find(plans, func(p entitlement.Plan) bool { return p.PlanID == planID }); ok {
			plan = &p
		}
	} else {
		plan = planForAmount(plans, pe.AmountMinor)
	}

	if plan == nil {
		return &match{unmatched: ReasonNoPlan}
	}
	if !pe.Manual && !operator && pe.AmountMinor < plan.MinAmountMinor {
		return &match{unmatched: ReasonUnderpaid}
	}
	return &match{store: st, plan: plan, reason: reason}
}

func planForAmount(plans []entitlement.Plan, amountMinor int64) *entitlement.Plan {
	p, ok := lo.Find(plans, func(p entitlement.Plan) bool { return p.Covers(amountMinor) })
	if !ok {
		return nil
	}
	return &p
}

// afterApply runs the side effects of a successful apply. None of them can fail
// the apply.
func (r *Reconciler) afterApply(ctx context.Context, out *applied) {
	if r.publisher != nil {
		r.publisher.PublishEntitlement(ctx, entsvc.Evaluate(out.sub.StoreID, out.sub, out.plan, r.now()))
	}
	if r.confirmer != nil && out.event.Channel == payment.ChannelCheckout {
		r.confirmer.Enqueue(out.event)
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}
