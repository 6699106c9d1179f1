package reconcile_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"duka-service/internal/domain/entitlement"
	"duka-service/internal/domain/payment"
	"duka-service/internal/repository/sqlite"
	"duka-service/internal/service/plans"
	"duka-service/internal/service/reconcile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

type fakePublisher struct {
	mu    sync.Mutex
	tiers []entitlement.Tier
}

func (p *fakePublisher) PublishEntitlement(_ context.Context, ent *entitlement.EntitlementResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tiers = append(p.tiers, ent.Tier)
}

type fakeConfirmer struct {
	mu  sync.Mutex
	ids []string
}

func (c *fakeConfirmer) Enqueue(pe *payment.PaymentEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, pe.ExternalID)
}

type fixture struct {
	store     *sqlite.Store
	rec       *reconcile.Reconciler
	publisher *fakePublisher
	confirmer *fakeConfirmer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	f := &fixture{store: store, publisher: &fakePublisher{}, confirmer: &fakeConfirmer{}}
	catalog := plans.NewCatalog(store, time.Minute, zap.NewNop())
	f.rec = reconcile.NewReconciler(store, catalog, f.publisher, f.confirmer, reconcile.Config{MaxRetries: 10}, zap.NewNop())
	f.rec.SetClock(func() time.Time { return now })
	return f
}

// addStore creates a store with a subscription in the given state.
func (f *fixture) addStore(t *testing.T, id, code, phone string, status entitlement.SubscriptionStatus, expires time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateStore(ctx, &entitlement.Store{
		StoreID:    id,
		Name:       "Store " + id,
		Phone:      sql.NullString{String: phone, Valid: phone != ""},
		AccessCode: code,
		CreatedAt:  now.Add(-60 * day),
	}))
	require.NoError(t, f.store.CreateSubscription(ctx, &entitlement.Subscription{
		ID:        "sub-" + id,
		StoreID:   id,
		Status:    status,
		ExpiresAt: expires,
		PlanID:    "trial",
		IsTrial:   status == entitlement.StatusTrial,
		Version:   1,
		CreatedAt: now.Add(-60 * day),
		UpdatedAt: now.Add(-60 * day),
	}))
}

func (f *fixture) record(t *testing.T, ev payment.CanonicalEvent) string {
	t.Helper()
	if ev.Currency == "" {
		ev.Currency = "KES"
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}
	inserted, err := f.store.InsertPaymentEvent(context.Background(), payment.NewPaymentEvent(&ev))
	require.NoError(t, err)
	require.True(t, inserted)
	return ev.ExternalID
}

func (f *fixture) subscription(t *testing.T, storeID string) *entitlement.Subscription {
	t.Helper()
	sub, err := f.store.FindSubscriptionByStore(context.Background(), storeID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) event(t *testing.T, id string) *payment.PaymentEvent {
	t.Helper()
	pe, err := f.store.FindPaymentEvent(context.Background(), id)
	require.NoError(t, err)
	return pe
}

func assertSameTime(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %s, got %s", want, *got)
}

func TestApply_AccessCodeExtendsFromCurrentExpiry(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "s1", "DUKA-0001", "", entitlement.StatusTrial, now.Add(5*day))
	id := f.record(t, payment.CanonicalEvent{
		ExternalID: "QK1", Channel: payment.ChannelCustomerPayment, AmountMinor: 50000, RawReference: "DUKA-0001",
	})

	res, err := f.rec.Apply(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeApplied, res.Outcome)
	assert.Equal(t, "s1", res.StoreID)
	assert.Equal(t, "basic-monthly", res.PlanID)
	assert.Equal(t, reconcile.ReasonAccessCode, res.Reason)
	assertSameTime(t, now.Add(35*day), res.NewExpiresAt)

	sub := f.subscription(t, "s1")
	assert.Equal(t, entitlement.StatusActive, sub.Status)
	assert.False(t, sub.IsTrial)
	assert.Equal(t, "basic-monthly", sub.PlanID)
	assert.Equal(t, "QK1", sub.LastPaymentRef.String)
	assert.Equal(t, int64(2), sub.Version)

	assert.Equal(t, payment.MatchApplied, f.event(t, id).MatchStatus)
	assert.Equal(t, []entitlement.Tier{entitlement.TierBasic}, f.publisher.tiers)
}

func TestApply_LapsedRenewsFromNow(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "s1", "DUKA-0001", "", entitlement.StatusExpired, now.Add(-40*day))
	id := f.record(t, payment.CanonicalEvent{
		ExternalID: "QK1", Channel: payment.ChannelCustomerPayment, AmountMinor: 150000, RawReference: "DUKA-0001",
	})

	res, err := f.rec.Apply(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, "premium-monthly", res.PlanID)
	assertSameTime(t, now.Add(30*day), res.NewExpiresAt)
	assertSameTime(t, now.Add(-40*day), res.PreviousExpiresAt)
}

func TestApply_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "s1", "DUKA-0001", "", entitlement.StatusActive, now.Add(2*day))
	id := f.record(t, payment.CanonicalEvent{
		ExternalID: "QK1", Channel: payment.ChannelCustomerPayment, AmountMinor: 50000, RawReference: "DUKA-0001",
	})
	ctx := context.Background()

	first, err := f.rec.Apply(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, first.Outcome)

	second, err := f.rec.Apply(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.StoreID, second.StoreID)
	assertSameTime(t, *first.NewExpiresAt, second.NewExpiresAt)

	sub := f.subscription(t, "s1")
	assert.Equal(t, int64(2), sub.Version)
	assert.True(t, now.Add(32*day).Equal(sub.ExpiresAt))
}

func TestApply_ExplicitStoreAndPlan(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "s1", "DUKA-0001", "", entitlement.StatusActive, now.Add(day))
	id := f.record(t, payment.CanonicalEvent{
		ExternalID: "ADMIN-ref1", Channel: payment.ChannelAdminManual, AmountMinor: 1500000,
		StoreID: "s1", PlanID: "premium-yearly", Manual: true, Note: "promo",
	})

	res, err := f.rec.Apply(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeApplied, res.Outcome)
	assert.Equal(t, reconcile.ReasonExplicit, res.Reason)
	assertSameTime(t, now.Add(366*day), res.NewExpiresAt)
}

func TestApply_PaymentIntentAndConfirmation(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "s1", "DUKA-0001", "", entitlement.StatusTrial, now.Add(day))
	require.NoError(t, f.store.CreatePaymentIntent(context.Background(), &entitlement.PaymentIntent{
		SessionID: "sess-9", Channel: string(payment.ChannelCheckout), StoreID: "s1", PlanID: "premium-monthly", CreatedAt: now,
	}))
	id := f.record(t, payment.CanonicalEvent{
		ExternalID: "chk-77", Channel: payment.ChannelCheckout, AmountMinor: 150000, SessionID: "sess-9",
	})

	res, err := f.rec.Apply(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeApplied, res.Outcome)
	assert.Equal(t, reconcile.ReasonIntent, res.Reason)
	assert.Equal(t, "premium-monthly", res.PlanID)
	assert.Equal(t, []string{"chk-77"}, f.confirmer.ids)
}

func TestApply_AmountAndPhoneWhenNoReference(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "s1", "DUKA-0001", "254712345678", entitlement.StatusActive, now.Add(day))
	id := f.record(t, payment.CanonicalEvent{
		ExternalID: "QK9", Channel: payment.ChannelCustomerPayment, AmountMinor: 50000, PayerPhone: "254712345678",
	})

	res, err := f.rec.Apply(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeApplied, res.Outcome)
	assert.Equal(t, reconcile.ReasonAmountPhone, res.Reason)
}

func TestApply_UnmatchedCases(t *testing.T) {
	tests := []struct {
		name   string
		ev     payment.CanonicalEvent
		reason string
	}{
		{
			name:   "unknown access code",
			ev:     payment.CanonicalEvent{ExternalID: "U1", Channel: payment.ChannelCustomerPayment, AmountMinor: 50000, RawReference: "DUKA-9999"},
			reason: reconcile.ReasonNoStore,
		},
		{
			name:   "amount outside every plan",
			ev:     payment.CanonicalEvent{ExternalID: "U2", Channel: payment.ChannelCustomerPayment, AmountMinor: 30000, RawReference: "DUKA-0001"},
			reason: reconcile.ReasonNoPlan,
		},
		{
			name:   "below the chosen plan",
			ev:     payment.CanonicalEvent{ExternalID: "U3", Channel: payment.ChannelPushPayment, AmountMinor: 50000, StoreID: "s1", PlanID: "premium-monthly"},
			reason: reconcile.ReasonUnderpaid,
		},
		{
			name:   "unknown store id",
			ev:     payment.CanonicalEvent{ExternalID: "U4", Channel: payment.ChannelPushPayment, AmountMinor: 50000, StoreID: "ghost"},
			reason: reconcile.ReasonUnknownStore,
		},
		{
			name:   "no reference and unknown phone",
			ev:     payment.CanonicalEvent{ExternalID: "U5", Channel: payment.ChannelCustomerPayment, AmountMinor: 50000, PayerPhone: "254700000000"},
			reason: reconcile.ReasonNoStore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addStore(t, "s1", "DUKA-0001", "", entitlement.StatusActive, now.Add(day))
			id := f.record(t, tt.ev)

			res, err := f.rec.Apply(context.Background(), id)
			require.NoError(t, err)

			assert.Equal(t, payment.OutcomeUnmatched, res.Outcome)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, payment.MatchUnmatched, f.event(t, id).MatchStatus)
			assert.Equal(t, int64(1), f.subscription(t, "s1").Version)
		})
	}
}

func TestApply_UnmatchedStaysQueuedOnRetry(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "s1", "DUKA-0001", "", entitlement.StatusActive, now.Add(day))
	id := f.record(t, payment.CanonicalEvent{
		ExternalID: "U1", Channel: payment.ChannelCustomerPayment, AmountMinor: 50000, RawReference: "DUKA-9999",
	})
	ctx := context.Background()

	_, err := f.rec.Apply(ctx, id)
	require.NoError(t, err)
	res, err := f.rec.Apply(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeUnmatched, res.Outcome)
}

func TestApply_RejectedIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "s1", "DUKA-0001", "", entitlement.StatusActive, now.Add(day))
	id := f.record(t, payment.CanonicalEvent{
		ExternalID: "ws_CO_1", Channel: payment.ChannelPushPayment, SessionID: "ws_CO_1",
		Failed: true, FailureReason: "provider result 1032: cancelled by user",
	})

	res, err := f.rec.Apply(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, payment.OutcomeRejected, res.Outcome)
	assert.Equal(t, int64(1), f.subscription(t, "s1").Version)
}

func TestApply_CancelledBlocksUntilOperatorLinks(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "s1", "DUKA-0001", "", entitlement.StatusCancelled, now.Add(-day))
	id := f.record(t, payment.CanonicalEvent{
		ExternalID: "QK1", Channel: payment.ChannelCustomerPayment, AmountMinor: 50000, RawReference: "DUKA-0001",
	})
	ctx := context.Background()

	res, err := f.rec.Apply(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeBlocked, res.Outcome)
	assert.Equal(t, reconcile.ReasonCancelled, res.Reason)

	pe := f.event(t, id)
	assert.Equal(t, payment.MatchMatched, pe.MatchStatus)
	assert.Equal(t, "s1", pe.MatchedStoreID.String)
	assert.Equal(t, entitlement.StatusCancelled, f.subscription(t, "s1").Status)

	again, err := f.rec.Apply(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeBlocked, again.Outcome)

	linked, err := f.rec.ApplyExplicit(ctx, id, "s1", "basic-monthly")
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeApplied, linked.Outcome)
	assert.Equal(t, reconcile.ReasonManualLink, linked.Reason)

	sub := f.subscription(t, "s1")
	assert.Equal(t, entitlement.StatusActive, sub.Status)
	assert.False(t, sub.CancelledAt.Valid)
	assert.True(t, now.Add(30*day).Equal(sub.ExpiresAt))
}

func TestApplyExplicit_LinksUnmatchedEvent(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "s1", "DUKA-0001", "", entitlement.StatusActive, now.Add(3*day))
	id := f.record(t, payment.CanonicalEvent{
		ExternalID: "U1", Channel: payment.ChannelCustomerPayment, AmountMinor: 20000, RawReference: "typo",
	})
	ctx := context.Background()

	res, err := f.rec.Apply(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeUnmatched, res.Outcome)

	linked, err := f.rec.ApplyExplicit(ctx, id, "s1", "basic-monthly")
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeApplied, linked.Outcome, "an operator link accepts an amount below the plan range")
	assertSameTime(t, now.Add(33*day), linked.NewExpiresAt)

	dup, err := f.rec.ApplyExplicit(ctx, id, "s1", "basic-monthly")
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeDuplicate, dup.Outcome)
}

func TestApply_ConcurrentPaymentsAllCount(t *testing.T) {
	f := newFixture(t)
	start := now.Add(10 * day)
	f.addStore(t, "s1", "DUKA-0001", "", entitlement.StatusActive, start)

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = f.record(t, payment.CanonicalEvent{
			ExternalID: fmt.Sprintf("QK%d", i), Channel: payment.ChannelCustomerPayment, AmountMinor: 50000, RawReference: "DUKA-0001",
		})
	}

	var wg sync.WaitGroup
	errs := make(chan error, n*2)
	for _, id := range ids {
		// every event is delivered twice
		for range 2 {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := f.rec.Apply(context.Background(), id); err != nil {
					errs <- err
				}
			}(id)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sub := f.subscription(t, "s1")
	assert.True(t, start.Add(n*30*day).Equal(sub.ExpiresAt), "got %s", sub.ExpiresAt)
	assert.Equal(t, int64(1+n), sub.Version)
}

func TestApply_ExpiryNeverMovesBackwards(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "s1", "DUKA-0001", "", entitlement.StatusActive, now.Add(100*day))
	ctx := context.Background()

	prev := f.subscription(t, "s1").ExpiresAt
	for i, amount := range []int64{50000, 150000, 500000} {
		id := f.record(t, payment.CanonicalEvent{
			ExternalID: fmt.Sprintf("QK%d", i), Channel: payment.ChannelCustomerPayment, AmountMinor: amount, RawReference: "DUKA-0001",
		})
		_, err := f.rec.Apply(ctx, id)
		require.NoError(t, err)

		cur := f.subscription(t, "s1").ExpiresAt
		assert.True(t, cur.After(prev))
		prev = cur
	}
}
