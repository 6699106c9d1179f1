package entitlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"duka-service/internal/domain/entitlement"
	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/repository/sqlite"
	entsvc "duka-service/internal/service/entitlement"
	"duka-service/internal/service/plans"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*entitlement.EntitlementResponse
}

func (p *recordingPublisher) PublishEntitlement(_ context.Context, ent *entitlement.EntitlementResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ent)
}

func (p *recordingPublisher) last() *entitlement.EntitlementResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	return p.events[len(p.events)-1]
}

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*entsvc.Service, *sqlite.Store, *recordingPublisher) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	pub := &recordingPublisher{}
	catalog := plans.NewCatalog(store, time.Minute, zap.NewNop())
	svc := entsvc.NewService(store, catalog, pub, entsvc.Config{AccessCodePrefix: "DUKA", TrialLength: 14 * 24 * time.Hour}, zap.NewNop())
	svc.SetClock(func() time.Time { return now })
	return svc, store, pub
}

func TestProvisionStore_StartsTrial(t *testing.T) {
	svc, _, pub := newService(t)
	ctx := context.Background()

	resp, err := svc.ProvisionStore(ctx, &entitlement.ProvisionStoreRequest{
		StoreID: "store-1", Name: "Mama Mboga", Phone: "0712345678",
	})
	require.NoError(t, err)

	assert.Equal(t, "DUKA-0001", resp.Store.AccessCode)
	assert.Equal(t, "254712345678", resp.Store.Phone)
	assert.Equal(t, entitlement.StatusTrial, resp.Subscription.Status)
	assert.True(t, resp.Subscription.IsTrial)
	assert.Equal(t, now.Add(14*24*time.Hour), resp.Subscription.ExpiresAt)

	require.NotNil(t, pub.last())
	assert.Equal(t, entitlement.TierTrial, pub.last().Tier)

	second, err := svc.ProvisionStore(ctx, &entitlement.ProvisionStoreRequest{StoreID: "store-2", Name: "Kiosk"})
	require.NoError(t, err)
	assert.Equal(t, "DUKA-0002", second.Store.AccessCode)
}

func TestProvisionStore_DuplicateIsConflict(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.ProvisionStore(ctx, &entitlement.ProvisionStoreRequest{StoreID: "store-1", Name: "A"})
	require.NoError(t, err)

	_, err = svc.ProvisionStore(ctx, &entitlement.ProvisionStoreRequest{StoreID: "store-1", Name: "B"})
	assert.ErrorIs(t, err, xerrors.ErrConflict)
}

func TestGetEntitlement_UnknownStoreFailsClosed(t *testing.T) {
	svc, _, _ := newService(t)

	resp, err := svc.GetEntitlement(context.Background(), "ghost")

	assert.ErrorIs(t, err, xerrors.ErrNotFound)
	require.NotNil(t, resp)
	assert.Equal(t, entitlement.TierNone, resp.Tier)
}

func TestGetEntitlement_ClosedStoreFailsClosed(t *testing.T) {
	svc, store, _ := newService(t)
	_, err := svc.ProvisionStore(context.Background(), &entitlement.ProvisionStoreRequest{StoreID: "store-1", Name: "A"})
	require.NoError(t, err)
	store.Close()

	resp, err := svc.GetEntitlement(context.Background(), "store-1")

	assert.ErrorIs(t, err, xerrors.ErrStorageUnavailable)
	assert.Equal(t, entitlement.TierNone, resp.Tier)
}

func TestGetEntitlement_IsReadOnly(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	_, err := svc.ProvisionStore(ctx, &entitlement.ProvisionStoreRequest{StoreID: "store-1", Name: "A"})
	require.NoError(t, err)

	svc.SetClock(func() time.Time { return now.Add(20 * 24 * time.Hour) })
	resp, err := svc.GetEntitlement(ctx, "store-1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierExpired, resp.Tier)
	assert.Equal(t, entitlement.StatusExpired, resp.Status)

	stored, err := store.FindSubscriptionByStore(ctx, "store-1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusTrial, stored.Status)
	assert.Equal(t, int64(1), stored.Version)
}

func TestCancelSuspendReactivate(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.ProvisionStore(ctx, &entitlement.ProvisionStoreRequest{StoreID: "store-1", Name: "A"})
	require.NoError(t, err)

	suspended, err := svc.Suspend(ctx, "store-1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusSuspended, suspended.Status)

	resumed, err := svc.Reactivate(ctx, "store-1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusTrial, resumed.Status)

	cancelled, err := svc.Cancel(ctx, "store-1", "closed shop")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusCancelled, cancelled.Status)
	assert.Equal(t, now, cancelled.ExpiresAt)

	_, err = svc.Suspend(ctx, "store-1")
	assert.ErrorIs(t, err, xerrors.ErrSubscriptionCancelled)

	ent, err := svc.GetEntitlement(ctx, "store-1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierNone, ent.Tier)

	revived, err := svc.Reactivate(ctx, "store-1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusExpired, revived.Status)
}

func TestCreatePaymentIntent(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.ProvisionStore(ctx, &entitlement.ProvisionStoreRequest{StoreID: "store-1", Name: "A"})
	require.NoError(t, err)

	req := &entitlement.CreatePaymentIntentRequest{Channel: "PUSH_PAYMENT", SessionID: "ws_CO_1", PlanID: "basic-monthly"}
	intent, err := svc.CreatePaymentIntent(ctx, "store-1", req)
	require.NoError(t, err)
	assert.Equal(t, "store-1", intent.StoreID)

	again, err := svc.CreatePaymentIntent(ctx, "store-1", req)
	require.NoError(t, err, "a retried intent with the same body is accepted")
	assert.Equal(t, intent.SessionID, again.SessionID)

	_, err = svc.CreatePaymentIntent(ctx, "store-1", &entitlement.CreatePaymentIntentRequest{
		Channel: "PUSH_PAYMENT", SessionID: "ws_CO_2", PlanID: "gold",
	})
	assert.ErrorIs(t, err, xerrors.ErrValidation)
}
