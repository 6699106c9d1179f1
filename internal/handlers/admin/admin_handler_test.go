package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"duka-service/internal/domain/entitlement"
	"duka-service/internal/domain/payment"
	domreminder "duka-service/internal/domain/reminder"
	"duka-service/internal/pkg/lock"
	"duka-service/internal/repository/sqlite"
	"duka-service/internal/service/channel"
	entsvc "duka-service/internal/service/entitlement"
	"duka-service/internal/service/ingest"
	"duka-service/internal/service/plans"
	"duka-service/internal/service/reconcile"
	"duka-service/internal/service/reminder"
	"duka-service/internal/service/unmatched"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	router *gin.Engine
	store  *sqlite.Store
	rec    *reconcile.Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	logger := zap.NewNop()
	catalog := plans.NewCatalog(store, time.Minute, logger)
	rec := reconcile.NewReconciler(store, catalog, nil, nil, reconcile.Config{}, logger)
	rec.SetClock(func() time.Time { return now })

	// workers are never started; grants and links apply synchronously
	dispatcher := ingest.NewDispatcher(rec, store, ingest.DispatcherConfig{}, logger)
	ents := entsvc.NewService(store, catalog, nil, entsvc.Config{}, logger)
	ents.SetClock(func() time.Time { return now })

	h := NewAdminHandler(
		ents,
		channel.NewAdminGrantAdapter("KES", catalog),
		ingest.NewService(store, dispatcher, logger),
		unmatched.NewService(store, catalog, rec, logger),
		reminder.NewSweeper(store, lock.NewLocalLocker(), nil, nil, reminder.Config{}, logger),
		nil,
		logger,
	)

	r := gin.New()
	r.POST("/admin/grant", h.Grant)
	r.POST("/admin/stores", h.ProvisionStore)
	r.POST("/admin/stores/:store_id/token", h.IssueStoreToken)
	r.POST("/admin/subscriptions/:store_id/cancel", h.Cancel)
	r.GET("/admin/unmatched", h.ListUnmatched)
	r.POST("/admin/unmatched/:external_id/link", h.LinkUnmatched)
	r.GET("/admin/subscriptions/:store_id/reminders", h.ReminderHistory)

	return &fixture{router: r, store: store, rec: rec}
}

func (f *fixture) addStore(t *testing.T, id, code string, status entitlement.SubscriptionStatus, expires time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateStore(ctx, &entitlement.Store{
		StoreID: id, Name: "Store " + id, AccessCode: code, CreatedAt: now.Add(-60 * day),
	}))
	require.NoError(t, f.store.CreateSubscription(ctx, &entitlement.Subscription{
		ID: "sub-" + id, StoreID: id, Status: status, ExpiresAt: expires, PlanID: "basic-monthly",
		Version: 1, CreatedAt: now.Add(-60 * day), UpdatedAt: now.Add(-60 * day),
	}))
}

func (f *fixture) expiry(t *testing.T, storeID string) time.Time {
	t.Helper()
	sub, err := f.store.FindSubscriptionByStore(context.Background(), storeID)
	require.NoError(t, err)
	return sub.ExpiresAt
}

func (f *fixture) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) payment.ApplyResult {
	t.Helper()
	var body struct {
		Data payment.ApplyResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Data
}

const grantBody = `{"store_id":"S1","plan_id":"basic-monthly","payment_ref":"CASH-77","reason":"paid at the counter"}`

func TestGrant_ExtendsOnceForRepeatedPaymentRef(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "S1", "DUKA-0001", entitlement.StatusActive, now.Add(5*day))

	w := f.post("/admin/grant", grantBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decodeResult(t, w)
	assert.Equal(t, payment.OutcomeApplied, first.Outcome)
	assert.True(t, now.Add(35*day).Equal(f.expiry(t, "S1")))

	w = f.post("/admin/grant", grantBody)
	require.Equal(t, http.StatusOK, w.Code)
	again := decodeResult(t, w)
	assert.Equal(t, payment.OutcomeDuplicate, again.Outcome)
	assert.Equal(t, first.ExternalID, again.ExternalID)
	assert.True(t, now.Add(35*day).Equal(f.expiry(t, "S1")), "a resubmitted grant does not extend again")
}

func TestGrant_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing reason", `{"store_id":"S1","plan_id":"basic-monthly","payment_ref":"CASH-1"}`, http.StatusBadRequest},
		{"unknown plan", `{"store_id":"S1","plan_id":"gold","payment_ref":"CASH-1","reason":"x"}`, http.StatusBadRequest},
		{"unknown store", `{"store_id":"S9","plan_id":"basic-monthly","payment_ref":"CASH-1","reason":"x"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addStore(t, "S1", "DUKA-0001", entitlement.StatusActive, now.Add(5*day))

			w := f.post("/admin/grant", tt.body)

			assert.Equal(t, tt.status, w.Code)
			assert.True(t, now.Add(5*day).Equal(f.expiry(t, "S1")))
		})
	}
}

func TestLinkUnmatched_AppliesOnceToChosenStore(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "S2", "DUKA-0002", entitlement.StatusExpired, now.Add(-3*day))
	ctx := context.Background()

	_, err := f.store.InsertPaymentEvent(ctx, payment.NewPaymentEvent(&payment.CanonicalEvent{
		ExternalID: "MPESA-BBB222", Channel: payment.ChannelCustomerPayment, AmountMinor: 150000,
		Currency: "KES", RawReference: "DUKA-9999", ReceivedAt: now,
	}))
	require.NoError(t, err)
	res, err := f.rec.Apply(ctx, "MPESA-BBB222")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeUnmatched, res.Outcome)

	list := httptest.NewRecorder()
	f.router.ServeHTTP(list, httptest.NewRequest(http.MethodGet, "/admin/unmatched", nil))
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "MPESA-BBB222")

	w := f.post("/admin/unmatched/MPESA-BBB222/link", `{"store_id":"S2","plan_id":"premium-monthly"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	linked := decodeResult(t, w)
	assert.Equal(t, payment.OutcomeApplied, linked.Outcome)
	assert.Equal(t, "S2", linked.StoreID)
	assert.True(t, now.Add(30*day).Equal(f.expiry(t, "S2")))

	w = f.post("/admin/unmatched/MPESA-BBB222/link", `{"store_id":"S2","plan_id":"premium-monthly"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, payment.OutcomeDuplicate, decodeResult(t, w).Outcome)
	assert.True(t, now.Add(30*day).Equal(f.expiry(t, "S2")))

	pe, err := f.store.FindPaymentEvent(ctx, "MPESA-BBB222")
	require.NoError(t, err)
	assert.Equal(t, payment.MatchApplied, pe.MatchStatus)
}

func TestLinkUnmatched_UnknownTargets(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "S2", "DUKA-0002", entitlement.StatusActive, now.Add(day))

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown event", "/admin/unmatched/NOPE/link", `{"store_id":"S2","plan_id":"basic-monthly"}`, http.StatusNotFound},
		{"missing plan", "/admin/unmatched/NOPE/link", `{"store_id":"S2"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.post(tt.path, tt.body).Code)
		})
	}
}

func TestGrant_RefusesRecordedProviderPayment(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "S2", "DUKA-0002", entitlement.StatusExpired, now.Add(-3*day))
	ctx := context.Background()

	_, err := f.store.InsertPaymentEvent(ctx, payment.NewPaymentEvent(&payment.CanonicalEvent{
		ExternalID: "MPESA-BBB222", Channel: payment.ChannelCustomerPayment, AmountMinor: 150000,
		Currency: "KES", RawReference: "DUKA-9999", ReceivedAt: now,
	}))
	require.NoError(t, err)
	_, err = f.rec.Apply(ctx, "MPESA-BBB222")
	require.NoError(t, err)

	w := f.post("/admin/grant", `{"store_id":"S2","plan_id":"premium-monthly","payment_ref":" MPESA-BBB222 ","reason":"customer called in"}`)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "/admin/unmatched/MPESA-BBB222/link")
	assert.True(t, now.Add(-3*day).Equal(f.expiry(t, "S2")), "a refused grant leaves the subscription alone")

	_, err = f.store.FindPaymentEvent(ctx, "ADMIN-MPESA-BBB222")
	assert.Error(t, err, "no admin event is recorded")

	w = f.post("/admin/unmatched/MPESA-BBB222/link", `{"store_id":"S2","plan_id":"premium-monthly"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, now.Add(30*day).Equal(f.expiry(t, "S2")), "the link extends exactly once")
}

func TestReminderHistory(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "S1", "DUKA-0001", entitlement.StatusActive, now.Add(3*day))
	f.addStore(t, "S3", "DUKA-0003", entitlement.StatusActive, now.Add(20*day))

	inserted, err := f.store.InsertReminder(context.Background(), &domreminder.ReminderLog{
		ID: "rem-1", SubscriptionID: "sub-S1", StoreID: "S1", Type: domreminder.TypePaymentDue,
		BucketDate: "2025-06-10", DaysToExpiry: 3, SentAt: now,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	tests := []struct {
		name   string
		store  string
		status int
		count  int
	}{
		{"reminded store", "S1", http.StatusOK, 1},
		{"never reminded", "S3", http.StatusOK, 0},
		{"unknown store", "S9", http.StatusNotFound, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/subscriptions/"+tt.store+"/reminders", nil))
			require.Equal(t, tt.status, w.Code)
			if tt.status != http.StatusOK {
				return
			}

			var body struct {
				Data []domreminder.ReminderLog `json:"data"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.NotNil(t, body.Data)
			require.Len(t, body.Data, tt.count)
			if tt.count > 0 {
				assert.Equal(t, domreminder.TypePaymentDue, body.Data[0].Type)
				assert.Equal(t, "2025-06-10", body.Data[0].BucketDate)
			}
		})
	}
}

func TestIssueStoreToken_WithoutKeys(t *testing.T) {
	f := newFixture(t)
	f.addStore(t, "S1", "DUKA-0001", entitlement.StatusActive, now.Add(day))

	assert.Equal(t, http.StatusServiceUnavailable, f.post("/admin/stores/S1/token", "").Code)
}
