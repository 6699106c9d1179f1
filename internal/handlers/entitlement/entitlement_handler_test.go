package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"duka-service/internal/domain/entitlement"
	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/repository/sqlite"
	entsvc "duka-service/internal/service/entitlement"
	"duka-service/internal/service/plans"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

// downStore answers every store lookup as if the database were gone.
type downStore struct {
	*sqlite.Store
}

func (downStore) FindStore(_ context.Context, storeID string) (*entitlement.Store, error) {
	return nil, fmt.Errorf("find store %s: %w", storeID, xerrors.ErrStorageUnavailable)
}

type envelope struct {
	Success bool                            `json:"success"`
	Data    entitlement.EntitlementResponse `json:"data"`
}

func setup(t *testing.T, down bool) (*gin.Engine, *entsvc.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	base, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(base.Close)

	catalog := plans.NewCatalog(base, time.Minute, zap.NewNop())
	svc := entsvc.NewService(base, catalog, nil, entsvc.Config{TrialLength: 6 * time.Hour}, zap.NewNop())
	svc.SetClock(func() time.Time { return now })

	readSvc := svc
	if down {
		readSvc = entsvc.NewService(downStore{base}, catalog, nil, entsvc.Config{}, zap.NewNop())
	}
	h := NewEntitlementHandler(readSvc, catalog)

	r := gin.New()
	r.GET("/entitlement/:store_id", h.GetEntitlement)
	r.GET("/plans", h.ListPlans)
	return r, svc
}

func get(r http.Handler, path string) (*httptest.ResponseRecorder, envelope) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body envelope
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestGetEntitlement_TrialStore(t *testing.T) {
	r, svc := setup(t, false)
	_, err := svc.ProvisionStore(context.Background(), &entitlement.ProvisionStoreRequest{StoreID: "S1", Name: "Duka One"})
	require.NoError(t, err)

	w, body := get(r, "/entitlement/S1")

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, body.Success)
	assert.Equal(t, entitlement.TierTrial, body.Data.Tier)
	assert.Equal(t, entitlement.StatusTrial, body.Data.Status)
	require.NotNil(t, body.Data.ExpiresAt)
	assert.True(t, now.Add(6*time.Hour).Equal(*body.Data.ExpiresAt))
}

func TestGetEntitlement_FailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		down   bool
		status int
	}{
		{"unknown store", false, http.StatusNotFound},
		{"storage unavailable", true, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := setup(t, tt.down)

			w, body := get(r, "/entitlement/S9")

			assert.Equal(t, tt.status, w.Code)
			assert.False(t, body.Success)
			assert.Equal(t, entitlement.TierNone, body.Data.Tier, "the body never grants access on error")
		})
	}
}

func TestListPlans(t *testing.T) {
	r, _ := setup(t, false)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plans", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "basic-monthly")
}
