// internal/handlers/admin/admin_handler.go
package admin

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"duka-service/internal/domain/entitlement"
	"duka-service/internal/domain/payment"
	"duka-service/internal/middleware"
	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/pkg/jwt"
	"duka-service/internal/pkg/response"
	"duka-service/internal/service/channel"
	entsvc "duka-service/internal/service/entitlement"
	"duka-service/internal/service/ingest"
	"duka-service/internal/service/reminder"
	"duka-service/internal/service/unmatched"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AdminHandler struct {
	entitlements *entsvc.Service
	grants       *channel.AdminGrantAdapter
	ingest       *ingest.Service
	unmatched    *unmatched.Service
	sweeper      *reminder.Sweeper
	tokens       *jwt.Generator
	logger       *zap.Logger
}

func NewAdminHandler(
	entitlements *entsvc.Service,
	grants *channel.AdminGrantAdapter,
	ingestSvc *ingest.Service,
	unmatchedSvc *unmatched.Service,
	sweeper *reminder.Sweeper,
	tokens *jwt.Generator,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		entitlements: entitlements,
		grants:       grants,
		ingest:       ingestSvc,
		unmatched:    unmatchedSvc,
		sweeper:      sweeper,
		tokens:       tokens,
		logger:       logger,
	}
}

// ========== Manual grants ==========

// Grant handles POST /admin/grant. A repeated payment_ref returns the first
// result rather than extending again.
func (h *AdminHandler) Grant(c *gin.Context) {
	var req payment.AdminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	ctx := c.Request.Context()
	if _, err := h.entitlements.GetStore(ctx, req.StoreID); err != nil {
		response.FromError(c, "store not found", err)
		return
	}

	// A provider payment already on record must go through the link, or the
	// same money would extend the store twice.
	known, err := h.unmatched.GetEvent(ctx, strings.TrimSpace(req.PaymentRef))
	switch {
	case err == nil && known.Channel != payment.ChannelAdminManual:
		response.FromError(c, "payment_ref is a recorded provider payment, use /admin/unmatched/"+known.ExternalID+"/link",
			fmt.Errorf("payment event %s: %w", known.ExternalID, xerrors.ErrConflict), known)
		return
	case err != nil && !errors.Is(err, xerrors.ErrNotFound):
		response.FromError(c, "failed to check payment_ref", err)
		return
	}

	ev, err := h.grants.FromRequest(ctx, &req, nil)
	if err != nil {
		response.FromError(c, "invalid grant", err)
		return
	}

	res, err := h.ingest.RecordAndApply(ctx, h.grants, ev)
	if err != nil {
		response.FromError(c, "failed to apply grant", err)
		return
	}

	h.logger.Info("manual grant",
		zap.String("actor", middleware.GetActor(c)),
		zap.String("store_id", req.StoreID),
		zap.String("plan_id", req.PlanID),
		zap.String("payment_ref", req.PaymentRef),
		zap.String("outcome", string(res.Outcome)),
	)
	response.Success(c, http.StatusOK, "grant processed", res)
}

// ========== Stores ==========

func (h *AdminHandler) ProvisionStore(c *gin.Context) {
	var req entitlement.ProvisionStoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	res, err := h.entitlements.ProvisionStore(c.Request.Context(), &req)
	if err != nil {
		response.FromError(c, "failed to provision store", err)
		return
	}
	response.Success(c, http.StatusCreated, "store provisioned", res)
}

func (h *AdminHandler) GetStore(c *gin.Context) {
	st, err := h.entitlements.GetStore(c.Request.Context(), c.Param("store_id"))
	if err != nil {
		response.FromError(c, "store not found", err)
		return
	}
	response.Success(c, http.StatusOK, "store retrieved", st)
}

// IssueStoreToken mints the access token a store's app uses.
func (h *AdminHandler) IssueStoreToken(c *gin.Context) {
	if h.tokens == nil {
		response.Error(c, http.StatusServiceUnavailable, "token signing is not configured", nil)
		return
	}

	storeID := c.Param("store_id")
	if _, err := h.entitlements.GetStore(c.Request.Context(), storeID); err != nil {
		response.FromError(c, "store not found", err)
		return
	}

	token, jti, err := h.tokens.GenerateStoreToken(storeID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to sign token", err)
		return
	}
	response.Success(c, http.StatusCreated, "token issued", gin.H{
		"token": token,
		"jti":   jti,
	})
}

// ========== Subscription status ==========

func (h *AdminHandler) Cancel(c *gin.Context) {
	var req entitlement.CancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	sub, err := h.entitlements.Cancel(c.Request.Context(), c.Param("store_id"), req.Reason)
	if err != nil {
		response.FromError(c, "failed to cancel subscription", err)
		return
	}
	response.Success(c, http.StatusOK, "subscription cancelled", sub)
}

func (h *AdminHandler) Suspend(c *gin.Context) {
	sub, err := h.entitlements.Suspend(c.Request.Context(), c.Param("store_id"))
	if err != nil {
		response.FromError(c, "failed to suspend subscription", err)
		return
	}
	response.Success(c, http.StatusOK, "subscription suspended", sub)
}

func (h *AdminHandler) Reactivate(c *gin.Context) {
	sub, err := h.entitlements.Reactivate(c.Request.Context(), c.Param("store_id"))
	if err != nil {
		response.FromError(c, "failed to reactivate subscription", err)
		return
	}
	response.Success(c, http.StatusOK, "subscription reactivated", sub)
}

// ========== Payments ==========

func (h *AdminHandler) GetPayment(c *gin.Context) {
	ev, err := h.unmatched.GetEvent(c.Request.Context(), c.Param("external_id"))
	if err != nil {
		response.FromError(c, "payment not found", err)
		return
	}
	response.Success(c, http.StatusOK, "payment retrieved", ev)
}

func (h *AdminHandler) ListUnmatched(c *gin.Context) {
	var filters payment.UnmatchedFilters
	if err := c.ShouldBindQuery(&filters); err != nil {
		response.ValidationError(c, "invalid query parameters", err)
		return
	}

	res, err := h.unmatched.List(c.Request.Context(), filters)
	if err != nil {
		response.FromError(c, "failed to list unmatched payments", err)
		return
	}
	response.Success(c, http.StatusOK, "unmatched payments retrieved", res)
}

func (h *AdminHandler) LinkUnmatched(c *gin.Context) {
	var req payment.LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	res, err := h.unmatched.Link(c.Request.Context(), c.Param("external_id"), &req)
	if err != nil {
		response.FromError(c, "failed to link payment", err)
		return
	}

	h.logger.Info("unmatched payment linked",
		zap.String("actor", middleware.GetActor(c)),
		zap.String("external_id", res.ExternalID),
		zap.String("outcome", string(res.Outcome)),
	)
	response.Success(c, http.StatusOK, "payment linked", res)
}

// ========== Reminders ==========

func (h *AdminHandler) ReminderHistory(c *gin.Context) {
	logs, err := h.sweeper.History(c.Request.Context(), c.Param("store_id"))
	if err != nil {
		response.FromError(c, "failed to load reminder history", err)
		return
	}
	response.Success(c, http.StatusOK, "reminder history retrieved", logs)
}

func (h *AdminHandler) SweepReminders(c *gin.Context) {
	report, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		response.FromError(c, "reminder sweep failed", err)
		return
	}
	response.Success(c, http.StatusOK, "reminder sweep finished", report)
}
