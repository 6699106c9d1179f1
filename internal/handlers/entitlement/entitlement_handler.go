// internal/handlers/entitlement/entitlement_handler.go
package entitlement

import (
	"net/http"

	"duka-service/internal/domain/entitlement"
	"duka-service/internal/pkg/response"
	entsvc "duka-service/internal/service/entitlement"
	"duka-service/internal/service/plans"

	"github.com/gin-gonic/gin"
)

type EntitlementHandler struct {
	service *entsvc.Service
	catalog *plans.Catalog
}

func NewEntitlementHandler(service *entsvc.Service, catalog *plans.Catalog) *EntitlementHandler {
	return &EntitlementHandler{service: service, catalog: catalog}
}

// GetEntitlement answers with tier NONE alongside any error, so a client that
// reads the body on failure still fails closed.
func (h *EntitlementHandler) GetEntitlement(c *gin.Context) {
	ent, err := h.service.GetEntitlement(c.Request.Context(), c.Param("store_id"))
	if err != nil {
		response.FromError(c, "entitlement unavailable", err, ent)
		return
	}
	response.Success(c, http.StatusOK, "entitlement retrieved", ent)
}

func (h *EntitlementHandler) CreatePaymentIntent(c *gin.Context) {
	var req entitlement.CreatePaymentIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	intent, err := h.service.CreatePaymentIntent(c.Request.Context(), c.Param("store_id"), &req)
	if err != nil {
		response.FromError(c, "failed to register payment intent", err)
		return
	}
	response.Success(c, http.StatusCreated, "payment intent registered", intent)
}

func (h *EntitlementHandler) ListPlans(c *gin.Context) {
	list, err := h.catalog.List(c.Request.Context())
	if err != nil {
		response.FromError(c, "failed to list plans", err)
		return
	}
	response.Success(c, http.StatusOK, "plans retrieved", list)
}
