// internal/websocket/handler/entitlement.go
package handler

import (
	"context"
	"fmt"

	"duka-service/internal/domain/entitlement"
	wstypes "duka-service/internal/domain/websocket"
	ws "duka-service/internal/websocket"
)

type EntitlementReader interface {
	GetEntitlement(ctx context.Context, storeID string) (*entitlement.EntitlementResponse, error)
}

// EntitlementHandler answers entitlement:get so a client that reconnects can
// catch up on updates it missed.
type EntitlementHandler struct {
	reader EntitlementReader
}

func NewEntitlementHandler(reader EntitlementReader) *EntitlementHandler {
	return &EntitlementHandler{reader: reader}
}

func (h *EntitlementHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{wstypes.EventTypeEntitlementGet}
}

func (h *EntitlementHandler) HandleMessage(ctx context.Context, client *ws.Client, msg *wstypes.InboundMessage) error {
	var req wstypes.EntitlementRequest
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("invalid entitlement request: %w", err)
	}

	storeID := req.StoreID
	if storeID == "" {
		storeID = client.StoreID()
	}
	if storeID == "" || !client.CanSee(storeID) {
		return fmt.Errorf("store %q is not visible to this connection", storeID)
	}

	ent, err := h.reader.GetEntitlement(ctx, storeID)
	if err != nil {
		return err
	}
	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeEntitlement, ent))
	return nil
}
