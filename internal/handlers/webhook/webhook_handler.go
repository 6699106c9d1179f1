// internal/handlers/webhook/webhook_handler.go
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"duka-service/internal/domain/payment"
	"duka-service/internal/metrics"
	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/pkg/response"
	"duka-service/internal/service/channel"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Customer-payment validation result codes the provider understands.
const (
	ackAccepted       = "0"
	ackRejectedFormat = "C2B00012"
	ackRejectedOther  = "C2B00016"
)

type Recorder interface {
	Record(ctx context.Context, k payment.Keyer, ev *payment.CanonicalEvent) (*payment.PaymentEvent, bool, error)
}

// WebhookHandler receives provider callbacks. A callback is acknowledged once
// its event is on disk, whatever reconciliation later decides.
type WebhookHandler struct {
	adapters *channel.Registry
	recorder Recorder
	timeout  time.Duration
	logger   *zap.Logger
}

func NewWebhookHandler(adapters *channel.Registry, recorder Recorder, timeout time.Duration, logger *zap.Logger) *WebhookHandler {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &WebhookHandler{
		adapters: adapters,
		recorder: recorder,
		timeout:  timeout,
		logger:   logger,
	}
}

// PushPayment handles POST /webhooks/push-payment.
func (h *WebhookHandler) PushPayment(c *gin.Context) {
	pe, ok := h.receive(c, payment.ChannelPushPayment)
	if !ok {
		return
	}
	h.done(c, payment.ChannelPushPayment, http.StatusOK, payment.ProviderAck{
		ResultCode: 0,
		ResultDesc: "Accepted " + pe.ExternalID,
	})
}

// CustomerValidate handles POST /webhooks/customer-payment/validate. It only
// checks the payload and never records anything.
func (h *WebhookHandler) CustomerValidate(c *gin.Context) {
	adapter, req, ok := h.read(c, payment.ChannelCustomerPayment)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	if _, err := adapter.Normalize(ctx, req); err != nil {
		code := ackRejectedOther
		if errors.Is(err, xerrors.ErrValidation) {
			code = ackRejectedFormat
		}
		h.logger.Info("customer payment rejected at validation", zap.Error(err))
		h.done(c, payment.ChannelCustomerPayment, http.StatusOK, payment.ProviderAck{
			ResultCode: code,
			ResultDesc: "Rejected",
		})
		return
	}

	h.done(c, payment.ChannelCustomerPayment, http.StatusOK, payment.ProviderAck{
		ResultCode: ackAccepted,
		ResultDesc: "Accepted",
	})
}

// CustomerConfirm handles POST /webhooks/customer-payment/confirm.
func (h *WebhookHandler) CustomerConfirm(c *gin.Context) {
	if _, ok := h.receive(c, payment.ChannelCustomerPayment); !ok {
		return
	}
	h.done(c, payment.ChannelCustomerPayment, http.StatusOK, payment.ProviderAck{
		ResultCode: 0,
		ResultDesc: "Accepted",
	})
}

// Checkout handles POST /webhooks/checkout-provider.
func (h *WebhookHandler) Checkout(c *gin.Context) {
	pe, ok := h.receive(c, payment.ChannelCheckout)
	if !ok {
		return
	}
	h.done(c, payment.ChannelCheckout, http.StatusOK, payment.CheckoutAck{
		Status:    1,
		Reference: strings.TrimSuffix(pe.ExternalID, channel.RejectedKeySuffix),
	})
}

// receive authenticates, normalizes and records one callback. On failure the
// response has already been written.
func (h *WebhookHandler) receive(c *gin.Context, ch payment.Channel) (*payment.PaymentEvent, bool) {
	adapter, req, ok := h.read(c, ch)
	if !ok {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	ev, err := adapter.Normalize(ctx, req)
	if err != nil {
		h.fail(c, ch, "invalid payment notification", err)
		return nil, false
	}

	pe, _, err := h.recorder.Record(ctx, adapter, ev)
	if err != nil {
		h.logger.Error("failed to record payment notification",
			zap.String("channel", string(ch)),
			zap.String("external_id", ev.ExternalID),
			zap.Error(err),
		)
		h.fail(c, ch, "payment notification not recorded", err)
		return nil, false
	}
	return pe, true
}

func (h *WebhookHandler) read(c *gin.Context, ch payment.Channel) (channel.Adapter, *channel.RawRequest, bool) {
	adapter, err := h.adapters.Get(ch)
	if err != nil {
		h.fail(c, ch, "channel not configured", err)
		return nil, nil, false
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		h.fail(c, ch, "failed to read body", xerrors.NewValidation("body", "unreadable"))
		return nil, nil, false
	}
	if len(body) > maxBodyBytes {
		h.fail(c, ch, "body too large", xerrors.NewValidation("body", "too large"))
		return nil, nil, false
	}

	req := &channel.RawRequest{
		Header:   c.Request.Header,
		Query:    c.Request.URL.Query(),
		RawQuery: c.Request.URL.RawQuery,
		Body:     body,
		RemoteIP: c.ClientIP(),
	}
	if err := adapter.Authenticate(req); err != nil {
		h.logger.Warn("webhook authentication failed",
			zap.String("channel", string(ch)),
			zap.String("ip", req.RemoteIP),
		)
		h.fail(c, ch, "authentication failed", err)
		return nil, nil, false
	}
	return adapter, req, true
}

func (h *WebhookHandler) fail(c *gin.Context, ch payment.Channel, message string, err error) {
	status := response.StatusFor(err)
	metrics.WebhookRequestsTotal.WithLabelValues(string(ch), strconv.Itoa(status)).Inc()
	response.Error(c, status, message, err)
}

func (h *WebhookHandler) done(c *gin.Context, ch payment.Channel, status int, body interface{}) {
	metrics.WebhookRequestsTotal.WithLabelValues(string(ch), strconv.Itoa(status)).Inc()
	c.JSON(status, body)
}
