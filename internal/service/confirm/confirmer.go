// internal/service/confirm/confirmer.go
package confirm

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"duka-service/internal/domain/payment"
	"duka-service/internal/metrics"
	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/repository"
	"duka-service/internal/service/channel"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// StatusUpdate is posted to the checkout provider once its payment is applied.
type StatusUpdate struct {
	Reference      string    `json:"reference"`
	SubscriptionID string    `json:"subscription_id"`
	Status         string    `json:"status"`
	StoreID        string    `json:"store_id"`
	PlanID         string    `json:"plan_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Confirmer tells the checkout provider a payment was applied. Calls run in the
// background; a failure is logged and counted, never surfaced to the apply.
type Confirmer struct {
	url    string
	secret string
	client *retryablehttp.Client
	store  repository.Queries
	logger *zap.Logger
	now    func() time.Time

	wg sync.WaitGroup
}

func NewConfirmer(url, secret string, client *retryablehttp.Client, store repository.Queries, logger *zap.Logger) *Confirmer {
	return &Confirmer{
		url:    url,
		secret: secret,
		client: client,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue starts the confirmation of pe. Without a status URL it is a no-op.
func (c *Confirmer) Enqueue(pe *payment.PaymentEvent) {
	if c.url == "" || pe.Channel != payment.ChannelCheckout || pe.ConfirmedAt.Valid {
		return
	}

	ev := *pe
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := c.Confirm(ctx, &ev); err != nil {
			metrics.ConfirmationsTotal.WithLabelValues("failed").Inc()
			c.logger.Warn("checkout confirmation failed",
				zap.String("external_id", ev.ExternalID),
				zap.Error(err),
			)
			return
		}
		metrics.ConfirmationsTotal.WithLabelValues("ok").Inc()
	}()
}

// Confirm posts the status update and stamps confirmed_at. A checkout event's
// key is the provider's own reference.
func (c *Confirmer) Confirm(ctx context.Context, pe *payment.PaymentEvent) error {
	body, err := json.Marshal(StatusUpdate{
		Reference:      pe.ExternalID,
		SubscriptionID: pe.SessionID.String,
		Status:         string(pe.MatchStatus),
		StoreID:        pe.MatchedStoreID.String,
		PlanID:         pe.MatchedPlanID.String,
		ExpiresAt:      pe.NewExpiresAt.Time,
	})
	if err != nil {
		return fmt.Errorf("failed to encode status update: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Checkout-Signature", hex.EncodeToString(channel.SignCheckout(c.secret, body)))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", xerrors.ErrTransientProvider, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status endpoint returned %d", xerrors.ErrTransientProvider, resp.StatusCode)
	}

	if err := c.store.MarkPaymentEventConfirmed(ctx, pe.ExternalID, c.now().UTC()); err != nil {
		return err
	}

	c.logger.Info("checkout payment confirmed",
		zap.String("external_id", pe.ExternalID),
		zap.String("subscription_id", pe.SessionID.String),
	)
	return nil
}

// ConfirmPending retries checkout events applied before appliedBefore that were
// never confirmed, because the background call gave up or the process died. It
// returns how many were confirmed now.
func (c *Confirmer) ConfirmPending(ctx context.Context, appliedBefore time.Time, limit int) (int, error) {
	if c.url == "" {
		return 0, nil
	}

	events, err := c.store.ListUnconfirmedPaymentEvents(ctx, payment.ChannelCheckout, appliedBefore, limit)
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for i := range events {
		if err := ctx.Err(); err != nil {
			return confirmed, err
		}
		if err := c.Confirm(ctx, &events[i]); err != nil {
			metrics.ConfirmationsTotal.WithLabelValues("failed").Inc()
			c.logger.Warn("checkout re-confirmation failed",
				zap.String("external_id", events[i].ExternalID),
				zap.Error(err),
			)
			continue
		}
		metrics.ConfirmationsTotal.WithLabelValues("ok").Inc()
		confirmed++
	}
	return confirmed, nil
}

// Wait blocks until in-flight confirmations finish.
func (c *Confirmer) Wait() {
	c.wg.Wait()
}
