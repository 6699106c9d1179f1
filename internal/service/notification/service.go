// internal/service/notification/service.go
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"duka-service/internal/domain/reminder"
	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/service/email"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// ReminderPusher delivers a reminder to connected clients.
type ReminderPusher interface {
	PushReminder(n *reminder.Notice)
}

// GatewayMessage is posted to the notification gateway, which turns it into an
// SMS for the store owner.
type GatewayMessage struct {
	To           string                `json:"to"`
	StoreID      string                `json:"store_id"`
	Type         reminder.ReminderType `json:"type"`
	Message      string                `json:"message"`
	DaysToExpiry int                   `json:"days_to_expiry"`
}

// Service fans a reminder out over websocket, email and the SMS gateway. Each
// leg is optional.
type Service struct {
	pusher     ReminderPusher
	mailer     *email.Mailer
	client     *retryablehttp.Client
	gatewayURL string
	logger     *zap.Logger
}

func NewService(pusher ReminderPusher, mailer *email.Mailer, client *retryablehttp.Client, gatewayURL string, logger *zap.Logger) *Service {
	return &Service{
		pusher:     pusher,
		mailer:     mailer,
		client:     client,
		gatewayURL: gatewayURL,
		logger:     logger,
	}
}

// NotifyReminder returns the joined errors of the legs that failed.
func (s *Service) NotifyReminder(ctx context.Context, n *reminder.Notice) error {
	if s.pusher != nil {
		s.pusher.PushReminder(n)
	}

	p := pool.New().WithErrors().WithContext(ctx)
	if s.mailer != nil && n.Email != "" {
		p.Go(func(ctx context.Context) error { return s.sendEmail(ctx, n) })
	}
	if s.gatewayURL != "" && s.client != nil && n.Phone != "" {
		p.Go(func(ctx context.Context) error { return s.sendGateway(ctx, n) })
	}
	if err := p.Wait(); err != nil {
		return err
	}

	s.logger.Info("reminder delivered",
		zap.String("store_id", n.StoreID),
		zap.String("type", string(n.Type)),
		zap.Int("days_to_expiry", n.DaysToExpiry),
	)
	return nil
}

func (s *Service) sendEmail(ctx context.Context, n *reminder.Notice) error {
	subject, headline := Headline(n)
	err := s.mailer.SendReminder(ctx, n.Email, subject, email.Reminder{
		StoreName:  n.StoreName,
		Headline:   headline,
		AccessCode: n.AccessCode,
		ExpiresAt:  n.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("email to %s: %w", n.StoreID, err)
	}
	return nil
}

func (s *Service) sendGateway(ctx context.Context, n *reminder.Notice) error {
	_, headline := Headline(n)
	body, err := json.Marshal(GatewayMessage{
		To:           n.Phone,
		StoreID:      n.StoreID,
		Type:         n.Type,
		Message:      fmt.Sprintf("%s Pay with account %s to renew.", headline, n.AccessCode),
		DaysToExpiry: n.DaysToExpiry,
	})
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %w: %w", xerrors.ErrTransientProvider, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %d: %w", resp.StatusCode, xerrors.ErrTransientProvider)
	}
	return nil
}

// Headline returns the subject line and lead sentence for a reminder.
func Headline(n *reminder.Notice) (string, string) {
	switch n.Type {
	case reminder.TypeTrialEnding:
		return "Your free trial is ending", fmt.Sprintf("Your free trial ends in %s.", dayWord(n.DaysToExpiry))
	case reminder.TypePaymentDue:
		return "Subscription payment due", fmt.Sprintf("Your subscription renews in %s.", dayWord(n.DaysToExpiry))
	case reminder.TypeOverdue:
		return "Subscription payment overdue", fmt.Sprintf("Your subscription lapsed %s ago.", dayWord(-n.DaysToExpiry))
	case reminder.TypeSuspended:
		return "Your store is suspended", "Your store's subscription is suspended and paid features are off."
	}
	return "Subscription update", "There is an update on your subscription."
}

func dayWord(n int) string {
	switch {
	case n <= 0:
		return "less than a day"
	case n == 1:
		return "1 day"
	}
	return fmt.Sprintf("%d days", n)
}
