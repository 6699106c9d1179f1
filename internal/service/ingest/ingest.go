// internal/service/ingest/ingest.go
package ingest

import (
	"context"
	"fmt"

	"duka-service/internal/domain/payment"
	"duka-service/internal/metrics"
	"duka-service/internal/repository"

	"go.uber.org/zap"
)

// Dispatch hands recorded events to the reconciler.
type Dispatch interface {
	Submit(externalID string) bool
	ApplyNow(ctx context.Context, externalID string) (*payment.ApplyResult, error)
}

// Service is the durable front door of the payment event log. An event is on
// disk before any webhook is acknowledged.
type Service struct {
	store      repository.Store
	dispatcher Dispatch
	logger     *zap.Logger
}

func NewService(store repository.Store, dispatcher Dispatch, logger *zap.Logger) *Service {
	return &Service{store: store, dispatcher: dispatcher, logger: logger}
}

// Record inserts the event under the key k derives unless that key is already
// known, then hands pending events to the dispatcher. It returns the stored row
// and whether this call created it. A nil k keeps the event's own id and hints.
func (s *Service) Record(ctx context.Context, k payment.Keyer, ev *payment.CanonicalEvent) (*payment.PaymentEvent, bool, error) {
	pe, inserted, err := s.record(ctx, k, ev)
	if err != nil {
		return nil, false, err
	}
	if pe.MatchStatus == payment.MatchPending && s.dispatcher != nil {
		s.dispatcher.Submit(pe.ExternalID)
	}
	return pe, inserted, nil
}

// RecordAndApply records the event and reconciles it before returning. Operator
// grants use it so the caller sees the outcome.
func (s *Service) RecordAndApply(ctx context.Context, k payment.Keyer, ev *payment.CanonicalEvent) (*payment.ApplyResult, error) {
	pe, _, err := s.record(ctx, k, ev)
	if err != nil {
		return nil, err
	}
	if s.dispatcher == nil {
		return payment.ResultFromEvent(pe, payment.OutcomeUnmatched), nil
	}
	return s.dispatcher.ApplyNow(ctx, pe.ExternalID)
}

func (s *Service) record(ctx context.Context, k payment.Keyer, ev *payment.CanonicalEvent) (*payment.PaymentEvent, bool, error) {
	pe := payment.NewPaymentEvent(ev)
	if k != nil {
		pe = payment.NewKeyedPaymentEvent(k.IdempotencyKey(ev), k.CorrelationHint(ev), ev)
	}

	inserted, err := s.store.InsertPaymentEvent(ctx, pe)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record payment event: %w", err)
	}

	if inserted {
		metrics.EventsRecordedTotal.WithLabelValues(string(ev.Channel), "new").Inc()
		s.logger.Info("payment event recorded",
			zap.String("external_id", pe.ExternalID),
			zap.String("channel", string(pe.Channel)),
			zap.Int64("amount_minor", pe.AmountMinor),
			zap.String("status", string(pe.MatchStatus)),
		)
	} else {
		metrics.EventsRecordedTotal.WithLabelValues(string(ev.Channel), "duplicate").Inc()
		existing, err := s.store.FindPaymentEvent(ctx, pe.ExternalID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load known payment event: %w", err)
		}
		s.logger.Info("payment event redelivered",
			zap.String("external_id", existing.ExternalID),
			zap.String("channel", string(existing.Channel)),
			zap.String("status", string(existing.MatchStatus)),
		)
		pe = existing
	}

	return pe, inserted, nil
}
