// internal/service/unmatched/service.go
package unmatched

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"duka-service/internal/domain/payment"
	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/repository"
	"duka-service/internal/service/plans"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// queued are the statuses an operator acts on. MATCHED events are the ones
// blocked on a cancelled subscription.
var queued = []payment.MatchStatus{payment.MatchUnmatched, payment.MatchMatched}

type ExplicitApplier interface {
	ApplyExplicit(ctx context.Context, externalID, storeID, planID string) (*payment.ApplyResult, error)
}

type Service struct {
	store   repository.Queries
	catalog *plans.Catalog
	applier ExplicitApplier
	logger  *zap.Logger
}

func NewService(store repository.Queries, catalog *plans.Catalog, applier ExplicitApplier, logger *zap.Logger) *Service {
	return &Service{store: store, catalog: catalog, applier: applier, logger: logger}
}

func (s *Service) List(ctx context.Context, f payment.UnmatchedFilters) (*payment.UnmatchedListResponse, error) {
	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	events, total, err := s.store.ListPaymentEventsByStatus(ctx, queued, time.Now().Add(time.Minute), (page-1)*size, size)
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched payments: %w", err)
	}

	return &payment.UnmatchedListResponse{
		Events: lo.Map(events, func(ev payment.PaymentEvent, _ int) payment.EventView {
			return payment.NewEventView(&ev)
		}),
		Total:      total,
		Page:       page,
		PageSize:   size,
		TotalPages: int(math.Ceil(float64(total) / float64(size))),
	}, nil
}

// Link applies an operator-chosen store and plan to an event. The store and plan
// are checked first so a typo comes back as 404 and leaves the event untouched.
func (s *Service) Link(ctx context.Context, externalID string, req *payment.LinkRequest) (*payment.ApplyResult, error) {
	if _, err := s.store.FindPaymentEvent(ctx, externalID); err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, fmt.Errorf("payment event %s: %w", externalID, xerrors.ErrNotFound)
		}
		return nil, err
	}
	if _, err := s.store.FindStore(ctx, req.StoreID); err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, fmt.Errorf("store %s: %w", req.StoreID, xerrors.ErrNotFound)
		}
		return nil, err
	}
	if _, err := s.catalog.Get(ctx, req.PlanID); err != nil {
		return nil, err
	}

	res, err := s.applier.ApplyExplicit(ctx, externalID, req.StoreID, req.PlanID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment linked by operator",
		zap.String("external_id", externalID),
		zap.String("store_id", req.StoreID),
		zap.String("plan_id", req.PlanID),
		zap.String("outcome", string(res.Outcome)),
	)
	return res, nil
}

func (s *Service) GetEvent(ctx context.Context, externalID string) (*payment.EventView, error) {
	pe, err := s.store.FindPaymentEvent(ctx, externalID)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, fmt.Errorf("payment event %s: %w", externalID, xerrors.ErrNotFound)
		}
		return nil, err
	}
	view := payment.NewEventView(pe)
	return &view, nil
}
