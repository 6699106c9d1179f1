// internal/service/plans/catalog.go
package plans

import (
	"context"
	"fmt"
	"time"

	"duka-service/internal/domain/entitlement"
	xerrors "duka-service/internal/pkg/errors"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const catalogKey = "plans"

type PlanLister interface {
	ListPlans(ctx context.Context) ([]entitlement.Plan, error)
}

// Catalog serves the plan table from a TTL cache. The table changes only by
// migration, so a few minutes of staleness is fine.
type Catalog struct {
	repo   PlanLister
	cache  *cache.Cache
	logger *zap.Logger
}

func NewCatalog(repo PlanLister, ttl time.Duration, logger *zap.Logger) *Catalog {
	return &Catalog{
		repo:   repo,
		cache:  cache.New(ttl, 2*ttl),
		logger: logger,
	}
}

// List returns every plan ordered by the lower bound of its amount range.
func (c *Catalog) List(ctx context.Context) ([]entitlement.Plan, error) {
	if v, ok := c.cache.Get(catalogKey); ok {
		return v.([]entitlement.Plan), nil
	}

	plans, err := c.repo.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load plans: %w", err)
	}

	c.cache.SetDefault(catalogKey, plans)
	c.logger.Debug("plan catalog loaded", zap.Int("plans", len(plans)))

	return plans, nil
}

// Get returns the plan with planID or xerrors.ErrNotFound.
func (c *Catalog) Get(ctx context.Context, planID string) (*entitlement.Plan, error) {
	plans, err := c.List(ctx)
	if err != nil {
		return nil, err
	}

	plan, ok := lo.Find(plans, func(p entitlement.Plan) bool { return p.PlanID == planID })
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", planID, xerrors.ErrNotFound)
	}
	return &plan, nil
}
