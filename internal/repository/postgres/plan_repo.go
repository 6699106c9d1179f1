// internal/repository/postgres/plan_repo.go
package postgres

import (
	"context"

	"duka-service/internal/domain/entitlement"
)

type PlanRepository struct {
	db querier
}

func NewPlanRepository(db querier) *PlanRepository {
	return &PlanRepository{db: db}
}

// ListPlans returns the whole catalog ordered by the lower bound of each amount range.
func (r *PlanRepository) ListPlans(ctx context.Context) ([]entitlement.Plan, error) {
	query := `
		SELECT plan_id, name, tier, duration_days, price_minor, currency, min_amount_minor, max_amount_minor
		FROM plans
		ORDER BY min_amount_minor ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, storageErr("list plans", err)
	}
	defer rows.Close()

	var plans []entitlement.Plan
	for rows.Next() {
		var p entitlement.Plan
		if err := rows.Scan(
			&p.PlanID, &p.Name, &p.Tier, &p.DurationDays, &p.PriceMinor, &p.Currency,
			&p.MinAmountMinor, &p.MaxAmountMinor,
		); err != nil {
			return nil, storageErr("scan plan", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list plans", err)
	}
	return plans, nil
}
