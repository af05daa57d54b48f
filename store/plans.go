package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// PlanStore reads and seeds subscription plans. Plans carry no tenant_id,
// so every call passes through the scoped client unfiltered and works with
// or without a tenant scope.
type PlanStore struct {
	db *TenantDB
}

// NewPlanStore returns a PlanStore on the scoped client.
func NewPlanStore(db *TenantDB) *PlanStore {
	return &PlanStore{db: db}
}

// Create inserts a plan row. Plans normally arrive from the billing
// subsystem; this path exists for seeding and tests.
func (s *PlanStore) Create(ctx context.Context, p *Plan) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Features == nil {
		p.Features = types.JSONText("[]")
	}
	return s.db.Insert(ctx, "plans", Row{
		"id":                      p.ID,
		"name":                    p.Name,
		"display_name":            p.DisplayName,
		"price_usd":               p.PriceUSD,
		"billing_interval":        p.BillingInterval,
		"max_repos":               p.MaxRepos,
		"max_prs_per_month":       p.MaxPRsPerMonth,
		"max_tokens_per_month":    p.MaxTokensPerMonth,
		"max_llm_calls_per_month": p.MaxLLMCallsPerMonth,
		"features":                p.Features,
		"is_active":               p.IsActive,
		"created_at":              p.CreatedAt,
		"updated_at":              p.UpdatedAt,
	})
}

// Get returns a plan by id.
func (s *PlanStore) Get(ctx context.Context, id string) (*Plan, error) {
	var p Plan
	if err := s.db.Get(ctx, &p, "plans", Eq{"id": id}); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByName returns a plan by its unique name.
func (s *PlanStore) GetByName(ctx context.Context, name string) (*Plan, error) {
	var p Plan
	if err := s.db.Get(ctx, &p, "plans", Eq{"name": name}); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListActive returns all active plans, stable by name.
func (s *PlanStore) ListActive(ctx context.Context) ([]Plan, error) {
	var plans []Plan
	if err := s.db.Select(ctx, &plans, "plans", Eq{"is_active": true}, OrderBy("name")); err != nil {
		return nil, err
	}
	return plans, nil
}
