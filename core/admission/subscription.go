package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/runbeam/runbeam/core/infra/config"
)

const orgBillingKeyPrefix = "org:billing:"

// SubscriptionChecker verifies the owning organization may trigger runs.
type SubscriptionChecker interface {
	Check(ctx context.Context, orgID string) error
}

// PlanChecker validates an organization's billing state and monthly run quota
// against the configured plan table.
type PlanChecker struct {
	client *redis.Client
	plans  *config.PlansConfig
}

func NewPlanChecker(client *redis.Client, plans *config.PlansConfig) *PlanChecker {
	if plans == nil {
		plans = config.DefaultPlans()
	}
	return &PlanChecker{client: client, plans: plans}
}

// Check returns ErrSubscriptionRequired when the org has no billing record,
// an inactive subscription, an unknown plan, or an exhausted monthly quota.
func (p *PlanChecker) Check(ctx context.Context, orgID string) error {
	if orgID == "" {
		return fmt.Errorf("%w: missing organization", ErrSubscriptionRequired)
	}
	billing, err := p.client.HGetAll(ctx, orgBillingKey(orgID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("billing lookup: %w", err)
	}
	if len(billing) == 0 {
		return fmt.Errorf("%w: no billing record for org %s", ErrSubscriptionRequired, orgID)
	}
	if billing["status"] != "active" {
		return fmt.Errorf("%w: subscription status %q", ErrSubscriptionRequired, billing["status"])
	}
	limits, ok := p.plans.Limits(billing["plan"])
	if !ok {
		return fmt.Errorf("%w: unknown plan %q", ErrSubscriptionRequired, billing["plan"])
	}
	if limits.MonthlyRuns > 0 {
		used, _ := strconv.Atoi(billing["runs_this_month"])
		if used >= limits.MonthlyRuns {
			return fmt.Errorf("%w: monthly run quota exhausted (%d/%d)", ErrSubscriptionRequired, used, limits.MonthlyRuns)
		}
	}
	return nil
}

// RecordRun bumps the org's monthly usage counter after a successful trigger.
func (p *PlanChecker) RecordRun(ctx context.Context, orgID string) error {
	return p.client.HIncrBy(ctx, orgBillingKey(orgID), "runs_this_month", 1).Err()
}

// SetBilling seeds an org's billing record; administrative surface.
func (p *PlanChecker) SetBilling(ctx context.Context, orgID, plan, status string) error {
	return p.client.HSet(ctx, orgBillingKey(orgID), map[string]any{
		"plan":   plan,
		"status": status,
	}).Err()
}

func orgBillingKey(orgID string) string {
	return orgBillingKeyPrefix + orgID
}
