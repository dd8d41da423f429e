// Package billing implements the subscription and billing lifecycle engine:
// plan state tracking, the quote workflow, payment webhook processing,
// temporary overrides and best-effort invoice/notification side effects.
package billing

import (
	"strings"

	"carpoolhub/internal/types"
)

// Catalog is the read-only plan reference the engine consults. The engine
// never mutates it.
type Catalog interface {
	// Plan returns the plan with the given id.
	Plan(id string) (types.Plan, bool)
	// FreePlan returns the tier tenants fall back to.
	FreePlan() types.Plan
	// Plans lists every plan in catalog order.
	Plans() []types.Plan
}

// Plan ids of the built-in catalog.
const (
	PlanFree       = "free"
	PlanTeam       = "team"
	PlanBusiness   = "business"
	PlanEnterprise = "enterprise"
)

// defaultPlans is the built-in catalog. Enterprise prices are negotiated per
// quote, so its list price is zero. Zero limits mean unlimited.
var defaultPlans = []types.Plan{
	{
		ID:       PlanFree,
		Name:     "Free",
		Tier:     types.TierFree,
		Currency: "eur",
		Limits: types.PlanLimits{
			MaxEvents:               2,
			MaxParticipantsPerEvent: 25,
			MaxVehiclesPerEvent:     5,
			MaxAdmins:               1,
		},
	},
	{
		ID:                PlanTeam,
		Name:              "Team",
		Tier:              types.TierSelfServe,
		MonthlyPriceCents: 2900,
		AnnualPriceCents:  29000,
		Currency:          "eur",
		Limits: types.PlanLimits{
			MaxEvents:               20,
			MaxParticipantsPerEvent: 150,
			MaxVehiclesPerEvent:     40,
			MaxAdmins:               3,
		},
	},
	{
		ID:                PlanBusiness,
		Name:              "Business",
		Tier:              types.TierSelfServe,
		MonthlyPriceCents: 9900,
		AnnualPriceCents:  99000,
		Currency:          "eur",
		Limits: types.PlanLimits{
			MaxEvents:               100,
			MaxParticipantsPerEvent: 1000,
			MaxVehiclesPerEvent:     250,
			MaxAdmins:               10,
		},
	},
	{
		ID:       PlanEnterprise,
		Name:     "Enterprise",
		Tier:     types.TierQuoteGated,
		Currency: "eur",
	},
}

type staticCatalog struct {
	plans   map[string]types.Plan
	free    types.Plan
	ordered []types.Plan
}

// NewStaticCatalog returns the built-in catalog.
func NewStaticCatalog() Catalog {
	c, _ := NewCatalog(defaultPlans)
	return c
}

// NewStaticCatalogIn returns the built-in catalog priced in currency.
func NewStaticCatalogIn(currency string) Catalog {
	plans := make([]types.Plan, len(defaultPlans))
	for i, p := range defaultPlans {
		p.Currency = strings.ToLower(currency)
		plans[i] = p
	}
	c, _ := NewCatalog(plans)
	return c
}

// NewCatalog builds a catalog from plans. Exactly one free-tier plan is
// required and every tier must be known.
func NewCatalog(plans []types.Plan) (Catalog, error) {
	c := &staticCatalog{plans: make(map[string]types.Plan, len(plans))}
	frees := 0
	for _, p := range plans {
		if p.ID == "" || !p.Tier.Valid() {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan, "catalog plan has no id or an unknown tier", nil).
				WithDetails(map[string]any{"plan_id": p.ID, "tier": string(p.Tier)})
		}
		if p.IsFree() {
			c.free = p
			frees++
		}
		c.plans[p.ID] = p
		c.ordered = append(c.ordered, p)
	}
	if frees != 1 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan, "catalog must contain exactly one free plan", nil)
	}
	return c, nil
}

func (c *staticCatalog) Plan(id string) (types.Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

func (c *staticCatalog) FreePlan() types.Plan {
	return c.free
}

func (c *staticCatalog) Plans() []types.Plan {
	out := make([]types.Plan, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// lookupPlan resolves id against the catalog or returns a not-found error.
func lookupPlan(c Catalog, id string) (types.Plan, error) {
	p, ok := c.Plan(id)
	if !ok {
		return types.Plan{}, types.NewAppErrorWithDetails(types.ErrCodeNotFoundPlan, "plan not found", nil,
			map[string]any{"plan_id": id})
	}
	return p, nil
}
