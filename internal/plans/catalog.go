package plans

import (
	"fmt"
	"maps"
	"slices"
	"sort"
)

// Unlimited is the reserved limit value meaning "no cap".
const Unlimited = -1

// Resource types metered by the quota core.
const (
	ResourceStockReport       = "stock_report"
	ResourcePortfolioAnalysis = "portfolio_analysis"
)

// Plan is immutable reference data describing a subscription tier.
type Plan struct {
	ID           string         `json:"plan_id" yaml:"id"`
	DisplayName  string         `json:"display_name" yaml:"display_name"`
	Limits       map[string]int `json:"limits" yaml:"limits"`
	Features     []string       `json:"features" yaml:"features"`
	PriceMonthly float64        `json:"price_monthly" yaml:"price_monthly"`
	IsActive     bool           `json:"is_active" yaml:"is_active"`
	SortOrder    int            `json:"sort_order" yaml:"sort_order"`
}

// Catalog is a read-only registry of plans. It is safe for concurrent use
// because nothing mutates it after construction.
type Catalog struct {
	plans       map[string]Plan
	defaultPlan string
	resources   []string
}

// NewCatalog builds a catalog. The default plan must be among the given plans.
func NewCatalog(defaultPlanID string, plans ...Plan) (*Catalog, error) {
	c := &Catalog{
		plans:       make(map[string]Plan, len(plans)),
		defaultPlan: defaultPlanID,
	}

	seen := make(map[string]struct{})
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan with empty id")
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan %q", p.ID)
		}
		for r, limit := range p.Limits {
			if limit < 0 && limit != Unlimited {
				return nil, fmt.Errorf("plan %q: invalid limit %d for %q", p.ID, limit, r)
			}
			seen[r] = struct{}{}
		}
		p.Limits = maps.Clone(p.Limits)
		p.Features = slices.Clone(p.Features)
		c.plans[p.ID] = p
	}

	if _, ok := c.plans[defaultPlanID]; !ok {
		return nil, fmt.Errorf("default plan %q is not defined", defaultPlanID)
	}

	c.resources = slices.Sorted(maps.Keys(seen))
	return c, nil
}

// DefaultCatalog returns the built-in plan table with "free" as the default.
func DefaultCatalog() *Catalog {
	c, err := Builtin("free")
	if err != nil {
		panic(fmt.Sprintf("built-in plan table is invalid: %v", err))
	}
	return c
}

// Builtin returns the built-in plan table with defaultPlanID as the default.
func Builtin(defaultPlanID string) (*Catalog, error) {
	return NewCatalog(defaultPlanID, builtinPlans()...)
}

func builtinPlans() []Plan {
	return []Plan{
		{
			ID:          "free",
			DisplayName: "Free",
			Limits: map[string]int{
				ResourceStockReport:       3,
				ResourcePortfolioAnalysis: 1,
			},
			Features:  []string{"Basic stock reports", "Community support"},
			IsActive:  true,
			SortOrder: 0,
		},
		{
			ID:          "basic",
			DisplayName: "Basic",
			Limits: map[string]int{
				ResourceStockReport:       30,
				ResourcePortfolioAnalysis: 10,
			},
			Features:     []string{"Detailed stock reports", "Export to PDF", "Email support"},
			PriceMonthly: 9.99,
			IsActive:     true,
			SortOrder:    1,
		},
		{
			ID:          "pro",
			DisplayName: "Pro",
			Limits: map[string]int{
				ResourceStockReport:       200,
				ResourcePortfolioAnalysis: 50,
			},
			Features:     []string{"Everything in Basic", "Portfolio analysis", "WordPress publishing", "Priority support"},
			PriceMonthly: 29.99,
			IsActive:     true,
			SortOrder:    2,
		},
		{
			ID:          "enterprise",
			DisplayName: "Enterprise",
			Limits: map[string]int{
				ResourceStockReport:       Unlimited,
				ResourcePortfolioAnalysis: Unlimited,
			},
			Features:     []string{"Everything in Pro", "Unlimited reports", "Dedicated account manager"},
			PriceMonthly: 99.99,
			IsActive:     true,
			SortOrder:    3,
		},
	}
}

// IsUnlimited reports whether limit is the unlimited sentinel.
func IsUnlimited(limit int) bool {
	return limit == Unlimited
}

// DefaultPlanID returns the plan assigned to users that have none.
func (c *Catalog) DefaultPlanID() string {
	return c.defaultPlan
}

// Plan looks up a plan by id.
func (c *Catalog) Plan(planID string) (Plan, bool) {
	p, ok := c.plans[planID]
	if !ok {
		return Plan{}, false
	}
	p.Limits = maps.Clone(p.Limits)
	p.Features = slices.Clone(p.Features)
	return p, true
}

// LimitsFor returns a copy of the plan's limits, falling back to the default
// plan when planID is unknown.
func (c *Catalog) LimitsFor(planID string) map[string]int {
	p, ok := c.plans[planID]
	if !ok {
		p = c.plans[c.defaultPlan]
	}
	return maps.Clone(p.Limits)
}

// Plans returns every plan ordered by SortOrder, then id.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for id := range c.plans {
		p, _ := c.Plan(id)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resources lists every resource type any plan defines a limit for.
func (c *Catalog) Resources() []string {
	return slices.Clone(c.resources)
}

// KnownResource reports whether some plan meters resource.
func (c *Catalog) KnownResource(resource string) bool {
	_, found := slices.BinarySearch(c.resources, resource)
	return found
}

// UpgradeFor returns the cheapest active plan that grants more of resource
// than planID does. Unlimited beats any finite limit.
func (c *Catalog) UpgradeFor(planID, resource string) (Plan, bool) {
	current := c.LimitsFor(planID)[resource]
	if IsUnlimited(current) {
		return Plan{}, false
	}

	var best Plan
	found := false
	for _, p := range c.Plans() {
		if !p.IsActive || p.ID == planID {
			continue
		}
		limit, ok := p.Limits[resource]
		if !ok {
			continue
		}
		if !IsUnlimited(limit) && limit <= current {
			continue
		}
		if !found || p.PriceMonthly < best.PriceMonthly {
			best = p
			found = true
		}
	}
	return best, found
}
