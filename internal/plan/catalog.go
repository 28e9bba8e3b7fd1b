// Package plan is the single source of truth mapping Stripe price ids
// to internal plans and token allocations. The catalog is read-only at
// runtime; changing a plan requires a deploy.
package plan

import "strings"

// Plan names. Tier ranks order plans for the cleanup "best row to keep"
// decision: a higher tier always beats a lower one.
const (
	Free      = "free"
	Pro       = "pro"
	Unlimited = "unlimited"
)

// BillingCycle selects which price id of a plan applies.
type BillingCycle string

const (
	Monthly BillingCycle = "monthly"
	Yearly  BillingCycle = "yearly"
)

// ParseBillingCycle normalizes a user-supplied cycle string.
func ParseBillingCycle(s string) (BillingCycle, bool) {
	switch strings.ToLower(s) {
	case "monthly", "month":
		return Monthly, true
	case "yearly", "year", "annual":
		return Yearly, true
	}
	return "", false
}

// Plan is one static catalog entry.
type Plan struct {
	Name string

	// Tier ranks plans; used by cleanup to pick the best row to keep.
	Tier int

	// Tokens granted when the subscription is first activated, and on
	// each renewal for plans with RenewalCredit set.
	Tokens int64

	// RenewalCredit marks plans that are re-credited on paid renewal
	// invoices. Free never renews; paid plans do.
	RenewalCredit bool

	// PriceIDs maps billing cycle to the Stripe price id. Empty for the
	// implicit free plan, which has no provider-side subscription.
	PriceIDs map[BillingCycle]string
}

// PriceIDs carries the environment-specific Stripe price ids the
// catalog is built with. The plan structure itself never changes at
// runtime; only these identifiers differ between test and live mode.
type PriceIDs struct {
	ProMonthly       string
	ProYearly        string
	UnlimitedMonthly string
	UnlimitedYearly  string
}

// Catalog resolves plans by name and by Stripe price id.
type Catalog struct {
	plans   map[string]Plan
	byPrice map[string]priceRef
}

type priceRef struct {
	plan  string
	cycle BillingCycle
}

// New builds the catalog from the configured price ids.
func New(prices PriceIDs) *Catalog {
	plans := map[string]Plan{
		Free: {
			Name:   Free,
			Tier:   1,
			Tokens: 25,
		},
		Pro: {
			Name:          Pro,
			Tier:          2,
			Tokens:        150,
			RenewalCredit: true,
			PriceIDs: map[BillingCycle]string{
				Monthly: prices.ProMonthly,
				Yearly:  prices.ProYearly,
			},
		},
		Unlimited: {
			Name:          Unlimited,
			Tier:          3,
			Tokens:        1000,
			RenewalCredit: true,
			PriceIDs: map[BillingCycle]string{
				Monthly: prices.UnlimitedMonthly,
				Yearly:  prices.UnlimitedYearly,
			},
		},
	}

	byPrice := make(map[string]priceRef)
	for name, p := range plans {
		for cycle, priceID := range p.PriceIDs {
			if priceID == "" {
				continue
			}
			byPrice[priceID] = priceRef{plan: name, cycle: cycle}
		}
	}

	return &Catalog{plans: plans, byPrice: byPrice}
}

// ByName returns the plan with the given name.
func (c *Catalog) ByName(name string) (Plan, bool) {
	p, ok := c.plans[strings.ToLower(name)]
	return p, ok
}

// ByPriceID resolves a Stripe price id to its plan and billing cycle.
func (c *Catalog) ByPriceID(priceID string) (Plan, BillingCycle, bool) {
	ref, ok := c.byPrice[priceID]
	if !ok {
		return Plan{}, "", false
	}
	return c.plans[ref.plan], ref.cycle, true
}

// PriceID returns the Stripe price id for a plan and cycle.
func (c *Catalog) PriceID(name string, cycle BillingCycle) (string, bool) {
	p, ok := c.plans[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	id, ok := p.PriceIDs[cycle]
	return id, ok && id != ""
}

// Tier returns the tier rank for a plan name, 0 for unknown plans.
// Unknown plans therefore always lose the cleanup comparison.
func (c *Catalog) Tier(name string) int {
	p, ok := c.plans[strings.ToLower(name)]
	if !ok {
		return 0
	}
	return p.Tier
}
